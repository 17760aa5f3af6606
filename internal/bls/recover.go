package bls

import (
	"sort"

	blst "github.com/supranational/blst/bindings/go"
)

// RecoverSignature Lagrange-combines k threshold signature shares (compressed
// G2, indexed by 1-based member index) into the quorum signature at x=0.
func RecoverSignature(shares []Share, k int) ([]byte, error) {
	if k <= 0 || len(shares) < k {
		return nil, ErrInvalidParams
	}
	// Deterministic subset: smallest k indices.
	sort.Slice(shares, func(i, j int) bool { return shares[i].Index < shares[j].Index })
	shares = shares[:k]

	indices := make([]int, 0, len(shares))
	seen := map[int]struct{}{}
	for _, s := range shares {
		if s.Index <= 0 || len(s.Value) == 0 {
			return nil, ErrInvalidParams
		}
		if _, ok := seen[s.Index]; ok {
			return nil, ErrInvalidParams
		}
		seen[s.Index] = struct{}{}
		indices = append(indices, s.Index)
	}

	acc := new(blst.P2)
	for _, s := range shares {
		coeff, err := lagrangeAtZero(s.Index, indices)
		if err != nil {
			return nil, err
		}
		var aff blst.P2Affine
		if aff.Uncompress(s.Value) == nil {
			return nil, ErrInvalidPoint
		}
		var p blst.P2
		p.FromAffine(&aff)
		p.MultAssign(coeff)
		acc.AddAssign(&p)
	}
	return acc.ToAffine().Compress(), nil
}
