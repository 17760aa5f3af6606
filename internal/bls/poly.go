package bls

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"sort"

	blst "github.com/supranational/blst/bindings/go"
)

// Feldman VSS over BLS12-381: a dealer commits to a degree t-1 polynomial
// with C_j = g1^{a_j} and deals share f(i) to the member at 1-based index i.

func randScalar(r io.Reader) (*blst.Scalar, error) {
	var ikm [32]byte
	if _, err := io.ReadFull(r, ikm[:]); err != nil {
		return nil, err
	}
	sk := blst.KeyGen(ikm[:], nil)
	if sk == nil {
		return nil, errors.New("bad randomness")
	}
	return sk, nil
}

func scalarFromInt(v int) *blst.Scalar {
	var buf [blst.BLST_SCALAR_BYTES]byte
	binary.BigEndian.PutUint64(buf[len(buf)-8:], uint64(v))
	var s blst.Scalar
	_ = s.FromBEndian(buf[:])
	return &s
}

// Polynomial is a dealer's secret sharing polynomial.
type Polynomial struct {
	coeffs []*blst.Scalar
}

// NewPolynomial samples a polynomial of degree threshold-1. The free
// coefficient is the dealer's secret contribution to the quorum key.
func NewPolynomial(threshold int, r io.Reader) (*Polynomial, error) {
	if threshold <= 0 {
		return nil, ErrInvalidParams
	}
	if r == nil {
		r = rand.Reader
	}
	coeffs := make([]*blst.Scalar, 0, threshold)
	for j := 0; j < threshold; j++ {
		c, err := randScalar(r)
		if err != nil {
			return nil, err
		}
		coeffs = append(coeffs, c)
	}
	return &Polynomial{coeffs: coeffs}, nil
}

// Evaluate returns f(x) as a serialized scalar. x must be a positive share
// index; f(0) is the secret and is never dealt.
func (p *Polynomial) Evaluate(x int) ([]byte, error) {
	if len(p.coeffs) == 0 || x <= 0 {
		return nil, ErrInvalidParams
	}
	xs := scalarFromInt(x)
	acc := scalarFromInt(0)
	pow := scalarFromInt(1)
	for _, c := range p.coeffs {
		term, ok := c.Mul(pow)
		if !ok {
			return nil, ErrInvalidShare
		}
		if _, ok := acc.AddAssign(term); !ok {
			return nil, ErrInvalidShare
		}
		nxt, ok := pow.Mul(xs)
		if !ok {
			return nil, ErrInvalidShare
		}
		pow = nxt
	}
	return acc.Serialize(), nil
}

// Commitments returns the verification vector C_j = g1^{a_j} as compressed
// G1 points.
func (p *Polynomial) Commitments() ([][]byte, error) {
	if len(p.coeffs) == 0 {
		return nil, ErrInvalidParams
	}
	out := make([][]byte, 0, len(p.coeffs))
	for _, c := range p.coeffs {
		out = append(out, blst.P1Generator().Mult(c).ToAffine().Compress())
	}
	return out, nil
}

// VerifyShare checks g1^{share} == Σ C_j * x^j against a verification vector.
func VerifyShare(share []byte, x int, commitments [][]byte) (bool, error) {
	if len(share) == 0 || x <= 0 || len(commitments) == 0 {
		return false, ErrInvalidParams
	}
	var sv blst.Scalar
	if sv.Deserialize(share) == nil {
		return false, ErrInvalidShare
	}
	lhs := blst.P1Generator().Mult(&sv).ToAffine().Compress()

	xs := scalarFromInt(x)
	pow := scalarFromInt(1)
	acc := new(blst.P1)
	for _, cBytes := range commitments {
		var aff blst.P1Affine
		if aff.Uncompress(cBytes) == nil {
			return false, ErrInvalidPoint
		}
		var p blst.P1
		p.FromAffine(&aff)
		p.MultAssign(pow)
		acc.AddAssign(&p)
		nxt, ok := pow.Mul(xs)
		if !ok {
			return false, ErrInvalidShare
		}
		pow = nxt
	}
	rhs := acc.ToAffine().Compress()
	if len(lhs) != len(rhs) {
		return false, nil
	}
	for i := range lhs {
		if lhs[i] != rhs[i] {
			return false, nil
		}
	}
	return true, nil
}

// AddShares sums serialized scalar shares. A member's final quorum secret
// share is the sum of every valid contribution's share for its index.
func AddShares(shares [][]byte) ([]byte, error) {
	if len(shares) == 0 {
		return nil, ErrInvalidParams
	}
	acc := scalarFromInt(0)
	for _, b := range shares {
		var s blst.Scalar
		if s.Deserialize(b) == nil {
			return nil, ErrInvalidShare
		}
		if _, ok := acc.AddAssign(&s); !ok {
			return nil, ErrInvalidShare
		}
	}
	return acc.Serialize(), nil
}

// Share is a 1-based indexed secret share.
type Share struct {
	Index int
	Value []byte
}

func lagrangeAtZero(i int, indices []int) (*blst.Scalar, error) {
	if i <= 0 || len(indices) == 0 {
		return nil, ErrInvalidParams
	}
	xi := scalarFromInt(i)
	num := scalarFromInt(1)
	den := scalarFromInt(1)
	zero := scalarFromInt(0)
	for _, j := range indices {
		if j == i {
			continue
		}
		if j <= 0 {
			return nil, ErrInvalidParams
		}
		xj := scalarFromInt(j)
		neg, ok := zero.Sub(xj)
		if !ok {
			return nil, ErrInvalidShare
		}
		num, ok = num.Mul(neg)
		if !ok {
			return nil, ErrInvalidShare
		}
		diff, ok := xi.Sub(xj)
		if !ok {
			return nil, ErrInvalidShare
		}
		den, ok = den.Mul(diff)
		if !ok {
			return nil, ErrInvalidShare
		}
	}
	inv := den.Inverse()
	out, ok := num.Mul(inv)
	if !ok {
		return nil, ErrInvalidShare
	}
	return out, nil
}

// RecoverSecret Lagrange-combines k shares at x=0. Used by integrators for
// threshold signing recovery; the DKG itself only deals and verifies shares.
func RecoverSecret(shares []Share, k int) ([]byte, error) {
	if k <= 0 || len(shares) < k {
		return nil, ErrInvalidParams
	}
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
	acc := scalarFromInt(0)
	for _, s := range shares {
		coeff, err := lagrangeAtZero(s.Index, indices)
		if err != nil {
			return nil, err
		}
		var sv blst.Scalar
		if sv.Deserialize(s.Value) == nil {
			return nil, ErrInvalidShare
		}
		term, ok := sv.Mul(coeff)
		if !ok {
			return nil, ErrInvalidShare
		}
		if _, ok := acc.AddAssign(term); !ok {
			return nil, ErrInvalidShare
		}
	}
	return acc.Serialize(), nil
}
