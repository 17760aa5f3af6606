package quorum

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/zmlAEQ/quorum-node/internal/chain"
)

// Deterministic hash constructions shared by every node. All multi-field
// hashes use fixed-width big-endian framing so byte layouts cannot collide.

func hashConcat(parts ...[]byte) chain.Hash {
	h := sha256.New()
	for _, p := range parts {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(p)))
		h.Write(n[:])
		h.Write(p)
	}
	var out chain.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// HashBytes is the digest used for pending-buffer dedup and INV bookkeeping.
func HashBytes(b []byte) chain.Hash {
	var out chain.Hash
	s := sha256.Sum256(b)
	copy(out[:], s[:])
	return out
}

// BuildModifier derives the per-quorum scoring modifier H(type, baseHash).
func BuildModifier(t Type, baseHash chain.Hash) chain.Hash {
	return hashConcat([]byte{byte(t)}, baseHash[:])
}

// ScoreMember computes the quorum selection score
// H(confirmedHashWithProTxHash, modifier), compared as a 256-bit unsigned int.
func ScoreMember(confirmedWithProTx chain.Hash, modifier chain.Hash) chain.Hash {
	h := sha256.New()
	h.Write(confirmedWithProTx[:])
	h.Write(modifier[:])
	var out chain.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// BuildSignHash is the digest a member signs over a protocol message:
// H(type, quorumHash, proTxHash, msgHash). Distinct per signer, which keeps
// aggregate verification sound.
func BuildSignHash(t Type, quorumHash, proTxHash, msgHash chain.Hash) chain.Hash {
	return hashConcat([]byte{byte(t)}, quorumHash[:], proTxHash[:], msgHash[:])
}

// BuildCommitmentHash binds a premature commitment's consensus view:
// H(type, quorumHash, validMembers, quorumPubKey, vvecHash).
func BuildCommitmentHash(t Type, quorumHash chain.Hash, validMembers Bitset, pubKey []byte, vvecHash chain.Hash) chain.Hash {
	return hashConcat([]byte{byte(t)}, quorumHash[:], validMembers, pubKey, vvecHash[:])
}

// DeterministicOutbound selects which of the two members initiates the
// connection. Comparing the raw hashes would bias low-hash members, so both
// sides hash the ordered pair with themselves appended and the smaller
// result initiates.
func DeterministicOutbound(a, b chain.Hash) chain.Hash {
	lo, hi := a, b
	if hi.Compare(lo) < 0 {
		lo, hi = hi, lo
	}
	ha := hashConcat(lo[:], hi[:], a[:])
	hb := hashConcat(lo[:], hi[:], b[:])
	if ha.Compare(hb) < 0 {
		return a
	}
	return b
}

// Bitset is a little-endian bit-per-member set sized to the member list.
type Bitset []byte

func NewBitset(n int) Bitset { return make(Bitset, (n+7)/8) }

func (bs Bitset) Set(i int, v bool) {
	if i < 0 || i/8 >= len(bs) {
		return
	}
	if v {
		bs[i/8] |= 1 << (uint(i) % 8)
	} else {
		bs[i/8] &^= 1 << (uint(i) % 8)
	}
}

func (bs Bitset) Get(i int) bool {
	if i < 0 || i/8 >= len(bs) {
		return false
	}
	return bs[i/8]&(1<<(uint(i)%8)) != 0
}

func (bs Bitset) Count() int {
	n := 0
	for _, b := range bs {
		for b != 0 {
			n += int(b & 1)
			b >>= 1
		}
	}
	return n
}

func (bs Bitset) Equal(o Bitset) bool {
	if len(bs) != len(o) {
		return false
	}
	for i := range bs {
		if bs[i] != o[i] {
			return false
		}
	}
	return true
}

func (bs Bitset) Clone() Bitset {
	out := make(Bitset, len(bs))
	copy(out, bs)
	return out
}
