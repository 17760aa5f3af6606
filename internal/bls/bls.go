package bls

import (
	"crypto/rand"
	"errors"
	"io"

	blst "github.com/supranational/blst/bindings/go"
)

// Scheme: public keys on G1 (48 bytes compressed), signatures on G2
// (96 bytes compressed), SHA-256 based hash-to-curve.
const sigDST = "QUORUM-DKG-V1-CS01-with-BLS12381G2_XMD:SHA-256_SSWU_RO_"

const (
	PubKeyBytes    = 48
	SignatureBytes = 96
	SecretKeyBytes = 32
)

var (
	ErrInvalidParams = errors.New("invalid params")
	ErrInvalidPoint  = errors.New("invalid point")
	ErrInvalidShare  = errors.New("invalid share")
)

// SecretKey wraps a scalar in the BLS12-381 order field.
type SecretKey struct {
	s *blst.Scalar
}

// GenSecretKey samples a fresh secret key from r.
func GenSecretKey(r io.Reader) (*SecretKey, error) {
	if r == nil {
		r = rand.Reader
	}
	s, err := randScalar(r)
	if err != nil {
		return nil, err
	}
	return &SecretKey{s: s}, nil
}

// SecretKeyFromBytes restores a secret key from its big-endian encoding.
func SecretKeyFromBytes(b []byte) (*SecretKey, error) {
	if len(b) != SecretKeyBytes {
		return nil, ErrInvalidParams
	}
	var s blst.Scalar
	if s.Deserialize(b) == nil {
		return nil, ErrInvalidShare
	}
	return &SecretKey{s: &s}, nil
}

func (k *SecretKey) Bytes() []byte { return k.s.Serialize() }

// PublicKey returns the compressed G1 public key g1^sk.
func (k *SecretKey) PublicKey() []byte {
	return blst.P1Generator().Mult(k.s).ToAffine().Compress()
}

// Sign produces a compressed G2 signature over msg.
func (k *SecretKey) Sign(msg []byte) []byte {
	var sec blst.SecretKey
	if sec.Deserialize(k.s.Serialize()) == nil {
		return nil
	}
	return new(blst.P2Affine).Sign(&sec, msg, []byte(sigDST)).Compress()
}

// Verify checks sig over msg under the compressed G1 public key pk.
func Verify(pk, msg, sig []byte) bool {
	var pkAff blst.P1Affine
	if pkAff.Uncompress(pk) == nil {
		return false
	}
	var sigAff blst.P2Affine
	if sigAff.Uncompress(sig) == nil {
		return false
	}
	return sigAff.Verify(true, &pkAff, true, msg, []byte(sigDST))
}

// AggregateSignatures sums compressed G2 signatures into one.
func AggregateSignatures(sigs [][]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, ErrInvalidParams
	}
	acc := new(blst.P2)
	for _, s := range sigs {
		var aff blst.P2Affine
		if aff.Uncompress(s) == nil {
			return nil, ErrInvalidPoint
		}
		var p blst.P2
		p.FromAffine(&aff)
		acc.AddAssign(&p)
	}
	return acc.ToAffine().Compress(), nil
}

// AggregateVerify checks one aggregated signature over per-signer messages.
// Message hashes must be distinct per signer; callers batch-verifying DKG
// messages fall back to single verification when they are not.
func AggregateVerify(pks [][]byte, msgs [][]byte, aggSig []byte) bool {
	if len(pks) == 0 || len(pks) != len(msgs) {
		return false
	}
	var sigAff blst.P2Affine
	if sigAff.Uncompress(aggSig) == nil {
		return false
	}
	arr := make([]*blst.P1Affine, 0, len(pks))
	for _, pk := range pks {
		var a blst.P1Affine
		if a.Uncompress(pk) == nil {
			return false
		}
		arr = append(arr, &a)
	}
	return sigAff.AggregateVerify(true, arr, true, msgs, []byte(sigDST))
}

// AggregatePublicKeys sums compressed G1 public keys into one.
func AggregatePublicKeys(pks [][]byte) ([]byte, error) {
	if len(pks) == 0 {
		return nil, ErrInvalidParams
	}
	acc := new(blst.P1)
	for _, pk := range pks {
		var aff blst.P1Affine
		if aff.Uncompress(pk) == nil {
			return nil, ErrInvalidPoint
		}
		var p blst.P1
		p.FromAffine(&aff)
		acc.AddAssign(&p)
	}
	return acc.ToAffine().Compress(), nil
}
