package bls

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"

	blst "github.com/supranational/blst/bindings/go"
)

// Share transport encryption: ephemeral ECIES on G1. The sender derives
// key = H(dst || 0x00 || recipientPk^e) and ships g1^e || nonce || AES-GCM
// ciphertext. The nonce is random and travels inside the blob, so one blob
// is self-contained.
const iesDST = "QUORUM-DKG-V1-IES"

func sharedKey(point []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(iesDST))
	h.Write([]byte{0})
	h.Write(point)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func sealAES(key [32]byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return append(nonce, gcm.Seal(nil, nonce, plaintext, nil)...), nil
}

func openAES(key [32]byte, blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize() {
		return nil, ErrInvalidShare
	}
	return gcm.Open(nil, blob[:gcm.NonceSize()], blob[gcm.NonceSize():], nil)
}

// EncryptShare encrypts a dealt share to the recipient's compressed G1
// operator key. Output layout: compressed ephemeral point || sealed blob.
func EncryptShare(recipientPk []byte, share []byte) ([]byte, error) {
	var pkAff blst.P1Affine
	if pkAff.Uncompress(recipientPk) == nil {
		return nil, ErrInvalidPoint
	}
	eph, err := randScalar(rand.Reader)
	if err != nil {
		return nil, err
	}
	ephPub := blst.P1Generator().Mult(eph).ToAffine().Compress()

	var pkJac blst.P1
	pkJac.FromAffine(&pkAff)
	pkJac.MultAssign(eph)
	blob, err := sealAES(sharedKey(pkJac.ToAffine().Compress()), share)
	if err != nil {
		return nil, err
	}
	return append(ephPub, blob...), nil
}

// DecryptShare reverses EncryptShare with the recipient's secret key.
func DecryptShare(sk *SecretKey, blob []byte) ([]byte, error) {
	if sk == nil || len(blob) <= PubKeyBytes {
		return nil, ErrInvalidParams
	}
	var ephAff blst.P1Affine
	if ephAff.Uncompress(blob[:PubKeyBytes]) == nil {
		return nil, ErrInvalidPoint
	}
	var ephJac blst.P1
	ephJac.FromAffine(&ephAff)
	ephJac.MultAssign(sk.s)
	return openAES(sharedKey(ephJac.ToAffine().Compress()), blob[PubKeyBytes:])
}
