package bls

import (
    "bytes"
    "crypto/rand"
    "testing"
)

func TestSignVerify(t *testing.T) {
    sk, err := GenSecretKey(rand.Reader)
    if err != nil {
        t.Fatalf("gen: %v", err)
    }
    msg := []byte("quorum message")
    sig := sk.Sign(msg)
    if sig == nil {
        t.Fatalf("sign returned nil")
    }
    if !Verify(sk.PublicKey(), msg, sig) {
        t.Fatalf("valid signature rejected")
    }
    if Verify(sk.PublicKey(), []byte("other"), sig) {
        t.Fatalf("wrong message accepted")
    }
    other, _ := GenSecretKey(rand.Reader)
    if Verify(other.PublicKey(), msg, sig) {
        t.Fatalf("wrong key accepted")
    }
}

func TestSecretKeyRoundTrip(t *testing.T) {
    sk, _ := GenSecretKey(rand.Reader)
    restored, err := SecretKeyFromBytes(sk.Bytes())
    if err != nil {
        t.Fatalf("restore: %v", err)
    }
    if !bytes.Equal(sk.PublicKey(), restored.PublicKey()) {
        t.Fatalf("restored key differs")
    }
}

func TestAggregateVerify(t *testing.T) {
    var pks, msgs, sigs [][]byte
    for i := 0; i < 4; i++ {
        sk, _ := GenSecretKey(rand.Reader)
        msg := []byte{byte(i), 0xAA}
        pks = append(pks, sk.PublicKey())
        msgs = append(msgs, msg)
        sigs = append(sigs, sk.Sign(msg))
    }
    agg, err := AggregateSignatures(sigs)
    if err != nil {
        t.Fatalf("aggregate: %v", err)
    }
    if !AggregateVerify(pks, msgs, agg) {
        t.Fatalf("valid aggregate rejected")
    }
    msgs[0][1] ^= 1
    if AggregateVerify(pks, msgs, agg) {
        t.Fatalf("tampered aggregate accepted")
    }
}

func TestFeldmanShareVerify(t *testing.T) {
    const threshold = 3
    poly, err := NewPolynomial(threshold, rand.Reader)
    if err != nil {
        t.Fatalf("poly: %v", err)
    }
    vvec, err := poly.Commitments()
    if err != nil {
        t.Fatalf("commitments: %v", err)
    }
    if len(vvec) != threshold {
        t.Fatalf("want %d commitments, got %d", threshold, len(vvec))
    }
    for x := 1; x <= 5; x++ {
        share, err := poly.Evaluate(x)
        if err != nil {
            t.Fatalf("evaluate(%d): %v", x, err)
        }
        ok, err := VerifyShare(share, x, vvec)
        if err != nil || !ok {
            t.Fatalf("valid share %d rejected: %v", x, err)
        }
        ok, _ = VerifyShare(share, x+1, vvec)
        if ok {
            t.Fatalf("share accepted under wrong index")
        }
    }
}

func TestRecoverSecret(t *testing.T) {
    const threshold = 3
    poly, _ := NewPolynomial(threshold, rand.Reader)
    var shares []Share
    for x := 1; x <= 5; x++ {
        v, _ := poly.Evaluate(x)
        shares = append(shares, Share{Index: x, Value: v})
    }
    rec, err := RecoverSecret(shares, threshold)
    if err != nil {
        t.Fatalf("recover: %v", err)
    }
    // The recovered secret must match f(0): its public key equals the
    // first Feldman commitment.
    sk, err := SecretKeyFromBytes(rec)
    if err != nil {
        t.Fatalf("recovered scalar invalid: %v", err)
    }
    vvec, _ := poly.Commitments()
    if !bytes.Equal(sk.PublicKey(), vvec[0]) {
        t.Fatalf("recovered secret does not match commitment")
    }
}

func TestThresholdSignatureRecovery(t *testing.T) {
    const threshold = 2
    poly, _ := NewPolynomial(threshold, rand.Reader)
    msg := []byte("commitment hash")

    var sigShares []Share
    for x := 1; x <= 3; x++ {
        v, _ := poly.Evaluate(x)
        sk, err := SecretKeyFromBytes(v)
        if err != nil {
            t.Fatalf("share scalar: %v", err)
        }
        sigShares = append(sigShares, Share{Index: x, Value: sk.Sign(msg)})
    }
    quorumSig, err := RecoverSignature(sigShares, threshold)
    if err != nil {
        t.Fatalf("recover signature: %v", err)
    }
    vvec, _ := poly.Commitments()
    if !Verify(vvec[0], msg, quorumSig) {
        t.Fatalf("recovered quorum signature invalid under group key")
    }
}

func TestShareEncryption(t *testing.T) {
    recipient, _ := GenSecretKey(rand.Reader)
    share := []byte("thirty-two-byte-share-material!!")

    blob, err := EncryptShare(recipient.PublicKey(), share)
    if err != nil {
        t.Fatalf("encrypt: %v", err)
    }
    plain, err := DecryptShare(recipient, blob)
    if err != nil {
        t.Fatalf("decrypt: %v", err)
    }
    if !bytes.Equal(plain, share) {
        t.Fatalf("roundtrip mismatch")
    }

    eavesdropper, _ := GenSecretKey(rand.Reader)
    if _, err := DecryptShare(eavesdropper, blob); err == nil {
        t.Fatalf("wrong key decrypted the share")
    }

    blob[len(blob)-1] ^= 1
    if _, err := DecryptShare(recipient, blob); err == nil {
        t.Fatalf("tampered blob accepted")
    }
}
