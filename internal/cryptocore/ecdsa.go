package cryptocore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"

	"github.com/silentrelay/e2ee-core/internal/errs"
)

// SigningKeyPair is a long-term P-256 ECDSA identity key pair (spec §3
// IdentityKeyPair). Deterministic signing (RFC 6979) is not required by spec
// §4.1, so this uses Go's standard randomized ecdsa.Sign.
type SigningKeyPair struct {
	Private *ecdsa.PrivateKey
	Public  *ecdsa.PublicKey
}

// GenerateSigningKeyPair generates a new P-256 ECDSA identity key pair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errs.Wrap(errs.CryptoError, "cryptocore.GenerateSigningKeyPair", "keygen failed", err)
	}
	return &SigningKeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

// Sign computes an ECDSA-P256-SHA256 signature (ASN.1 DER encoded) over msg.
func Sign(priv *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	hash := sha256.Sum256(msg)
	sig, err := ecdsa.SignASN1(rand.Reader, priv, hash[:])
	if err != nil {
		return nil, errs.Wrap(errs.CryptoError, "cryptocore.Sign", "signing failed", err)
	}
	return sig, nil
}

// Verify checks an ECDSA-P256-SHA256 signature. It never returns a partial
// result: a malformed key or signature and an invalid signature both resolve
// to a plain boolean, with the caller (internal/kep) responsible for turning
// a false result into MITMDetected.
func Verify(pub *ecdsa.PublicKey, msg, sig []byte) bool {
	if pub == nil || len(sig) == 0 {
		return false
	}
	hash := sha256.Sum256(msg)
	return ecdsa.VerifyASN1(pub, hash[:], sig)
}
