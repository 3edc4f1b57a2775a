package cryptocore

import (
	"crypto/ecdh"
	"crypto/rand"

	"github.com/silentrelay/e2ee-core/internal/errs"
)

// ECDHKeyPair is a P-256 (secp256r1) ephemeral or long-term ECDH key pair.
type ECDHKeyPair struct {
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

// GenerateECDHKeyPair generates a fresh P-256 ECDH key pair. Used for KEP
// ephemerals (discarded after one round); the self-storage key is derived
// from the KEP root key by HKDF in kep.DeriveKeys, not from a separate pair.
func GenerateECDHKeyPair() (*ECDHKeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, errs.Wrap(errs.CryptoError, "cryptocore.GenerateECDHKeyPair", "keygen failed", err)
	}
	return &ECDHKeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// ECDH performs the P-256 Diffie-Hellman computation. The raw shared bits are
// never used directly as a key per spec §4.1 — callers must pass the result
// through HKDF before use.
func ECDH(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) ([]byte, error) {
	z, err := priv.ECDH(pub)
	if err != nil {
		return nil, errs.Wrap(errs.CryptoError, "cryptocore.ECDH", "dh computation failed", err)
	}
	return z, nil
}

// ParseECDHPublicKey parses an uncompressed P-256 public key (the SEC1
// x963-encoded form, i.e. 0x04||X||Y) as produced by ECDHKeyPair.Public.Bytes().
func ParseECDHPublicKey(raw []byte) (*ecdh.PublicKey, error) {
	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, errs.Wrap(errs.CryptoError, "cryptocore.ParseECDHPublicKey", "malformed public key", err)
	}
	return pub, nil
}
