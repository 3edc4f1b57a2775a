package identity

import (
	"github.com/silentrelay/e2ee-core/internal/cryptocore"
)

// KeyPair is a user's long-term P-256 identity key pair in its two wire
// forms: the public JWK that gets published and the wrapped private JWK that
// gets persisted locally.
type KeyPair struct {
	Public  *JWK
	Wrapped *WrappedPrivateKey
}

// GenerateIdentity creates a fresh long-term identity key pair and
// immediately wraps the private half under password, so the caller never
// holds bare key material longer than it takes to build the vault record.
func GenerateIdentity(password string) (*KeyPair, error) {
	kp, err := cryptocore.GenerateSigningKeyPair()
	if err != nil {
		return nil, err
	}
	wrapped, err := WrapPrivate(PrivateJWK(kp.Private), password, cryptocore.PBKDF2MinIterations)
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		Public:  PublicJWK(kp.Public),
		Wrapped: wrapped,
	}, nil
}

// Unlock recovers the ECDSA private key from a vault record, for use in KEP
// signing.
func Unlock(wrapped *WrappedPrivateKey, password string) (*JWK, error) {
	return UnwrapPrivate(wrapped, password)
}
