package identity

import (
	"encoding/json"

	"github.com/silentrelay/e2ee-core/internal/cryptocore"
	"github.com/silentrelay/e2ee-core/internal/errs"
)

// SaltSize is the PBKDF2 salt length spec §4.1 mandates for vault wrapping.
const SaltSize = 16

// WrappedPrivateKey is the at-rest form of a long-term identity private key:
// a PBKDF2-derived key has sealed the private JWK's canonical JSON under
// AES-256-GCM. Matches spec §4.2's "{wrappedKey, salt, iv}" record.
type WrappedPrivateKey struct {
	WrappedKey []byte `json:"wrappedKey"`
	Tag        []byte `json:"tag"`
	Salt       []byte `json:"salt"`
	IV         []byte `json:"iv"`
	Iterations int    `json:"iterations"`
}

// WrapPrivate seals priv's JWK encoding under a password-derived AES-256 key.
// An iterations value below cryptocore.PBKDF2MinIterations is raised to that
// floor rather than rejected, since the floor is a security minimum, not a
// format requirement.
func WrapPrivate(jwk *JWK, password string, iterations int) (*WrappedPrivateKey, error) {
	if iterations < cryptocore.PBKDF2MinIterations {
		iterations = cryptocore.PBKDF2MinIterations
	}
	salt, err := cryptocore.RandomBytes(SaltSize)
	if err != nil {
		return nil, errs.Wrap(errs.CryptoError, "identity.WrapPrivate", "salt generation failed", err)
	}
	kek, err := cryptocore.PBKDF2SHA256(password, salt, iterations, cryptocore.KeySize)
	if err != nil {
		return nil, err
	}
	plaintext, err := CanonicalJSON(jwk)
	if err != nil {
		return nil, err
	}
	sealed, err := cryptocore.Seal(kek, plaintext, nil)
	if err != nil {
		return nil, err
	}
	return &WrappedPrivateKey{
		WrappedKey: sealed.Ciphertext,
		Tag:        sealed.Tag,
		Salt:       salt,
		IV:         sealed.IV,
		Iterations: iterations,
	}, nil
}

// UnwrapPrivate recovers the private JWK from a vault record. A wrong
// password produces a GCM authentication failure, which is reported as
// errs.BadPassword rather than the generic errs.CryptoError Open returns,
// since the caller needs to distinguish "wrong password" from "corrupt data".
func UnwrapPrivate(wrapped *WrappedPrivateKey, password string) (*JWK, error) {
	if len(wrapped.Salt) != SaltSize {
		return nil, errs.New(errs.BadInput, "identity.UnwrapPrivate", "malformed salt")
	}
	kek, err := cryptocore.PBKDF2SHA256(password, wrapped.Salt, wrapped.Iterations, cryptocore.KeySize)
	if err != nil {
		return nil, err
	}
	plaintext, err := cryptocore.Open(kek, wrapped.IV, wrapped.WrappedKey, wrapped.Tag, nil)
	if err != nil {
		return nil, errs.Wrap(errs.BadPassword, "identity.UnwrapPrivate", "vault unlock failed", err)
	}
	var jwk JWK
	if err := json.Unmarshal(plaintext, &jwk); err != nil {
		return nil, errs.Wrap(errs.IntegrityError, "identity.UnwrapPrivate", "vault plaintext malformed", err)
	}
	return &jwk, nil
}
