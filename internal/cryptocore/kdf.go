package cryptocore

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"github.com/silentrelay/e2ee-core/internal/errs"
)

// PBKDF2MinIterations is the floor spec §4.1 sets for wrapping long-term
// private keys: "≥100,000 iterations, 16-byte random salt, 256-bit output".
const PBKDF2MinIterations = 100_000

// HKDFSHA256 derives outputLen bytes of key material from ikm using
// extract-then-expand HKDF-SHA256, matching spec §4.1/§4.3 exactly (salt and
// info are both explicit, never implicit/empty unless the caller passes nil).
func HKDFSHA256(ikm, salt, info []byte, outputLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, outputLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, errs.Wrap(errs.CryptoError, "cryptocore.HKDFSHA256", "derivation failed", err)
	}
	return out, nil
}

// PBKDF2SHA256 derives a key from a password using PBKDF2-HMAC-SHA256 with at
// least PBKDF2MinIterations rounds, per spec §4.1/§4.2's vault-wrapping key.
func PBKDF2SHA256(password string, salt []byte, iterations, keyLen int) ([]byte, error) {
	if iterations < PBKDF2MinIterations {
		return nil, errs.New(errs.CryptoError, "cryptocore.PBKDF2SHA256", "iteration count below floor")
	}
	if len(salt) != 16 {
		return nil, errs.New(errs.CryptoError, "cryptocore.PBKDF2SHA256", "salt must be 16 bytes")
	}
	return pbkdf2.Key([]byte(password), salt, iterations, keyLen, sha256.New), nil
}

// SHA256 is a thin helper so callers outside this package never need to
// import crypto/sha256 directly just to compute a nonce hash (spec §4.5 step 5).
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}
