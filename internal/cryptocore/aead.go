// Package cryptocore implements the fixed-parameter cryptographic primitives
// the rest of the core builds on: AES-256-GCM AEAD, P-256 ECDH, P-256 ECDSA,
// HKDF-SHA256 and PBKDF2-SHA256 key derivation, and CSPRNG helpers. Every
// function here returns a single errs.CryptoError kind on failure and never
// a partial output, per spec §4.1's error contract.
package cryptocore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/silentrelay/e2ee-core/internal/errs"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the fixed 96-bit GCM nonce/IV size.
	IVSize = 12
	// TagSize is the fixed 128-bit GCM authentication tag size.
	TagSize = 16
)

// Sealed is the output of an AEAD encryption: ciphertext and tag are kept
// separate (rather than concatenated) so callers can place them in distinct
// envelope fields, as spec §3 requires for the wire Envelope.
type Sealed struct {
	IV         []byte
	Ciphertext []byte
	Tag        []byte
}

// Seal encrypts plaintext under key with a freshly generated IV. aad, if
// non-nil, is bound into the GCM tag as associated data (used to bind
// sessionId||seq into every message envelope — see DESIGN.md Open Question 1).
func Seal(key, plaintext, aad []byte) (*Sealed, error) {
	if len(key) != KeySize {
		return nil, errs.New(errs.CryptoError, "cryptocore.Seal", "key must be 32 bytes")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.CryptoError, "cryptocore.Seal", "invalid AES key", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, errs.Wrap(errs.CryptoError, "cryptocore.Seal", "gcm init failed", err)
	}

	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, errs.Wrap(errs.CryptoError, "cryptocore.Seal", "rng failure", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, aad)
	ct := sealed[:len(sealed)-TagSize]
	tag := sealed[len(sealed)-TagSize:]

	return &Sealed{IV: iv, Ciphertext: ct, Tag: tag}, nil
}

// Open decrypts ciphertext||tag under key and iv, verifying aad if supplied.
// Any failure — bad tag, wrong key, malformed input — collapses to a single
// CryptoError; the spec forbids returning a partial plaintext on failure.
func Open(key, iv, ciphertext, tag, aad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, errs.New(errs.CryptoError, "cryptocore.Open", "key must be 32 bytes")
	}
	if len(iv) != IVSize {
		return nil, errs.New(errs.CryptoError, "cryptocore.Open", "iv must be 12 bytes")
	}
	if len(tag) != TagSize {
		return nil, errs.New(errs.CryptoError, "cryptocore.Open", "tag must be 16 bytes")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.CryptoError, "cryptocore.Open", "invalid AES key", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, errs.Wrap(errs.CryptoError, "cryptocore.Open", "gcm init failed", err)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, aad)
	if err != nil {
		// Tag mismatch surfaces as CryptoError here; callers in the transport
		// layer upgrade this to MITMDetected(reason="auth-tag") per spec §4.5.
		return nil, errs.Wrap(errs.CryptoError, "cryptocore.Open", "authentication failed", err)
	}
	return plaintext, nil
}

// RandomBytes returns n cryptographically random bytes from the platform CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, errs.Wrap(errs.CryptoError, "cryptocore.RandomBytes", "rng failure", err)
	}
	return b, nil
}
