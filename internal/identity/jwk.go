// Package identity implements C2: long-term identity key pairs, the
// password-wrapped private-key vault, the server-side public-key registry
// with version/tamper tracking, and identity key rotation.
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"

	"github.com/silentrelay/e2ee-core/internal/errs"
)

// JWK is the subset of RFC 7517 this core needs: a P-256 EC key, public or
// private. Fields are tagged to match the canonical JSON serialization used
// for hashing (spec §3: "server also stores a SHA-256 hash of the JWK").
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	D   string `json:"d,omitempty"`
}

func b64url(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func unb64url(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, errs.Wrap(errs.BadInput, "identity.unb64url", "malformed base64url field", err)
	}
	return b, nil
}

// PublicJWK encodes an ECDSA P-256 public key as a JWK with no "d" component.
func PublicJWK(pub *ecdsa.PublicKey) *JWK {
	size := (pub.Curve.Params().BitSize + 7) / 8
	return &JWK{
		Kty: "EC",
		Crv: "P-256",
		X:   b64url(pub.X.FillBytes(make([]byte, size))),
		Y:   b64url(pub.Y.FillBytes(make([]byte, size))),
	}
}

// PrivateJWK encodes an ECDSA P-256 private key as a JWK including "d". This
// form must never be sent to the server — it exists only for the local vault
// plaintext that PBKDF2-wrapping protects at rest.
func PrivateJWK(priv *ecdsa.PrivateKey) *JWK {
	jwk := PublicJWK(&priv.PublicKey)
	size := (priv.Curve.Params().BitSize + 7) / 8
	jwk.D = b64url(priv.D.FillBytes(make([]byte, size)))
	return jwk
}

// ParsePublicJWK validates and decodes a public JWK. Per spec §4.2's
// invariant, a JWK carrying "d" is rejected outright — this is the publish-
// time gate that keeps private key material off the wire.
func ParsePublicJWK(jwk *JWK) (*ecdsa.PublicKey, error) {
	if jwk.D != "" {
		return nil, errs.New(errs.BadInput, "identity.ParsePublicJWK", "public JWK must not carry a private component")
	}
	if jwk.Kty != "EC" || jwk.Crv != "P-256" {
		return nil, errs.New(errs.BadInput, "identity.ParsePublicJWK", "only EC/P-256 keys are accepted")
	}
	xBytes, err := unb64url(jwk.X)
	if err != nil {
		return nil, err
	}
	yBytes, err := unb64url(jwk.Y)
	if err != nil {
		return nil, err
	}
	x := new(big.Int).SetBytes(xBytes)
	y := new(big.Int).SetBytes(yBytes)
	curve := elliptic.P256()
	if !curve.IsOnCurve(x, y) {
		return nil, errs.New(errs.BadInput, "identity.ParsePublicJWK", "point not on P-256 curve")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// ParsePrivateJWK decodes a private JWK produced by PrivateJWK. Used only
// after a vault unwrap, never on untrusted wire input.
func ParsePrivateJWK(jwk *JWK) (*ecdsa.PrivateKey, error) {
	pub, err := ParsePublicJWK(&JWK{Kty: jwk.Kty, Crv: jwk.Crv, X: jwk.X, Y: jwk.Y})
	if err != nil {
		return nil, err
	}
	dBytes, err := unb64url(jwk.D)
	if err != nil {
		return nil, err
	}
	return &ecdsa.PrivateKey{
		PublicKey: *pub,
		D:         new(big.Int).SetBytes(dBytes),
	}, nil
}

// CanonicalJSON serializes a JWK deterministically (fixed field order via the
// struct tags above) so keyHash is stable across re-encodes.
func CanonicalJSON(jwk *JWK) ([]byte, error) {
	b, err := json.Marshal(jwk)
	if err != nil {
		return nil, errs.Wrap(errs.BadInput, "identity.CanonicalJSON", "encode failed", err)
	}
	return b, nil
}

// KeyHash computes the SHA-256 hash of a JWK's canonical JSON form, used for
// the server-side tamper check in spec §4.2.
func KeyHash(jwk *JWK) (string, error) {
	canon, err := CanonicalJSON(jwk)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return b64url(sum[:]), nil
}
