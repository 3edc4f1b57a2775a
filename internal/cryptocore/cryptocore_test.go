package cryptocore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/silentrelay/e2ee-core/internal/cryptocore"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := cryptocore.RandomBytes(cryptocore.KeySize)
	require.NoError(t, err)

	plaintext := []byte("hello, peer")
	aad := []byte("session-id||1")

	sealed, err := cryptocore.Seal(key, plaintext, aad)
	require.NoError(t, err)
	require.Len(t, sealed.IV, cryptocore.IVSize)
	require.Len(t, sealed.Tag, cryptocore.TagSize)

	got, err := cryptocore.Open(key, sealed.IV, sealed.Ciphertext, sealed.Tag, aad)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key, err := cryptocore.RandomBytes(cryptocore.KeySize)
	require.NoError(t, err)

	sealed, err := cryptocore.Seal(key, []byte("hello"), nil)
	require.NoError(t, err)

	tampered := append([]byte(nil), sealed.Ciphertext...)
	tampered[0] ^= 0xFF

	_, err = cryptocore.Open(key, sealed.IV, tampered, sealed.Tag, nil)
	require.Error(t, err)
}

func TestOpenRejectsWrongAAD(t *testing.T) {
	key, err := cryptocore.RandomBytes(cryptocore.KeySize)
	require.NoError(t, err)

	sealed, err := cryptocore.Seal(key, []byte("hello"), []byte("bound-a"))
	require.NoError(t, err)

	_, err = cryptocore.Open(key, sealed.IV, sealed.Ciphertext, sealed.Tag, []byte("bound-b"))
	require.Error(t, err)
}

func TestECDHSharedSecretSymmetric(t *testing.T) {
	a, err := cryptocore.GenerateECDHKeyPair()
	require.NoError(t, err)
	b, err := cryptocore.GenerateECDHKeyPair()
	require.NoError(t, err)

	zA, err := cryptocore.ECDH(a.Private, b.Public)
	require.NoError(t, err)
	zB, err := cryptocore.ECDH(b.Private, a.Public)
	require.NoError(t, err)

	require.Equal(t, zA, zB)
}

func TestECDSASignVerify(t *testing.T) {
	kp, err := cryptocore.GenerateSigningKeyPair()
	require.NoError(t, err)

	msg := []byte("sign me")
	sig, err := cryptocore.Sign(kp.Private, msg)
	require.NoError(t, err)
	require.True(t, cryptocore.Verify(kp.Public, msg, sig))

	other, err := cryptocore.GenerateSigningKeyPair()
	require.NoError(t, err)
	require.False(t, cryptocore.Verify(other.Public, msg, sig))

	tampered := append([]byte(nil), msg...)
	tampered[0] ^= 1
	require.False(t, cryptocore.Verify(kp.Public, tampered, sig))
}

func TestHKDFDeterministic(t *testing.T) {
	ikm := []byte("shared-secret")
	out1, err := cryptocore.HKDFSHA256(ikm, []byte("salt"), []byte("info"), 32)
	require.NoError(t, err)
	out2, err := cryptocore.HKDFSHA256(ikm, []byte("salt"), []byte("info"), 32)
	require.NoError(t, err)
	require.Equal(t, out1, out2)

	out3, err := cryptocore.HKDFSHA256(ikm, []byte("salt"), []byte("other-info"), 32)
	require.NoError(t, err)
	require.NotEqual(t, out1, out3)
}

func TestPBKDF2RejectsLowIterationsAndBadSalt(t *testing.T) {
	salt, err := cryptocore.RandomBytes(16)
	require.NoError(t, err)

	_, err = cryptocore.PBKDF2SHA256("hunter2", salt, 99_999, 32)
	require.Error(t, err)

	_, err = cryptocore.PBKDF2SHA256("hunter2", []byte("too-short"), cryptocore.PBKDF2MinIterations, 32)
	require.Error(t, err)

	key, err := cryptocore.PBKDF2SHA256("hunter2", salt, cryptocore.PBKDF2MinIterations, 32)
	require.NoError(t, err)
	require.Len(t, key, 32)
}

func TestPBKDF2PasswordLengthBoundaries(t *testing.T) {
	salt, err := cryptocore.RandomBytes(16)
	require.NoError(t, err)

	for _, pwLen := range []int{0, 8, 1024} {
		pw := make([]byte, pwLen)
		for i := range pw {
			pw[i] = 'a'
		}
		key, err := cryptocore.PBKDF2SHA256(string(pw), salt, cryptocore.PBKDF2MinIterations, 32)
		require.NoError(t, err)
		require.Len(t, key, 32)
	}
}
