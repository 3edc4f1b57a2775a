package transport_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/silentrelay/e2ee-core/internal/errs"
	"github.com/silentrelay/e2ee-core/internal/transport"
)

func validEnvelope() *transport.Envelope {
	return &transport.Envelope{
		Type:       transport.TypeMSG,
		SessionID:  "sess-1",
		Sender:     "alice",
		Receiver:   "bob",
		Ciphertext: []byte("ct"),
		IV:         make([]byte, 12),
		AuthTag:    make([]byte, 16),
		Timestamp:  1,
		Seq:        1,
		Nonce:      make([]byte, 16),
	}
}

func TestEnvelopeValidateAcceptsWellFormed(t *testing.T) {
	require.NoError(t, validEnvelope().Validate())
}

func TestEnvelopeValidateRejectsUnknownType(t *testing.T) {
	env := validEnvelope()
	env.Type = "BOGUS"
	err := env.Validate()
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.BadInput))
}

func TestEnvelopeValidateRejectsZeroSeq(t *testing.T) {
	env := validEnvelope()
	env.Seq = 0
	err := env.Validate()
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.BadInput))
}

func TestEnvelopeValidateRejectsBadIVLength(t *testing.T) {
	env := validEnvelope()
	env.IV = make([]byte, 11)
	require.Error(t, env.Validate())
}

// Nonce length is not part of structural Validate(): spec §4.5 step 4
// classifies an out-of-range nonce as ReplayDetected(reason="nonce-size"),
// which requires session state Validate doesn't have. See
// TestReceiveRejectsOutOfRangeNonceAsReplay in send_receive_test.go for the
// classification this envelope still needs to pass through Validate()
// unmolested so the receive pipeline can apply it.
func TestEnvelopeValidateAcceptsOutOfRangeNonce(t *testing.T) {
	tooShort := validEnvelope()
	tooShort.Nonce = make([]byte, 11)
	require.NoError(t, tooShort.Validate())

	tooLong := validEnvelope()
	tooLong.Nonce = make([]byte, 33)
	require.NoError(t, tooLong.Validate())
}

func TestNonceLengthInRange(t *testing.T) {
	require.False(t, transport.NonceLengthInRange(11))
	require.True(t, transport.NonceLengthInRange(12))
	require.True(t, transport.NonceLengthInRange(32))
	require.False(t, transport.NonceLengthInRange(33))
}

func TestEnvelopeValidateRequiresMetaForFileVariants(t *testing.T) {
	env := validEnvelope()
	env.Type = transport.TypeFileMeta
	err := env.Validate()
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.BadInput))

	env.Meta = &transport.FileMeta{TotalChunks: 1}
	require.NoError(t, env.Validate())
}
