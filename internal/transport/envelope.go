// Package transport implements C5: envelope build/parse/validation, the
// per-message send and receive pipelines (replay protection via
// timestamp/seq/nonce), the chunked file pipeline, and the relay hub that
// forwards envelopes between connected peers.
package transport

import (
	"encoding/base64"
	"encoding/hex"

	"github.com/silentrelay/e2ee-core/internal/errs"
)

// EnvelopeType is the tagged-sum-type discriminant for the wire envelope,
// spec §3: "type ∈ {MSG, FILE_META, FILE_CHUNK, KEP_INIT, KEP_RESPONSE,
// KEY_UPDATE}". Invalid combinations are rejected at parse, not at use.
type EnvelopeType string

const (
	TypeMSG         EnvelopeType = "MSG"
	TypeFileMeta    EnvelopeType = "FILE_META"
	TypeFileChunk   EnvelopeType = "FILE_CHUNK"
	TypeKEPInit     EnvelopeType = "KEP_INIT"
	TypeKEPResponse EnvelopeType = "KEP_RESPONSE"
	TypeKeyUpdate   EnvelopeType = "KEY_UPDATE"
)

func (t EnvelopeType) valid() bool {
	switch t {
	case TypeMSG, TypeFileMeta, TypeFileChunk, TypeKEPInit, TypeKEPResponse, TypeKeyUpdate:
		return true
	}
	return false
}

// FileMeta carries the file-variant metadata spec §3 adds on top of the
// base envelope fields: "filename, size, totalChunks, mimetype for META;
// chunkIndex, totalChunks for CHUNK".
type FileMeta struct {
	Filename    string `json:"filename,omitempty"`
	Size        int64  `json:"size,omitempty"`
	MimeType    string `json:"mimetype,omitempty"`
	TotalChunks int    `json:"totalChunks"`
	ChunkIndex  int    `json:"chunkIndex,omitempty"`
}

// Envelope is the wire unit spec §3 defines. Binary fields travel as
// base64 on JSON marshal/unmarshal (Go's []byte already does this via
// encoding/json); Meta is present only for FILE_META/FILE_CHUNK.
type Envelope struct {
	Type       EnvelopeType `json:"type"`
	SessionID  string       `json:"sessionId"`
	Sender     string       `json:"sender"`
	Receiver   string       `json:"receiver"`
	Ciphertext []byte       `json:"ciphertext"`
	IV         []byte       `json:"iv"`
	AuthTag    []byte       `json:"authTag"`
	Timestamp  int64        `json:"timestamp"`
	Seq        uint64       `json:"seq"`
	Nonce      []byte       `json:"nonce"`
	Meta       *FileMeta    `json:"meta,omitempty"`
}

const (
	ivSize  = 12
	tagSize = 16

	// MinNonceSize and MaxNonceSize are the inclusive nonce-length bounds
	// spec §4.5 step 4 fixes: "reject if nonce length ∉ [12, 32]". Exported
	// so callers outside the receive pipeline (the HTTPS relay/file-upload
	// gate in internal/serverapi) can classify the same boundary as
	// ReplayDetected(reason="nonce-size") instead of a structural BadInput.
	MinNonceSize = 12
	MaxNonceSize = 32

	clockSkewMS int64 = 120_000
)

// NonceLengthInRange reports whether n falls within [MinNonceSize, MaxNonceSize].
func NonceLengthInRange(n int) bool {
	return n >= MinNonceSize && n <= MaxNonceSize
}

// Validate checks envelope structure against spec §4.5 step 1: "all
// required fields, base64 lengths, type ∈ set". It does not perform
// replay or decryption checks — those belong to the receive pipeline,
// which needs session state Validate does not have access to.
func (e *Envelope) Validate() error {
	if !e.Type.valid() {
		return errs.New(errs.BadInput, "transport.Envelope.Validate", "unknown envelope type")
	}
	if e.SessionID == "" || e.Sender == "" || e.Receiver == "" {
		return errs.New(errs.BadInput, "transport.Envelope.Validate", "sessionId, sender, and receiver are required")
	}
	if e.Seq == 0 {
		return errs.New(errs.BadInput, "transport.Envelope.Validate", "seq must be a positive integer")
	}
	if len(e.IV) != ivSize {
		return errs.New(errs.BadInput, "transport.Envelope.Validate", "iv must be 12 bytes")
	}
	if len(e.AuthTag) != tagSize {
		return errs.New(errs.BadInput, "transport.Envelope.Validate", "authTag must be 16 bytes")
	}
	// Nonce length is checked by the receive pipeline (spec §4.5 step 4), not
	// here: an out-of-range nonce is a ReplayDetected classification, not a
	// structural BadInput, and that classification needs the session's
	// onReplayDetected callback, which Validate has no access to.
	if (e.Type == TypeFileMeta || e.Type == TypeFileChunk) && e.Meta == nil {
		return errs.New(errs.BadInput, "transport.Envelope.Validate", "file envelope missing meta")
	}
	return nil
}

// EncodeBase64 and DecodeBase64 are exposed for callers building the
// HTTPS fallback surface (§6), which carries binary fields as base64
// strings rather than raw JSON byte arrays over the wire text encoding
// used elsewhere.
func EncodeBase64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errs.Wrap(errs.BadInput, "transport.DecodeBase64", "malformed base64 field", err)
	}
	return b, nil
}

// NonceHash returns the hex-encoded SHA-256 digest of nonce, the form both
// the in-memory NonceRing (C4) and the server's persisted (sessionId,
// nonceHash) uniqueness index (§6) key replay detection on.
func NonceHash(nonce []byte) string {
	return hex.EncodeToString(sha256Sum(nonce))
}

func withinClockSkew(ts, now int64) bool {
	diff := ts - now
	if diff < 0 {
		diff = -diff
	}
	return diff <= clockSkewMS
}
