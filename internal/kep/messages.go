// Package kep implements C3: the two-round signed ECDH key exchange
// protocol that establishes (and, via KEY_UPDATE, rotates) a session's
// rootKey/sendKey/recvKey triple.
package kep

import (
	"bytes"
	"encoding/binary"

	"github.com/silentrelay/e2ee-core/internal/errs"
)

// RoundTimeoutSeconds is the 30s KEP round timeout from spec §5's cancellation
// rules. Callers driving the handshake over a real transport are expected
// to apply this as a context deadline around BuildInit/HandleInit/HandleResponse.
const RoundTimeoutSeconds = 30

// ClockSkewToleranceMS is the ±2 minute timestamp window spec §4.3's failure
// semantics allow for KEP round timestamps.
const ClockSkewToleranceMS = 120_000

// InitMessage is the wire form of KEP_INIT (spec §4.3 round 1).
type InitMessage struct {
	SessionID    string
	Sender       string // A
	Receiver     string // B
	EphemeralPub []byte // eA_pub, uncompressed P-256 point
	Timestamp    int64  // ts1, ms since epoch
	Signature    []byte // sig1 = Sign(ID_A_priv, m1)
}

// ResponseMessage is the wire form of KEP_RESPONSE (spec §4.3 round 2).
type ResponseMessage struct {
	SessionID         string
	Sender            string // B
	Receiver          string // A
	InitiatorEphPub   []byte // eA_pub, echoed back so A can bind sig2
	ResponderEphPub   []byte // eB_pub
	InitiatorTS       int64  // ts1
	ResponderTS       int64  // ts2
	Signature         []byte // sig2
}

func i64bytes(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

// m1 builds the exact byte string spec §4.3 signs in round 1:
// sessionId || A || B || eA_pub || ts1.
func m1(sessionID, a, b string, ephPub []byte, ts1 int64) []byte {
	var buf bytes.Buffer
	buf.WriteString(sessionID)
	buf.WriteString(a)
	buf.WriteString(b)
	buf.Write(ephPub)
	buf.Write(i64bytes(ts1))
	return buf.Bytes()
}

// m2 builds the exact byte string spec §4.3 signs in round 2:
// sessionId || A || B || eA_pub || eB_pub || ts1 || ts2.
func m2(sessionID, a, b string, eAPub, eBPub []byte, ts1, ts2 int64) []byte {
	var buf bytes.Buffer
	buf.WriteString(sessionID)
	buf.WriteString(a)
	buf.WriteString(b)
	buf.Write(eAPub)
	buf.Write(eBPub)
	buf.Write(i64bytes(ts1))
	buf.Write(i64bytes(ts2))
	return buf.Bytes()
}

// withinClockSkew reports whether ts (ms since epoch) is within
// ClockSkewToleranceMS of now (also ms since epoch).
func withinClockSkew(ts, now int64) bool {
	diff := ts - now
	if diff < 0 {
		diff = -diff
	}
	return diff <= ClockSkewToleranceMS
}

func validateIDs(sessionID, sender, receiver string) error {
	if sessionID == "" || sender == "" || receiver == "" {
		return errs.New(errs.BadInput, "kep.validateIDs", "sessionId, sender, and receiver are required")
	}
	return nil
}
