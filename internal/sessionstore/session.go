// Package sessionstore implements C4: per-(userId,sessionId) session state
// — root/send/recv keys, sequence counters, the used-nonce ring — encrypted
// at rest under a per-user session-encryption key, plus the
// onReplayDetected/onInvalidSignature callback hooks transport relies on.
package sessionstore

import "time"

// NonceRingSize is the FIFO depth spec §4.4 fixes for the used-nonce ring:
// "the store retains a FIFO of the last 200 accepted inbound nonceHash
// values per session".
const NonceRingSize = 200

// NonceRing is a fixed-capacity FIFO of accepted inbound nonce hashes,
// used to detect duplicate-nonce replay within a session independent of
// the server's (sessionId,nonceHash) uniqueness index (spec §4.4: "this
// complements, not replaces").
type NonceRing struct {
	hashes []string
	set    map[string]struct{}
}

// NewNonceRing returns an empty ring.
func NewNonceRing() *NonceRing {
	return &NonceRing{set: make(map[string]struct{}, NonceRingSize)}
}

// Contains reports whether hash has already been accepted.
func (r *NonceRing) Contains(hash string) bool {
	_, ok := r.set[hash]
	return ok
}

// Add appends hash, evicting the oldest entry once the ring exceeds
// NonceRingSize.
func (r *NonceRing) Add(hash string) {
	if r.set == nil {
		r.set = make(map[string]struct{}, NonceRingSize)
	}
	if _, ok := r.set[hash]; ok {
		return
	}
	r.hashes = append(r.hashes, hash)
	r.set[hash] = struct{}{}
	if len(r.hashes) > NonceRingSize {
		oldest := r.hashes[0]
		r.hashes = r.hashes[1:]
		delete(r.set, oldest)
	}
}

// Snapshot returns the ring contents in FIFO order, oldest first, for
// persistence.
func (r *NonceRing) Snapshot() []string {
	out := make([]string, len(r.hashes))
	copy(out, r.hashes)
	return out
}

// RestoreNonceRing rebuilds a ring from a persisted FIFO-ordered snapshot.
func RestoreNonceRing(hashes []string) *NonceRing {
	r := NewNonceRing()
	for _, h := range hashes {
		r.Add(h)
	}
	return r
}

// State is one of the transport-level protocol states from spec §4.5's
// state machine.
type State string

const (
	StateNew          State = "new"
	StateHandshaking  State = "handshaking"
	StateActive       State = "active"
	StateRotating     State = "rotating"
	StateClosed       State = "closed"
)

// Session is the record spec §3 describes: a session's viewpoint from one
// local user toward one peer, holding the current key triple, the
// directional counters, and the replay-detection ring.
type Session struct {
	UserID    string
	PeerID    string
	SessionID string

	RootKey []byte
	SendKey []byte
	RecvKey []byte

	// PrevSendKey/PrevRecvKey hold the immediately-prior send/recv keys for the
	// one-step key tolerance window spec §4.3 requires during rotation:
	// "messages in flight that decrypt under the previous keys but arrive
	// after rotation completes MUST be retried against the previous keys
	// once, then dropped." Cleared once the window has been used.
	PrevSendKey []byte
	PrevRecvKey []byte

	LastSeq uint64
	NextSeq uint64

	Nonces *NonceRing

	State State

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewSession builds a fresh post-KEP session record with counters reset
// per spec §4.3's post-condition ("both reset nextSeq=1, lastSeq=0,
// usedNonces=∅").
func NewSession(userID, peerID, sessionID string, rootKey, sendKey, recvKey []byte, now time.Time) *Session {
	return &Session{
		UserID:    userID,
		PeerID:    peerID,
		SessionID: sessionID,
		RootKey:   rootKey,
		SendKey:   sendKey,
		RecvKey:   recvKey,
		LastSeq:   0,
		NextSeq:   1,
		Nonces:    NewNonceRing(),
		State:     StateActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ApplyRotation atomically replaces the key triple with a freshly derived
// one, retaining the prior send/recv keys for the one-step tolerance
// window and resetting the sequence counters and nonce ring, per spec
// §4.3's rotation post-condition.
func (s *Session) ApplyRotation(rootKey, sendKey, recvKey []byte, now time.Time) {
	s.PrevSendKey = s.SendKey
	s.PrevRecvKey = s.RecvKey
	s.RootKey = rootKey
	s.SendKey = sendKey
	s.RecvKey = recvKey
	s.LastSeq = 0
	s.NextSeq = 1
	s.Nonces = NewNonceRing()
	s.State = StateActive
	s.UpdatedAt = now
}

// ClearToleranceWindow discards the previous send/recv keys once they have been
// used for a single retry, per spec §4.3 ("retried...once, then dropped").
func (s *Session) ClearToleranceWindow() {
	s.PrevSendKey = nil
	s.PrevRecvKey = nil
}
