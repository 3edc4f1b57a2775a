package transport

import (
	"sync"
	"time"

	"github.com/silentrelay/e2ee-core/internal/cryptocore"
	"github.com/silentrelay/e2ee-core/internal/errs"
	"github.com/silentrelay/e2ee-core/internal/sessionstore"
)

// sessionLocks serializes seq allocation and state mutation per session
// (spec §4.5: "outbound seq is allocated under a per-session mutex so
// concurrent send calls produce contiguous, non-overlapping sequence
// numbers... concurrent operations on different sessions are
// independent"). Keyed by (userId, sessionId) rather than sessionId alone:
// a session record is local to one user's view of the conversation, and
// two different users' stores may legitimately share a sessionId for the
// same logical conversation.
var sessionLocks sync.Map // map[string]*sync.Mutex

func lockFor(userID, sessionID string) *sync.Mutex {
	v, _ := sessionLocks.LoadOrStore(userID+"\x00"+sessionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Sender builds outbound MSG envelopes against a session store, per spec
// §4.5's send algorithm.
type Sender struct {
	store *sessionstore.Store
	// BindAAD, when true, binds sessionId||seq into the AEAD as
	// associated data (DESIGN.md Open Question 1's decision).
	BindAAD bool
}

// NewSender returns a Sender backed by store.
func NewSender(store *sessionstore.Store) *Sender {
	return &Sender{store: store, BindAAD: true}
}

// SendMessage encrypts plaintext under the session's current sendKey and
// returns a fully populated MSG envelope, per spec §4.5 steps 1-6:
// load session, derive the next seq under the session's mutex, generate
// a fresh iv/nonce, seal, build envelope. Handing the envelope to the relay
// is left to the caller.
func (s *Sender) SendMessage(userID, peerID, sessionID string, plaintext []byte, now time.Time) (*Envelope, error) {
	mu := lockFor(userID, sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := s.store.Load(userID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State == sessionstore.StateClosed {
		return nil, errs.New(errs.BadInput, "transport.Sender.SendMessage", "session is closed")
	}

	nonce, err := cryptocore.RandomBytes(MinNonceSize)
	if err != nil {
		return nil, err
	}
	seq := sess.NextSeq

	aad := s.aad(sessionID, seq)
	sealed, err := cryptocore.Seal(sess.SendKey, plaintext, aad)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		Type:       TypeMSG,
		SessionID:  sessionID,
		Sender:     userID,
		Receiver:   peerID,
		Ciphertext: sealed.Ciphertext,
		IV:         sealed.IV,
		AuthTag:    sealed.Tag,
		Timestamp:  now.UnixMilli(),
		Seq:        seq,
		Nonce:      nonce,
	}

	sess.NextSeq++
	if err := s.store.Update(sess); err != nil {
		return nil, err
	}
	return env, nil
}

func (s *Sender) aad(sessionID string, seq uint64) []byte {
	if !s.BindAAD {
		return nil
	}
	return sessionSeqAAD(sessionID, seq)
}

func sessionSeqAAD(sessionID string, seq uint64) []byte {
	b := make([]byte, 0, len(sessionID)+8)
	b = append(b, sessionID...)
	for i := 7; i >= 0; i-- {
		b = append(b, byte(seq>>(uint(i)*8)))
	}
	return b
}
