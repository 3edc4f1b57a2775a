package transport

import (
	"time"

	"github.com/silentrelay/e2ee-core/internal/cryptocore"
	"github.com/silentrelay/e2ee-core/internal/errs"
	"github.com/silentrelay/e2ee-core/internal/sessionstore"
)

// Receiver applies the receive algorithm of spec §4.5 to inbound MSG
// envelopes: structural validation, staleness/replay rejection, AEAD
// open, and atomic session-state advance.
type Receiver struct {
	store   *sessionstore.Store
	BindAAD bool
}

// NewReceiver returns a Receiver backed by store.
func NewReceiver(store *sessionstore.Store) *Receiver {
	return &Receiver{store: store, BindAAD: true}
}

// ReceiveMessage decrypts env and advances userID's session state, or
// returns a ReplayDetected/MITMDetected error per spec §4.5 steps 1-8.
// On ReplayDetected the store's onReplayDetected callback fires; on
// MITMDetected (AEAD tag failure) onInvalidSignature fires. Session state
// is left unchanged on any rejection — acceptance is all-or-nothing.
func (r *Receiver) ReceiveMessage(userID, sessionID string, env *Envelope, now time.Time) ([]byte, error) {
	if env.Type != TypeMSG {
		return nil, errs.New(errs.BadInput, "transport.Receiver.receiveEnvelope", "expected MSG envelope")
	}
	return r.receiveEnvelope(userID, sessionID, env, now)
}

// ReceiveFileEnvelope applies the same staleness/replay/AEAD pipeline as
// ReceiveMessage to an inbound FILE_META or FILE_CHUNK envelope.
// FileAssembler.Feed calls it for each envelope it is given to reassemble
// the transfer.
func (r *Receiver) ReceiveFileEnvelope(userID, sessionID string, env *Envelope, now time.Time) ([]byte, error) {
	if env.Type != TypeFileMeta && env.Type != TypeFileChunk {
		return nil, errs.New(errs.BadInput, "transport.Receiver.ReceiveFileEnvelope", "expected FILE_META or FILE_CHUNK envelope")
	}
	return r.receiveEnvelope(userID, sessionID, env, now)
}

func (r *Receiver) receiveEnvelope(userID, sessionID string, env *Envelope, now time.Time) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	mu := lockFor(userID, sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := r.store.Load(userID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State == sessionstore.StateClosed {
		return nil, errs.New(errs.BadInput, "transport.Receiver.receiveEnvelope", "session is closed")
	}

	if !withinClockSkew(env.Timestamp, now.UnixMilli()) {
		r.store.NotifyReplay(sessionID, sessionstore.ReplayDetail{Reason: "stale", Seq: env.Seq, Timestamp: env.Timestamp})
		return nil, errs.New(errs.ReplayDetected, "transport.Receiver.receiveEnvelope", "timestamp outside clock skew tolerance")
	}
	if env.Seq <= sess.LastSeq {
		r.store.NotifyReplay(sessionID, sessionstore.ReplayDetail{Reason: "seq", Seq: env.Seq, Timestamp: env.Timestamp})
		return nil, errs.New(errs.ReplayDetected, "transport.Receiver.receiveEnvelope", "seq already accepted or stale")
	}
	if !NonceLengthInRange(len(env.Nonce)) {
		r.store.NotifyReplay(sessionID, sessionstore.ReplayDetail{Reason: "nonce-size", Seq: env.Seq, Timestamp: env.Timestamp})
		return nil, errs.New(errs.ReplayDetected, "transport.Receiver.receiveEnvelope", "nonce length outside 12-32 byte range")
	}

	nonceHash := NonceHash(env.Nonce)
	if sess.Nonces.Contains(nonceHash) {
		r.store.NotifyReplay(sessionID, sessionstore.ReplayDetail{Reason: "duplicate-nonce", Seq: env.Seq, Timestamp: env.Timestamp})
		return nil, errs.New(errs.ReplayDetected, "transport.Receiver.receiveEnvelope", "nonce already used")
	}

	plaintext, decryptErr := r.openWithKey(sess.RecvKey, env)
	usedPrevKey := false
	if decryptErr != nil && sess.PrevRecvKey != nil {
		plaintext, decryptErr = r.openWithKey(sess.PrevRecvKey, env)
		usedPrevKey = decryptErr == nil
	}
	if decryptErr != nil {
		r.store.NotifyInvalidSignature(sessionID, sessionstore.InvalidSignatureDetail{Reason: "auth-tag"})
		return nil, errs.New(errs.MITMDetected, "transport.Receiver.receiveEnvelope", "AEAD authentication failed")
	}

	// An envelope opened under the previous keys carries a pre-rotation seq,
	// so it does not advance the post-rotation LastSeq.
	if !usedPrevKey {
		sess.LastSeq = env.Seq
	}
	sess.Nonces.Add(nonceHash)
	if usedPrevKey {
		sess.ClearToleranceWindow()
	}
	if err := r.store.Update(sess); err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (r *Receiver) openWithKey(key []byte, env *Envelope) ([]byte, error) {
	var aad []byte
	if r.BindAAD {
		aad = sessionSeqAAD(env.SessionID, env.Seq)
	}
	return cryptocore.Open(key, env.IV, env.Ciphertext, env.AuthTag, aad)
}

func sha256Sum(b []byte) []byte {
	sum := cryptocore.SHA256(b)
	return sum[:]
}
