package sessionstore

import (
	"database/sql"
	"encoding/json"
	"log"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/silentrelay/e2ee-core/internal/cryptocore"
	"github.com/silentrelay/e2ee-core/internal/errs"
)

var storeLogger = log.New(os.Stdout, "[SESSION-STORE] ", log.Ldate|log.Ltime|log.LUTC)

// ReplayDetail carries the fields a security-log record needs for
// onReplayDetected, per spec §7's structured {event, sessionId, seq?,
// timestamp?, reason} record.
type ReplayDetail struct {
	Reason    string
	Seq       uint64
	Timestamp int64
}

// InvalidSignatureDetail is the equivalent detail payload for
// onInvalidSignature.
type InvalidSignatureDetail struct {
	Reason string
}

// Callbacks are the sole path by which the store notifies the UI of
// security events, per spec §4.4: "these are the sole path by which the
// transport notifies the UI of security events."
type Callbacks struct {
	OnReplayDetected   func(sessionID string, detail ReplayDetail)
	OnInvalidSignature func(sessionID string, detail InvalidSignatureDetail)
}

// Store is C4's persistence and key-schedule seam: create/load/update/
// delete/listByUser over (userId, sessionId), encrypted at rest under a
// per-user session-encryption key sourced from a KeyCache. Grounded on
// internal/security/session.go's SessionManager shape, adapted from
// HTTP-session semantics to the E2EE session-key schedule.
type Store struct {
	db        *sql.DB
	cache     *KeyCache
	callbacks Callbacks
}

// NewStore opens (creating if absent) a SQLite-backed session store at
// path, matching the teacher's go-sqlite3 dependency repurposed here as
// the concrete backing for spec §1's abstract "encrypted session store".
func NewStore(path string, cache *KeyCache, callbacks Callbacks) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errs.Wrap(errs.TransportError, "sessionstore.NewStore", "open failed", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			sealed BLOB NOT NULL,
			iv BLOB NOT NULL,
			tag BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, session_id)
		)
	`); err != nil {
		return nil, errs.Wrap(errs.TransportError, "sessionstore.NewStore", "schema init failed", err)
	}
	return &Store{db: db, cache: cache, callbacks: callbacks}, nil
}

// record is the plaintext, JSON-serializable shape sealed under the
// per-user session-encryption key before it touches disk.
type record struct {
	PeerID      string   `json:"peerId"`
	RootKey     []byte   `json:"rootKey"`
	SendKey     []byte   `json:"sendKey"`
	RecvKey     []byte   `json:"recvKey"`
	PrevSendKey []byte   `json:"prevSendKey,omitempty"`
	PrevRecvKey []byte   `json:"prevRecvKey,omitempty"`
	LastSeq     uint64   `json:"lastSeq"`
	NextSeq     uint64   `json:"nextSeq"`
	Nonces      []string `json:"nonces"`
	State       State    `json:"state"`
	CreatedAt   int64    `json:"createdAt"`
	UpdatedAt   int64    `json:"updatedAt"`
}

func toRecord(s *Session) *record {
	return &record{
		PeerID:      s.PeerID,
		RootKey:     s.RootKey,
		SendKey:     s.SendKey,
		RecvKey:     s.RecvKey,
		PrevSendKey: s.PrevSendKey,
		PrevRecvKey: s.PrevRecvKey,
		LastSeq:     s.LastSeq,
		NextSeq:     s.NextSeq,
		Nonces:      s.Nonces.Snapshot(),
		State:       s.State,
		CreatedAt:   s.CreatedAt.UnixMilli(),
		UpdatedAt:   s.UpdatedAt.UnixMilli(),
	}
}

func (r *record) toSession(userID, sessionID string) *Session {
	return &Session{
		UserID:      userID,
		SessionID:   sessionID,
		PeerID:      r.PeerID,
		RootKey:     r.RootKey,
		SendKey:     r.SendKey,
		RecvKey:     r.RecvKey,
		PrevSendKey: r.PrevSendKey,
		PrevRecvKey: r.PrevRecvKey,
		LastSeq:     r.LastSeq,
		NextSeq:     r.NextSeq,
		Nonces:      RestoreNonceRing(r.Nonces),
		State:       r.State,
		CreatedAt:   time.UnixMilli(r.CreatedAt),
		UpdatedAt:   time.UnixMilli(r.UpdatedAt),
	}
}

func (s *Store) seal(userID string, sess *Session) (ciphertext, iv, tag []byte, err error) {
	key, err := s.cache.Get(userID)
	if err != nil {
		return nil, nil, nil, err
	}
	plaintext, err := json.Marshal(toRecord(sess))
	if err != nil {
		return nil, nil, nil, errs.Wrap(errs.BadInput, "sessionstore.seal", "encode failed", err)
	}
	sealed, err := cryptocore.Seal(key, plaintext, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	return sealed.Ciphertext, sealed.IV, sealed.Tag, nil
}

func (s *Store) open(userID, sessionID string, ciphertext, iv, tag []byte) (*Session, error) {
	key, err := s.cache.Get(userID)
	if err != nil {
		return nil, err
	}
	plaintext, err := cryptocore.Open(key, iv, ciphertext, tag, nil)
	if err != nil {
		return nil, errs.Wrap(errs.CryptoError, "sessionstore.open", "session record decrypt failed", err)
	}
	var rec record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return nil, errs.Wrap(errs.IntegrityError, "sessionstore.open", "session record malformed", err)
	}
	return rec.toSession(userID, sessionID), nil
}

// Create persists a brand-new session, atomically (single INSERT), per
// spec §4.4's atomicity invariant for KEP completion.
func (s *Store) Create(sess *Session) error {
	ciphertext, iv, tag, err := s.seal(sess.UserID, sess)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (user_id, session_id, sealed, iv, tag, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sess.UserID, sess.SessionID, ciphertext, iv, tag, sess.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return errs.Wrap(errs.TransportError, "sessionstore.Store.Create", "insert failed", err)
	}
	return nil
}

// Load decrypts and returns the session for (userID, sessionID). Returns
// errs.SessionLocked if the key cache is empty, errs.SessionNotFound if no
// row exists.
func (s *Store) Load(userID, sessionID string) (*Session, error) {
	var ciphertext, iv, tag []byte
	err := s.db.QueryRow(
		`SELECT sealed, iv, tag FROM sessions WHERE user_id = ? AND session_id = ?`,
		userID, sessionID,
	).Scan(&ciphertext, &iv, &tag)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.SessionNotFound, "sessionstore.Store.Load", "no such session")
	}
	if err != nil {
		return nil, errs.Wrap(errs.TransportError, "sessionstore.Store.Load", "query failed", err)
	}
	return s.open(userID, sessionID, ciphertext, iv, tag)
}

// Update persists mutated session state as a single logical transaction:
// the row is overwritten wholesale so a crash mid-write leaves either the
// pre-state or the post-state row, never a mix, per spec §4.4's atomicity
// invariant.
func (s *Store) Update(sess *Session) error {
	sess.UpdatedAt = time.Now().UTC()
	ciphertext, iv, tag, err := s.seal(sess.UserID, sess)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return errs.Wrap(errs.TransportError, "sessionstore.Store.Update", "begin tx failed", err)
	}
	res, err := tx.Exec(
		`UPDATE sessions SET sealed = ?, iv = ?, tag = ?, updated_at = ? WHERE user_id = ? AND session_id = ?`,
		ciphertext, iv, tag, sess.UpdatedAt.UnixMilli(), sess.UserID, sess.SessionID,
	)
	if err != nil {
		_ = tx.Rollback()
		return errs.Wrap(errs.TransportError, "sessionstore.Store.Update", "update failed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_ = tx.Rollback()
		return errs.New(errs.SessionNotFound, "sessionstore.Store.Update", "no such session")
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.TransportError, "sessionstore.Store.Update", "commit failed", err)
	}
	return nil
}

// Delete removes a session permanently (user-initiated session deletion,
// or MITMDetected closing the session per spec §4.5's state machine).
func (s *Store) Delete(userID, sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE user_id = ? AND session_id = ?`, userID, sessionID)
	if err != nil {
		return errs.Wrap(errs.TransportError, "sessionstore.Store.Delete", "delete failed", err)
	}
	return nil
}

// ListByUser returns every sessionId the store holds for userID, without
// decrypting their contents (decryption requires Load, which needs the
// key cache unlocked).
func (s *Store) ListByUser(userID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT session_id FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		return nil, errs.Wrap(errs.TransportError, "sessionstore.Store.ListByUser", "query failed", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			storeLogger.Printf("warning: failed to close rows: %v", cerr)
		}
	}()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap(errs.TransportError, "sessionstore.Store.ListByUser", "scan failed", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// NotifyReplay invokes the registered onReplayDetected callback, if any,
// and always logs the security event per spec §7's structured record.
func (s *Store) NotifyReplay(sessionID string, detail ReplayDetail) {
	storeLogger.Printf("event=ReplayDetected sessionId=%s seq=%d timestamp=%d reason=%s", sessionID, detail.Seq, detail.Timestamp, detail.Reason)
	if s.callbacks.OnReplayDetected != nil {
		s.callbacks.OnReplayDetected(sessionID, detail)
	}
}

// NotifyInvalidSignature invokes the registered onInvalidSignature
// callback, if any, and always logs the security event.
func (s *Store) NotifyInvalidSignature(sessionID string, detail InvalidSignatureDetail) {
	storeLogger.Printf("event=MITMDetected sessionId=%s reason=%s", sessionID, detail.Reason)
	if s.callbacks.OnInvalidSignature != nil {
		s.callbacks.OnInvalidSignature(sessionID, detail)
	}
}
