// Package serverapi implements §6: the HTTPS surface the core talks to —
// key registry endpoints, session metadata, the file-chunk fallback
// upload/download path, the WS-unavailable message relay fallback, and
// the MessageMeta gate backing all of them.
package serverapi

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/silentrelay/e2ee-core/internal/errs"
)

// MessageMeta is the server-persisted record spec §6 describes: enough to
// enforce replay/ordering invariants without ever touching plaintext.
type MessageMeta struct {
	MessageID string
	SessionID string
	Sender    string
	Receiver  string
	Type      string
	Timestamp int64
	Seq       uint64
	NonceHash string
	Delivered bool
}

// MessageMetaStore persists MessageMeta, rejecting inserts that would
// violate the `(sessionId,nonceHash)` uniqueness index or the `(sessionId,
// sender)` seq-monotonicity check, per spec §6: "The server MUST reject
// inserts that would violate either uniqueness or a monotonicity check vs.
// the last stored seq for (sessionId, sender)."
type MessageMetaStore struct {
	db *sql.DB
}

// NewMessageMetaStore opens the Postgres-backed MessageMeta table,
// grounded on internal/db/postgres.go's connection/pool conventions.
func NewMessageMetaStore(db *sql.DB) (*MessageMetaStore, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS message_meta (
	message_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	receiver TEXT NOT NULL,
	type TEXT NOT NULL,
	timestamp BIGINT NOT NULL,
	seq BIGINT NOT NULL,
	nonce_hash TEXT NOT NULL,
	delivered BOOLEAN NOT NULL DEFAULT false,
	UNIQUE(session_id, nonce_hash)
);
CREATE INDEX IF NOT EXISTS message_meta_session_seq_idx ON message_meta(session_id, seq);
`
	if _, err := db.Exec(schema); err != nil {
		return nil, errs.Wrap(errs.TransportError, "serverapi.NewMessageMetaStore", "schema init failed", err)
	}
	return &MessageMetaStore{db: db}, nil
}

// Insert records meta after checking the monotonicity invariant (P1: seq
// strictly increases per (sessionId,sender)) within the same transaction
// the uniqueness constraint enforces. A transaction-scoped advisory lock on
// (sessionId,sender) serializes concurrent inserts, so the two checks can
// never race.
func (s *MessageMetaStore) Insert(meta *MessageMeta) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errs.Wrap(errs.TransportError, "serverapi.MessageMetaStore.Insert", "begin tx failed", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`SELECT pg_advisory_xact_lock(hashtext($1))`, meta.SessionID+":"+meta.Sender); err != nil {
		return errs.Wrap(errs.TransportError, "serverapi.MessageMetaStore.Insert", "advisory lock failed", err)
	}

	var lastSeq sql.NullInt64
	err = tx.QueryRow(
		`SELECT MAX(seq) FROM message_meta WHERE session_id = $1 AND sender = $2`,
		meta.SessionID, meta.Sender,
	).Scan(&lastSeq)
	if err != nil {
		return errs.Wrap(errs.TransportError, "serverapi.MessageMetaStore.Insert", "monotonicity check query failed", err)
	}
	if lastSeq.Valid && meta.Seq <= uint64(lastSeq.Int64) {
		return errs.New(errs.ReplayDetected, "serverapi.MessageMetaStore.Insert", "seq does not strictly increase for this sender")
	}

	_, err = tx.Exec(
		`INSERT INTO message_meta (message_id, session_id, sender, receiver, type, timestamp, seq, nonce_hash, delivered)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		meta.MessageID, meta.SessionID, meta.Sender, meta.Receiver, meta.Type,
		meta.Timestamp, meta.Seq, meta.NonceHash, meta.Delivered,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.New(errs.ReplayDetected, "serverapi.MessageMetaStore.Insert", "nonceHash already used for this session")
		}
		return errs.Wrap(errs.TransportError, "serverapi.MessageMetaStore.Insert", "insert failed", err)
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.TransportError, "serverapi.MessageMetaStore.Insert", "commit failed", err)
	}
	return nil
}

// MarkDelivered flips delivered to true for messageID.
func (s *MessageMetaStore) MarkDelivered(messageID string) error {
	_, err := s.db.Exec(`UPDATE message_meta SET delivered = true WHERE message_id = $1`, messageID)
	if err != nil {
		return errs.Wrap(errs.TransportError, "serverapi.MessageMetaStore.MarkDelivered", "update failed", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// SessionID derives the stable, order-independent session identifier spec
// §6 requires for POST /sessions: "stable sessionId per unordered pair".
func SessionID(userID1, userID2 string) string {
	a, b := userID1, userID2
	if b < a {
		a, b = b, a
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(a+":"+b)).String()
}

// Now is the injection seam handlers use for timestamps, matching the
// teacher's time.Now().UTC() convention.
func Now() time.Time { return time.Now().UTC() }
