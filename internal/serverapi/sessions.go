package serverapi

import (
	"database/sql"
	"time"

	"github.com/silentrelay/e2ee-core/internal/errs"
)

// SessionRecord is the metadata-only view of a session the server tracks —
// it never holds key material, only the identifiers spec §6's `POST
// /sessions` and `GET /sessions` endpoints expose.
type SessionRecord struct {
	SessionID string
	UserID1   string
	UserID2   string
	CreatedAt time.Time
}

// SessionDirectory persists SessionRecord rows, keyed by the stable
// order-independent sessionId SessionID derives.
type SessionDirectory struct {
	db *sql.DB
}

// NewSessionDirectory opens the session-directory table.
func NewSessionDirectory(db *sql.DB) (*SessionDirectory, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS session_directory (
	session_id TEXT PRIMARY KEY,
	user_id_1 TEXT NOT NULL,
	user_id_2 TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS session_directory_user1_idx ON session_directory(user_id_1);
CREATE INDEX IF NOT EXISTS session_directory_user2_idx ON session_directory(user_id_2);
`
	if _, err := db.Exec(schema); err != nil {
		return nil, errs.Wrap(errs.TransportError, "serverapi.NewSessionDirectory", "schema init failed", err)
	}
	return &SessionDirectory{db: db}, nil
}

// GetOrCreate implements spec §6's `POST /sessions {userId1, userId2}`:
// returns the existing record for this unordered pair, or creates one,
// reporting isNew either way.
func (d *SessionDirectory) GetOrCreate(userID1, userID2 string) (rec *SessionRecord, isNew bool, err error) {
	sessionID := SessionID(userID1, userID2)

	existing, err := d.Get(sessionID)
	if err == nil {
		return existing, false, nil
	}
	if !errs.Is(err, errs.SessionNotFound) {
		return nil, false, err
	}

	rec = &SessionRecord{
		SessionID: sessionID,
		UserID1:   userID1,
		UserID2:   userID2,
		CreatedAt: Now(),
	}
	_, dbErr := d.db.Exec(
		`INSERT INTO session_directory (session_id, user_id_1, user_id_2, created_at)
		 VALUES ($1,$2,$3,$4) ON CONFLICT (session_id) DO NOTHING`,
		rec.SessionID, rec.UserID1, rec.UserID2, rec.CreatedAt,
	)
	if dbErr != nil {
		return nil, false, errs.Wrap(errs.TransportError, "serverapi.SessionDirectory.GetOrCreate", "insert failed", dbErr)
	}
	return rec, true, nil
}

// Get returns the directory entry for sessionID, or SessionNotFound.
func (d *SessionDirectory) Get(sessionID string) (*SessionRecord, error) {
	var rec SessionRecord
	rec.SessionID = sessionID
	err := d.db.QueryRow(
		`SELECT user_id_1, user_id_2, created_at FROM session_directory WHERE session_id = $1`,
		sessionID,
	).Scan(&rec.UserID1, &rec.UserID2, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.SessionNotFound, "serverapi.SessionDirectory.Get", "no session with that id")
	}
	if err != nil {
		return nil, errs.Wrap(errs.TransportError, "serverapi.SessionDirectory.Get", "query failed", err)
	}
	return &rec, nil
}

// ListForUser returns every session directory entry involving userID.
func (d *SessionDirectory) ListForUser(userID string) ([]*SessionRecord, error) {
	rows, err := d.db.Query(
		`SELECT session_id, user_id_1, user_id_2, created_at FROM session_directory
		 WHERE user_id_1 = $1 OR user_id_2 = $1`,
		userID,
	)
	if err != nil {
		return nil, errs.Wrap(errs.TransportError, "serverapi.SessionDirectory.ListForUser", "query failed", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.SessionID, &rec.UserID1, &rec.UserID2, &rec.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.TransportError, "serverapi.SessionDirectory.ListForUser", "row scan failed", err)
		}
		out = append(out, &rec)
	}
	return out, nil
}
