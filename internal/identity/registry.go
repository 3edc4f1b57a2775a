package identity

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/silentrelay/e2ee-core/internal/errs"
)

// PreviousVersion is one entry in a public key's append-only rotation
// history (spec §3: "append-only list of prior {version, keyHash,
// replacedAt} entries").
type PreviousVersion struct {
	Version    int       `json:"version"`
	KeyHash    string    `json:"keyHash"`
	ReplacedAt time.Time `json:"replacedAt"`
}

// Record is the server-side view of a user's public identity key: the
// current JWK plus its version lineage and tamper-detection hash.
type Record struct {
	UserID           uuid.UUID         `json:"userId"`
	JWK              *JWK              `json:"jwk"`
	Version          int               `json:"version"`
	KeyHash          string            `json:"keyHash"`
	CreatedAt        time.Time         `json:"createdAt"`
	PreviousVersions []PreviousVersion `json:"previousVersions"`
}

// Registry is the server-side public key store behind publishPublic/getPublic
// (spec §5). It enforces the tamper check and version/previousVersions
// bookkeeping; persistence is delegated to a Store.
type Registry struct {
	store Store
}

// Store is the persistence seam for Registry, grounded on
// internal/db/postgres.go's GetUserKeys/UpdateUserKeys pattern.
type Store interface {
	Load(userID uuid.UUID) (*Record, error)
	Save(rec *Record) error
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// PublishPublic implements spec §5's publishPublic(jwk): idempotent upsert
// that bumps version and appends to previousVersions only when the
// submitted key's hash differs from what is stored.
func (r *Registry) PublishPublic(userID uuid.UUID, jwk *JWK) (*Record, error) {
	if _, err := ParsePublicJWK(jwk); err != nil {
		return nil, err
	}
	newHash, err := KeyHash(jwk)
	if err != nil {
		return nil, err
	}

	existing, err := r.store.Load(userID)
	if err != nil && !errs.Is(err, errs.SessionNotFound) {
		return nil, err
	}

	if existing == nil {
		rec := &Record{
			UserID:    userID,
			JWK:       jwk,
			Version:   1,
			KeyHash:   newHash,
			CreatedAt: time.Now().UTC(),
		}
		if err := r.store.Save(rec); err != nil {
			return nil, err
		}
		return rec, nil
	}

	if err := r.verifyIntegrity(existing); err != nil {
		return nil, err
	}

	if existing.KeyHash == newHash {
		// idempotent republish, per spec (P4): version and previousVersions unchanged.
		return existing, nil
	}

	existing.PreviousVersions = append(existing.PreviousVersions, PreviousVersion{
		Version:    existing.Version,
		KeyHash:    existing.KeyHash,
		ReplacedAt: time.Now().UTC(),
	})
	existing.Version++
	existing.JWK = jwk
	existing.KeyHash = newHash

	if err := r.store.Save(existing); err != nil {
		return nil, err
	}
	return existing, nil
}

// GetPublic returns the current record for userID after verifying the
// stored keyHash still matches the stored JWK (spec §5's tamper check runs
// "on every read").
func (r *Registry) GetPublic(userID uuid.UUID) (*Record, error) {
	rec, err := r.store.Load(userID)
	if err != nil {
		return nil, err
	}
	if err := r.verifyIntegrity(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *Registry) verifyIntegrity(rec *Record) error {
	computed, err := KeyHash(rec.JWK)
	if err != nil {
		return err
	}
	if computed != rec.KeyHash {
		return errs.New(errs.IntegrityError, "identity.Registry.verifyIntegrity", "stored keyHash does not match stored JWK")
	}
	return nil
}

// PostgresStore is a Store backed by Postgres, grounded on
// internal/db/postgres.go's connection and query shape.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Load(userID uuid.UUID) (*Record, error) {
	var jwkJSON, prevJSON []byte
	var rec Record
	rec.UserID = userID

	err := p.db.QueryRow(
		`SELECT jwk, version, key_hash, created_at, previous_versions
		   FROM identity_key_registry WHERE user_id = $1`,
		userID,
	).Scan(&jwkJSON, &rec.Version, &rec.KeyHash, &rec.CreatedAt, &prevJSON)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.SessionNotFound, "identity.PostgresStore.Load", "no identity key registered")
	}
	if err != nil {
		return nil, errs.Wrap(errs.TransportError, "identity.PostgresStore.Load", "query failed", err)
	}

	var jwk JWK
	if err := json.Unmarshal(jwkJSON, &jwk); err != nil {
		return nil, errs.Wrap(errs.IntegrityError, "identity.PostgresStore.Load", "stored jwk malformed", err)
	}
	rec.JWK = &jwk

	if len(prevJSON) > 0 {
		if err := json.Unmarshal(prevJSON, &rec.PreviousVersions); err != nil {
			return nil, errs.Wrap(errs.IntegrityError, "identity.PostgresStore.Load", "stored previousVersions malformed", err)
		}
	}
	return &rec, nil
}

func (p *PostgresStore) Save(rec *Record) error {
	jwkJSON, err := json.Marshal(rec.JWK)
	if err != nil {
		return errs.Wrap(errs.BadInput, "identity.PostgresStore.Save", "encode jwk failed", err)
	}
	prevJSON, err := json.Marshal(rec.PreviousVersions)
	if err != nil {
		return errs.Wrap(errs.BadInput, "identity.PostgresStore.Save", "encode previousVersions failed", err)
	}

	_, err = p.db.Exec(
		`INSERT INTO identity_key_registry (user_id, jwk, version, key_hash, created_at, previous_versions)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id) DO UPDATE SET
		   jwk = EXCLUDED.jwk,
		   version = EXCLUDED.version,
		   key_hash = EXCLUDED.key_hash,
		   previous_versions = EXCLUDED.previous_versions`,
		rec.UserID, jwkJSON, rec.Version, rec.KeyHash, rec.CreatedAt, prevJSON,
	)
	if err != nil {
		return errs.Wrap(errs.TransportError, "identity.PostgresStore.Save", "upsert failed", err)
	}
	return nil
}
