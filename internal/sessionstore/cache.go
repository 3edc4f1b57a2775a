package sessionstore

import (
	"sync"
	"time"

	"github.com/silentrelay/e2ee-core/internal/cryptocore"
	"github.com/silentrelay/e2ee-core/internal/errs"
)

// KeyCacheTTL is the ≤1 hour in-memory lifetime spec §4.4 places on a
// user's password-derived session-encryption key: "the cache of this key
// lives in memory for ≤1 hour and is purged on logout."
const KeyCacheTTL = 1 * time.Hour

// KeyCache holds per-user session-encryption keys in memory only — never
// persisted, per DESIGN NOTES §9 ("on process restart the cache starts
// empty"). Single writer (login/logout), many readers, grounded on
// internal/security/keyrotation.go's ticker-based eviction pattern.
type KeyCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	key       []byte
	expiresAt time.Time
}

// NewKeyCache returns an empty cache.
func NewKeyCache() *KeyCache {
	return &KeyCache{entries: make(map[string]cacheEntry)}
}

// Unlock derives the per-user session-encryption key from password via
// PBKDF2-SHA256 (same primitive the vault uses for identity-key wrapping,
// spec §4.1) and caches it for KeyCacheTTL.
func (c *KeyCache) Unlock(userID, password string, salt []byte, iterations int) error {
	key, err := cryptocore.PBKDF2SHA256(password, salt, iterations, cryptocore.KeySize)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = cacheEntry{key: key, expiresAt: time.Now().Add(KeyCacheTTL)}
	return nil
}

// Get returns the cached session-encryption key for userID, or
// errs.SessionLocked if the cache is empty or expired — spec §4.4: "if the
// cache is empty, load fails with SessionLocked, requiring password
// re-entry."
func (c *KeyCache) Get(userID string) ([]byte, error) {
	c.mu.RLock()
	entry, ok := c.entries[userID]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, errs.New(errs.SessionLocked, "sessionstore.KeyCache.Get", "session-encryption key not cached; re-enter password")
	}
	return entry.key, nil
}

// Logout purges userID's cached key immediately, per spec §4.4 ("purged on
// logout").
func (c *KeyCache) Logout(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

// Sweep evicts all expired entries; intended to run on a periodic ticker
// from the owning process, mirroring the teacher's scheduler shape in
// internal/security/keyrotation.go.
func (c *KeyCache) Sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for userID, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, userID)
		}
	}
}
