package sessionstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSweepEvictsExpiredEntriesOnly(t *testing.T) {
	cache := NewKeyCache()
	cache.entries["alice"] = cacheEntry{key: []byte("stale-key-000000000000000000000"), expiresAt: time.Now().Add(-time.Minute)}
	cache.entries["bob"] = cacheEntry{key: []byte("fresh-key-000000000000000000000"), expiresAt: time.Now().Add(time.Hour)}

	cache.Sweep()

	_, aliceOK := cache.entries["alice"]
	require.False(t, aliceOK, "expired entry must be swept")

	_, bobOK := cache.entries["bob"]
	require.True(t, bobOK, "unexpired entry must survive sweep")
}
