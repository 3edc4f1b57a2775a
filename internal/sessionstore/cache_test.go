package sessionstore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/silentrelay/e2ee-core/internal/errs"
	"github.com/silentrelay/e2ee-core/internal/sessionstore"
)

func TestKeyCacheUnlockThenGetRoundtrips(t *testing.T) {
	cache := sessionstore.NewKeyCache()
	salt := make([]byte, 16)

	require.NoError(t, cache.Unlock("alice", "correct horse battery staple", salt, 100_000))

	key, err := cache.Get("alice")
	require.NoError(t, err)
	require.Len(t, key, 32)
}

func TestKeyCacheGetFailsWhenNeverUnlocked(t *testing.T) {
	cache := sessionstore.NewKeyCache()
	_, err := cache.Get("bob")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.SessionLocked))
}

func TestKeyCacheLogoutPurgesImmediately(t *testing.T) {
	cache := sessionstore.NewKeyCache()
	salt := make([]byte, 16)
	require.NoError(t, cache.Unlock("alice", "hunter2hunter2", salt, 100_000))

	cache.Logout("alice")

	_, err := cache.Get("alice")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.SessionLocked))
}

func TestKeyCacheRejectsBelowFloorIterations(t *testing.T) {
	cache := sessionstore.NewKeyCache()
	salt := make([]byte, 16)
	err := cache.Unlock("alice", "password", salt, 1000)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CryptoError))
}

