package sessionstore_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/silentrelay/e2ee-core/internal/errs"
	"github.com/silentrelay/e2ee-core/internal/sessionstore"
)

func newTestStore(t *testing.T, callbacks sessionstore.Callbacks) (*sessionstore.Store, *sessionstore.KeyCache) {
	t.Helper()
	cache := sessionstore.NewKeyCache()
	require.NoError(t, cache.Unlock("alice", "correct horse battery staple", make([]byte, 16), 100_000))

	path := filepath.Join(t.TempDir(), "sessions.db")
	store, err := sessionstore.NewStore(path, cache, callbacks)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, cache
}

func TestStoreCreateThenLoadRoundtrips(t *testing.T) {
	store, _ := newTestStore(t, sessionstore.Callbacks{})
	now := time.Now()
	sess := sessionstore.NewSession("alice", "bob", "sess-1", []byte("root"), []byte("send"), []byte("recv"), now)

	require.NoError(t, store.Create(sess))

	loaded, err := store.Load("alice", "sess-1")
	require.NoError(t, err)
	require.Equal(t, sess.PeerID, loaded.PeerID)
	require.Equal(t, sess.SendKey, loaded.SendKey)
	require.Equal(t, sess.RecvKey, loaded.RecvKey)
	require.Equal(t, sess.State, loaded.State)
}

func TestStoreLoadFailsWithSessionLockedWhenCacheEmpty(t *testing.T) {
	cache := sessionstore.NewKeyCache()
	path := filepath.Join(t.TempDir(), "sessions.db")
	store, err := sessionstore.NewStore(path, cache, sessionstore.Callbacks{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.Load("alice", "sess-1")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.SessionLocked))
}

func TestStoreLoadFailsWithSessionNotFoundForUnknownID(t *testing.T) {
	store, _ := newTestStore(t, sessionstore.Callbacks{})
	_, err := store.Load("alice", "no-such-session")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.SessionNotFound))
}

func TestStoreUpdatePersistsRotatedKeys(t *testing.T) {
	store, _ := newTestStore(t, sessionstore.Callbacks{})
	now := time.Now()
	sess := sessionstore.NewSession("alice", "bob", "sess-1", []byte("root1"), []byte("send1"), []byte("recv1"), now)
	require.NoError(t, store.Create(sess))

	sess.ApplyRotation([]byte("root2"), []byte("send2"), []byte("recv2"), now.Add(time.Minute))
	require.NoError(t, store.Update(sess))

	loaded, err := store.Load("alice", "sess-1")
	require.NoError(t, err)
	require.Equal(t, []byte("send2"), loaded.SendKey)
	require.Equal(t, []byte("send1"), loaded.PrevSendKey)
	require.Equal(t, uint64(0), loaded.LastSeq)
}

func TestStoreDeleteRemovesSession(t *testing.T) {
	store, _ := newTestStore(t, sessionstore.Callbacks{})
	sess := sessionstore.NewSession("alice", "bob", "sess-1", []byte("root"), []byte("send"), []byte("recv"), time.Now())
	require.NoError(t, store.Create(sess))

	require.NoError(t, store.Delete("alice", "sess-1"))

	_, err := store.Load("alice", "sess-1")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.SessionNotFound))
}

func TestStoreListByUserReturnsAllSessionIDs(t *testing.T) {
	store, _ := newTestStore(t, sessionstore.Callbacks{})
	now := time.Now()
	require.NoError(t, store.Create(sessionstore.NewSession("alice", "bob", "sess-1", []byte("r1"), []byte("s1"), []byte("v1"), now)))
	require.NoError(t, store.Create(sessionstore.NewSession("alice", "carol", "sess-2", []byte("r2"), []byte("s2"), []byte("v2"), now)))

	ids, err := store.ListByUser("alice")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"sess-1", "sess-2"}, ids)
}

func TestNotifyReplayInvokesRegisteredCallback(t *testing.T) {
	var gotSession string
	var gotDetail sessionstore.ReplayDetail
	store, _ := newTestStore(t, sessionstore.Callbacks{
		OnReplayDetected: func(sessionID string, detail sessionstore.ReplayDetail) {
			gotSession = sessionID
			gotDetail = detail
		},
	})

	store.NotifyReplay("sess-1", sessionstore.ReplayDetail{Reason: "duplicate-nonce", Seq: 5})

	require.Equal(t, "sess-1", gotSession)
	require.Equal(t, "duplicate-nonce", gotDetail.Reason)
	require.Equal(t, uint64(5), gotDetail.Seq)
}

func TestNotifyInvalidSignatureInvokesRegisteredCallback(t *testing.T) {
	var called bool
	store, _ := newTestStore(t, sessionstore.Callbacks{
		OnInvalidSignature: func(sessionID string, detail sessionstore.InvalidSignatureDetail) {
			called = true
		},
	})

	store.NotifyInvalidSignature("sess-1", sessionstore.InvalidSignatureDetail{Reason: "sig1-verify-failed"})
	require.True(t, called)
}
