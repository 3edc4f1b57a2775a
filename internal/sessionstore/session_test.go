package sessionstore_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/silentrelay/e2ee-core/internal/sessionstore"
)

func TestNonceRingEvictsOldestPastCapacity(t *testing.T) {
	ring := sessionstore.NewNonceRing()
	for i := 0; i < sessionstore.NonceRingSize+10; i++ {
		ring.Add(fmt.Sprintf("nonce-%d", i))
	}
	snap := ring.Snapshot()
	require.Len(t, snap, sessionstore.NonceRingSize)
	require.False(t, ring.Contains("nonce-0"), "oldest entries must be evicted")
	require.True(t, ring.Contains(fmt.Sprintf("nonce-%d", sessionstore.NonceRingSize+9)))
}

func TestNonceRingRejectsDuplicateWithoutGrowing(t *testing.T) {
	ring := sessionstore.NewNonceRing()
	ring.Add("dup")
	ring.Add("dup")
	require.Len(t, ring.Snapshot(), 1)
	require.True(t, ring.Contains("dup"))
}

func TestRestoreNonceRingPreservesOrderAndCapacity(t *testing.T) {
	var hashes []string
	for i := 0; i < sessionstore.NonceRingSize+5; i++ {
		hashes = append(hashes, fmt.Sprintf("h-%d", i))
	}
	ring := sessionstore.RestoreNonceRing(hashes)
	require.Len(t, ring.Snapshot(), sessionstore.NonceRingSize)
	require.False(t, ring.Contains("h-0"))
	require.True(t, ring.Contains(fmt.Sprintf("h-%d", sessionstore.NonceRingSize+4)))
}

func TestApplyRotationRetainsPreviousKeysForToleranceWindow(t *testing.T) {
	now := time.Now()
	sess := sessionstore.NewSession("alice", "bob", "sess-1", []byte("root1"), []byte("send1"), []byte("recv1"), now)
	sess.Nonces.Add("n1")
	sess.LastSeq = 7
	sess.NextSeq = 8

	later := now.Add(time.Minute)
	sess.ApplyRotation([]byte("root2"), []byte("send2"), []byte("recv2"), later)

	require.Equal(t, []byte("send1"), sess.PrevSendKey)
	require.Equal(t, []byte("recv1"), sess.PrevRecvKey)
	require.Equal(t, []byte("send2"), sess.SendKey)
	require.Equal(t, []byte("recv2"), sess.RecvKey)
	require.Equal(t, uint64(0), sess.LastSeq)
	require.Equal(t, uint64(1), sess.NextSeq)
	require.False(t, sess.Nonces.Contains("n1"), "rotation must reset the nonce ring")

	sess.ClearToleranceWindow()
	require.Nil(t, sess.PrevSendKey)
	require.Nil(t, sess.PrevRecvKey)
}
