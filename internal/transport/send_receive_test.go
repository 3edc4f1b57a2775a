package transport_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/silentrelay/e2ee-core/internal/errs"
	"github.com/silentrelay/e2ee-core/internal/sessionstore"
	"github.com/silentrelay/e2ee-core/internal/transport"
)

// pairedStores builds independent session stores for alice and bob, each
// seeded with a session whose send/recv keys mirror the other's, as a real
// KEP handshake would produce (spec P7).
func pairedStores(t *testing.T) (aliceStore *sessionstore.Store, bobStore *sessionstore.Store) {
	t.Helper()
	now := time.Now()

	aliceCache := sessionstore.NewKeyCache()
	require.NoError(t, aliceCache.Unlock("alice", "alice-password-long-enough", make([]byte, 16), 100_000))
	aliceStore, err := sessionstore.NewStore(filepath.Join(t.TempDir(), "alice.db"), aliceCache, sessionstore.Callbacks{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = aliceStore.Close() })

	bobCache := sessionstore.NewKeyCache()
	require.NoError(t, bobCache.Unlock("bob", "bob-password-long-enough-too", make([]byte, 16), 100_000))
	bobStore, err = sessionstore.NewStore(filepath.Join(t.TempDir(), "bob.db"), bobCache, sessionstore.Callbacks{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bobStore.Close() })

	aToB := []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	bToA := []byte("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	root := []byte("rrrrrrrrrrrrrrrrrrrrrrrrrrrrrrrr")

	require.NoError(t, aliceStore.Create(sessionstore.NewSession("alice", "bob", "sess-1", root, aToB, bToA, now)))
	require.NoError(t, bobStore.Create(sessionstore.NewSession("bob", "alice", "sess-1", root, bToA, aToB, now)))
	return aliceStore, bobStore
}

func TestSendThenReceiveRoundTrips(t *testing.T) {
	aliceStore, bobStore := pairedStores(t)
	sender := transport.NewSender(aliceStore)
	receiver := transport.NewReceiver(bobStore)
	now := time.Now()

	env, err := sender.SendMessage("alice", "bob", "sess-1", []byte("hello"), now)
	require.NoError(t, err)
	require.Equal(t, uint64(1), env.Seq)

	plaintext, err := receiver.ReceiveMessage("bob", "sess-1", env, now)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), plaintext)

	loaded, err := bobStore.Load("bob", "sess-1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), loaded.LastSeq)
}

func TestReceiveRejectsExactReplay(t *testing.T) {
	aliceStore, bobStore := pairedStores(t)
	sender := transport.NewSender(aliceStore)
	receiver := transport.NewReceiver(bobStore)
	now := time.Now()

	env, err := sender.SendMessage("alice", "bob", "sess-1", []byte("hello"), now)
	require.NoError(t, err)

	_, err = receiver.ReceiveMessage("bob", "sess-1", env, now)
	require.NoError(t, err)

	_, err = receiver.ReceiveMessage("bob", "sess-1", env, now.Add(10*time.Second))
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.ReplayDetected))

	loaded, err := bobStore.Load("bob", "sess-1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), loaded.LastSeq, "lastSeq must be unchanged after a rejected replay")
}

func TestReceiveRejectsStaleTimestamp(t *testing.T) {
	aliceStore, bobStore := pairedStores(t)
	sender := transport.NewSender(aliceStore)
	receiver := transport.NewReceiver(bobStore)
	now := time.Now()

	env, err := sender.SendMessage("alice", "bob", "sess-1", []byte("hello"), now.Add(-3*time.Minute))
	require.NoError(t, err)

	_, err = receiver.ReceiveMessage("bob", "sess-1", env, now)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.ReplayDetected))
}

func TestReceiveRejectsTamperedCiphertextAsMITM(t *testing.T) {
	aliceStore, bobStore := pairedStores(t)
	sender := transport.NewSender(aliceStore)
	receiver := transport.NewReceiver(bobStore)
	now := time.Now()

	env, err := sender.SendMessage("alice", "bob", "sess-1", []byte("hello"), now)
	require.NoError(t, err)
	env.Ciphertext[0] ^= 0xFF

	_, err = receiver.ReceiveMessage("bob", "sess-1", env, now)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.MITMDetected))
}

func TestReceiveRejectsOutOfRangeNonceAsReplay(t *testing.T) {
	aliceStore, bobStore := pairedStores(t)
	sender := transport.NewSender(aliceStore)
	receiver := transport.NewReceiver(bobStore)
	now := time.Now()

	tooShort, err := sender.SendMessage("alice", "bob", "sess-1", []byte("hello"), now)
	require.NoError(t, err)
	tooShort.Nonce = tooShort.Nonce[:11]

	_, err = receiver.ReceiveMessage("bob", "sess-1", tooShort, now)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.ReplayDetected))

	loaded, err := bobStore.Load("bob", "sess-1")
	require.NoError(t, err)
	require.Equal(t, uint64(0), loaded.LastSeq, "lastSeq must be unchanged after a rejected out-of-range nonce")

	tooLong, err := sender.SendMessage("alice", "bob", "sess-1", []byte("hello"), now)
	require.NoError(t, err)
	tooLong.Nonce = append(tooLong.Nonce, make([]byte, 21)...)

	_, err = receiver.ReceiveMessage("bob", "sess-1", tooLong, now)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.ReplayDetected))
}

func TestReceiveAcceptsOnlyStrictlyIncreasingSeq(t *testing.T) {
	aliceStore, bobStore := pairedStores(t)
	sender := transport.NewSender(aliceStore)
	receiver := transport.NewReceiver(bobStore)
	now := time.Now()

	env1, err := sender.SendMessage("alice", "bob", "sess-1", []byte("one"), now)
	require.NoError(t, err)
	env2, err := sender.SendMessage("alice", "bob", "sess-1", []byte("two"), now)
	require.NoError(t, err)

	_, err = receiver.ReceiveMessage("bob", "sess-1", env2, now)
	require.NoError(t, err)

	_, err = receiver.ReceiveMessage("bob", "sess-1", env1, now)
	require.Error(t, err, "seq lower than already-accepted lastSeq must be rejected even though it was never seen")
	require.True(t, errs.Is(err, errs.ReplayDetected))
}

func TestFileRoundTripReassemblesOutOfOrder(t *testing.T) {
	aliceStore, bobStore := pairedStores(t)
	sender := transport.NewSender(aliceStore)
	receiver := transport.NewReceiver(bobStore)
	now := time.Now()

	data := make([]byte, transport.ChunkSize*3+100)
	for i := range data {
		data[i] = byte(i % 256)
	}

	envelopes, err := sender.BuildFileEnvelopes("alice", "bob", "sess-1", "photo.bin", "application/octet-stream", data, now)
	require.NoError(t, err)
	require.Len(t, envelopes, 5) // 1 meta + 4 chunks

	firstSeq := envelopes[0].Seq
	assembler := transport.NewFileAssembler()

	order := []int{0, 2, 4, 1, 3}
	var result *transport.AssembledFile
	for _, idx := range order {
		env := envelopes[idx]
		assembled, done, err := assembler.Feed(receiver, "bob", "sess-1", env, now, firstSeq)
		require.NoError(t, err)
		if done {
			result = assembled
		}
	}

	require.NotNil(t, result)
	require.Equal(t, "photo.bin", result.Filename)
	require.Equal(t, data, result.Data)
}
