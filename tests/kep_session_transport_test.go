// Package tests exercises cross-package wiring the individual package
// test suites don't: a real two-round KEP handshake (internal/kep)
// seeding two independent on-disk session stores (internal/sessionstore),
// which internal/transport then sends and receives real envelopes
// through — plus the rotation handshake replacing both sides' keys
// atomically. Package-local _test.go files cover each component in
// isolation; this is the one place the full chain runs end to end.
package tests

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/silentrelay/e2ee-core/internal/cryptocore"
	"github.com/silentrelay/e2ee-core/internal/errs"
	"github.com/silentrelay/e2ee-core/internal/kep"
	"github.com/silentrelay/e2ee-core/internal/sessionstore"
	"github.com/silentrelay/e2ee-core/internal/transport"
)

type peer struct {
	id     string
	idKey  *cryptocore.SigningKeyPair
	cache  *sessionstore.KeyCache
	store  *sessionstore.Store
	replay []sessionstore.ReplayDetail
	mitm   []sessionstore.InvalidSignatureDetail
}

func newPeer(t *testing.T, id, password string) *peer {
	t.Helper()
	idKey, err := cryptocore.GenerateSigningKeyPair()
	require.NoError(t, err)

	p := &peer{id: id, idKey: idKey}

	cache := sessionstore.NewKeyCache()
	require.NoError(t, cache.Unlock(id, password, make([]byte, 16), 100_000))
	p.cache = cache

	store, err := sessionstore.NewStore(filepath.Join(t.TempDir(), id+".db"), cache, sessionstore.Callbacks{
		OnReplayDetected: func(sessionID string, detail sessionstore.ReplayDetail) {
			p.replay = append(p.replay, detail)
		},
		OnInvalidSignature: func(sessionID string, detail sessionstore.InvalidSignatureDetail) {
			p.mitm = append(p.mitm, detail)
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	p.store = store
	return p
}

// runHandshake drives a full KEP round between alice (initiator) and bob
// (responder) and persists the resulting session on both sides, mirroring
// spec §4.3's post-condition exactly as two real peers would reach it.
func runHandshake(t *testing.T, alice, bob *peer, sessionID string, now time.Time) {
	t.Helper()

	init, eAPriv, err := kep.BuildInit(sessionID, alice.id, bob.id, alice.idKey.Private, now)
	require.NoError(t, err)

	resp, resultB, err := kep.HandleInit(init, alice.idKey.Public, bob.idKey.Private, bob.id, now)
	require.NoError(t, err)

	resultA, err := kep.HandleResponse(resp, bob.idKey.Public, eAPriv, alice.id, now)
	require.NoError(t, err)

	require.Equal(t, resultA.SendKey, resultB.RecvKey)
	require.Equal(t, resultA.RecvKey, resultB.SendKey)
	require.Equal(t, resultA.RootKey, resultB.RootKey)

	if existing, err := alice.store.Load(alice.id, sessionID); err == nil {
		existing.ApplyRotation(resultA.RootKey, resultA.SendKey, resultA.RecvKey, now)
		require.NoError(t, alice.store.Update(existing))
	} else {
		require.NoError(t, alice.store.Create(sessionstore.NewSession(alice.id, bob.id, sessionID, resultA.RootKey, resultA.SendKey, resultA.RecvKey, now)))
	}
	if existing, err := bob.store.Load(bob.id, sessionID); err == nil {
		existing.ApplyRotation(resultB.RootKey, resultB.SendKey, resultB.RecvKey, now)
		require.NoError(t, bob.store.Update(existing))
	} else {
		require.NoError(t, bob.store.Create(sessionstore.NewSession(bob.id, alice.id, sessionID, resultB.RootKey, resultB.SendKey, resultB.RecvKey, now)))
	}
}

func TestFullHandshakeThenMessageRoundTrip(t *testing.T) {
	now := time.Now()
	alice := newPeer(t, "alice", "correct-horse-battery-staple")
	bob := newPeer(t, "bob", "another-long-enough-password")

	runHandshake(t, alice, bob, "sess-e2e-1", now)

	sender := transport.NewSender(alice.store)
	receiver := transport.NewReceiver(bob.store)

	env, err := sender.SendMessage(alice.id, bob.id, "sess-e2e-1", []byte("hello"), now)
	require.NoError(t, err)

	plaintext, err := receiver.ReceiveMessage(bob.id, "sess-e2e-1", env, now)
	require.NoError(t, err)
	require.Equal(t, "hello", string(plaintext))

	// Scenario 1 from spec §8: both sides reply and both lastSeq land at 1.
	reply := transport.NewSender(bob.store)
	reverseReceiver := transport.NewReceiver(alice.store)

	env2, err := reply.SendMessage(bob.id, alice.id, "sess-e2e-1", []byte("world"), now)
	require.NoError(t, err)
	plaintext2, err := reverseReceiver.ReceiveMessage(alice.id, "sess-e2e-1", env2, now)
	require.NoError(t, err)
	require.Equal(t, "world", string(plaintext2))

	aliceSess, err := alice.store.Load(alice.id, "sess-e2e-1")
	require.NoError(t, err)
	bobSess, err := bob.store.Load(bob.id, "sess-e2e-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, aliceSess.LastSeq)
	require.EqualValues(t, 1, bobSess.LastSeq)
}

func TestRotationInvalidatesPriorKeysBeyondToleranceWindow(t *testing.T) {
	now := time.Now()
	alice := newPeer(t, "alice", "correct-horse-battery-staple")
	bob := newPeer(t, "bob", "another-long-enough-password")

	runHandshake(t, alice, bob, "sess-e2e-2", now)

	sender := transport.NewSender(alice.store)
	receiver := transport.NewReceiver(bob.store)

	staleEnv, err := sender.SendMessage(alice.id, bob.id, "sess-e2e-2", []byte("pre-rotation"), now)
	require.NoError(t, err)
	secondStaleEnv, err := sender.SendMessage(alice.id, bob.id, "sess-e2e-2", []byte("pre-rotation-2"), now)
	require.NoError(t, err)

	runHandshake(t, alice, bob, "sess-e2e-2", now.Add(time.Second))

	// Spec §4.3: a message built under the old keys still decrypts once
	// via the one-step tolerance window...
	plaintext, err := receiver.ReceiveMessage(bob.id, "sess-e2e-2", staleEnv, now.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, "pre-rotation", string(plaintext))

	// ...but a second use of the exhausted tolerance window must fail, and
	// post-rotation messages must use the new keys.
	_, err = receiver.ReceiveMessage(bob.id, "sess-e2e-2", secondStaleEnv, now.Add(time.Second))
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.MITMDetected))

	freshEnv, err := sender.SendMessage(alice.id, bob.id, "sess-e2e-2", []byte("post-rotation"), now.Add(2*time.Second))
	require.NoError(t, err)
	plaintext, err = receiver.ReceiveMessage(bob.id, "sess-e2e-2", freshEnv, now.Add(2*time.Second))
	require.NoError(t, err)
	require.Equal(t, "post-rotation", string(plaintext))
}

func TestTamperedSignatureAbortsHandshakeWithoutSession(t *testing.T) {
	now := time.Now()
	alice := newPeer(t, "alice", "correct-horse-battery-staple")
	bob := newPeer(t, "bob", "another-long-enough-password")
	attacker, err := cryptocore.GenerateSigningKeyPair()
	require.NoError(t, err)

	init, _, err := kep.BuildInit("sess-e2e-3", alice.id, bob.id, attacker.Private, now)
	require.NoError(t, err)

	_, _, err = kep.HandleInit(init, alice.idKey.Public, bob.idKey.Private, bob.id, now)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.MITMDetected))

	_, lerr := alice.store.Load(alice.id, "sess-e2e-3")
	require.Error(t, lerr, "no session should exist at either end after a failed handshake")
	_, lerr = bob.store.Load(bob.id, "sess-e2e-3")
	require.Error(t, lerr)
}
