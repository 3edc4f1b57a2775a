package kep_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/silentrelay/e2ee-core/internal/cryptocore"
	"github.com/silentrelay/e2ee-core/internal/errs"
	"github.com/silentrelay/e2ee-core/internal/kep"
)

func TestHandshakeYieldsSymmetricMirroredKeys(t *testing.T) {
	idA, err := cryptocore.GenerateSigningKeyPair()
	require.NoError(t, err)
	idB, err := cryptocore.GenerateSigningKeyPair()
	require.NoError(t, err)

	sessionID := "session-1"
	now := time.Now()

	init, eAPriv, err := kep.BuildInit(sessionID, "alice", "bob", idA.Private, now)
	require.NoError(t, err)

	resp, resultB, err := kep.HandleInit(init, idA.Public, idB.Private, "bob", now)
	require.NoError(t, err)

	resultA, err := kep.HandleResponse(resp, idB.Public, eAPriv, "alice", now)
	require.NoError(t, err)

	require.Equal(t, resultA.RootKey, resultB.RootKey)
	require.Equal(t, resultA.SendKey, resultB.RecvKey, "A.sendKey must equal B.recvKey (P7)")
	require.Equal(t, resultA.RecvKey, resultB.SendKey, "A.recvKey must equal B.sendKey (P7)")
}

func TestHandshakeSelfStorageSharesSingleKey(t *testing.T) {
	idA, err := cryptocore.GenerateSigningKeyPair()
	require.NoError(t, err)

	sessionID := "self-1"
	now := time.Now()

	init, eAPriv, err := kep.BuildInit(sessionID, "alice", "alice", idA.Private, now)
	require.NoError(t, err)

	resp, resultB, err := kep.HandleInit(init, idA.Public, idA.Private, "alice", now)
	require.NoError(t, err)

	resultA, err := kep.HandleResponse(resp, idA.Public, eAPriv, "alice", now)
	require.NoError(t, err)

	require.Equal(t, resultA.SendKey, resultA.RecvKey, "self-storage sessions use a single storageKey")
	require.Equal(t, resultA.SendKey, resultB.SendKey)
}

func TestHandleInitRejectsForgedSignature(t *testing.T) {
	idA, err := cryptocore.GenerateSigningKeyPair()
	require.NoError(t, err)
	idB, err := cryptocore.GenerateSigningKeyPair()
	require.NoError(t, err)
	attacker, err := cryptocore.GenerateSigningKeyPair()
	require.NoError(t, err)

	now := time.Now()
	init, _, err := kep.BuildInit("session-2", "alice", "bob", attacker.Private, now)
	require.NoError(t, err)

	_, _, err = kep.HandleInit(init, idA.Public, idB.Private, "bob", now)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.MITMDetected))
}

func TestHandleInitRejectsStaleTimestamp(t *testing.T) {
	idA, err := cryptocore.GenerateSigningKeyPair()
	require.NoError(t, err)
	idB, err := cryptocore.GenerateSigningKeyPair()
	require.NoError(t, err)

	now := time.Now()
	past := now.Add(-3 * time.Minute)
	init, _, err := kep.BuildInit("session-3", "alice", "bob", idA.Private, past)
	require.NoError(t, err)

	_, _, err = kep.HandleInit(init, idA.Public, idB.Private, "bob", now)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.MITMDetected))
}

func TestHandleInitRejectsWrongReceiver(t *testing.T) {
	idA, err := cryptocore.GenerateSigningKeyPair()
	require.NoError(t, err)
	idB, err := cryptocore.GenerateSigningKeyPair()
	require.NoError(t, err)

	now := time.Now()
	init, _, err := kep.BuildInit("session-4", "alice", "bob", idA.Private, now)
	require.NoError(t, err)

	_, _, err = kep.HandleInit(init, idA.Public, idB.Private, "carol", now)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.BadInput))
}

func TestHandleResponseRejectsTamperedEphemeral(t *testing.T) {
	idA, err := cryptocore.GenerateSigningKeyPair()
	require.NoError(t, err)
	idB, err := cryptocore.GenerateSigningKeyPair()
	require.NoError(t, err)

	now := time.Now()
	init, eAPriv, err := kep.BuildInit("session-5", "alice", "bob", idA.Private, now)
	require.NoError(t, err)
	resp, _, err := kep.HandleInit(init, idA.Public, idB.Private, "bob", now)
	require.NoError(t, err)

	other, err := cryptocore.GenerateECDHKeyPair()
	require.NoError(t, err)
	resp.ResponderEphPub = other.Public.Bytes()

	_, err = kep.HandleResponse(resp, idB.Public, eAPriv, "alice", now)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.MITMDetected))
}

func TestWinsTiebreakDeterministic(t *testing.T) {
	a := kep.WinsTiebreak("sess", "alice", "bob")
	b := kep.WinsTiebreak("sess", "bob", "alice")
	require.NotEqual(t, a, b, "exactly one side must win the tiebreak")
}
