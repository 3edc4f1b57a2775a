package kep

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"log"
	"os"
	"time"

	"github.com/silentrelay/e2ee-core/internal/cryptocore"
	"github.com/silentrelay/e2ee-core/internal/errs"
)

var kepLogger = log.New(os.Stdout, "[KEP] ", log.Ldate|log.Ltime|log.LUTC)

// RootInfo and the directional info strings are the exact HKDF labels
// spec §4.3 names for root-key derivation and the two directional keys.
const (
	RootInfo  = "SecureChat/root/v1"
	AtoBInfo  = "A→B/v1"
	BtoAInfo  = "B→A/v1"
	StorageInfo = "self-storage/v1"
)

// Result is the post-handshake material a KEP round yields: the shared
// rootKey plus the two directional keys already assigned from the caller's
// point of view (spec §4.3's "mirror-image" assignment is resolved inside
// DeriveKeys, callers never juggle A/B roles directly).
type Result struct {
	RootKey []byte
	SendKey []byte
	RecvKey []byte
}

// DeriveKeys runs the root/send/recv HKDF schedule from spec §4.3 given the
// raw ECDH shared secret Z and the two round timestamps, then assigns
// directional keys from the perspective of isInitiator (A) or not (B).
//
// Self-storage sessions (localID == peerID) collapse to a single
// storageKey used for both directions, per DESIGN.md's Open Question 2
// decision — this removes the fallback-on-failure behavior the original
// tolerated.
func DeriveKeys(z []byte, ts1, ts2 int64, isInitiator bool, localID, peerID string) (*Result, error) {
	salt := append(i64bytes(ts1), i64bytes(ts2)...)
	rootKey, err := cryptocore.HKDFSHA256(z, salt, []byte(RootInfo), cryptocore.KeySize)
	if err != nil {
		return nil, err
	}

	if localID == peerID {
		storageKey, err := cryptocore.HKDFSHA256(rootKey, nil, []byte(StorageInfo), cryptocore.KeySize)
		if err != nil {
			return nil, err
		}
		return &Result{RootKey: rootKey, SendKey: storageKey, RecvKey: storageKey}, nil
	}

	aToB, err := cryptocore.HKDFSHA256(rootKey, nil, []byte(AtoBInfo), cryptocore.KeySize)
	if err != nil {
		return nil, err
	}
	bToA, err := cryptocore.HKDFSHA256(rootKey, nil, []byte(BtoAInfo), cryptocore.KeySize)
	if err != nil {
		return nil, err
	}

	if isInitiator {
		// A sends on A->B, receives on B->A.
		return &Result{RootKey: rootKey, SendKey: aToB, RecvKey: bToA}, nil
	}
	// B sends on B->A, receives on A->B.
	return &Result{RootKey: rootKey, SendKey: bToA, RecvKey: aToB}, nil
}

// BuildInit is A's round-1 step: generate an ephemeral ECDH pair, sign m1
// with the long-term identity key, and return the wire message plus the
// ephemeral private key A must hold until HandleResponse (and then discard).
func BuildInit(sessionID, a, b string, idPriv *ecdsa.PrivateKey, now time.Time) (*InitMessage, *ecdh.PrivateKey, error) {
	if err := validateIDs(sessionID, a, b); err != nil {
		return nil, nil, err
	}
	eph, err := cryptocore.GenerateECDHKeyPair()
	if err != nil {
		return nil, nil, err
	}
	ts1 := now.UnixMilli()
	ephPub := eph.Public.Bytes()
	sig, err := cryptocore.Sign(idPriv, m1(sessionID, a, b, ephPub, ts1))
	if err != nil {
		return nil, nil, err
	}
	return &InitMessage{
		SessionID:    sessionID,
		Sender:       a,
		Receiver:     b,
		EphemeralPub: ephPub,
		Timestamp:    ts1,
		Signature:    sig,
	}, eph.Private, nil
}

// HandleInit is B's round-2 step: verify sig1, generate B's ephemeral,
// compute Z, derive the session keys, and build the signed KEP_RESPONSE.
// It returns the derived Result so the caller can persist the new session
// before replying — B discards its own ephemeral private key immediately
// after this call, matching spec §4.3's "B then discards eB_priv".
func HandleInit(init *InitMessage, idAPub *ecdsa.PublicKey, idBPriv *ecdsa.PrivateKey, localB string, now time.Time) (*ResponseMessage, *Result, error) {
	if err := validateIDs(init.SessionID, init.Sender, init.Receiver); err != nil {
		return nil, nil, err
	}
	if init.Receiver != localB {
		return nil, nil, errs.New(errs.BadInput, "kep.HandleInit", "KEP_INIT addressed to a different receiver")
	}
	if !withinClockSkew(init.Timestamp, now.UnixMilli()) {
		kepLogger.Printf("MITMDetected: stale ts1 in KEP_INIT session=%s", init.SessionID)
		return nil, nil, errs.New(errs.MITMDetected, "kep.HandleInit", "ts1 outside clock skew tolerance")
	}

	msg1 := m1(init.SessionID, init.Sender, init.Receiver, init.EphemeralPub, init.Timestamp)
	if !cryptocore.Verify(idAPub, msg1, init.Signature) {
		kepLogger.Printf("MITMDetected: sig1 verification failed session=%s sender=%s", init.SessionID, init.Sender)
		return nil, nil, errs.New(errs.MITMDetected, "kep.HandleInit", "sig1 verification failed")
	}

	eAPub, err := cryptocore.ParseECDHPublicKey(init.EphemeralPub)
	if err != nil {
		return nil, nil, err
	}
	eB, err := cryptocore.GenerateECDHKeyPair()
	if err != nil {
		return nil, nil, err
	}
	z, err := cryptocore.ECDH(eB.Private, eAPub)
	if err != nil {
		return nil, nil, err
	}

	ts2 := now.UnixMilli()
	result, err := DeriveKeys(z, init.Timestamp, ts2, false, init.Receiver, init.Sender)
	if err != nil {
		return nil, nil, err
	}

	eBPub := eB.Public.Bytes()
	sig2, err := cryptocore.Sign(idBPriv, m2(init.SessionID, init.Sender, init.Receiver, init.EphemeralPub, eBPub, init.Timestamp, ts2))
	if err != nil {
		return nil, nil, err
	}

	// eB.Private is never returned to the caller: spec requires B to
	// discard the ephemeral as soon as the response is built.
	resp := &ResponseMessage{
		SessionID:       init.SessionID,
		Sender:          init.Receiver,
		Receiver:        init.Sender,
		InitiatorEphPub: init.EphemeralPub,
		ResponderEphPub: eBPub,
		InitiatorTS:     init.Timestamp,
		ResponderTS:     ts2,
		Signature:       sig2,
	}
	return resp, result, nil
}

// HandleResponse is A's final step: verify sig2, recompute Z using the
// ephemeral private key A held since BuildInit, and derive the
// mirror-image directional keys. eAPriv should be discarded by the caller
// immediately after this returns.
func HandleResponse(resp *ResponseMessage, idBPub *ecdsa.PublicKey, eAPriv *ecdh.PrivateKey, localA string, now time.Time) (*Result, error) {
	if err := validateIDs(resp.SessionID, resp.Receiver, resp.Sender); err != nil {
		return nil, err
	}
	if resp.Receiver != localA {
		return nil, errs.New(errs.BadInput, "kep.HandleResponse", "KEP_RESPONSE addressed to a different receiver")
	}
	if !withinClockSkew(resp.ResponderTS, now.UnixMilli()) {
		kepLogger.Printf("MITMDetected: stale ts2 in KEP_RESPONSE session=%s", resp.SessionID)
		return nil, errs.New(errs.MITMDetected, "kep.HandleResponse", "ts2 outside clock skew tolerance")
	}

	msg2 := m2(resp.SessionID, resp.Receiver, resp.Sender, resp.InitiatorEphPub, resp.ResponderEphPub, resp.InitiatorTS, resp.ResponderTS)
	if !cryptocore.Verify(idBPub, msg2, resp.Signature) {
		kepLogger.Printf("MITMDetected: sig2 verification failed session=%s", resp.SessionID)
		return nil, errs.New(errs.MITMDetected, "kep.HandleResponse", "sig2 verification failed")
	}

	eBPub, err := cryptocore.ParseECDHPublicKey(resp.ResponderEphPub)
	if err != nil {
		return nil, err
	}
	z, err := cryptocore.ECDH(eAPriv, eBPub)
	if err != nil {
		return nil, err
	}

	return DeriveKeys(z, resp.InitiatorTS, resp.ResponderTS, true, resp.Receiver, resp.Sender)
}

// WinsTiebreak implements spec §4.3's simultaneous-initiation rule: the
// handshake whose sessionId||initiatorId sorts lexicographically smaller
// wins; the loser must adopt the winner's in-flight handshake instead of
// continuing its own.
func WinsTiebreak(sessionID, localInitiatorID, remoteInitiatorID string) bool {
	return sessionID+localInitiatorID < sessionID+remoteInitiatorID
}
