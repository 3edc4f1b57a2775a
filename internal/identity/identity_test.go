package identity_test

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/silentrelay/e2ee-core/internal/errs"
	"github.com/silentrelay/e2ee-core/internal/identity"
)

type memStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*identity.Record
}

func newMemStore() *memStore {
	return &memStore{records: make(map[uuid.UUID]*identity.Record)}
}

func (m *memStore) Load(userID uuid.UUID) (*identity.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[userID]
	if !ok {
		return nil, errs.New(errs.SessionNotFound, "memStore.Load", "no record")
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) Save(rec *identity.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.UserID] = &cp
	return nil
}

type memInvalidator struct {
	invalidated []uuid.UUID
}

func (m *memInvalidator) InvalidateSessions(userID uuid.UUID) error {
	m.invalidated = append(m.invalidated, userID)
	return nil
}

func TestGenerateIdentityWrapUnwrapRoundTrip(t *testing.T) {
	kp, err := identity.GenerateIdentity("correct horse battery staple")
	require.NoError(t, err)
	require.Empty(t, kp.Public.D, "published JWK must not carry a private component")

	unwrapped, err := identity.Unlock(kp.Wrapped, "correct horse battery staple")
	require.NoError(t, err)
	require.NotEmpty(t, unwrapped.D)

	priv, err := identity.ParsePrivateJWK(unwrapped)
	require.NoError(t, err)
	require.NotNil(t, priv)
}

func TestUnwrapWithWrongPasswordFails(t *testing.T) {
	kp, err := identity.GenerateIdentity("hunter2")
	require.NoError(t, err)

	_, err = identity.Unlock(kp.Wrapped, "not-the-password")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.BadPassword))
}

func TestParsePublicJWKRejectsPrivateComponent(t *testing.T) {
	kp, err := identity.GenerateIdentity("pw")
	require.NoError(t, err)
	priv, err := identity.Unlock(kp.Wrapped, "pw")
	require.NoError(t, err)

	_, err = identity.ParsePublicJWK(priv)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.BadInput))
}

func TestPublishPublicIdempotentOnUnchangedKey(t *testing.T) {
	store := newMemStore()
	registry := identity.NewRegistry(store)
	userID := uuid.New()

	kp, err := identity.GenerateIdentity("pw")
	require.NoError(t, err)

	rec1, err := registry.PublishPublic(userID, kp.Public)
	require.NoError(t, err)
	require.Equal(t, 1, rec1.Version)
	require.Empty(t, rec1.PreviousVersions)

	rec2, err := registry.PublishPublic(userID, kp.Public)
	require.NoError(t, err)
	require.Equal(t, 1, rec2.Version, "republishing the same key must not bump version")
	require.Empty(t, rec2.PreviousVersions)
}

func TestPublishPublicBumpsVersionOnRotation(t *testing.T) {
	store := newMemStore()
	registry := identity.NewRegistry(store)
	userID := uuid.New()

	kp1, err := identity.GenerateIdentity("pw")
	require.NoError(t, err)
	_, err = registry.PublishPublic(userID, kp1.Public)
	require.NoError(t, err)

	kp2, err := identity.GenerateIdentity("pw")
	require.NoError(t, err)
	rec, err := registry.PublishPublic(userID, kp2.Public)
	require.NoError(t, err)
	require.Equal(t, 2, rec.Version)
	require.Len(t, rec.PreviousVersions, 1)
}

func TestGetPublicDetectsTamperedKeyHash(t *testing.T) {
	store := newMemStore()
	registry := identity.NewRegistry(store)
	userID := uuid.New()

	kp, err := identity.GenerateIdentity("pw")
	require.NoError(t, err)
	rec, err := registry.PublishPublic(userID, kp.Public)
	require.NoError(t, err)

	rec.KeyHash = "tampered"
	require.NoError(t, store.Save(rec))

	_, err = registry.GetPublic(userID)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.IntegrityError))
}

func TestRotationManagerInvalidatesSessions(t *testing.T) {
	store := newMemStore()
	registry := identity.NewRegistry(store)
	userID := uuid.New()

	kp, err := identity.GenerateIdentity("pw")
	require.NoError(t, err)
	_, err = registry.PublishPublic(userID, kp.Public)
	require.NoError(t, err)

	inv := &memInvalidator{}
	rm := identity.NewRotationManager(registry, inv)

	_, rec, err := rm.Rotate(userID, "new-password")
	require.NoError(t, err)
	require.Equal(t, 2, rec.Version)
	require.Len(t, inv.invalidated, 1)
	require.Equal(t, userID, inv.invalidated[0])
}

func TestSafetyNumberSymmetricAndFormatted(t *testing.T) {
	a := []byte("identity-key-alice")
	b := []byte("identity-key-bob")

	n1, err := identity.SafetyNumber(a, b)
	require.NoError(t, err)
	n2, err := identity.SafetyNumber(b, a)
	require.NoError(t, err)
	require.Equal(t, n1, n2, "safety number must not depend on argument order")
	require.Len(t, n1, 60)

	formatted := identity.FormatSafetyNumber(n1)
	require.Contains(t, formatted, "\n")
}
