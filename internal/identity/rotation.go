package identity

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/silentrelay/e2ee-core/internal/cryptocore"
	"github.com/silentrelay/e2ee-core/internal/errs"
)

// SessionInvalidator marks every active session for userID stale so the
// next send forces a KEP renegotiation, per spec §3's rotate(password)
// contract: "on success all active sessions MUST be marked stale and
// renegotiated via KEP before next message."
type SessionInvalidator interface {
	InvalidateSessions(userID uuid.UUID) error
}

// RotationManager drives identity key rotation: on-demand (rotate(password))
// and scheduled. Grounded on internal/security/identity_key_rotation.go's
// IdentityKeyRotationManager, restated over this package's Registry/vault
// instead of the teacher's X25519 Signal keys.
type RotationManager struct {
	ctx        context.Context
	cancel     context.CancelFunc
	ticker     *time.Ticker
	mu         sync.RWMutex
	logger     *log.Logger
	enabled    bool
	interval   time.Duration
	lastRotate map[uuid.UUID]time.Time

	registry    *Registry
	invalidator SessionInvalidator
}

func NewRotationManager(registry *Registry, invalidator SessionInvalidator) *RotationManager {
	return &RotationManager{
		logger:     log.New(os.Stdout, "[IDENTITY-ROTATION] ", log.Ldate|log.Ltime|log.LUTC),
		enabled:    true,
		interval:   30 * 24 * time.Hour,
		lastRotate: make(map[uuid.UUID]time.Time),
		registry:   registry,
		invalidator: invalidator,
	}
}

// Rotate implements spec §3's rotate(password): generate a fresh P-256
// identity pair, wrap it under password, publish the public half, and
// invalidate every active session for the user.
func (rm *RotationManager) Rotate(userID uuid.UUID, password string) (*WrappedPrivateKey, *Record, error) {
	kp, err := cryptocore.GenerateSigningKeyPair()
	if err != nil {
		return nil, nil, err
	}

	wrapped, err := WrapPrivate(PrivateJWK(kp.Private), password, cryptocore.PBKDF2MinIterations)
	if err != nil {
		return nil, nil, err
	}

	rec, err := rm.registry.PublishPublic(userID, PublicJWK(kp.Public))
	if err != nil {
		return nil, nil, err
	}

	if err := rm.invalidator.InvalidateSessions(userID); err != nil {
		rm.logger.Printf("WARNING: failed to invalidate sessions for user %s after rotation: %v", userID, err)
		return wrapped, rec, errs.Wrap(errs.SessionLocked, "identity.RotationManager.Rotate", "rotation succeeded but session invalidation failed", err)
	}

	rm.mu.Lock()
	rm.lastRotate[userID] = time.Now().UTC()
	rm.mu.Unlock()

	rm.logger.Printf("rotated identity key for user %s to version %d", userID, rec.Version)
	return wrapped, rec, nil
}

// Start begins the periodic rotation-age scheduler, grounded on the
// teacher's daily-tick design. This package has no user directory of its
// own, so the caller supplies the candidate users through dueUsers; on each
// tick Start calls onDue for those candidates whose last rotation is at
// least the rotation interval old, or who have never rotated.
func (rm *RotationManager) Start(dueUsers func() []uuid.UUID, onDue func(uuid.UUID)) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if !rm.enabled {
		rm.logger.Println("identity rotation scheduler is disabled")
		return
	}

	rm.ctx, rm.cancel = context.WithCancel(context.Background())
	rm.ticker = time.NewTicker(24 * time.Hour)
	rm.logger.Println("starting identity rotation scheduler")

	go func() {
		for {
			select {
			case <-rm.ticker.C:
				for _, userID := range dueUsers() {
					if rm.isDue(userID) {
						onDue(userID)
					}
				}
			case <-rm.ctx.Done():
				rm.logger.Println("identity rotation scheduler stopped")
				return
			}
		}
	}()
}

func (rm *RotationManager) isDue(userID uuid.UUID) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	last, ok := rm.lastRotate[userID]
	if !ok {
		return true
	}
	return time.Since(last) >= rm.interval
}

// Stop halts the scheduler.
func (rm *RotationManager) Stop() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.cancel != nil {
		rm.cancel()
	}
	if rm.ticker != nil {
		rm.ticker.Stop()
	}
}

// SetRotationInterval overrides the default 30-day rotation age.
func (rm *RotationManager) SetRotationInterval(d time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if d < 24*time.Hour {
		rm.logger.Printf("warning: rotation interval %v too short, using minimum 24h", d)
		d = 24 * time.Hour
	}
	rm.interval = d
}
