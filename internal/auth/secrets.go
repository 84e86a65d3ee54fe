package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/qbh/portal/internal/models"
	pkgauth "github.com/qbh/portal/pkg/auth"
)

const secretBytes = 32

// SecretStore persists the list of JWT signing secret versions.
type SecretStore interface {
	Load(ctx context.Context) ([]models.SecretVersion, error)
	Save(ctx context.Context, versions []models.SecretVersion) error
}

// MemorySecretStore keeps secret versions for the life of the process.
type MemorySecretStore struct {
	mu       sync.RWMutex
	versions []models.SecretVersion
}

func NewMemorySecretStore() *MemorySecretStore {
	return &MemorySecretStore{}
}

func (s *MemorySecretStore) Load(ctx context.Context) ([]models.SecretVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.SecretVersion, len(s.versions))
	copy(out, s.versions)
	return out, nil
}

func (s *MemorySecretStore) Save(ctx context.Context, versions []models.SecretVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions = make([]models.SecretVersion, len(versions))
	copy(s.versions, versions)
	return nil
}

// SecretManager owns the rotating set of JWT signing secrets. Exactly one
// version, the current one, has no expiry.
type SecretManager struct {
	store  SecretStore
	logger *slog.Logger
	now    func() time.Time

	// serializes rotation within this process
	mu sync.Mutex
}

// NewSecretManager seeds store with initialSecret unless it already holds a
// current secret. An empty initialSecret is an error.
func NewSecretManager(ctx context.Context, store SecretStore, initialSecret string, logger *slog.Logger) (*SecretManager, error) {
	if initialSecret == "" {
		return nil, models.ErrNoSigningSecret
	}

	sm := &SecretManager{store: store, logger: logger, now: time.Now}

	versions, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing secrets: %w", err)
	}
	for _, v := range versions {
		if v.IsCurrent() {
			return sm, nil
		}
	}

	versions = append(versions, models.SecretVersion{Key: initialSecret, CreatedAt: sm.now()})
	if err := store.Save(ctx, versions); err != nil {
		return nil, fmt.Errorf("failed to seed signing secret: %w", err)
	}
	return sm, nil
}

// CurrentSecret returns the signing secret for new tokens.
func (sm *SecretManager) CurrentSecret(ctx context.Context) (models.SecretVersion, error) {
	versions, err := sm.store.Load(ctx)
	if err != nil {
		return models.SecretVersion{}, fmt.Errorf("failed to load signing secrets: %w", err)
	}
	for _, v := range versions {
		if v.IsCurrent() {
			return v, nil
		}
	}
	return models.SecretVersion{}, models.ErrNoSigningSecret
}

// ValidSecrets returns every version that may still verify a token, current
// first and then newest to oldest.
func (sm *SecretManager) ValidSecrets(ctx context.Context) ([]models.SecretVersion, error) {
	versions, err := sm.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing secrets: %w", err)
	}

	now := sm.now()
	valid := make([]models.SecretVersion, 0, len(versions))
	for _, v := range versions {
		if v.ValidAt(now) {
			valid = append(valid, v)
		}
	}

	sort.SliceStable(valid, func(i, j int) bool {
		if valid[i].IsCurrent() != valid[j].IsCurrent() {
			return valid[i].IsCurrent()
		}
		return valid[i].CreatedAt.After(valid[j].CreatedAt)
	})
	return valid, nil
}

// Rotate expires the current secret after grace, installs a new random
// current secret and drops versions that have already expired.
func (sm *SecretManager) Rotate(ctx context.Context, grace time.Duration) (models.SecretVersion, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	versions, err := sm.store.Load(ctx)
	if err != nil {
		return models.SecretVersion{}, fmt.Errorf("failed to load signing secrets: %w", err)
	}

	key, err := pkgauth.GenerateRandomHex(secretBytes)
	if err != nil {
		return models.SecretVersion{}, fmt.Errorf("failed to generate signing secret: %w", err)
	}

	now := sm.now()
	expiresAt := now.Add(grace)
	for i := range versions {
		if versions[i].IsCurrent() {
			versions[i].ExpiresAt = &expiresAt
		}
	}

	next := models.SecretVersion{Key: key, CreatedAt: now}
	kept := pruneExpired(append(versions, next), now)

	if err := sm.store.Save(ctx, kept); err != nil {
		return models.SecretVersion{}, fmt.Errorf("failed to save signing secrets: %w", err)
	}

	sm.logger.Info("jwt signing secret rotated",
		slog.Duration("grace", grace),
		slog.Int("valid_versions", len(kept)),
	)
	return next, nil
}

// PruneExpired removes versions past their expiry and reports how many were
// dropped.
func (sm *SecretManager) PruneExpired(ctx context.Context) (int64, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	versions, err := sm.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load signing secrets: %w", err)
	}

	kept := pruneExpired(versions, sm.now())
	removed := int64(len(versions) - len(kept))
	if removed == 0 {
		return 0, nil
	}
	if err := sm.store.Save(ctx, kept); err != nil {
		return 0, fmt.Errorf("failed to save signing secrets: %w", err)
	}
	return removed, nil
}

func pruneExpired(versions []models.SecretVersion, now time.Time) []models.SecretVersion {
	kept := make([]models.SecretVersion, 0, len(versions))
	for _, v := range versions {
		if v.ValidAt(now) {
			kept = append(kept, v)
		}
	}
	return kept
}
