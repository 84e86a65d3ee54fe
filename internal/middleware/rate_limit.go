package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/httprate"
	"github.com/qbh/portal/internal/auth"
	"github.com/qbh/portal/internal/models"
	pkghttp "github.com/qbh/portal/pkg/http"
)

// RateLimitRule configures one limiter. A positive BlockFor keeps the client
// rejected for that long after the limit is first exceeded.
type RateLimitRule struct {
	Name     string
	Requests int
	Window   time.Duration
	BlockFor time.Duration
	Message  string
}

var (
	// GeneralRateLimit applies to every API request
	GeneralRateLimit = RateLimitRule{
		Name:     "general",
		Requests: 300,
		Window:   time.Minute,
		Message:  "Too many requests, please try again later.",
	}

	// AuthRateLimit applies to login, registration and device verification
	AuthRateLimit = RateLimitRule{
		Name:     "auth",
		Requests: 10,
		Window:   time.Minute,
		BlockFor: 5 * time.Minute,
		Message:  "Too many authentication attempts, please try again later.",
	}

	// PasswordResetRateLimit applies to forgot and reset password
	PasswordResetRateLimit = RateLimitRule{
		Name:     "password_reset",
		Requests: 3,
		Window:   time.Hour,
		BlockFor: time.Hour,
		Message:  "Too many password reset requests, please try again later.",
	}
)

// BlockStore remembers clients serving a rate limit block.
type BlockStore interface {
	BlockedUntil(ctx context.Context, key string) (time.Time, bool, error)
	Block(ctx context.Context, key string, until time.Time) error
}

// MemoryBlockStore is a process-local BlockStore.
type MemoryBlockStore struct {
	mu     sync.Mutex
	blocks map[string]time.Time
	now    func() time.Time
}

func NewMemoryBlockStore() *MemoryBlockStore {
	return &MemoryBlockStore{blocks: make(map[string]time.Time), now: time.Now}
}

func (s *MemoryBlockStore) BlockedUntil(ctx context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	until, ok := s.blocks[key]
	if !ok {
		return time.Time{}, false, nil
	}
	if !s.now().Before(until) {
		delete(s.blocks, key)
		return time.Time{}, false, nil
	}
	return until, true, nil
}

func (s *MemoryBlockStore) Block(ctx context.Context, key string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[key] = until
	return nil
}

// Cleanup drops elapsed blocks.
func (s *MemoryBlockStore) Cleanup(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var removed int64
	for key, until := range s.blocks {
		if !now.Before(until) {
			delete(s.blocks, key)
			removed++
		}
	}
	return removed, nil
}

// RateLimiter builds per-rule limiting middleware sharing one BlockStore.
type RateLimiter struct {
	blocks   BlockStore
	recorder auth.SecurityRecorder
	logger   *slog.Logger
	now      func() time.Time
}

func NewRateLimiter(blocks BlockStore, recorder auth.SecurityRecorder, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{blocks: blocks, recorder: recorder, logger: logger, now: time.Now}
}

// Limit returns middleware enforcing rule per client IP. RemoteAddr must
// already hold the resolved client address.
func (rl *RateLimiter) Limit(rule RateLimitRule) func(http.Handler) http.Handler {
	limiter := httprate.NewRateLimiter(rule.Requests, rule.Window,
		httprate.WithKeyByIP(),
		httprate.WithResponseHeaders(httprate.ResponseHeaders{
			Limit:     "X-RateLimit-Limit",
			Remaining: "X-RateLimit-Remaining",
			Reset:     "X-RateLimit-Reset",
		}),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key, _ := httprate.KeyByIP(r)
			key = rule.Name + ":" + key

			if rule.BlockFor > 0 {
				until, blocked, err := rl.blocks.BlockedUntil(ctx, key)
				if err != nil {
					rl.logger.Warn("rate limit block lookup failed",
						slog.String("rule", rule.Name),
						slog.String("error", err.Error()),
					)
				}
				if blocked {
					rl.reject(w, until.Sub(rl.now()), rule)
					return
				}
			}

			if !limiter.OnLimit(w, r, key) {
				next.ServeHTTP(w, r)
				return
			}

			retryAfter := rl.untilReset(w, rule)
			if rule.BlockFor > 0 {
				retryAfter = rule.BlockFor
				if err := rl.blocks.Block(ctx, key, rl.now().Add(rule.BlockFor)); err != nil {
					rl.logger.Warn("failed to store rate limit block",
						slog.String("rule", rule.Name),
						slog.String("error", err.Error()),
					)
				}
			}

			event := auth.NewRequestEvent(r, models.EventRateLimitExceeded)
			event.Outcome = models.OutcomeDenied
			event.Message = "rate limit exceeded"
			event.Details = map[string]interface{}{
				"rule":          rule.Name,
				"limit":         rule.Requests,
				"windowSeconds": int(rule.Window.Seconds()),
			}
			rl.recorder.Record(ctx, event)

			rl.reject(w, retryAfter, rule)
		})
	}
}

// untilReset reads the window end httprate stamped on the response.
func (rl *RateLimiter) untilReset(w http.ResponseWriter, rule RateLimitRule) time.Duration {
	reset, err := strconv.ParseInt(w.Header().Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		return rule.Window
	}
	if d := time.Unix(reset, 0).Sub(rl.now()); d > 0 {
		return d
	}
	return time.Second
}

func (rl *RateLimiter) reject(w http.ResponseWriter, retryAfter time.Duration, rule RateLimitRule) {
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	appErr := pkghttp.NewRateLimitError(rule.Message)
	appErr.Details = map[string]int{"retryAfter": seconds}
	pkghttp.WriteAppError(w, appErr)
}
