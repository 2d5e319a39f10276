// Package ratelimit enforces per-user budgets on expensive operations.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"forgeline/internal/domain"
	"forgeline/internal/infra/config"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per (user, kind). Anonymous users are not
// limited here; per-IP HTTP limiting covers them.
type Limiter struct {
	enabled bool
	limits  map[domain.RateLimitKind]rule
	logger  *slog.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type rule struct {
	every time.Duration
	burst int
	desc  string
}

// New creates a Limiter from the rate_limit config section.
func New(cfg config.RateLimitConfig, logger *slog.Logger) *Limiter {
	l := &Limiter{
		enabled: cfg.Enabled,
		limits:  make(map[domain.RateLimitKind]rule),
		logger:  logger.With("component", "ratelimit"),
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
	if cfg.AppCreationPerHour > 0 {
		burst := cfg.AppCreationBurst
		if burst <= 0 {
			burst = 1
		}
		l.limits[domain.RateLimitAppCreation] = rule{
			every: time.Hour / time.Duration(cfg.AppCreationPerHour),
			burst: burst,
			desc:  fmt.Sprintf("%d app creations per hour", cfg.AppCreationPerHour),
		}
	}
	return l
}

// Check implements domain.RateLimiter.
func (l *Limiter) Check(_ context.Context, userID string, kind domain.RateLimitKind) error {
	if !l.enabled || userID == "" {
		return nil
	}
	r, ok := l.limits[kind]
	if !ok {
		return nil
	}

	key := string(kind) + "\x00" + userID
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Every(r.every), r.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)
	l.mu.Unlock()

	if !allowed {
		l.logger.Warn("rate limit exceeded", "user_id", userID, "kind", string(kind))
		return domain.NewDomainError("RateLimiter.Check", domain.ErrRateLimit, r.desc)
	}
	return nil
}

// Sweep drops buckets unused for longer than maxAge and returns how many
// were removed.
func (l *Limiter) Sweep(maxAge time.Duration) int {
	cutoff := l.now().Add(-maxAge)

	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

var _ domain.RateLimiter = (*Limiter)(nil)
