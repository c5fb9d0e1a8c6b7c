// Package quota tracks remote-API consumption against billing-period limits.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const cacheTTL = 5 * time.Minute

// conservativePercent is returned when the provider cannot be reached and no
// fresh cache entry exists. It deliberately forces the fallback path.
const conservativePercent = 99.9

// Provider fetches the authoritative usage numbers from the remote billing
// API. Implementations live in internal/clients.
type Provider interface {
	FetchQuota(ctx context.Context, dependency string) (used, limit int, err error)
}

// Usage is a point-in-time view of a dependency's quota
type Usage struct {
	Dependency string    `json:"dependency"`
	Used       int       `json:"used"`
	Limit      int       `json:"limit"`
	Percent    float64   `json:"percent"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type cacheEntry struct {
	usage     Usage
	fetchedAt time.Time
}

// Ledger caches quota usage per dependency with a TTL and answers the
// escalation question "must the cascade skip this tier".
type Ledger struct {
	provider     Provider
	fallbackPct  float64
	periodLimit  int            // configured billing-period allowance
	localCounter map[string]int // usage recorded since the last provider fetch
	cache        map[string]cacheEntry
	mu           sync.Mutex
	log          zerolog.Logger
}

// NewLedger creates a quota ledger. fallbackPct is the usage percentage at
// which FallbackRequired starts returning true (default 90). periodLimit is
// the configured allowance for the billing period; when the provider is down
// with no cached reading, local counters against this limit stand in for the
// authoritative numbers.
func NewLedger(provider Provider, fallbackPct float64, periodLimit int, log zerolog.Logger) *Ledger {
	if fallbackPct <= 0 {
		fallbackPct = 90
	}
	return &Ledger{
		provider:     provider,
		fallbackPct:  fallbackPct,
		periodLimit:  periodLimit,
		localCounter: make(map[string]int),
		cache:        make(map[string]cacheEntry),
		log:          log.With().Str("component", "quota_ledger").Logger(),
	}
}

// GetQuota returns the cached usage for a dependency, refreshing from the
// provider when the cache entry is older than the TTL. Provider failures
// yield a conservative answer rather than an error.
func (l *Ledger) GetQuota(ctx context.Context, dependency string) Usage {
	l.mu.Lock()
	entry, ok := l.cache[dependency]
	if ok && time.Since(entry.fetchedAt) < cacheTTL {
		usage := entry.usage
		l.mu.Unlock()
		return usage
	}
	l.mu.Unlock()

	used, limit, err := l.provider.FetchQuota(ctx, dependency)
	if err != nil {
		l.log.Warn().Err(err).Str("dependency", dependency).
			Msg("Quota provider unreachable, assuming near-exhausted")

		l.mu.Lock()
		defer l.mu.Unlock()
		if ok {
			// Stale cache beats the conservative guess
			return entry.usage
		}
		if l.periodLimit > 0 {
			// No cache at all: estimate from what this process has consumed
			// against the configured period allowance.
			used := l.localCounter[dependency]
			return Usage{
				Dependency: dependency,
				Used:       used,
				Limit:      l.periodLimit,
				Percent:    float64(used) / float64(l.periodLimit) * 100,
				UpdatedAt:  time.Now(),
			}
		}
		return Usage{
			Dependency: dependency,
			Percent:    conservativePercent,
			UpdatedAt:  time.Now(),
		}
	}

	usage := Usage{
		Dependency: dependency,
		Used:       used,
		Limit:      limit,
		UpdatedAt:  time.Now(),
	}
	if limit > 0 {
		usage.Percent = float64(used) / float64(limit) * 100
	}

	l.mu.Lock()
	l.cache[dependency] = cacheEntry{usage: usage, fetchedAt: time.Now()}
	l.localCounter[dependency] = 0
	l.mu.Unlock()

	return usage
}

// RecordUsage adds locally observed consumption units between provider
// refreshes so the percentage does not lag a full TTL behind reality.
func (l *Ledger) RecordUsage(dependency string, units int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.localCounter[dependency] += units
	entry, ok := l.cache[dependency]
	if !ok {
		return
	}
	entry.usage.Used += units
	if entry.usage.Limit > 0 {
		entry.usage.Percent = float64(entry.usage.Used) / float64(entry.usage.Limit) * 100
	}
	entry.usage.UpdatedAt = time.Now()
	l.cache[dependency] = entry
}

// FallbackRequired reports whether usage for the dependency is at or above
// the fallback threshold (or unknown, which is treated as exhausted).
func (l *Ledger) FallbackRequired(ctx context.Context, dependency string) bool {
	return l.GetQuota(ctx, dependency).Percent >= l.fallbackPct
}
