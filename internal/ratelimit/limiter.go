// Package ratelimit implements per-endpoint token buckets keyed by client.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Rule is the refill rate and burst capacity for one endpoint class
type Rule struct {
	PerSecond float64
	Burst     float64
}

// DefaultRules covers the public surface with per-minute budgets: login 10,
// reads 60, shipment creation 30, agent commands 5, sentiment analysis 10.
var DefaultRules = map[string]Rule{
	"auth.login":        {PerSecond: 10.0 / 60, Burst: 10},
	"sentiment.analyze": {PerSecond: 10.0 / 60, Burst: 10},
	"profile.similar":   {PerSecond: 5, Burst: 10},
	"failover.trigger":  {PerSecond: 0.2, Burst: 2},
	"dispute.open":      {PerSecond: 0.5, Burst: 3},
	"command":           {PerSecond: 5.0 / 60, Burst: 5},
	"shipment.create":   {PerSecond: 30.0 / 60, Burst: 30},
	"read":              {PerSecond: 1, Burst: 60},
}

var fallbackRule = Rule{PerSecond: 10, Burst: 20}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// Limiter hands out tokens per (endpoint, client) pair
type Limiter struct {
	rules   map[string]Rule
	buckets map[string]*bucket
	mu      sync.Mutex
	now     func() time.Time
	log     zerolog.Logger
}

// NewLimiter creates a limiter. nil rules uses DefaultRules.
func NewLimiter(rules map[string]Rule, log zerolog.Logger) *Limiter {
	if rules == nil {
		rules = DefaultRules
	}
	return &Limiter{
		rules:   rules,
		buckets: make(map[string]*bucket),
		now:     time.Now,
		log:     log.With().Str("component", "rate_limiter").Logger(),
	}
}

// Allow consumes one token for the endpoint/client pair. It reports false
// when the bucket is empty; callers translate that to a 429.
func (l *Limiter) Allow(endpoint, clientKey string) bool {
	rule, ok := l.rules[endpoint]
	if !ok {
		rule = fallbackRule
	}

	key := endpoint + "|" + clientKey
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: rule.Burst, lastFill: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * rule.PerSecond
		if b.tokens > rule.Burst {
			b.tokens = rule.Burst
		}
		b.lastFill = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Sweep drops buckets idle longer than maxIdle. Run it periodically so the
// map does not grow with every client ever seen.
func (l *Limiter) Sweep(maxIdle time.Duration) int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastFill) > maxIdle {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}
