package ratelimit

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func newTestLimiter(rules map[string]Rule) (*Limiter, *time.Time) {
	l := NewLimiter(rules, zerolog.Nop())
	now := time.Now()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllowConsumesBurst(t *testing.T) {
	l, _ := newTestLimiter(map[string]Rule{"ep": {PerSecond: 1, Burst: 3}})

	assert.True(t, l.Allow("ep", "client-a"))
	assert.True(t, l.Allow("ep", "client-a"))
	assert.True(t, l.Allow("ep", "client-a"))
	assert.False(t, l.Allow("ep", "client-a"))
}

func TestBucketsAreIndependentPerClient(t *testing.T) {
	l, _ := newTestLimiter(map[string]Rule{"ep": {PerSecond: 1, Burst: 1}})

	assert.True(t, l.Allow("ep", "client-a"))
	assert.False(t, l.Allow("ep", "client-a"))
	assert.True(t, l.Allow("ep", "client-b"))
}

func TestBucketsAreIndependentPerEndpoint(t *testing.T) {
	l, _ := newTestLimiter(map[string]Rule{
		"cheap":     {PerSecond: 10, Burst: 10},
		"expensive": {PerSecond: 1, Burst: 1},
	})

	assert.True(t, l.Allow("expensive", "client-a"))
	assert.False(t, l.Allow("expensive", "client-a"))
	assert.True(t, l.Allow("cheap", "client-a"))
}

func TestTokensRefillOverTime(t *testing.T) {
	l, now := newTestLimiter(map[string]Rule{"ep": {PerSecond: 2, Burst: 2}})

	assert.True(t, l.Allow("ep", "c"))
	assert.True(t, l.Allow("ep", "c"))
	assert.False(t, l.Allow("ep", "c"))

	*now = now.Add(time.Second)
	assert.True(t, l.Allow("ep", "c"))
	assert.True(t, l.Allow("ep", "c"))
	assert.False(t, l.Allow("ep", "c"))
}

func TestRefillCapsAtBurst(t *testing.T) {
	l, now := newTestLimiter(map[string]Rule{"ep": {PerSecond: 10, Burst: 2}})

	assert.True(t, l.Allow("ep", "c"))
	*now = now.Add(time.Hour)

	assert.True(t, l.Allow("ep", "c"))
	assert.True(t, l.Allow("ep", "c"))
	assert.False(t, l.Allow("ep", "c"))
}

func TestUnknownEndpointUsesFallbackRule(t *testing.T) {
	l, _ := newTestLimiter(map[string]Rule{})

	for i := 0; i < int(fallbackRule.Burst); i++ {
		assert.True(t, l.Allow("never-configured", "c"))
	}
	assert.False(t, l.Allow("never-configured", "c"))
}

func TestDefaultRulesMatchPerMinuteBudgets(t *testing.T) {
	perMinute := func(name string) float64 { return DefaultRules[name].PerSecond * 60 }

	assert.InDelta(t, 10, perMinute("auth.login"), 0.001)
	assert.InDelta(t, 60, perMinute("read"), 0.001)
	assert.InDelta(t, 30, perMinute("shipment.create"), 0.001)
	assert.InDelta(t, 5, perMinute("command"), 0.001)
	assert.InDelta(t, 10, perMinute("sentiment.analyze"), 0.001)
}

func TestCommandBudgetExhaustsAtFiveCalls(t *testing.T) {
	l, _ := newTestLimiter(nil)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("command", "operator"))
	}
	assert.False(t, l.Allow("command", "operator"))
}

func TestSweepDropsIdleBuckets(t *testing.T) {
	l, now := newTestLimiter(map[string]Rule{"ep": {PerSecond: 1, Burst: 1}})

	l.Allow("ep", "old")
	*now = now.Add(time.Hour)
	l.Allow("ep", "fresh")

	removed := l.Sweep(30 * time.Minute)
	assert.Equal(t, 1, removed)
}
