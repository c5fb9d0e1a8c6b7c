package quota

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type stubProvider struct {
	used, limit int
	err         error
	calls       int
}

func (s *stubProvider) FetchQuota(ctx context.Context, dep string) (int, int, error) {
	s.calls++
	if s.err != nil {
		return 0, 0, s.err
	}
	return s.used, s.limit, nil
}

func TestGetQuotaFetchesAndCaches(t *testing.T) {
	p := &stubProvider{used: 450, limit: 1000}
	l := NewLedger(p, 90, 1000, zerolog.Nop())

	u := l.GetQuota(context.Background(), "prosody")
	assert.Equal(t, 45.0, u.Percent)

	// Second call within TTL hits the cache
	_ = l.GetQuota(context.Background(), "prosody")
	assert.Equal(t, 1, p.calls)
}

func TestGetQuotaConservativeOnProviderFailure(t *testing.T) {
	// Without a configured period limit there is nothing to estimate from,
	// so an unreachable provider reads as near-exhausted.
	p := &stubProvider{err: errors.New("api down")}
	l := NewLedger(p, 90, 0, zerolog.Nop())

	u := l.GetQuota(context.Background(), "prosody")
	assert.InDelta(t, 99.9, u.Percent, 0.001)
	assert.True(t, l.FallbackRequired(context.Background(), "prosody"))
}

func TestGetQuotaEstimatesFromConfiguredLimitWhenProviderDown(t *testing.T) {
	p := &stubProvider{err: errors.New("api down")}
	l := NewLedger(p, 90, 1000, zerolog.Nop())

	u := l.GetQuota(context.Background(), "prosody")
	assert.Equal(t, 1000, u.Limit)
	assert.Zero(t, u.Percent)
	assert.False(t, l.FallbackRequired(context.Background(), "prosody"))

	// Local consumption against the configured allowance crosses the line
	l.RecordUsage("prosody", 950)
	assert.True(t, l.FallbackRequired(context.Background(), "prosody"))
}

func TestRecordUsageAdvancesCachedPercent(t *testing.T) {
	p := &stubProvider{used: 800, limit: 1000}
	l := NewLedger(p, 90, 1000, zerolog.Nop())

	_ = l.GetQuota(context.Background(), "prosody")
	assert.False(t, l.FallbackRequired(context.Background(), "prosody"))

	l.RecordUsage("prosody", 150)
	assert.True(t, l.FallbackRequired(context.Background(), "prosody"))
}

func TestFallbackThreshold(t *testing.T) {
	p := &stubProvider{used: 900, limit: 1000}
	l := NewLedger(p, 90, 1000, zerolog.Nop())

	// Exactly at the threshold counts as fallback-required
	assert.True(t, l.FallbackRequired(context.Background(), "prosody"))
}
