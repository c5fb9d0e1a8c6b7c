package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvitali/carovana/internal/domain"
)

var errBoom = errors.New("boom")

func testConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  50 * time.Millisecond,
		HalfOpenProbes:   2,
		CallTimeout:      time.Second,
	}
}

func failing(ctx context.Context) error { return errBoom }
func succeeding(ctx context.Context) error { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewCircuitBreaker("dep", testConfig(), zerolog.Nop())

	for i := 0; i < 3; i++ {
		err := b.Execute(context.Background(), failing)
		assert.ErrorIs(t, err, errBoom)
	}

	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewCircuitBreaker("dep", testConfig(), zerolog.Nop())

	_ = b.Execute(context.Background(), failing)
	_ = b.Execute(context.Background(), failing)
	// A success between failures zeroes the counter
	require.NoError(t, b.Execute(context.Background(), succeeding))
	_ = b.Execute(context.Background(), failing)
	_ = b.Execute(context.Background(), failing)

	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerFailsFastWhenOpen(t *testing.T) {
	b := NewCircuitBreaker("dep", testConfig(), zerolog.Nop())

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failing)
	}
	require.Equal(t, StateOpen, b.State())

	start := time.Now()
	err := b.Execute(context.Background(), succeeding)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Less(t, elapsed, 10*time.Millisecond)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewCircuitBreaker("dep", testConfig(), zerolog.Nop())

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failing)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(60 * time.Millisecond)

	// First call after recovery timeout is a probe
	require.NoError(t, b.Execute(context.Background(), succeeding))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewCircuitBreaker("dep", testConfig(), zerolog.Nop())

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failing)
	}
	time.Sleep(60 * time.Millisecond)

	err := b.Execute(context.Background(), failing)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerTimeoutCountsAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.CallTimeout = 10 * time.Millisecond
	b := NewCircuitBreaker("dep", cfg, zerolog.Nop())

	slow := func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	}

	for i := 0; i < 3; i++ {
		err := b.Execute(context.Background(), slow)
		assert.Error(t, err)
	}

	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerManualReset(t *testing.T) {
	b := NewCircuitBreaker("dep", testConfig(), zerolog.Nop())

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failing)
	}
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Execute(context.Background(), succeeding))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Register("prosody", testConfig())
	r.Register("local_model", testConfig())

	assert.NotNil(t, r.Get("prosody"))
	assert.Nil(t, r.Get("unknown"))

	snaps := r.Snapshots()
	assert.Len(t, snaps, 2)
}
