package main

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrifund/granary/internal/breaker"
	"github.com/agrifund/granary/internal/registry"
	"github.com/agrifund/granary/internal/router"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newRoutedServer(t *testing.T) (*server, *registry.Registry, *breaker.Bank, *fakeClock) {
	t.Helper()
	reg := registry.New()
	bank := breaker.NewBank(breaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 1,
	})
	clock := &fakeClock{t: time.Now()}
	bank.SetClock(clock.Now)

	strategy, err := router.NewStrategy(router.StrategyRoundRobin)
	require.NoError(t, err)
	rt := router.New(reg, bank, strategy, zerolog.Nop())

	for id := 0; id < 2; id++ {
		require.NoError(t, reg.Register(registry.ShardRecord{
			ShardID:  id,
			Endpoint: fmt.Sprintf("http://localhost:%d", 9000+id),
		}))
		require.NoError(t, reg.UpdateHealth(id, registry.HealthHealthy, time.Millisecond, false))
	}

	return &server{registry: reg, breakers: bank, router: rt}, reg, bank, clock
}

// TestRoutedShardTriesAlternate verifies a shard whose Half-Open trial slot
// is already taken is passed over for another candidate instead of failing
// the request. The router prefilter only excludes Open breakers, so the
// Half-Open shard is still a router candidate.
func TestRoutedShardTriesAlternate(t *testing.T) {
	srv, _, bank, clock := newRoutedServer(t)

	// Trip shard 0, then let the timeout elapse and consume its one trial
	// slot so CanCall refuses further calls while the trial is in flight.
	bank.RecordResult(0, false, time.Millisecond, "transport")
	clock.Advance(31 * time.Second)
	require.True(t, bank.CanCall(0))
	require.False(t, bank.CanCall(0), "trial slot should be consumed")

	for i := 0; i < 10; i++ {
		target, err := srv.routedShard(router.Request{})
		require.NoError(t, err)
		assert.Equal(t, 1, target.ShardID, "only shard 1 can accept the call")
	}
}

// TestRoutedShardExhausted verifies the reselect gives up with
// ErrNoHealthyShard when every candidate's breaker refuses the call.
func TestRoutedShardExhausted(t *testing.T) {
	srv, _, bank, clock := newRoutedServer(t)

	bank.RecordResult(0, false, time.Millisecond, "transport")
	bank.RecordResult(1, false, time.Millisecond, "transport")
	clock.Advance(31 * time.Second)
	require.True(t, bank.CanCall(0))
	require.True(t, bank.CanCall(1))

	_, err := srv.routedShard(router.Request{})
	assert.ErrorIs(t, err, router.ErrNoHealthyShard)
}
