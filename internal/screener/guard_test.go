package screener

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/blackmichael/adgate/internal/domain"
)

type screenerFunc func(ctx context.Context, req domain.ScreenRequest) (domain.Verdict, error)

func (f screenerFunc) Screen(ctx context.Context, req domain.ScreenRequest) (domain.Verdict, error) {
	return f(ctx, req)
}

func TestGuard_PassesVerdicts(t *testing.T) {
	next := screenerFunc(func(context.Context, domain.ScreenRequest) (domain.Verdict, error) {
		return domain.Verdict{Outcome: domain.OutcomeRejected, Reason: "scam"}, nil
	})
	g := NewGuard(next, GuardConfig{}, zaptest.NewLogger(t))

	v, err := g.Screen(context.Background(), domain.ScreenRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRejected, v.Outcome)
	assert.Equal(t, "closed", g.State())
}

func TestGuard_Timeout(t *testing.T) {
	next := screenerFunc(func(ctx context.Context, _ domain.ScreenRequest) (domain.Verdict, error) {
		<-ctx.Done()
		return domain.Verdict{}, ctx.Err()
	})
	g := NewGuard(next, GuardConfig{Timeout: 10 * time.Millisecond}, zaptest.NewLogger(t))

	_, err := g.Screen(context.Background(), domain.ScreenRequest{})
	assert.ErrorIs(t, err, domain.ErrScreenerUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGuard_MalformedVerdict(t *testing.T) {
	next := screenerFunc(func(context.Context, domain.ScreenRequest) (domain.Verdict, error) {
		return domain.Verdict{Outcome: "unsure"}, nil
	})
	g := NewGuard(next, GuardConfig{}, zaptest.NewLogger(t))

	_, err := g.Screen(context.Background(), domain.ScreenRequest{})
	assert.ErrorIs(t, err, domain.ErrScreenerUnavailable)
}

func TestGuard_OpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	next := screenerFunc(func(context.Context, domain.ScreenRequest) (domain.Verdict, error) {
		calls.Add(1)
		return domain.Verdict{}, errors.New("provider outage")
	})
	g := NewGuard(next, GuardConfig{MaxFailures: 2, OpenTimeout: time.Minute}, zaptest.NewLogger(t))

	for i := 0; i < 4; i++ {
		_, err := g.Screen(context.Background(), domain.ScreenRequest{})
		assert.ErrorIs(t, err, domain.ErrScreenerUnavailable)
	}
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, "open", g.State())
}
