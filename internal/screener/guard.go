package screener

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/blackmichael/adgate/internal/domain"
)

// GuardConfig tunes a Guard.
type GuardConfig struct {
	Name    string
	Timeout time.Duration

	// MaxFailures is the number of consecutive failures that opens the
	// breaker.
	MaxFailures uint32

	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

// Guard wraps a screener with a hard timeout and a circuit breaker. Every
// failure it returns wraps domain.ErrScreenerUnavailable.
type Guard struct {
	next    domain.ContentScreener
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

// NewGuard creates a Guard around next.
func NewGuard(next domain.ContentScreener, cfg GuardConfig, logger *zap.Logger) *Guard {
	if cfg.Name == "" {
		cfg.Name = "content-screener"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = domain.DefaultScreenTimeout
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	logger = logger.With(zap.String("module", "screener"))

	return &Guard{
		next:    next,
		timeout: cfg.Timeout,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        cfg.Name,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.MaxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change",
					zap.String("name", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
	}
}

// Screen calls the wrapped screener unless the breaker is open.
func (g *Guard) Screen(ctx context.Context, req domain.ScreenRequest) (domain.Verdict, error) {
	res, err := g.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		v, err := g.next.Screen(ctx, req)
		if err != nil {
			return nil, err
		}
		if !v.Outcome.Valid() {
			return nil, fmt.Errorf("malformed verdict outcome %q", v.Outcome)
		}
		return v, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrScreenerUnavailable) {
			return domain.Verdict{}, err
		}
		return domain.Verdict{}, fmt.Errorf("%w: %w", domain.ErrScreenerUnavailable, err)
	}
	return res.(domain.Verdict), nil
}

// State reports the breaker state, for health checks.
func (g *Guard) State() string {
	return g.breaker.State().String()
}
