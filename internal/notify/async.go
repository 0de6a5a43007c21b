package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/blackmichael/adgate/internal/domain"
)

var (
	// ErrQueueFull is returned when the delivery queue is saturated.
	ErrQueueFull = errors.New("notification queue full")

	// ErrStopped is returned for notifications sent after Stop.
	ErrStopped = errors.New("notification dispatcher stopped")
)

// AsyncConfig tunes an Async dispatcher.
type AsyncConfig struct {
	Workers    int
	QueueSize  int
	MaxRetries uint64

	// InitialInterval is the first retry delay; later ones grow
	// exponentially.
	InitialInterval time.Duration
	SendTimeout     time.Duration
}

type job struct {
	audience Audience
	n        domain.Notification
}

// Async hands notifications to a bounded worker pool that retries delivery
// with exponential backoff. Callers never block on delivery.
type Async struct {
	next     domain.NotificationDispatcher
	cfg      AsyncConfig
	observer Observer
	logger   *zap.Logger

	mu        sync.RWMutex
	stopped   bool
	jobs      chan job
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewAsync creates an Async dispatcher around next. observer may be nil.
func NewAsync(next domain.NotificationDispatcher, cfg AsyncConfig, observer Observer, logger *zap.Logger) *Async {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Async{
		next:     next,
		cfg:      cfg,
		observer: observer,
		logger:   logger.With(zap.String("module", "notify")),
		jobs:     make(chan job, cfg.QueueSize),
	}
}

// Start launches the worker goroutines.
func (a *Async) Start() {
	a.startOnce.Do(func() {
		for i := 0; i < a.cfg.Workers; i++ {
			a.wg.Add(1)
			go a.workerLoop()
		}
	})
}

// Stop drains the queue and waits for in-flight deliveries.
func (a *Async) Stop() {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.stopped = true
		close(a.jobs)
		a.mu.Unlock()
		a.wg.Wait()
	})
}

// NotifyOwner queues n for delivery to the listing owner. It returns
// ErrQueueFull when the queue has no room and ErrStopped after Stop.
func (a *Async) NotifyOwner(_ context.Context, n domain.Notification) error {
	return a.enqueue(job{audience: AudienceOwner, n: n})
}

// NotifyModerators queues n for delivery to the moderation team.
func (a *Async) NotifyModerators(_ context.Context, n domain.Notification) error {
	return a.enqueue(job{audience: AudienceModerators, n: n})
}

func (a *Async) enqueue(j job) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.stopped {
		return ErrStopped
	}
	select {
	case a.jobs <- j:
		return nil
	default:
		a.observe(j.audience, ErrQueueFull)
		return ErrQueueFull
	}
}

func (a *Async) workerLoop() {
	defer a.wg.Done()
	for j := range a.jobs {
		a.deliver(j)
	}
}

func (a *Async) deliver(j job) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.InitialInterval
	policy := backoff.WithMaxRetries(b, a.cfg.MaxRetries)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.SendTimeout)
		defer cancel()
		if j.audience == AudienceModerators {
			return a.next.NotifyModerators(ctx, j.n)
		}
		return a.next.NotifyOwner(ctx, j.n)
	}, policy)

	a.observe(j.audience, err)
	if err != nil {
		a.logger.Error("notification delivery failed",
			zap.String("audience", string(j.audience)),
			zap.String("listing_id", j.n.ListingID),
			zap.String("action", string(j.n.Action)),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
	}
}

func (a *Async) observe(audience Audience, err error) {
	if a.observer != nil {
		a.observer.ObserveNotification(string(audience), err)
	}
}
