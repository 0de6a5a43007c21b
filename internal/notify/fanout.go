package notify

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/blackmichael/adgate/internal/domain"
)

// Fanout delivers every notification to all of its dispatchers concurrently.
// Each dispatcher is tried even if another fails; the first error is
// returned.
type Fanout []domain.NotificationDispatcher

func (f Fanout) NotifyOwner(ctx context.Context, n domain.Notification) error {
	var g errgroup.Group
	for _, d := range f {
		g.Go(func() error { return d.NotifyOwner(ctx, n) })
	}
	return g.Wait()
}

func (f Fanout) NotifyModerators(ctx context.Context, n domain.Notification) error {
	var g errgroup.Group
	for _, d := range f {
		g.Go(func() error { return d.NotifyModerators(ctx, n) })
	}
	return g.Wait()
}
