// Package ingest consumes the marketplace's listing event stream and feeds
// submissions and edits into the moderation engine.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/blackmichael/adgate/internal/domain"
)

const (
	cursorConsumer     = "listing-stream"
	cursorSaveInterval = 5 * time.Second
	statsInterval      = 30 * time.Second
)

// Store persists the marketplace data carried by the stream and the
// subscriber's cursor.
type Store interface {
	domain.CursorRepository
	UpsertAccount(ctx context.Context, a *domain.Account) error
	UpsertListing(ctx context.Context, l *domain.Listing) error
}

// Moderator runs moderation for ingested listings.
type Moderator interface {
	Evaluate(ctx context.Context, listingID string) (*domain.Decision, error)
	Resubmit(ctx context.Context, edit domain.ListingEdit) (*domain.Decision, error)
}

// Subscriber connects to the listing stream and processes events.
type Subscriber struct {
	url       string
	store     Store
	moderator Moderator
	logger    *zap.Logger

	// newBackOff builds the reconnect policy and newEventBackOff the bounded
	// retry policy for a single event; both are replaced in tests.
	newBackOff      func() backoff.BackOff
	newEventBackOff func() backoff.BackOff
}

// NewSubscriber creates a new stream subscriber.
func NewSubscriber(streamURL string, store Store, moderator Moderator, logger *zap.Logger) *Subscriber {
	return &Subscriber{
		url:       streamURL,
		store:     store,
		moderator: moderator,
		logger:    logger.With(zap.String("module", "ingest")),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		newEventBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
	}
}

// Start connects to the stream and processes events until the context is
// cancelled. It reconnects with exponential backoff on errors.
func (s *Subscriber) Start(ctx context.Context) error {
	b := s.newBackOff()
	for {
		connected, err := s.subscribe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			b.Reset()
		}
		wait := b.NextBackOff()
		s.logger.Error("stream connection error, reconnecting", zap.Error(err), zap.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *Subscriber) buildURL(cursor int64) (string, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	if cursor > 0 {
		q := u.Query()
		q.Set("cursor", strconv.FormatInt(cursor, 10))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// subscribe runs one connection. connected reports whether the dial
// succeeded, so the caller can reset its backoff.
func (s *Subscriber) subscribe(ctx context.Context) (connected bool, err error) {
	cursor, err := s.store.GetCursor(ctx, cursorConsumer)
	if err != nil {
		s.logger.Warn("failed to load cursor, starting from live", zap.Error(err))
	}

	wsURL, err := s.buildURL(cursor)
	if err != nil {
		return false, err
	}
	s.logger.Info("connecting to listing stream", zap.String("url", wsURL))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	// Unblock ReadMessage on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.logger.Info("connected to listing stream")

	latestCursor := cursor
	defer func() {
		if latestCursor > cursor {
			s.saveCursor(context.WithoutCancel(ctx), latestCursor)
		}
	}()

	lastCursorSave := time.Now()
	lastStatsLog := time.Now()
	var eventsReceived, evaluated, failed int64

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read message: %w", err)
		}

		event, err := parseEvent(message)
		if err != nil {
			s.logger.Error("failed to parse event", zap.Error(err))
			continue
		}

		eventsReceived++
		if err := s.processEvent(ctx, event); err != nil {
			if !isPermanent(err) {
				// Leave the cursor before this event so the reconnect
				// delivers it again.
				return true, fmt.Errorf("handle event %d: %w", event.Seq, err)
			}
			failed++
			s.logger.Error("dropping event that cannot be applied",
				zap.Int64("seq", event.Seq),
				zap.String("type", event.Type),
				zap.Error(err),
			)
		} else {
			evaluated++
		}
		if event.Seq > latestCursor {
			latestCursor = event.Seq
		}

		if time.Since(lastStatsLog) >= statsInterval {
			s.logger.Info("listing stream stats",
				zap.Int64("events_received", eventsReceived),
				zap.Int64("evaluated", evaluated),
				zap.Int64("failed", failed),
			)
			lastStatsLog = time.Now()
		}

		if time.Since(lastCursorSave) >= cursorSaveInterval {
			if s.saveCursor(ctx, latestCursor) {
				lastCursorSave = time.Now()
				cursor = latestCursor
			}
		}
	}
}

func (s *Subscriber) saveCursor(ctx context.Context, cursor int64) bool {
	if err := s.store.UpdateCursor(ctx, cursorConsumer, cursor); err != nil {
		s.logger.Error("failed to save cursor", zap.Error(err))
		return false
	}
	return true
}

// processEvent applies the event, retrying transient failures with the
// event backoff. Permanent failures are returned without retrying.
func (s *Subscriber) processEvent(ctx context.Context, event *streamEvent) error {
	attempt := 0
	op := func() error {
		attempt++
		err := s.handleEvent(ctx, event)
		if err == nil {
			return nil
		}
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		s.logger.Warn("failed to handle event, retrying",
			zap.Int64("seq", event.Seq),
			zap.String("type", event.Type),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return err
	}
	return backoff.Retry(op, backoff.WithContext(s.newEventBackOff(), ctx))
}

// isPermanent reports whether retrying the event cannot succeed.
func isPermanent(err error) bool {
	return errors.Is(err, domain.ErrListingNotFound) ||
		errors.Is(err, domain.ErrInvalidTransition) ||
		errors.Is(err, domain.ErrInvalidAction)
}

func (s *Subscriber) handleEvent(ctx context.Context, event *streamEvent) error {
	switch event.Type {
	case eventSubmitted:
		if event.Account != nil {
			if err := s.store.UpsertAccount(ctx, event.Account.toAccount()); err != nil {
				return err
			}
		}
		if err := s.store.UpsertListing(ctx, event.Listing.toListing()); err != nil {
			return err
		}
		d, err := s.moderator.Evaluate(ctx, event.Listing.ID)
		if err != nil {
			return fmt.Errorf("evaluate %s: %w", event.Listing.ID, err)
		}
		s.logDecision(d, event.Listing.Title)
		return nil

	case eventEdited:
		d, err := s.moderator.Resubmit(ctx, event.Listing.toEdit())
		if err != nil {
			return fmt.Errorf("resubmit %s: %w", event.Listing.ID, err)
		}
		s.logDecision(d, event.Listing.Title)
		return nil

	default:
		return nil
	}
}

func (s *Subscriber) logDecision(d *domain.Decision, title string) {
	s.logger.Info("moderated listing",
		zap.String("listing_id", d.ListingID),
		zap.String("status", string(d.Status)),
		zap.String("action", string(d.Action)),
		zap.String("title_preview", truncate(title, 60)),
	)
}

// truncate returns the first n bytes of s, appending "..." if truncated.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
