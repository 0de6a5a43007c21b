package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/blackmichael/adgate/internal/domain"
)

// Log writes notifications to the log. It is the development dispatcher.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a Log dispatcher.
func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger.With(zap.String("module", "notify"))}
}

func (l *Log) NotifyOwner(_ context.Context, n domain.Notification) error {
	l.write(AudienceOwner, n)
	return nil
}

func (l *Log) NotifyModerators(_ context.Context, n domain.Notification) error {
	l.write(AudienceModerators, n)
	return nil
}

func (l *Log) write(audience Audience, n domain.Notification) {
	l.logger.Info("notification",
		zap.String("audience", string(audience)),
		zap.String("listing_id", n.ListingID),
		zap.String("owner_id", n.OwnerID),
		zap.String("action", string(n.Action)),
		zap.String("status", string(n.Status)),
		zap.String("reason", n.Reason),
		zap.Int("remaining_attempts", n.Details.RemainingAttempts),
	)
}
