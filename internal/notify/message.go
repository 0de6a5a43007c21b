// Package notify delivers moderation outcomes to listing owners and human
// moderators.
package notify

import (
	"encoding/json"
	"fmt"

	"github.com/blackmichael/adgate/internal/domain"
)

// Audience is who a notification is addressed to.
type Audience string

const (
	AudienceOwner      Audience = "owner"
	AudienceModerators Audience = "moderators"
)

// Message is the wire form of a notification.
type Message struct {
	Audience     Audience            `json:"audience"`
	Notification domain.Notification `json:"notification"`
}

func encode(audience Audience, n domain.Notification) ([]byte, error) {
	b, err := json.Marshal(Message{Audience: audience, Notification: n})
	if err != nil {
		return nil, fmt.Errorf("encode notification for %s: %w", n.ListingID, err)
	}
	return b, nil
}

// Observer is told about every delivery attempt outcome.
type Observer interface {
	ObserveNotification(audience string, err error)
}
