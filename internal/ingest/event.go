package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/blackmichael/adgate/internal/domain"
)

// Event types published by the marketplace.
const (
	eventSubmitted = "listing.submitted"
	eventEdited    = "listing.edited"
)

// streamEvent is the raw JSON structure from the listing stream.
type streamEvent struct {
	Seq     int64           `json:"seq"`
	Type    string          `json:"type"`
	Listing *listingPayload `json:"listing,omitempty"`
	Account *accountPayload `json:"account,omitempty"`
}

// listingPayload is the marketplace's view of an ad.
type listingPayload struct {
	ID          string            `json:"id"`
	AccountID   string            `json:"account_id"`
	OwnerID     string            `json:"owner_id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Price       float64           `json:"price"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// accountPayload carries the owning account when it changed or is new.
type accountPayload struct {
	ID               string `json:"id"`
	Tier             string `json:"tier"`
	BypassModeration bool   `json:"bypass_moderation"`
}

func parseEvent(data []byte) (*streamEvent, error) {
	var event streamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	switch event.Type {
	case eventSubmitted, eventEdited:
		if event.Listing == nil || event.Listing.ID == "" {
			return nil, fmt.Errorf("%s event %d without listing id", event.Type, event.Seq)
		}
	}
	return &event, nil
}

// toListing builds a never-moderated listing. New listings start in draft so
// they take no quota slot until the engine admits them.
func (p *listingPayload) toListing() *domain.Listing {
	return &domain.Listing{
		ID:          p.ID,
		AccountID:   p.AccountID,
		OwnerID:     p.OwnerID,
		Title:       p.Title,
		Description: p.Description,
		Price:       p.Price,
		Attributes:  p.Attributes,
		Status:      domain.StatusDraft,
	}
}

func (p *listingPayload) toEdit() domain.ListingEdit {
	return domain.ListingEdit{
		ListingID:   p.ID,
		Title:       p.Title,
		Description: p.Description,
		Price:       p.Price,
		Attributes:  p.Attributes,
	}
}

func (p *accountPayload) toAccount() *domain.Account {
	tier := domain.Tier(p.Tier)
	if tier == "" {
		tier = domain.TierBasic
	}
	return &domain.Account{ID: p.ID, Tier: tier, BypassModeration: p.BypassModeration}
}
