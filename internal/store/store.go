package store

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/giftledger/internal/domain"
)

var (
	ErrNotFound             = errors.New("record not found")
	ErrMissingID            = errors.New("natural id is required")
	ErrSubscriptionCanceled = errors.New("subscription is canceled")
	ErrClaimLost            = errors.New("event claim is no longer held by this delivery")
)

// EventLedger is the write-once set of processed webhook event ids.
//
// ClaimEvent is the only entry point that may start side effects for an event: it
// atomically creates a processing record stamped with evt.ClaimToken, and only the caller
// that receives domain.Claimed proceeds. Claims older than lease, measured from
// evt.ClaimedAt (the store's clock when zero), are treated as abandoned and may be taken
// over under a new token.
//
// CompleteEvent must be the last write for the event; ReleaseEvent drops an unfinished
// claim so a redelivery can retry it. Both act only while the record still carries the
// caller's token: CompleteEvent returns ErrClaimLost otherwise and ReleaseEvent is a no-op.
type EventLedger interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	ClaimEvent(ctx context.Context, evt domain.WebhookEvent, lease time.Duration) (domain.ClaimOutcome, error)
	CompleteEvent(ctx context.Context, eventID, claimToken string, at time.Time) error
	ReleaseEvent(ctx context.Context, eventID, claimToken string) error
}

// DonationLedger stores settled charges keyed by their natural id.
//
// CreateDonation is create-if-absent: it returns created=false and no error when the id
// already exists. The owning campaign's totals are incremented in the same atomic write,
// and only on first creation.
type DonationLedger interface {
	CreateDonation(ctx context.Context, d domain.Donation) (created bool, err error)
	GetDonation(ctx context.Context, id string) (*domain.Donation, error)
}

// CampaignAggregates maintains campaign running totals with store-side increments.
type CampaignAggregates interface {
	IncrementRaised(ctx context.Context, campaignID string, amountDelta, countDelta int64) error
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)
}

// SubscriptionRegistry tracks recurring agreements by processor subscription id.
//
// Neither UpdateSubscription nor RefreshSubscription ever moves a canceled row to another
// status; such attempts return ErrSubscriptionCanceled and leave the row untouched.
type SubscriptionRegistry interface {
	CreateSubscription(ctx context.Context, s domain.Subscription) (created bool, err error)
	GetSubscription(ctx context.Context, id string) (*domain.Subscription, error)
	UpdateSubscription(ctx context.Context, id string, upd domain.SubscriptionUpdate, now time.Time) (*domain.Subscription, error)
	RefreshSubscription(ctx context.Context, s domain.Subscription) (*domain.Subscription, error)
}

// DeclarationStore keeps Gift Aid declarations, one per donation id.
// UpdateDeclaration never rewrites the amount fields.
type DeclarationStore interface {
	CreateDeclaration(ctx context.Context, decl domain.GiftAidDeclaration) (created bool, err error)
	GetDeclaration(ctx context.Context, id string) (*domain.GiftAidDeclaration, error)
	UpdateDeclaration(ctx context.Context, decl domain.GiftAidDeclaration) error
}

// OrganizationStore mirrors processor account capabilities.
type OrganizationStore interface {
	UpdateOrganizationCapabilities(ctx context.Context, org domain.Organization) error
	GetOrganization(ctx context.Context, id string) (*domain.Organization, error)
}

// Store is everything the reconciliation engine persists.
type Store interface {
	EventLedger
	DonationLedger
	CampaignAggregates
	SubscriptionRegistry
	DeclarationStore
	OrganizationStore
	Close()
}

// applyUpdate merges upd into s following the terminal-state rule.
func applyUpdate(s *domain.Subscription, upd domain.SubscriptionUpdate, now time.Time) error {
	if s.Status.Terminal() && (upd.Status == nil || *upd.Status != domain.SubscriptionCanceled) {
		return ErrSubscriptionCanceled
	}
	if upd.Status != nil {
		s.Status = *upd.Status
	}
	if upd.CurrentPeriodEnd != nil {
		t := *upd.CurrentPeriodEnd
		s.CurrentPeriodEnd = &t
	}
	if upd.LastFailedInvoiceID != nil {
		s.LastFailedInvoiceID = *upd.LastFailedInvoiceID
	}
	if upd.CanceledAt != nil && s.CanceledAt == nil {
		t := *upd.CanceledAt
		s.CanceledAt = &t
	}
	s.UpdatedAt = now
	return nil
}

// refresh overwrites the processor-owned fields of stored with incoming.
func refresh(stored *domain.Subscription, incoming domain.Subscription) error {
	if stored.Status.Terminal() && incoming.Status != domain.SubscriptionCanceled {
		return ErrSubscriptionCanceled
	}
	stored.Status = incoming.Status
	stored.CurrentPeriodEnd = incoming.CurrentPeriodEnd
	if incoming.CustomerID != "" {
		stored.CustomerID = incoming.CustomerID
	}
	if incoming.Amount != 0 {
		stored.Amount = incoming.Amount
	}
	if incoming.Currency != "" {
		stored.Currency = incoming.Currency
	}
	if incoming.Interval != "" {
		stored.Interval = incoming.Interval
	}
	if incoming.CampaignID != "" {
		stored.CampaignID = incoming.CampaignID
	}
	if incoming.OrganizationID != "" {
		stored.OrganizationID = incoming.OrganizationID
	}
	if incoming.CanceledAt != nil && stored.CanceledAt == nil {
		stored.CanceledAt = incoming.CanceledAt
	}
	if len(incoming.Metadata) > 0 {
		if stored.Metadata == nil {
			stored.Metadata = make(map[string]string, len(incoming.Metadata))
		}
		for k, v := range incoming.Metadata {
			stored.Metadata[k] = v
		}
	}
	stored.UpdatedAt = incoming.UpdatedAt
	return nil
}
