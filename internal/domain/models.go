package domain

import (
	"time"
)

// Channel is the surface a donation was collected through.
type Channel string

const (
	ChannelWeb   Channel = "web"
	ChannelKiosk Channel = "kiosk"
	ChannelApp   Channel = "app"
)

// AnonymousDonor is the display name used whenever a donor name is withheld or missing.
const AnonymousDonor = "Anonymous"

// Donation is one settled charge: a one-time gift or a single recurring installment.
// Amount is always in minor currency units.
type Donation struct {
	ID                string    `json:"id" dynamodbav:"id"`
	CampaignID        string    `json:"campaignId" dynamodbav:"campaignId"`
	OrganizationID    string    `json:"organizationId" dynamodbav:"organizationId"`
	Amount            int64     `json:"amount" dynamodbav:"amount"`
	Currency          string    `json:"currency" dynamodbav:"currency"`
	DonorName         string    `json:"donorName" dynamodbav:"donorName"`
	DonorEmail        string    `json:"donorEmail,omitempty" dynamodbav:"donorEmail,omitempty"`
	DonorPhone        string    `json:"donorPhone,omitempty" dynamodbav:"donorPhone,omitempty"`
	IsAnonymous       bool      `json:"isAnonymous" dynamodbav:"isAnonymous"`
	IsGiftAid         bool      `json:"isGiftAid" dynamodbav:"isGiftAid"`
	IsRecurring       bool      `json:"isRecurring" dynamodbav:"isRecurring"`
	RecurringInterval string    `json:"recurringInterval,omitempty" dynamodbav:"recurringInterval,omitempty"`
	SubscriptionID    string    `json:"subscriptionId,omitempty" dynamodbav:"subscriptionId,omitempty"`
	InvoiceID         string    `json:"invoiceId,omitempty" dynamodbav:"invoiceId,omitempty"`
	Channel           Channel   `json:"channel" dynamodbav:"channel"`
	KioskID           string    `json:"kioskId,omitempty" dynamodbav:"kioskId,omitempty"`
	Status            string    `json:"status" dynamodbav:"status"`
	CreatedAt         time.Time `json:"createdAt" dynamodbav:"createdAt"`
}

// SubscriptionStatus is the local view of a recurring agreement's lifecycle.
type SubscriptionStatus string

const (
	SubscriptionIncomplete SubscriptionStatus = "incomplete"
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionPastDue    SubscriptionStatus = "past_due"
	SubscriptionCanceled   SubscriptionStatus = "canceled"
)

// Terminal reports whether no further transitions are allowed.
func (s SubscriptionStatus) Terminal() bool {
	return s == SubscriptionCanceled
}

// Subscription is a standing recurring-donation agreement keyed by the processor's subscription id.
type Subscription struct {
	ID                  string             `json:"id" dynamodbav:"id"`
	CustomerID          string             `json:"customerId" dynamodbav:"customerId"`
	CampaignID          string             `json:"campaignId" dynamodbav:"campaignId"`
	OrganizationID      string             `json:"organizationId" dynamodbav:"organizationId"`
	Interval            string             `json:"interval" dynamodbav:"interval"`
	Amount              int64              `json:"amount" dynamodbav:"amount"`
	Currency            string             `json:"currency" dynamodbav:"currency"`
	Status              SubscriptionStatus `json:"status" dynamodbav:"status"`
	CurrentPeriodEnd    *time.Time         `json:"currentPeriodEnd,omitempty" dynamodbav:"currentPeriodEnd,omitempty"`
	LastFailedInvoiceID string             `json:"lastFailedInvoiceId,omitempty" dynamodbav:"lastFailedInvoiceId,omitempty"`
	CanceledAt          *time.Time         `json:"canceledAt,omitempty" dynamodbav:"canceledAt,omitempty"`
	Metadata            map[string]string  `json:"metadata,omitempty" dynamodbav:"metadata,omitempty"`
	CreatedAt           time.Time          `json:"createdAt" dynamodbav:"createdAt"`
	UpdatedAt           time.Time          `json:"updatedAt" dynamodbav:"updatedAt"`
}

// SubscriptionUpdate carries the fields a lifecycle event may overwrite.
// Nil pointers leave the stored value untouched.
type SubscriptionUpdate struct {
	Status              *SubscriptionStatus
	CurrentPeriodEnd    *time.Time
	LastFailedInvoiceID *string
	CanceledAt          *time.Time
}

// EventStatus tracks an idempotency claim.
type EventStatus string

const (
	EventProcessing EventStatus = "processing"
	EventProcessed  EventStatus = "processed"
)

// WebhookEvent is the idempotency record for one inbound processor event.
type WebhookEvent struct {
	ID          string      `json:"id" dynamodbav:"id"`
	Type        string      `json:"type" dynamodbav:"type"`
	ObjectID    string      `json:"objectId,omitempty" dynamodbav:"objectId,omitempty"`
	Status      EventStatus `json:"status" dynamodbav:"status"`
	ClaimToken  string      `json:"-" dynamodbav:"claimToken"`
	ClaimedAt   time.Time   `json:"claimedAt" dynamodbav:"claimedAt"`
	ProcessedAt *time.Time  `json:"processedAt,omitempty" dynamodbav:"processedAt,omitempty"`
}

// ClaimOutcome is the result of trying to take ownership of an event id.
type ClaimOutcome int

const (
	// Claimed means this invocation owns the event and must apply its side effects.
	Claimed ClaimOutcome = iota
	// AlreadyProcessed means a previous invocation finished the event.
	AlreadyProcessed
	// InFlight means another live invocation holds the claim.
	InFlight
)

func (o ClaimOutcome) String() string {
	switch o {
	case Claimed:
		return "claimed"
	case AlreadyProcessed:
		return "already_processed"
	case InFlight:
		return "in_flight"
	}
	return "unknown"
}

// Campaign holds the denormalized totals this engine maintains.
type Campaign struct {
	ID             string    `json:"id" dynamodbav:"id"`
	OrganizationID string    `json:"organizationId,omitempty" dynamodbav:"organizationId,omitempty"`
	Name           string    `json:"name,omitempty" dynamodbav:"name,omitempty"`
	Raised         int64     `json:"raised" dynamodbav:"raised"`
	DonationCount  int64     `json:"donationCount" dynamodbav:"donationCount"`
	UpdatedAt      time.Time `json:"updatedAt" dynamodbav:"updatedAt"`
}

// Organization holds the payment capability flags mirrored from the processor account.
type Organization struct {
	ID             string    `json:"id" dynamodbav:"id"`
	AccountID      string    `json:"accountId,omitempty" dynamodbav:"accountId,omitempty"`
	ChargesEnabled bool      `json:"chargesEnabled" dynamodbav:"chargesEnabled"`
	PayoutsEnabled bool      `json:"payoutsEnabled" dynamodbav:"payoutsEnabled"`
	UpdatedAt      time.Time `json:"updatedAt" dynamodbav:"updatedAt"`
}
