// Package processor wraps the outbound calls made to the payment processor.
package processor

import (
	"context"
	"time"
)

// Client is the processor surface the donation flows depend on. Handlers receive it
// explicitly so tests can substitute a double.
type Client interface {
	CreateCustomer(ctx context.Context, p CustomerParams) (customerID string, err error)
	AttachPaymentMethod(ctx context.Context, paymentMethodID, customerID string) error
	CreatePrice(ctx context.Context, p PriceParams) (priceID string, err error)
	CreateSubscription(ctx context.Context, p SubscriptionParams) (*SubscriptionResult, error)
	CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) error
	CreateAccountLink(ctx context.Context, p AccountLinkParams) (url string, err error)
}

type CustomerParams struct {
	Email    string
	Name     string
	Phone    string
	Metadata map[string]string
}

type PriceParams struct {
	Amount      int64
	Currency    string
	Interval    string
	ProductName string
}

type SubscriptionParams struct {
	CustomerID      string
	PriceID         string
	PaymentMethodID string
	Metadata        map[string]string
}

// SubscriptionResult is the processor's view of a freshly created subscription.
type SubscriptionResult struct {
	ID               string
	CustomerID       string
	Status           string
	CurrentPeriodEnd time.Time
	LatestInvoiceID  string
	// FirstPaymentID is the payment of the first invoice when it settled synchronously.
	FirstPaymentID string
	FirstPaid      bool
	AmountPaid     int64
}

type AccountLinkParams struct {
	AccountID  string
	RefreshURL string
	ReturnURL  string
}
