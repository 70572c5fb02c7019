package webhook

import (
	"context"
	"time"

	"github.com/punchamoorthee/giftledger/internal/domain"
	"github.com/punchamoorthee/giftledger/internal/service"
	"github.com/stripe/stripe-go/v74"
	"go.uber.org/zap"
)

// Reconciler routes each event variant to the service that owns its side effects.
type Reconciler struct {
	donations     *service.DonationService
	subscriptions *service.SubscriptionService
	organizations *service.OrganizationService
	logger        *zap.Logger
}

func NewReconciler(donations *service.DonationService, subscriptions *service.SubscriptionService, organizations *service.OrganizationService, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		donations:     donations,
		subscriptions: subscriptions,
		organizations: organizations,
		logger:        logger,
	}
}

func (r *Reconciler) Handle(ctx context.Context, evt Event) error {
	switch e := evt.(type) {
	case PaymentSucceeded:
		return r.paymentSucceeded(ctx, e.PaymentIntent)
	case InvoicePaid:
		return r.invoicePaid(ctx, e.Invoice)
	case InvoicePaymentFailed:
		return r.subscriptions.PaymentFailed(ctx, subscriptionID(e.Invoice), e.Invoice.ID)
	case SubscriptionCreated:
		return r.subscriptions.Created(ctx, toSubscription(e.Subscription))
	case SubscriptionUpdated:
		return r.subscriptions.Refresh(ctx, toSubscription(e.Subscription))
	case SubscriptionDeleted:
		return r.subscriptions.Deleted(ctx, toSubscription(e.Subscription))
	case AccountUpdated:
		a := e.Account
		orgID := a.Metadata["orgId"]
		if orgID == "" {
			orgID = a.Metadata[service.MetaOrganizationID]
		}
		return r.organizations.UpdateCapabilities(ctx, orgID, a.ID, a.ChargesEnabled, a.PayoutsEnabled)
	}
	r.logger.Debug("no handler for event", zap.String("event_type", evt.EventType()))
	return nil
}

func (r *Reconciler) paymentSucceeded(ctx context.Context, pi *stripe.PaymentIntent) error {
	// Invoice payments are booked from invoice.paid, keyed by this same payment id.
	if pi.Invoice != nil && pi.Invoice.ID != "" {
		r.logger.Debug("skipping invoice payment intent",
			zap.String("payment_intent_id", pi.ID),
			zap.String("invoice_id", pi.Invoice.ID),
		)
		return nil
	}

	amount := pi.AmountReceived
	if amount == 0 {
		amount = pi.Amount
	}
	_, _, err := r.donations.Record(ctx, service.DonationInput{
		ID:        pi.ID,
		Amount:    amount,
		Currency:  string(pi.Currency),
		Metadata:  pi.Metadata,
		CreatedAt: unixTime(pi.Created),
	})
	return err
}

func (r *Reconciler) invoicePaid(ctx context.Context, inv *stripe.Invoice) error {
	paymentID := ""
	if inv.PaymentIntent != nil {
		paymentID = inv.PaymentIntent.ID
	}
	paidAt := unixTime(inv.Created)
	if inv.StatusTransitions != nil && inv.StatusTransitions.PaidAt > 0 {
		paidAt = unixTime(inv.StatusTransitions.PaidAt)
	}

	subID := subscriptionID(inv)
	if subID == "" {
		if inv.AmountPaid <= 0 {
			r.logger.Info("zero-amount invoice not booked", zap.String("invoice_id", inv.ID))
			return nil
		}
		// A one-off invoice is a plain donation.
		id := paymentID
		if id == "" {
			id = inv.ID
		}
		_, _, err := r.donations.Record(ctx, service.DonationInput{
			ID:        id,
			Amount:    inv.AmountPaid,
			Currency:  string(inv.Currency),
			Metadata:  inv.Metadata,
			InvoiceID: inv.ID,
			CreatedAt: paidAt,
		})
		return err
	}

	_, err := r.subscriptions.RecordInstallment(ctx, service.Installment{
		SubscriptionID: subID,
		InvoiceID:      inv.ID,
		PaymentID:      paymentID,
		Amount:         inv.AmountPaid,
		Currency:       string(inv.Currency),
		Metadata:       inv.Metadata,
		PaidAt:         paidAt,
	})
	return err
}

func subscriptionID(inv *stripe.Invoice) string {
	if inv.Subscription == nil {
		return ""
	}
	return inv.Subscription.ID
}

func toSubscription(s *stripe.Subscription) domain.Subscription {
	sub := domain.Subscription{
		ID:             s.ID,
		CampaignID:     s.Metadata[service.MetaCampaignID],
		OrganizationID: s.Metadata[service.MetaOrganizationID],
		Status:         service.MapStatus(string(s.Status)),
		Currency:       string(s.Currency),
		Metadata:       s.Metadata,
		CreatedAt:      unixTime(s.Created),
	}
	if s.Customer != nil {
		sub.CustomerID = s.Customer.ID
	}
	if s.CurrentPeriodEnd > 0 {
		end := unixTime(s.CurrentPeriodEnd)
		sub.CurrentPeriodEnd = &end
	}
	if s.CanceledAt > 0 {
		at := unixTime(s.CanceledAt)
		sub.CanceledAt = &at
	}
	if s.Items != nil && len(s.Items.Data) > 0 {
		if p := s.Items.Data[0].Price; p != nil {
			sub.Amount = p.UnitAmount
			if sub.Currency == "" {
				sub.Currency = string(p.Currency)
			}
			if p.Recurring != nil {
				sub.Interval = string(p.Recurring.Interval)
			}
		}
	}
	return sub
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
