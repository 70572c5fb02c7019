package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/punchamoorthee/giftledger/internal/domain"
	"github.com/punchamoorthee/giftledger/internal/processor"
	"github.com/punchamoorthee/giftledger/internal/store"
	"go.uber.org/zap"
)

var validate = validator.New()

// MapStatus folds the processor's subscription vocabulary into the four local states.
func MapStatus(processorStatus string) domain.SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(processorStatus)) {
	case "active", "trialing":
		return domain.SubscriptionActive
	case "past_due", "unpaid", "paused":
		return domain.SubscriptionPastDue
	case "canceled", "incomplete_expired":
		return domain.SubscriptionCanceled
	default:
		return domain.SubscriptionIncomplete
	}
}

// RecurringDonationRequest is a donor's request to start a recurring donation.
// GiftAidDonor completeness is not validated here; an incomplete donor yields a
// PENDING declaration rather than a rejected request.
type RecurringDonationRequest struct {
	CampaignID      string               `json:"campaignId" validate:"required"`
	OrganizationID  string               `json:"organizationId" validate:"required"`
	Amount          int64                `json:"amount" validate:"gt=0"`
	Currency        string               `json:"currency" validate:"omitempty,len=3"`
	Interval        string               `json:"interval" validate:"required,oneof=day week month year"`
	PaymentMethodID string               `json:"paymentMethodId" validate:"required"`
	DonorName       string               `json:"donorName"`
	DonorEmail      string               `json:"donorEmail" validate:"omitempty,email"`
	DonorPhone      string               `json:"donorPhone"`
	IsAnonymous     bool                 `json:"isAnonymous"`
	IsGiftAid       bool                 `json:"isGiftAid"`
	GiftAidDonor    *domain.GiftAidDonor `json:"giftAidDonor,omitempty" validate:"-"`
	Platform        string               `json:"platform" validate:"omitempty,oneof=web kiosk app"`
	KioskID         string               `json:"kioskId"`
}

// Installment is one paid invoice of a subscription.
type Installment struct {
	SubscriptionID string
	InvoiceID      string
	PaymentID      string
	Amount         int64
	Currency       string
	Metadata       map[string]string
	PaidAt         time.Time
}

// SubscriptionService runs the subscription state machine, for both processor events and
// donor-initiated changes.
type SubscriptionService struct {
	store     store.SubscriptionRegistry
	processor processor.Client
	donations *DonationService
	opts      Options
	logger    *zap.Logger
}

func NewSubscriptionService(s store.SubscriptionRegistry, pc processor.Client, donations *DonationService, opts Options, logger *zap.Logger) *SubscriptionService {
	return &SubscriptionService{store: s, processor: pc, donations: donations, opts: opts.withDefaults(), logger: logger}
}

func (s *SubscriptionService) Get(ctx context.Context, id string) (*domain.Subscription, error) {
	return s.store.GetSubscription(ctx, id)
}

// Created registers a subscription announced by the processor. The donor flow normally
// writes the row first, so a missing row is reported as a data-integrity warning.
func (s *SubscriptionService) Created(ctx context.Context, sub domain.Subscription) error {
	now := s.opts.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	created, err := s.store.CreateSubscription(ctx, sub)
	if err != nil {
		return fmt.Errorf("create subscription %s: %w", sub.ID, err)
	}
	if created {
		subscriptionTransitions.WithLabelValues(string(sub.Status)).Inc()
		s.logger.Warn("subscription created from webhook without a prior registry row",
			zap.String("subscription_id", sub.ID),
			zap.String("status", string(sub.Status)),
		)
		return nil
	}
	s.logger.Info("subscription already registered", zap.String("subscription_id", sub.ID))
	return nil
}

// Refresh applies the processor's latest view of a subscription. A canceled row is never
// moved back to another state; that case is logged and treated as handled.
func (s *SubscriptionService) Refresh(ctx context.Context, sub domain.Subscription) error {
	now := s.opts.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	stored, err := s.store.RefreshSubscription(ctx, sub)
	if errors.Is(err, store.ErrSubscriptionCanceled) {
		s.logger.Warn("ignoring update for canceled subscription",
			zap.String("subscription_id", sub.ID),
			zap.String("incoming_status", string(sub.Status)),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("refresh subscription %s: %w", sub.ID, err)
	}

	subscriptionTransitions.WithLabelValues(string(stored.Status)).Inc()
	s.logger.Info("subscription refreshed",
		zap.String("subscription_id", stored.ID),
		zap.String("status", string(stored.Status)),
	)
	return nil
}

// PaymentFailed marks the subscription past due and remembers the failing invoice.
func (s *SubscriptionService) PaymentFailed(ctx context.Context, subscriptionID, invoiceID string) error {
	if subscriptionID == "" {
		s.logger.Warn("failed invoice is not linked to a subscription", zap.String("invoice_id", invoiceID))
		return nil
	}

	status := domain.SubscriptionPastDue
	upd := domain.SubscriptionUpdate{Status: &status, LastFailedInvoiceID: &invoiceID}
	_, err := s.store.UpdateSubscription(ctx, subscriptionID, upd, s.opts.Now().UTC())
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.logger.Warn("payment failed for unknown subscription",
			zap.String("subscription_id", subscriptionID),
			zap.String("invoice_id", invoiceID),
		)
		return nil
	case errors.Is(err, store.ErrSubscriptionCanceled):
		s.logger.Warn("payment failed for canceled subscription",
			zap.String("subscription_id", subscriptionID),
			zap.String("invoice_id", invoiceID),
		)
		return nil
	case err != nil:
		return fmt.Errorf("mark subscription %s past due: %w", subscriptionID, err)
	}

	subscriptionTransitions.WithLabelValues(string(status)).Inc()
	s.logger.Info("subscription past due",
		zap.String("subscription_id", subscriptionID),
		zap.String("invoice_id", invoiceID),
	)
	return nil
}

// Deleted moves the subscription to canceled, creating the row if it was never seen.
func (s *SubscriptionService) Deleted(ctx context.Context, sub domain.Subscription) error {
	now := s.opts.Now().UTC()
	sub.Status = domain.SubscriptionCanceled
	if sub.CanceledAt == nil {
		sub.CanceledAt = &now
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	stored, err := s.store.RefreshSubscription(ctx, sub)
	if err != nil {
		return fmt.Errorf("cancel subscription %s: %w", sub.ID, err)
	}

	subscriptionTransitions.WithLabelValues(string(stored.Status)).Inc()
	s.logger.Info("subscription canceled", zap.String("subscription_id", stored.ID))
	return nil
}

// RecordInstallment books a paid invoice as a recurring donation. Campaign, organization
// and donor details come from the registry row, falling back to the invoice metadata when
// the row is missing. Invoices that settled no money (trials, full discounts) book nothing
// and return a nil donation.
func (s *SubscriptionService) RecordInstallment(ctx context.Context, in Installment) (*domain.Donation, error) {
	if in.Amount <= 0 {
		s.logger.Info("zero-amount invoice not booked",
			zap.String("subscription_id", in.SubscriptionID),
			zap.String("invoice_id", in.InvoiceID),
		)
		return nil, nil
	}
	md := make(map[string]string, len(in.Metadata))
	for k, v := range in.Metadata {
		md[k] = v
	}
	interval := md[MetaRecurringInterval]

	if in.SubscriptionID != "" {
		sub, err := s.store.GetSubscription(ctx, in.SubscriptionID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.logger.Warn("paid invoice for unregistered subscription, using invoice metadata",
				zap.String("subscription_id", in.SubscriptionID),
				zap.String("invoice_id", in.InvoiceID),
			)
		case err != nil:
			return nil, fmt.Errorf("load subscription %s: %w", in.SubscriptionID, err)
		default:
			for k, v := range sub.Metadata {
				md[k] = v
			}
			if sub.CampaignID != "" {
				md[MetaCampaignID] = sub.CampaignID
			}
			if sub.OrganizationID != "" {
				md[MetaOrganizationID] = sub.OrganizationID
			}
			if sub.Interval != "" {
				interval = sub.Interval
			}
		}
	}

	id := in.PaymentID
	if id == "" {
		id = in.InvoiceID
	}
	d, _, err := s.donations.Record(ctx, DonationInput{
		ID:             id,
		Amount:         in.Amount,
		Currency:       in.Currency,
		Metadata:       md,
		SubscriptionID: in.SubscriptionID,
		InvoiceID:      in.InvoiceID,
		IsRecurring:    true,
		Interval:       interval,
		CreatedAt:      in.PaidAt,
	})
	return d, err
}

// CreateRecurringDonation sets the agreement up with the processor and registers it. The
// registry write is the outcome that matters; booking the first installment is best effort
// because the invoice.paid event books it again idempotently.
func (s *SubscriptionService) CreateRecurringDonation(ctx context.Context, req RecurringDonationRequest) (*domain.Subscription, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = s.opts.DefaultCurrency
	}

	md := DonorMetadata(req.DonorName, req.DonorEmail, req.DonorPhone, req.IsAnonymous, req.IsGiftAid, req.GiftAidDonor)
	md[MetaCampaignID] = req.CampaignID
	md[MetaOrganizationID] = req.OrganizationID
	md[MetaIsRecurring] = "true"
	md[MetaRecurringInterval] = req.Interval
	if req.Platform != "" {
		md[MetaPlatform] = req.Platform
	}
	if req.KioskID != "" {
		md[MetaKioskID] = req.KioskID
	}

	customerID, err := s.processor.CreateCustomer(ctx, processor.CustomerParams{
		Email:    req.DonorEmail,
		Name:     req.DonorName,
		Phone:    req.DonorPhone,
		Metadata: md,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessorFailure, err)
	}
	if err := s.processor.AttachPaymentMethod(ctx, req.PaymentMethodID, customerID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessorFailure, err)
	}
	priceID, err := s.processor.CreatePrice(ctx, processor.PriceParams{
		Amount:      req.Amount,
		Currency:    currency,
		Interval:    req.Interval,
		ProductName: "Recurring donation " + req.CampaignID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessorFailure, err)
	}
	res, err := s.processor.CreateSubscription(ctx, processor.SubscriptionParams{
		CustomerID:      customerID,
		PriceID:         priceID,
		PaymentMethodID: req.PaymentMethodID,
		Metadata:        md,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessorFailure, err)
	}

	now := s.opts.Now().UTC()
	sub := domain.Subscription{
		ID:             res.ID,
		CustomerID:     customerID,
		CampaignID:     req.CampaignID,
		OrganizationID: req.OrganizationID,
		Interval:       req.Interval,
		Amount:         req.Amount,
		Currency:       currency,
		Status:         MapStatus(res.Status),
		Metadata:       md,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if !res.CurrentPeriodEnd.IsZero() {
		end := res.CurrentPeriodEnd
		sub.CurrentPeriodEnd = &end
	}

	created, err := s.store.CreateSubscription(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("register subscription %s: %w", sub.ID, err)
	}
	if created {
		subscriptionTransitions.WithLabelValues(string(sub.Status)).Inc()
	} else {
		s.logger.Info("subscription registered by webhook first", zap.String("subscription_id", sub.ID))
	}

	if res.FirstPaid && res.FirstPaymentID != "" {
		_, err := s.RecordInstallment(ctx, Installment{
			SubscriptionID: sub.ID,
			InvoiceID:      res.LatestInvoiceID,
			PaymentID:      res.FirstPaymentID,
			Amount:         res.AmountPaid,
			Currency:       currency,
			Metadata:       md,
			PaidAt:         now,
		})
		if err != nil {
			s.logger.Error("failed to book first installment",
				zap.String("subscription_id", sub.ID),
				zap.String("payment_id", res.FirstPaymentID),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("recurring donation created",
		zap.String("subscription_id", sub.ID),
		zap.String("campaign_id", sub.CampaignID),
		zap.Int64("amount", sub.Amount),
		zap.String("interval", sub.Interval),
	)
	return &sub, nil
}

// Cancel cancels the subscription locally first, then asks the processor to end it now
// or at the end of the current period. If the processor call fails the local row stays
// canceled and the error is returned so the caller can retry.
func (s *SubscriptionService) Cancel(ctx context.Context, id string, atPeriodEnd bool) (*domain.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}

	if !sub.Status.Terminal() {
		now := s.opts.Now().UTC()
		status := domain.SubscriptionCanceled
		sub, err = s.store.UpdateSubscription(ctx, id, domain.SubscriptionUpdate{Status: &status, CanceledAt: &now}, now)
		if err != nil {
			return nil, fmt.Errorf("cancel subscription %s: %w", id, err)
		}
		subscriptionTransitions.WithLabelValues(string(status)).Inc()
	}

	if err := s.processor.CancelSubscription(ctx, id, atPeriodEnd); err != nil {
		s.logger.Error("processor cancellation failed",
			zap.String("subscription_id", id),
			zap.Bool("at_period_end", atPeriodEnd),
			zap.Error(err),
		)
		return sub, fmt.Errorf("%w: %v", ErrProcessorFailure, err)
	}

	s.logger.Info("subscription canceled by donor",
		zap.String("subscription_id", id),
		zap.Bool("at_period_end", atPeriodEnd),
	)
	return sub, nil
}
