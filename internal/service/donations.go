package service

import (
	"context"
	"fmt"
	"strconv"

	"github.com/punchamoorthee/giftledger/internal/domain"
	"github.com/punchamoorthee/giftledger/internal/store"
	"go.uber.org/zap"
)

// DonationService writes settled charges to the donation ledger.
type DonationService struct {
	store   store.DonationLedger
	giftAid *GiftAidService
	opts    Options
	logger  *zap.Logger
}

func NewDonationService(s store.DonationLedger, giftAid *GiftAidService, opts Options, logger *zap.Logger) *DonationService {
	return &DonationService{store: s, giftAid: giftAid, opts: opts.withDefaults(), logger: logger}
}

// Record normalizes in and writes it create-if-absent. The campaign aggregate moves with
// the donation inside the store. When the donation is gift-aid flagged its declaration is
// written as well, including on a redelivery that finds the donation already present, so a
// crash between the two writes heals on retry.
func (s *DonationService) Record(ctx context.Context, in DonationInput) (*domain.Donation, bool, error) {
	d, donor := Normalize(in, s.opts.DefaultCurrency, s.opts.Now())
	if d.CampaignID == "" {
		s.logger.Warn("donation has no campaign id", zap.String("donation_id", d.ID))
	}

	created, err := s.store.CreateDonation(ctx, d)
	if err != nil {
		return nil, false, fmt.Errorf("create donation %s: %w", d.ID, err)
	}

	if created {
		donationsCreated.WithLabelValues(string(d.Channel), strconv.FormatBool(d.IsRecurring)).Inc()
		s.logger.Info("donation recorded",
			zap.String("donation_id", d.ID),
			zap.String("campaign_id", d.CampaignID),
			zap.Int64("amount", d.Amount),
			zap.String("currency", d.Currency),
			zap.Bool("recurring", d.IsRecurring),
		)
	} else {
		s.logger.Info("donation already recorded", zap.String("donation_id", d.ID))
	}

	if donor != nil && s.giftAid != nil {
		if _, _, err := s.giftAid.Declare(ctx, d, *donor); err != nil {
			return &d, created, err
		}
	}
	return &d, created, nil
}

func (s *DonationService) Get(ctx context.Context, id string) (*domain.Donation, error) {
	return s.store.GetDonation(ctx, id)
}
