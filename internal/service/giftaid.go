package service

import (
	"context"
	"fmt"

	"github.com/punchamoorthee/giftledger/internal/domain"
	"github.com/punchamoorthee/giftledger/internal/giftaid"
	"github.com/punchamoorthee/giftledger/internal/store"
	"go.uber.org/zap"
)

// GiftAidService owns the declaration collection.
type GiftAidService struct {
	store  store.DeclarationStore
	opts   Options
	logger *zap.Logger
}

func NewGiftAidService(s store.DeclarationStore, opts Options, logger *zap.Logger) *GiftAidService {
	return &GiftAidService{store: s, opts: opts.withDefaults(), logger: logger}
}

// Declare writes the declaration for donation d. A declaration that already exists for the
// donation id is left as is and returned with created=false.
func (s *GiftAidService) Declare(ctx context.Context, d domain.Donation, donor domain.GiftAidDonor) (*domain.GiftAidDeclaration, bool, error) {
	decl := giftaid.NewDeclaration(d, donor, s.opts.GADSMax, s.opts.Now())

	created, err := s.store.CreateDeclaration(ctx, decl)
	if err != nil {
		return nil, false, fmt.Errorf("create declaration %s: %w", d.ID, err)
	}
	if !created {
		return &decl, false, nil
	}

	giftAidDeclarations.WithLabelValues(string(decl.Classification)).Inc()
	s.logger.Info("gift aid declaration recorded",
		zap.String("donation_id", d.ID),
		zap.String("classification", string(decl.Classification)),
		zap.Int64("gift_aid_amount", decl.GiftAidAmount),
		zap.Strings("pending_reasons", decl.PendingReasons),
	)
	return &decl, true, nil
}

func (s *GiftAidService) Get(ctx context.Context, id string) (*domain.GiftAidDeclaration, error) {
	return s.store.GetDeclaration(ctx, id)
}

// UpdateDonor replaces the donor details and recomputes the classification.
func (s *GiftAidService) UpdateDonor(ctx context.Context, id string, donor domain.GiftAidDonor) (*domain.GiftAidDeclaration, error) {
	decl, err := s.store.GetDeclaration(ctx, id)
	if err != nil {
		return nil, err
	}

	before := decl.Classification
	updated := giftaid.Reclassify(*decl, donor, s.opts.GADSMax, s.opts.Now())
	if err := s.store.UpdateDeclaration(ctx, updated); err != nil {
		return nil, fmt.Errorf("update declaration %s: %w", id, err)
	}

	if before != updated.Classification {
		giftAidDeclarations.WithLabelValues(string(updated.Classification)).Inc()
	}
	s.logger.Info("gift aid declaration reclassified",
		zap.String("declaration_id", id),
		zap.String("from", string(before)),
		zap.String("to", string(updated.Classification)),
	)
	return &updated, nil
}

// SetStatus moves a declaration through pending, claimed and rejected.
func (s *GiftAidService) SetStatus(ctx context.Context, id string, status domain.DeclarationStatus) (*domain.GiftAidDeclaration, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown declaration status %q", ErrInvalidRequest, status)
	}
	decl, err := s.store.GetDeclaration(ctx, id)
	if err != nil {
		return nil, err
	}
	if status == domain.DeclarationClaimed && decl.Classification == domain.ClassificationPending {
		return nil, fmt.Errorf("%w: declaration %s is still pending donor details", ErrInvalidRequest, id)
	}

	decl.Status = status
	decl.UpdatedAt = s.opts.Now().UTC()
	if err := s.store.UpdateDeclaration(ctx, *decl); err != nil {
		return nil, fmt.Errorf("update declaration %s: %w", id, err)
	}
	return decl, nil
}
