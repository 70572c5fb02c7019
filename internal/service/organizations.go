package service

import (
	"context"
	"fmt"

	"github.com/punchamoorthee/giftledger/internal/domain"
	"github.com/punchamoorthee/giftledger/internal/processor"
	"github.com/punchamoorthee/giftledger/internal/store"
	"go.uber.org/zap"
)

type OrganizationService struct {
	store     store.OrganizationStore
	processor processor.Client
	opts      Options
	logger    *zap.Logger
}

func NewOrganizationService(s store.OrganizationStore, pc processor.Client, opts Options, logger *zap.Logger) *OrganizationService {
	return &OrganizationService{store: s, processor: pc, opts: opts.withDefaults(), logger: logger}
}

// UpdateCapabilities mirrors the connected account's charge and payout flags onto the
// organization. Accounts not tagged with an organization id are skipped.
func (s *OrganizationService) UpdateCapabilities(ctx context.Context, orgID, accountID string, charges, payouts bool) error {
	if orgID == "" {
		s.logger.Warn("account update without organization id", zap.String("account_id", accountID))
		return nil
	}

	err := s.store.UpdateOrganizationCapabilities(ctx, domain.Organization{
		ID:             orgID,
		AccountID:      accountID,
		ChargesEnabled: charges,
		PayoutsEnabled: payouts,
		UpdatedAt:      s.opts.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("update organization %s: %w", orgID, err)
	}

	s.logger.Info("organization capabilities updated",
		zap.String("organization_id", orgID),
		zap.Bool("charges_enabled", charges),
		zap.Bool("payouts_enabled", payouts),
	)
	return nil
}

func (s *OrganizationService) Get(ctx context.Context, id string) (*domain.Organization, error) {
	return s.store.GetOrganization(ctx, id)
}

// OnboardingLink returns a processor-hosted onboarding URL for the organization's account.
func (s *OrganizationService) OnboardingLink(ctx context.Context, orgID, refreshURL, returnURL string) (string, error) {
	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return "", err
	}
	if org.AccountID == "" {
		return "", fmt.Errorf("%w: organization %s has no connected account", ErrInvalidRequest, orgID)
	}

	url, err := s.processor.CreateAccountLink(ctx, processor.AccountLinkParams{
		AccountID:  org.AccountID,
		RefreshURL: refreshURL,
		ReturnURL:  returnURL,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProcessorFailure, err)
	}
	return url, nil
}
