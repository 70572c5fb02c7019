package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/giftledger/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	Db *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresStore{Db: pool}, nil
}

func (s *PostgresStore) Close() {
	s.Db.Close()
}

// Migrate creates any missing tables. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

// --- idempotency ledger ---

func (s *PostgresStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var status string
	err := s.Db.QueryRow(ctx, "SELECT status FROM webhook_events WHERE id = $1", eventID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("event lookup failed: %w", err)
	}
	return status == string(domain.EventProcessed), nil
}

// ClaimEvent inserts a processing record, or takes over one whose lease has lapsed.
func (s *PostgresStore) ClaimEvent(ctx context.Context, evt domain.WebhookEvent, lease time.Duration) (domain.ClaimOutcome, error) {
	if evt.ID == "" || evt.ClaimToken == "" {
		return 0, ErrMissingID
	}
	now := evt.ClaimedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var id string
	err := s.Db.QueryRow(ctx, `
		INSERT INTO webhook_events (id, event_type, object_id, status, claim_token, claimed_at)
		VALUES ($1, $2, $3, 'processing', $4, $5)
		ON CONFLICT (id) DO UPDATE
			SET claim_token = EXCLUDED.claim_token,
			    claimed_at  = EXCLUDED.claimed_at,
			    event_type  = EXCLUDED.event_type,
			    object_id   = EXCLUDED.object_id
			WHERE webhook_events.status = 'processing' AND webhook_events.claimed_at < $6
		RETURNING id`,
		evt.ID, evt.Type, evt.ObjectID, evt.ClaimToken, now, now.Add(-lease),
	).Scan(&id)
	if err == nil {
		return domain.Claimed, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("event claim failed: %w", err)
	}

	processed, err := s.IsProcessed(ctx, evt.ID)
	if err != nil {
		return 0, err
	}
	if processed {
		return domain.AlreadyProcessed, nil
	}
	return domain.InFlight, nil
}

func (s *PostgresStore) CompleteEvent(ctx context.Context, eventID, claimToken string, at time.Time) error {
	tag, err := s.Db.Exec(ctx, `
		UPDATE webhook_events SET status = 'processed', processed_at = $1
		WHERE id = $2 AND status = 'processing' AND claim_token = $3`,
		at, eventID, claimToken,
	)
	if err != nil {
		return fmt.Errorf("event completion failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *PostgresStore) ReleaseEvent(ctx context.Context, eventID, claimToken string) error {
	_, err := s.Db.Exec(ctx,
		"DELETE FROM webhook_events WHERE id = $1 AND status = 'processing' AND claim_token = $2",
		eventID, claimToken,
	)
	if err != nil {
		return fmt.Errorf("event release failed: %w", err)
	}
	return nil
}

// --- donations and campaign aggregates ---

// CreateDonation inserts the donation and bumps the campaign totals in one transaction.
func (s *PostgresStore) CreateDonation(ctx context.Context, d domain.Donation) (bool, error) {
	if d.ID == "" {
		return false, ErrMissingID
	}

	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO donations (id, campaign_id, organization_id, amount, currency, donor_name,
			donor_email, donor_phone, is_anonymous, is_gift_aid, is_recurring, recurring_interval,
			subscription_id, invoice_id, channel, kiosk_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO NOTHING`,
		d.ID, d.CampaignID, d.OrganizationID, d.Amount, d.Currency, d.DonorName,
		d.DonorEmail, d.DonorPhone, d.IsAnonymous, d.IsGiftAid, d.IsRecurring, d.RecurringInterval,
		d.SubscriptionID, d.InvoiceID, string(d.Channel), d.KioskID, d.Status, d.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("donation insert failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if d.CampaignID != "" {
		if err := incrementRaised(ctx, tx, d.CampaignID, d.OrganizationID, d.Amount, 1); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("tx commit failed: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) GetDonation(ctx context.Context, id string) (*domain.Donation, error) {
	var d domain.Donation
	var channel string
	err := s.Db.QueryRow(ctx, `
		SELECT id, campaign_id, organization_id, amount, currency, donor_name, donor_email,
			donor_phone, is_anonymous, is_gift_aid, is_recurring, recurring_interval,
			subscription_id, invoice_id, channel, kiosk_id, status, created_at
		FROM donations WHERE id = $1`, id,
	).Scan(&d.ID, &d.CampaignID, &d.OrganizationID, &d.Amount, &d.Currency, &d.DonorName,
		&d.DonorEmail, &d.DonorPhone, &d.IsAnonymous, &d.IsGiftAid, &d.IsRecurring,
		&d.RecurringInterval, &d.SubscriptionID, &d.InvoiceID, &channel, &d.KioskID, &d.Status,
		&d.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	d.Channel = domain.Channel(channel)
	return &d, nil
}

func (s *PostgresStore) IncrementRaised(ctx context.Context, campaignID string, amountDelta, countDelta int64) error {
	if campaignID == "" {
		return ErrMissingID
	}
	return incrementRaised(ctx, s.Db, campaignID, "", amountDelta, countDelta)
}

// incrementRaised is a single store-side increment; a missing campaign row is created.
func incrementRaised(ctx context.Context, q querier, campaignID, orgID string, amountDelta, countDelta int64) error {
	_, err := q.Exec(ctx, `
		INSERT INTO campaigns (id, organization_id, raised, donation_count, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE
			SET raised = campaigns.raised + EXCLUDED.raised,
			    donation_count = campaigns.donation_count + EXCLUDED.donation_count,
			    updated_at = now()`,
		campaignID, orgID, amountDelta, countDelta,
	)
	if err != nil {
		return fmt.Errorf("campaign increment failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	var c domain.Campaign
	err := s.Db.QueryRow(ctx,
		"SELECT id, organization_id, name, raised, donation_count, updated_at FROM campaigns WHERE id = $1", id,
	).Scan(&c.ID, &c.OrganizationID, &c.Name, &c.Raised, &c.DonationCount, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// --- subscriptions ---

const subscriptionColumns = `id, customer_id, campaign_id, organization_id, interval, amount, currency,
	status, current_period_end, last_failed_invoice_id, canceled_at, metadata, created_at, updated_at`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	var status string
	err := row.Scan(&sub.ID, &sub.CustomerID, &sub.CampaignID, &sub.OrganizationID, &sub.Interval,
		&sub.Amount, &sub.Currency, &status, &sub.CurrentPeriodEnd, &sub.LastFailedInvoiceID,
		&sub.CanceledAt, &sub.Metadata, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	sub.Status = domain.SubscriptionStatus(status)
	return &sub, nil
}

func insertSubscription(ctx context.Context, q querier, sub domain.Subscription) (bool, error) {
	metadata := sub.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	tag, err := q.Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING`,
		sub.ID, sub.CustomerID, sub.CampaignID, sub.OrganizationID, sub.Interval, sub.Amount,
		sub.Currency, string(sub.Status), sub.CurrentPeriodEnd, sub.LastFailedInvoiceID,
		sub.CanceledAt, metadata, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("subscription insert failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func writeSubscription(ctx context.Context, q querier, sub *domain.Subscription) error {
	_, err := q.Exec(ctx, `
		UPDATE subscriptions SET customer_id = $2, campaign_id = $3, organization_id = $4,
			interval = $5, amount = $6, currency = $7, status = $8, current_period_end = $9,
			last_failed_invoice_id = $10, canceled_at = $11, metadata = $12, updated_at = $13
		WHERE id = $1`,
		sub.ID, sub.CustomerID, sub.CampaignID, sub.OrganizationID, sub.Interval, sub.Amount,
		sub.Currency, string(sub.Status), sub.CurrentPeriodEnd, sub.LastFailedInvoiceID,
		sub.CanceledAt, sub.Metadata, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("subscription update failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub domain.Subscription) (bool, error) {
	if sub.ID == "" {
		return false, ErrMissingID
	}
	return insertSubscription(ctx, s.Db, sub)
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	return scanSubscription(s.Db.QueryRow(ctx, "SELECT "+subscriptionColumns+" FROM subscriptions WHERE id = $1", id))
}

// UpdateSubscription applies upd under a row lock so the terminal check and the write
// see the same row.
func (s *PostgresStore) UpdateSubscription(ctx context.Context, id string, upd domain.SubscriptionUpdate, now time.Time) (*domain.Subscription, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	sub, err := scanSubscription(tx.QueryRow(ctx,
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, err
	}
	if err := applyUpdate(sub, upd, now); err != nil {
		return nil, err
	}
	if err := writeSubscription(ctx, tx, sub); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) RefreshSubscription(ctx context.Context, in domain.Subscription) (*domain.Subscription, error) {
	if in.ID == "" {
		return nil, ErrMissingID
	}
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted, err := insertSubscription(ctx, tx, in)
	if err != nil {
		return nil, err
	}
	if !inserted {
		sub, err := scanSubscription(tx.QueryRow(ctx,
			"SELECT "+subscriptionColumns+" FROM subscriptions WHERE id = $1 FOR UPDATE", in.ID))
		if err != nil {
			return nil, err
		}
		if err := refresh(sub, in); err != nil {
			return nil, err
		}
		if err := writeSubscription(ctx, tx, sub); err != nil {
			return nil, err
		}
		in = *sub
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return &in, nil
}

// --- gift aid declarations ---

func (s *PostgresStore) CreateDeclaration(ctx context.Context, decl domain.GiftAidDeclaration) (bool, error) {
	if decl.ID == "" {
		return false, ErrMissingID
	}
	reasons := decl.PendingReasons
	if reasons == nil {
		reasons = []string{}
	}
	tag, err := s.Db.Exec(ctx, `
		INSERT INTO gift_aid_declarations (id, donor, declaration_text, declaration_date,
			donation_amount, gift_aid_amount, campaign_id, organization_id, donation_date,
			tax_year, status, classification, pending_reasons, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`,
		decl.ID, decl.Donor, decl.DeclarationText, decl.DeclarationDate, decl.DonationAmount,
		decl.GiftAidAmount, decl.CampaignID, decl.OrganizationID, decl.DonationDate, decl.TaxYear,
		string(decl.Status), string(decl.Classification), reasons, decl.CreatedAt, decl.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("declaration insert failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetDeclaration(ctx context.Context, id string) (*domain.GiftAidDeclaration, error) {
	var decl domain.GiftAidDeclaration
	var status, classification string
	err := s.Db.QueryRow(ctx, `
		SELECT id, donor, declaration_text, declaration_date, donation_amount, gift_aid_amount,
			campaign_id, organization_id, donation_date, tax_year, status, classification,
			pending_reasons, created_at, updated_at
		FROM gift_aid_declarations WHERE id = $1`, id,
	).Scan(&decl.ID, &decl.Donor, &decl.DeclarationText, &decl.DeclarationDate,
		&decl.DonationAmount, &decl.GiftAidAmount, &decl.CampaignID, &decl.OrganizationID,
		&decl.DonationDate, &decl.TaxYear, &status, &classification, &decl.PendingReasons,
		&decl.CreatedAt, &decl.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	decl.Status = domain.DeclarationStatus(status)
	decl.Classification = domain.Classification(classification)
	return &decl, nil
}

// UpdateDeclaration rewrites donor, classification and status; amounts are left alone.
func (s *PostgresStore) UpdateDeclaration(ctx context.Context, decl domain.GiftAidDeclaration) error {
	reasons := decl.PendingReasons
	if reasons == nil {
		reasons = []string{}
	}
	tag, err := s.Db.Exec(ctx, `
		UPDATE gift_aid_declarations
		SET donor = $2, status = $3, classification = $4, pending_reasons = $5, updated_at = $6
		WHERE id = $1`,
		decl.ID, decl.Donor, string(decl.Status), string(decl.Classification), reasons, decl.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("declaration update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- organizations ---

func (s *PostgresStore) UpdateOrganizationCapabilities(ctx context.Context, org domain.Organization) error {
	if org.ID == "" {
		return ErrMissingID
	}
	_, err := s.Db.Exec(ctx, `
		INSERT INTO organizations (id, account_id, charges_enabled, payouts_enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
			SET account_id = COALESCE(NULLIF(EXCLUDED.account_id, ''), organizations.account_id),
			    charges_enabled = EXCLUDED.charges_enabled,
			    payouts_enabled = EXCLUDED.payouts_enabled,
			    updated_at = EXCLUDED.updated_at`,
		org.ID, org.AccountID, org.ChargesEnabled, org.PayoutsEnabled, org.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("organization update failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (*domain.Organization, error) {
	var org domain.Organization
	err := s.Db.QueryRow(ctx,
		"SELECT id, account_id, charges_enabled, payouts_enabled, updated_at FROM organizations WHERE id = $1", id,
	).Scan(&org.ID, &org.AccountID, &org.ChargesEnabled, &org.PayoutsEnabled, &org.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &org, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
