package store

import (
	"context"
	"sync"
	"time"

	"github.com/punchamoorthee/giftledger/internal/domain"
)

// MemoryStore keeps every collection in process memory behind one mutex.
// It backs tests and local runs; it does not survive restarts.
type MemoryStore struct {
	mu            sync.Mutex
	events        map[string]domain.WebhookEvent
	donations     map[string]domain.Donation
	campaigns     map[string]domain.Campaign
	subscriptions map[string]domain.Subscription
	declarations  map[string]domain.GiftAidDeclaration
	organizations map[string]domain.Organization
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:        make(map[string]domain.WebhookEvent),
		donations:     make(map[string]domain.Donation),
		campaigns:     make(map[string]domain.Campaign),
		subscriptions: make(map[string]domain.Subscription),
		declarations:  make(map[string]domain.GiftAidDeclaration),
		organizations: make(map[string]domain.Organization),
		now:           time.Now,
	}
}

func (m *MemoryStore) Close() {}

// SetClock replaces the time source used for claim leases and aggregate stamps.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// EventCount returns the number of idempotency records, finished or not.
func (m *MemoryStore) EventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// DonationCount returns the number of donation records.
func (m *MemoryStore) DonationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.donations)
}

// DeclarationCount returns the number of Gift Aid declarations.
func (m *MemoryStore) DeclarationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.declarations)
}

func (m *MemoryStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	evt, ok := m.events[eventID]
	return ok && evt.Status == domain.EventProcessed, nil
}

func (m *MemoryStore) ClaimEvent(ctx context.Context, evt domain.WebhookEvent, lease time.Duration) (domain.ClaimOutcome, error) {
	if evt.ID == "" || evt.ClaimToken == "" {
		return 0, ErrMissingID
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := evt.ClaimedAt
	if now.IsZero() {
		now = m.now()
	}
	if existing, ok := m.events[evt.ID]; ok {
		if existing.Status == domain.EventProcessed {
			return domain.AlreadyProcessed, nil
		}
		if now.Sub(existing.ClaimedAt) < lease {
			return domain.InFlight, nil
		}
	}
	evt.Status = domain.EventProcessing
	evt.ClaimedAt = now
	evt.ProcessedAt = nil
	m.events[evt.ID] = evt
	return domain.Claimed, nil
}

func (m *MemoryStore) CompleteEvent(ctx context.Context, eventID, claimToken string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	evt, ok := m.events[eventID]
	if !ok || evt.Status != domain.EventProcessing || evt.ClaimToken != claimToken {
		return ErrClaimLost
	}
	evt.Status = domain.EventProcessed
	evt.ProcessedAt = &at
	m.events[eventID] = evt
	return nil
}

func (m *MemoryStore) ReleaseEvent(ctx context.Context, eventID, claimToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if evt, ok := m.events[eventID]; ok && evt.Status == domain.EventProcessing && evt.ClaimToken == claimToken {
		delete(m.events, eventID)
	}
	return nil
}

func (m *MemoryStore) CreateDonation(ctx context.Context, d domain.Donation) (bool, error) {
	if d.ID == "" {
		return false, ErrMissingID
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.donations[d.ID]; ok {
		return false, nil
	}
	m.donations[d.ID] = d
	if d.CampaignID != "" {
		m.incrementLocked(d.CampaignID, d.OrganizationID, d.Amount, 1)
	}
	return true, nil
}

func (m *MemoryStore) GetDonation(ctx context.Context, id string) (*domain.Donation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.donations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (m *MemoryStore) IncrementRaised(ctx context.Context, campaignID string, amountDelta, countDelta int64) error {
	if campaignID == "" {
		return ErrMissingID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incrementLocked(campaignID, "", amountDelta, countDelta)
	return nil
}

func (m *MemoryStore) incrementLocked(campaignID, orgID string, amountDelta, countDelta int64) {
	c := m.campaigns[campaignID]
	c.ID = campaignID
	if c.OrganizationID == "" {
		c.OrganizationID = orgID
	}
	c.Raised += amountDelta
	c.DonationCount += countDelta
	c.UpdatedAt = m.now()
	m.campaigns[campaignID] = c
}

// PutCampaign seeds a campaign row.
func (m *MemoryStore) PutCampaign(c domain.Campaign) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[c.ID] = c
}

func (m *MemoryStore) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *MemoryStore) CreateSubscription(ctx context.Context, s domain.Subscription) (bool, error) {
	if s.ID == "" {
		return false, ErrMissingID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscriptions[s.ID]; ok {
		return false, nil
	}
	m.subscriptions[s.ID] = copySubscription(s)
	return true, nil
}

func (m *MemoryStore) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscriptions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s = copySubscription(s)
	return &s, nil
}

func (m *MemoryStore) UpdateSubscription(ctx context.Context, id string, upd domain.SubscriptionUpdate, now time.Time) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscriptions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s = copySubscription(s)
	if err := applyUpdate(&s, upd, now); err != nil {
		return nil, err
	}
	m.subscriptions[id] = s
	out := copySubscription(s)
	return &out, nil
}

func (m *MemoryStore) RefreshSubscription(ctx context.Context, in domain.Subscription) (*domain.Subscription, error) {
	if in.ID == "" {
		return nil, ErrMissingID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscriptions[in.ID]
	if !ok {
		s = copySubscription(in)
	} else {
		s = copySubscription(s)
		if err := refresh(&s, in); err != nil {
			return nil, err
		}
	}
	m.subscriptions[in.ID] = s
	out := copySubscription(s)
	return &out, nil
}

func (m *MemoryStore) CreateDeclaration(ctx context.Context, decl domain.GiftAidDeclaration) (bool, error) {
	if decl.ID == "" {
		return false, ErrMissingID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.declarations[decl.ID]; ok {
		return false, nil
	}
	m.declarations[decl.ID] = decl
	return true, nil
}

func (m *MemoryStore) GetDeclaration(ctx context.Context, id string) (*domain.GiftAidDeclaration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	decl, ok := m.declarations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &decl, nil
}

func (m *MemoryStore) UpdateDeclaration(ctx context.Context, decl domain.GiftAidDeclaration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.declarations[decl.ID]
	if !ok {
		return ErrNotFound
	}
	decl.DonationAmount = stored.DonationAmount
	decl.GiftAidAmount = stored.GiftAidAmount
	decl.CreatedAt = stored.CreatedAt
	m.declarations[decl.ID] = decl
	return nil
}

func (m *MemoryStore) UpdateOrganizationCapabilities(ctx context.Context, org domain.Organization) error {
	if org.ID == "" {
		return ErrMissingID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.organizations[org.ID]
	stored.ID = org.ID
	if org.AccountID != "" {
		stored.AccountID = org.AccountID
	}
	stored.ChargesEnabled = org.ChargesEnabled
	stored.PayoutsEnabled = org.PayoutsEnabled
	stored.UpdatedAt = org.UpdatedAt
	m.organizations[org.ID] = stored
	return nil
}

func (m *MemoryStore) GetOrganization(ctx context.Context, id string) (*domain.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	org, ok := m.organizations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &org, nil
}

func copySubscription(s domain.Subscription) domain.Subscription {
	if s.Metadata != nil {
		md := make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			md[k] = v
		}
		s.Metadata = md
	}
	return s
}
