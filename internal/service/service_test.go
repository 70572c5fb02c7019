package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/punchamoorthee/giftledger/internal/domain"
	"github.com/punchamoorthee/giftledger/internal/processor"
	"github.com/punchamoorthee/giftledger/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2024, time.October, 1, 12, 0, 0, 0, time.UTC)

type fakeProcessor struct {
	subResult *processor.SubscriptionResult
	failOn    string
	calls     []string
	canceled  map[string]bool
}

func (f *fakeProcessor) fail(op string) error {
	f.calls = append(f.calls, op)
	if f.failOn == op {
		return errors.New(op + " unavailable")
	}
	return nil
}

func (f *fakeProcessor) CreateCustomer(ctx context.Context, p processor.CustomerParams) (string, error) {
	return "cus_1", f.fail("customer")
}

func (f *fakeProcessor) AttachPaymentMethod(ctx context.Context, pm, customerID string) error {
	return f.fail("attach")
}

func (f *fakeProcessor) CreatePrice(ctx context.Context, p processor.PriceParams) (string, error) {
	return "price_1", f.fail("price")
}

func (f *fakeProcessor) CreateSubscription(ctx context.Context, p processor.SubscriptionParams) (*processor.SubscriptionResult, error) {
	if err := f.fail("subscription"); err != nil {
		return nil, err
	}
	return f.subResult, nil
}

func (f *fakeProcessor) CancelSubscription(ctx context.Context, id string, atPeriodEnd bool) error {
	if err := f.fail("cancel"); err != nil {
		return err
	}
	if f.canceled == nil {
		f.canceled = map[string]bool{}
	}
	f.canceled[id] = atPeriodEnd
	return nil
}

func (f *fakeProcessor) CreateAccountLink(ctx context.Context, p processor.AccountLinkParams) (string, error) {
	return "https://connect.example/" + p.AccountID, f.fail("link")
}

type fixture struct {
	store         *store.MemoryStore
	processor     *fakeProcessor
	giftAid       *GiftAidService
	donations     *DonationService
	subscriptions *SubscriptionService
	organizations *OrganizationService
}

func newFixture() *fixture {
	ms := store.NewMemoryStore()
	fp := &fakeProcessor{}
	opts := Options{DefaultCurrency: "gbp", Now: func() time.Time { return fixedNow }}
	logger := zap.NewNop()

	ga := NewGiftAidService(ms, opts, logger)
	ds := NewDonationService(ms, ga, opts, logger)
	return &fixture{
		store:         ms,
		processor:     fp,
		giftAid:       ga,
		donations:     ds,
		subscriptions: NewSubscriptionService(ms, fp, ds, opts, logger),
		organizations: NewOrganizationService(ms, fp, opts, logger),
	}
}

func giftAidMetadata() map[string]string {
	return map[string]string{
		MetaCampaignID:        "camp_1",
		MetaOrganizationID:    "org_1",
		MetaDonorName:         "Ada Lovelace",
		MetaIsGiftAid:         "true",
		MetaDonorFirstName:    "Ada",
		MetaDonorSurname:      "Lovelace",
		MetaDonorHouseNumber:  "12",
		MetaDonorAddressLine1: "St James's Square",
		MetaDonorTown:         "London",
		MetaDonorPostcode:     "SW1Y 4JH",
		MetaTaxpayer:          "true",
	}
}

func TestNormalize(t *testing.T) {
	t.Run("AppliesDefaults", func(t *testing.T) {
		d, donor := Normalize(DonationInput{ID: "pi_1", Amount: 1000}, "usd", fixedNow)
		assert.Equal(t, domain.AnonymousDonor, d.DonorName)
		assert.Equal(t, "usd", d.Currency)
		assert.Equal(t, domain.ChannelWeb, d.Channel)
		assert.Equal(t, "succeeded", d.Status)
		assert.Equal(t, fixedNow, d.CreatedAt)
		assert.Nil(t, donor)
	})

	t.Run("AnonymousHidesIdentity", func(t *testing.T) {
		d, _ := Normalize(DonationInput{ID: "pi_1", Metadata: map[string]string{
			MetaDonorName:   "Ada Lovelace",
			MetaDonorEmail:  "ada@example.org",
			MetaDonorPhone:  "+44 20 7946 0000",
			MetaIsAnonymous: "true",
		}}, "usd", fixedNow)
		assert.Equal(t, domain.AnonymousDonor, d.DonorName)
		assert.Empty(t, d.DonorEmail)
		assert.Empty(t, d.DonorPhone)
		assert.True(t, d.IsAnonymous)
	})

	t.Run("KioskIDImpliesKioskChannel", func(t *testing.T) {
		d, _ := Normalize(DonationInput{ID: "pi_1", Metadata: map[string]string{MetaKioskID: "k-7"}}, "usd", fixedNow)
		assert.Equal(t, domain.ChannelKiosk, d.Channel)

		d, _ = Normalize(DonationInput{ID: "pi_2", Metadata: map[string]string{MetaPlatform: "APP"}}, "usd", fixedNow)
		assert.Equal(t, domain.ChannelApp, d.Channel)
	})

	t.Run("GiftAidDonorExtracted", func(t *testing.T) {
		d, donor := Normalize(DonationInput{ID: "pi_1", Amount: 5000, Currency: "GBP", Metadata: giftAidMetadata()}, "usd", fixedNow)
		require.NotNil(t, donor)
		assert.Equal(t, "gbp", d.Currency)
		assert.True(t, d.IsGiftAid)
		assert.Equal(t, "Ada", donor.FirstName)
		assert.Equal(t, "Lovelace", donor.Surname)
		assert.True(t, donor.TaxpayerConfirmed)
	})

	t.Run("SplitsDisplayNameForDonor", func(t *testing.T) {
		_, donor := Normalize(DonationInput{ID: "pi_1", Metadata: map[string]string{
			MetaIsGiftAid: "true",
			MetaDonorName: "Grace Brewster Hopper",
		}}, "usd", fixedNow)
		require.NotNil(t, donor)
		assert.Equal(t, "Grace", donor.FirstName)
		assert.Equal(t, "Brewster Hopper", donor.Surname)
	})
}

func TestMapStatus(t *testing.T) {
	cases := map[string]domain.SubscriptionStatus{
		"active":             domain.SubscriptionActive,
		"trialing":           domain.SubscriptionActive,
		"past_due":           domain.SubscriptionPastDue,
		"unpaid":             domain.SubscriptionPastDue,
		"paused":             domain.SubscriptionPastDue,
		"canceled":           domain.SubscriptionCanceled,
		"incomplete_expired": domain.SubscriptionCanceled,
		"incomplete":         domain.SubscriptionIncomplete,
		"":                   domain.SubscriptionIncomplete,
	}
	for in, want := range cases {
		assert.Equal(t, want, MapStatus(in), in)
	}
}

func TestDonationRecord(t *testing.T) {
	ctx := context.Background()

	t.Run("IdempotentOnNaturalID", func(t *testing.T) {
		f := newFixture()
		in := DonationInput{ID: "pi_1", Amount: 2500, Metadata: map[string]string{MetaCampaignID: "camp_1"}}

		_, created, err := f.donations.Record(ctx, in)
		require.NoError(t, err)
		assert.True(t, created)

		_, created, err = f.donations.Record(ctx, in)
		require.NoError(t, err)
		assert.False(t, created)

		c, err := f.store.GetCampaign(ctx, "camp_1")
		require.NoError(t, err)
		assert.Equal(t, int64(2500), c.Raised)
		assert.Equal(t, int64(1), c.DonationCount)
		assert.Equal(t, 1, f.store.DonationCount())
	})

	t.Run("GiftAidDeclarationIsOneToOne", func(t *testing.T) {
		f := newFixture()
		in := DonationInput{ID: "pi_ga", Amount: 5000, Currency: "gbp", Metadata: giftAidMetadata()}

		for i := 0; i < 3; i++ {
			_, _, err := f.donations.Record(ctx, in)
			require.NoError(t, err)
		}

		assert.Equal(t, 1, f.store.DeclarationCount())
		decl, err := f.store.GetDeclaration(ctx, "pi_ga")
		require.NoError(t, err)
		assert.Equal(t, domain.ClassificationStandard, decl.Classification)
		assert.Equal(t, int64(1250), decl.GiftAidAmount)
		assert.Equal(t, "2024-25", decl.TaxYear)
	})

	t.Run("MissingIDRejected", func(t *testing.T) {
		f := newFixture()
		_, _, err := f.donations.Record(ctx, DonationInput{Amount: 100})
		assert.ErrorIs(t, err, store.ErrMissingID)
	})
}

func TestSubscriptionLifecycle(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, f *fixture, status domain.SubscriptionStatus) {
		t.Helper()
		_, err := f.store.CreateSubscription(ctx, domain.Subscription{
			ID:             "sub_1",
			CampaignID:     "camp_1",
			OrganizationID: "org_1",
			Interval:       "month",
			Amount:         1000,
			Currency:       "gbp",
			Status:         status,
			Metadata:       map[string]string{MetaDonorName: "Ada Lovelace"},
		})
		require.NoError(t, err)
	}

	t.Run("ZeroAmountInstallmentNotBooked", func(t *testing.T) {
		f := newFixture()
		seed(t, f, domain.SubscriptionActive)

		d, err := f.subscriptions.RecordInstallment(ctx, Installment{
			SubscriptionID: "sub_1",
			InvoiceID:      "in_trial",
			Amount:         0,
			Currency:       "gbp",
			PaidAt:         fixedNow,
		})
		require.NoError(t, err)
		assert.Nil(t, d)
		assert.Zero(t, f.store.DonationCount())
		_, err = f.store.GetCampaign(ctx, "camp_1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("PaymentFailedMarksPastDue", func(t *testing.T) {
		f := newFixture()
		seed(t, f, domain.SubscriptionActive)

		require.NoError(t, f.subscriptions.PaymentFailed(ctx, "sub_1", "in_9"))
		sub, err := f.store.GetSubscription(ctx, "sub_1")
		require.NoError(t, err)
		assert.Equal(t, domain.SubscriptionPastDue, sub.Status)
		assert.Equal(t, "in_9", sub.LastFailedInvoiceID)
	})

	t.Run("PaymentFailedUnknownSubscriptionAcknowledged", func(t *testing.T) {
		f := newFixture()
		assert.NoError(t, f.subscriptions.PaymentFailed(ctx, "sub_missing", "in_1"))
	})

	t.Run("DeletedThenUpdatedStaysCanceled", func(t *testing.T) {
		f := newFixture()
		seed(t, f, domain.SubscriptionActive)

		require.NoError(t, f.subscriptions.Deleted(ctx, domain.Subscription{ID: "sub_1"}))
		require.NoError(t, f.subscriptions.Refresh(ctx, domain.Subscription{ID: "sub_1", Status: domain.SubscriptionActive}))
		require.NoError(t, f.subscriptions.PaymentFailed(ctx, "sub_1", "in_2"))

		sub, err := f.store.GetSubscription(ctx, "sub_1")
		require.NoError(t, err)
		assert.Equal(t, domain.SubscriptionCanceled, sub.Status)
		require.NotNil(t, sub.CanceledAt)
		assert.Equal(t, fixedNow, *sub.CanceledAt)
	})

	t.Run("RefreshUpsertsMissingRow", func(t *testing.T) {
		f := newFixture()
		end := fixedNow.AddDate(0, 1, 0)
		require.NoError(t, f.subscriptions.Refresh(ctx, domain.Subscription{ID: "sub_new", Status: domain.SubscriptionActive, CurrentPeriodEnd: &end}))

		sub, err := f.store.GetSubscription(ctx, "sub_new")
		require.NoError(t, err)
		assert.Equal(t, domain.SubscriptionActive, sub.Status)
		assert.Equal(t, fixedNow, sub.CreatedAt)
	})

	t.Run("CreatedKeepsExistingRow", func(t *testing.T) {
		f := newFixture()
		seed(t, f, domain.SubscriptionActive)

		require.NoError(t, f.subscriptions.Created(ctx, domain.Subscription{ID: "sub_1", Status: domain.SubscriptionIncomplete}))
		sub, err := f.store.GetSubscription(ctx, "sub_1")
		require.NoError(t, err)
		assert.Equal(t, domain.SubscriptionActive, sub.Status)
	})

	t.Run("InstallmentUsesRegistrySnapshot", func(t *testing.T) {
		f := newFixture()
		seed(t, f, domain.SubscriptionActive)

		d, err := f.subscriptions.RecordInstallment(ctx, Installment{
			SubscriptionID: "sub_1",
			InvoiceID:      "in_1",
			PaymentID:      "pi_inst",
			Amount:         1000,
			Currency:       "gbp",
		})
		require.NoError(t, err)
		assert.Equal(t, "pi_inst", d.ID)
		assert.Equal(t, "camp_1", d.CampaignID)
		assert.Equal(t, "org_1", d.OrganizationID)
		assert.Equal(t, "Ada Lovelace", d.DonorName)
		assert.True(t, d.IsRecurring)
		assert.Equal(t, "month", d.RecurringInterval)
		assert.Equal(t, "sub_1", d.SubscriptionID)
		assert.Equal(t, "in_1", d.InvoiceID)
	})

	t.Run("InstallmentFallsBackToInvoiceMetadata", func(t *testing.T) {
		f := newFixture()

		d, err := f.subscriptions.RecordInstallment(ctx, Installment{
			SubscriptionID: "sub_unknown",
			InvoiceID:      "in_7",
			Amount:         700,
			Metadata:       map[string]string{MetaCampaignID: "camp_9"},
		})
		require.NoError(t, err)
		assert.Equal(t, "in_7", d.ID)
		assert.Equal(t, "camp_9", d.CampaignID)
		assert.Equal(t, "gbp", d.Currency)
	})
}

func TestCreateRecurringDonation(t *testing.T) {
	ctx := context.Background()
	req := RecurringDonationRequest{
		CampaignID:      "camp_1",
		OrganizationID:  "org_1",
		Amount:          5000,
		Currency:        "GBP",
		Interval:        "month",
		PaymentMethodID: "pm_1",
		DonorName:       "Ada Lovelace",
		DonorEmail:      "ada@example.org",
		IsGiftAid:       true,
		GiftAidDonor: &domain.GiftAidDonor{
			FirstName:         "Ada",
			Surname:           "Lovelace",
			HouseNumber:       "12",
			AddressLine1:      "St James's Square",
			Town:              "London",
			Postcode:          "SW1Y 4JH",
			TaxpayerConfirmed: true,
		},
	}

	t.Run("RegistersAndBooksFirstInstallment", func(t *testing.T) {
		f := newFixture()
		f.processor.subResult = &processor.SubscriptionResult{
			ID:               "sub_1",
			CustomerID:       "cus_1",
			Status:           "active",
			CurrentPeriodEnd: fixedNow.AddDate(0, 1, 0),
			LatestInvoiceID:  "in_1",
			FirstPaymentID:   "pi_first",
			FirstPaid:        true,
			AmountPaid:       5000,
		}

		sub, err := f.subscriptions.CreateRecurringDonation(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, domain.SubscriptionActive, sub.Status)
		assert.Equal(t, "gbp", sub.Currency)
		assert.Equal(t, []string{"customer", "attach", "price", "subscription"}, f.processor.calls)

		stored, err := f.store.GetSubscription(ctx, "sub_1")
		require.NoError(t, err)
		assert.Equal(t, "true", stored.Metadata[MetaIsGiftAid])

		d, err := f.store.GetDonation(ctx, "pi_first")
		require.NoError(t, err)
		assert.True(t, d.IsRecurring)
		assert.Equal(t, "in_1", d.InvoiceID)

		decl, err := f.store.GetDeclaration(ctx, "pi_first")
		require.NoError(t, err)
		assert.Equal(t, domain.ClassificationStandard, decl.Classification)
		assert.Equal(t, int64(1250), decl.GiftAidAmount)
	})

	t.Run("TrialStartBooksNothing", func(t *testing.T) {
		f := newFixture()
		f.processor.subResult = &processor.SubscriptionResult{
			ID:              "sub_1",
			CustomerID:      "cus_1",
			Status:          "trialing",
			LatestInvoiceID: "in_1",
			FirstPaymentID:  "pi_first",
			FirstPaid:       true,
			AmountPaid:      0,
		}

		sub, err := f.subscriptions.CreateRecurringDonation(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, domain.SubscriptionActive, sub.Status)
		assert.Zero(t, f.store.DonationCount())
		assert.Zero(t, f.store.DeclarationCount())
	})

	t.Run("InvalidRequest", func(t *testing.T) {
		f := newFixture()
		bad := req
		bad.Interval = "fortnight"
		_, err := f.subscriptions.CreateRecurringDonation(ctx, bad)
		assert.ErrorIs(t, err, ErrInvalidRequest)
		assert.Empty(t, f.processor.calls)
	})

	t.Run("ProcessorFailureWritesNothing", func(t *testing.T) {
		f := newFixture()
		f.processor.failOn = "price"
		_, err := f.subscriptions.CreateRecurringDonation(ctx, req)
		assert.ErrorIs(t, err, ErrProcessorFailure)
		_, err = f.store.GetSubscription(ctx, "sub_1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestCancelSubscription(t *testing.T) {
	ctx := context.Background()

	t.Run("CancelsLocallyThenAtProcessor", func(t *testing.T) {
		f := newFixture()
		_, err := f.store.CreateSubscription(ctx, domain.Subscription{ID: "sub_1", Status: domain.SubscriptionActive})
		require.NoError(t, err)

		sub, err := f.subscriptions.Cancel(ctx, "sub_1", true)
		require.NoError(t, err)
		assert.Equal(t, domain.SubscriptionCanceled, sub.Status)
		assert.Equal(t, map[string]bool{"sub_1": true}, f.processor.canceled)
	})

	t.Run("ProcessorFailureKeepsLocalCancel", func(t *testing.T) {
		f := newFixture()
		f.processor.failOn = "cancel"
		_, err := f.store.CreateSubscription(ctx, domain.Subscription{ID: "sub_1", Status: domain.SubscriptionActive})
		require.NoError(t, err)

		_, err = f.subscriptions.Cancel(ctx, "sub_1", false)
		assert.ErrorIs(t, err, ErrProcessorFailure)

		sub, err := f.store.GetSubscription(ctx, "sub_1")
		require.NoError(t, err)
		assert.Equal(t, domain.SubscriptionCanceled, sub.Status)
	})

	t.Run("UnknownSubscription", func(t *testing.T) {
		f := newFixture()
		_, err := f.subscriptions.Cancel(ctx, "sub_x", false)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestGiftAidService(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	md := giftAidMetadata()
	delete(md, MetaDonorPostcode)
	_, _, err := f.donations.Record(ctx, DonationInput{ID: "pi_1", Amount: 4000, Metadata: md})
	require.NoError(t, err)

	decl, err := f.giftAid.Get(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, domain.ClassificationPending, decl.Classification)
	assert.Contains(t, decl.PendingReasons, "missing address: postcode")

	_, err = f.giftAid.SetStatus(ctx, "pi_1", domain.DeclarationClaimed)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	donor := decl.Donor
	donor.Postcode = "sw1y 4jh"
	decl, err = f.giftAid.UpdateDonor(ctx, "pi_1", donor)
	require.NoError(t, err)
	assert.Equal(t, domain.ClassificationStandard, decl.Classification)
	assert.Empty(t, decl.PendingReasons)
	assert.Equal(t, int64(1000), decl.GiftAidAmount)

	decl, err = f.giftAid.SetStatus(ctx, "pi_1", domain.DeclarationClaimed)
	require.NoError(t, err)
	assert.Equal(t, domain.DeclarationClaimed, decl.Status)

	_, err = f.giftAid.SetStatus(ctx, "pi_1", domain.DeclarationStatus("lost"))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestOrganizationService(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	require.NoError(t, f.organizations.UpdateCapabilities(ctx, "", "acct_1", true, true))
	require.NoError(t, f.organizations.UpdateCapabilities(ctx, "org_1", "acct_1", true, false))

	org, err := f.organizations.Get(ctx, "org_1")
	require.NoError(t, err)
	assert.True(t, org.ChargesEnabled)
	assert.False(t, org.PayoutsEnabled)

	url, err := f.organizations.OnboardingLink(ctx, "org_1", "https://app/refresh", "https://app/return")
	require.NoError(t, err)
	assert.Equal(t, "https://connect.example/acct_1", url)
}
