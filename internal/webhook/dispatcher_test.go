package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/giftledger/internal/domain"
	"github.com/punchamoorthee/giftledger/internal/service"
	"github.com/punchamoorthee/giftledger/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "whsec_test"

func sign(payload []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", at.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func eventPayload(t *testing.T, id, typ string, object map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"id":     id,
		"object": "event",
		"type":   typ,
		"data":   map[string]any{"object": object},
	})
	require.NoError(t, err)
	return b
}

type harness struct {
	store      *store.MemoryStore
	reconciler *Reconciler
	dispatcher *Dispatcher
}

func newHarness(wrap func(Handler) Handler) *harness {
	return newHarnessAt(wrap, nil)
}

func newHarnessAt(wrap func(Handler) Handler, now func() time.Time) *harness {
	ms := store.NewMemoryStore()
	logger := zap.NewNop()
	opts := service.Options{DefaultCurrency: "gbp"}

	giftAid := service.NewGiftAidService(ms, opts, logger)
	donations := service.NewDonationService(ms, giftAid, opts, logger)
	subs := service.NewSubscriptionService(ms, nil, donations, opts, logger)
	orgs := service.NewOrganizationService(ms, nil, opts, logger)
	rec := NewReconciler(donations, subs, orgs, logger)

	var h Handler = rec
	if wrap != nil {
		h = wrap(rec)
	}
	return &harness{
		store:      ms,
		reconciler: rec,
		dispatcher: NewDispatcher(Config{Secret: testSecret, Lease: time.Minute, Now: now}, ms, h, logger),
	}
}

func (h *harness) deliver(payload []byte) (*Result, error) {
	return h.dispatcher.Dispatch(context.Background(), payload, sign(payload, testSecret, time.Now()))
}

func giftAidPaymentIntent(id string, amount int64) map[string]any {
	return map[string]any{
		"id":              id,
		"object":          "payment_intent",
		"amount":          amount,
		"amount_received": amount,
		"currency":        "gbp",
		"created":         time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC).Unix(),
		"status":          "succeeded",
		"metadata": map[string]string{
			"campaignId":        "camp_1",
			"organizationId":    "org_1",
			"donorName":         "Ada Lovelace",
			"isGiftAid":         "true",
			"donorFirstName":    "Ada",
			"donorSurname":      "Lovelace",
			"donorHouseNumber":  "12",
			"donorAddressLine1": "St James's Square",
			"donorTown":         "London",
			"donorPostcode":     "SW1Y 4JH",
			"isTaxpayer":        "true",
		},
	}
}

type failingHandler struct {
	next     Handler
	mu       sync.Mutex
	failures int
}

func (f *failingHandler) Handle(ctx context.Context, evt Event) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("store unavailable")
	}
	f.mu.Unlock()
	return f.next.Handle(ctx, evt)
}

func TestDispatchGiftAidDonationEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(nil)

	res, err := h.deliver(eventPayload(t, "evt_1", TypePaymentSucceeded, giftAidPaymentIntent("pi_1", 5000)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)

	d, err := h.store.GetDonation(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), d.Amount)
	assert.Equal(t, "gbp", d.Currency)
	assert.True(t, d.IsGiftAid)
	assert.Equal(t, domain.ChannelWeb, d.Channel)

	decl, err := h.store.GetDeclaration(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, domain.ClassificationStandard, decl.Classification)
	assert.Equal(t, int64(1250), decl.GiftAidAmount)
	assert.Equal(t, "2024-25", decl.TaxYear)

	c, err := h.store.GetCampaign(ctx, "camp_1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), c.Raised)
	assert.Equal(t, int64(1), c.DonationCount)

	processed, err := h.store.IsProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestDispatchDuplicateDelivery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(nil)
	payload := eventPayload(t, "evt_1", TypePaymentSucceeded, giftAidPaymentIntent("pi_1", 5000))

	first, err := h.deliver(payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, first.Outcome)

	second, err := h.deliver(payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)

	// A new event id for the same payment only re-hits the donation no-op.
	third, err := h.deliver(eventPayload(t, "evt_2", TypePaymentSucceeded, giftAidPaymentIntent("pi_1", 5000)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, third.Outcome)

	c, err := h.store.GetCampaign(ctx, "camp_1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), c.Raised)
	assert.Equal(t, int64(1), c.DonationCount)
	assert.Equal(t, 1, h.store.DonationCount())
	assert.Equal(t, 1, h.store.DeclarationCount())
}

func TestDispatchConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(nil)
	payload := eventPayload(t, "evt_1", TypePaymentSucceeded, giftAidPaymentIntent("pi_1", 5000))

	const deliveries = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		processed int
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.deliver(payload)
			if err != nil {
				assert.ErrorIs(t, err, ErrEventInFlight)
				return
			}
			if res.Outcome == OutcomeProcessed {
				mu.Lock()
				processed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, processed)
	c, err := h.store.GetCampaign(ctx, "camp_1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), c.Raised)
	assert.Equal(t, int64(1), c.DonationCount)
	assert.Equal(t, 1, h.store.DeclarationCount())
}

func TestDispatchRejectsBadInput(t *testing.T) {
	h := newHarness(nil)
	payload := eventPayload(t, "evt_1", TypePaymentSucceeded, giftAidPaymentIntent("pi_1", 5000))

	t.Run("WrongSecret", func(t *testing.T) {
		_, err := h.dispatcher.Dispatch(context.Background(), payload, sign(payload, "whsec_other", time.Now()))
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("StaleTimestamp", func(t *testing.T) {
		_, err := h.dispatcher.Dispatch(context.Background(), payload, sign(payload, testSecret, time.Now().Add(-time.Hour)))
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("MissingHeader", func(t *testing.T) {
		_, err := h.dispatcher.Dispatch(context.Background(), payload, "")
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("TamperedBody", func(t *testing.T) {
		sig := sign(payload, testSecret, time.Now())
		tampered := eventPayload(t, "evt_1", TypePaymentSucceeded, giftAidPaymentIntent("pi_1", 500000))
		_, err := h.dispatcher.Dispatch(context.Background(), tampered, sig)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("MalformedJSON", func(t *testing.T) {
		_, err := h.deliver([]byte(`{"id":"evt_1","type":`))
		assert.ErrorIs(t, err, ErrMalformedEvent)
	})

	t.Run("MissingObject", func(t *testing.T) {
		_, err := h.deliver([]byte(`{"id":"evt_9","type":"invoice.paid","data":{}}`))
		assert.ErrorIs(t, err, ErrMalformedEvent)
	})

	assert.Zero(t, h.store.EventCount())
	assert.Zero(t, h.store.DonationCount())
}

func TestDispatchUnhandledType(t *testing.T) {
	h := newHarness(nil)

	res, err := h.deliver(eventPayload(t, "evt_x", "charge.refunded", map[string]any{"id": "ch_1", "object": "charge"}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	processed, err := h.store.IsProcessed(context.Background(), "evt_x")
	require.NoError(t, err)
	assert.True(t, processed)

	res, err = h.deliver(eventPayload(t, "evt_x", "charge.refunded", map[string]any{"id": "ch_1", "object": "charge"}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
}

func TestDispatchHandlerFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	var fh *failingHandler
	h := newHarness(func(next Handler) Handler {
		fh = &failingHandler{next: next, failures: 1}
		return fh
	})
	payload := eventPayload(t, "evt_1", TypePaymentSucceeded, giftAidPaymentIntent("pi_1", 5000))

	_, err := h.deliver(payload)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrEventInFlight)

	processed, err := h.store.IsProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Zero(t, h.store.EventCount())

	res, err := h.deliver(payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
	assert.Equal(t, 1, h.store.DonationCount())
}

func TestDispatchLeaseFollowsDispatcherClock(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := t0
	h := newHarnessAt(nil, func() time.Time { return clock })

	outcome, err := h.store.ClaimEvent(ctx, domain.WebhookEvent{ID: "evt_1", ClaimToken: "tok_crashed", ClaimedAt: t0}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, domain.Claimed, outcome)

	payload := eventPayload(t, "evt_1", TypePaymentSucceeded, giftAidPaymentIntent("pi_1", 5000))
	clock = t0.Add(30 * time.Second)
	_, err = h.deliver(payload)
	assert.ErrorIs(t, err, ErrEventInFlight)

	clock = t0.Add(5 * time.Minute)
	res, err := h.deliver(payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
	assert.Equal(t, 1, h.store.DonationCount())
}

// takeoverHandler simulates a delivery whose lease lapses mid-handler: another delivery
// takes the claim over before this one fails.
type takeoverHandler struct {
	store *store.MemoryStore
	at    time.Time
}

func (h *takeoverHandler) Handle(ctx context.Context, evt Event) error {
	outcome, err := h.store.ClaimEvent(ctx, domain.WebhookEvent{ID: evt.EventID(), ClaimToken: "tok_successor", ClaimedAt: h.at}, time.Minute)
	if err != nil {
		return err
	}
	if outcome != domain.Claimed {
		return fmt.Errorf("takeover got %s", outcome)
	}
	return errors.New("store unavailable")
}

func TestDispatchLateFailureKeepsSuccessorClaim(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := t0
	var th *takeoverHandler
	h := newHarnessAt(func(Handler) Handler {
		th = &takeoverHandler{at: t0.Add(2 * time.Minute)}
		return th
	}, func() time.Time { return clock })
	th.store = h.store

	payload := eventPayload(t, "evt_1", TypePaymentSucceeded, giftAidPaymentIntent("pi_1", 5000))
	_, err := h.deliver(payload)
	require.Error(t, err)

	// The successor still holds a live claim, so a third delivery must wait.
	clock = t0.Add(2*time.Minute + 10*time.Second)
	_, err = h.deliver(payload)
	assert.ErrorIs(t, err, ErrEventInFlight)

	require.NoError(t, h.store.CompleteEvent(ctx, "evt_1", "tok_successor", clock))
	processed, err := h.store.IsProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, processed)
}

func subscriptionObject(id, status string, extra map[string]any) map[string]any {
	obj := map[string]any{
		"id":                 id,
		"object":             "subscription",
		"status":             status,
		"customer":           "cus_1",
		"currency":           "gbp",
		"current_period_end": time.Date(2024, time.November, 1, 0, 0, 0, 0, time.UTC).Unix(),
		"metadata": map[string]string{
			"campaignId":     "camp_1",
			"organizationId": "org_1",
			"donorName":      "Ada Lovelace",
		},
		"items": map[string]any{
			"object": "list",
			"data": []any{map[string]any{
				"id":     "si_1",
				"object": "subscription_item",
				"price": map[string]any{
					"id":          "price_1",
					"object":      "price",
					"unit_amount": 1000,
					"currency":    "gbp",
					"recurring":   map[string]any{"interval": "month"},
				},
			}},
		},
	}
	for k, v := range extra {
		obj[k] = v
	}
	return obj
}

func TestDispatchZeroAmountInvoiceIsNotBooked(t *testing.T) {
	ctx := context.Background()
	h := newHarness(nil)

	_, err := h.deliver(eventPayload(t, "evt_c", TypeSubscriptionCreated, subscriptionObject("sub_1", "trialing", map[string]any{
		"metadata": map[string]string{
			"campaignId":     "camp_1",
			"organizationId": "org_1",
			"donorName":      "Ada Lovelace",
			"isGiftAid":      "true",
		},
	})))
	require.NoError(t, err)

	invoice := func(id, sub string) map[string]any {
		obj := map[string]any{
			"id":          id,
			"object":      "invoice",
			"amount_paid": 0,
			"currency":    "gbp",
			"paid":        true,
			"metadata":    map[string]string{"campaignId": "camp_1"},
			"created":     time.Date(2024, time.October, 1, 0, 0, 0, 0, time.UTC).Unix(),
		}
		if sub != "" {
			obj["subscription"] = sub
		}
		return obj
	}

	res, err := h.deliver(eventPayload(t, "evt_trial", TypeInvoicePaid, invoice("in_trial", "sub_1")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)

	res, err = h.deliver(eventPayload(t, "evt_free", TypeInvoicePaid, invoice("in_free", "")))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)

	assert.Zero(t, h.store.DonationCount())
	assert.Zero(t, h.store.DeclarationCount())
	_, err = h.store.GetCampaign(ctx, "camp_1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	processed, err := h.store.IsProcessed(ctx, "evt_trial")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestDispatchSubscriptionLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(nil)

	_, err := h.deliver(eventPayload(t, "evt_c", TypeSubscriptionCreated, subscriptionObject("sub_1", "trialing", nil)))
	require.NoError(t, err)

	sub, err := h.store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionActive, sub.Status)
	assert.Equal(t, int64(1000), sub.Amount)
	assert.Equal(t, "month", sub.Interval)
	assert.Equal(t, "cus_1", sub.CustomerID)

	_, err = h.deliver(eventPayload(t, "evt_paid", TypeInvoicePaid, map[string]any{
		"id":             "in_1",
		"object":         "invoice",
		"subscription":   "sub_1",
		"payment_intent": "pi_inst_1",
		"amount_paid":    1000,
		"currency":       "gbp",
		"created":        time.Date(2024, time.October, 1, 0, 0, 0, 0, time.UTC).Unix(),
	}))
	require.NoError(t, err)

	d, err := h.store.GetDonation(ctx, "pi_inst_1")
	require.NoError(t, err)
	assert.True(t, d.IsRecurring)
	assert.Equal(t, "sub_1", d.SubscriptionID)
	assert.Equal(t, "camp_1", d.CampaignID)
	assert.Equal(t, "Ada Lovelace", d.DonorName)

	// The invoice's payment intent is booked by invoice.paid, not again here.
	_, err = h.deliver(eventPayload(t, "evt_pi", TypePaymentSucceeded, map[string]any{
		"id":       "pi_inst_1",
		"object":   "payment_intent",
		"amount":   1000,
		"currency": "gbp",
		"invoice":  "in_1",
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, h.store.DonationCount())

	_, err = h.deliver(eventPayload(t, "evt_fail", TypeInvoicePaymentFailed, map[string]any{
		"id":           "in_2",
		"object":       "invoice",
		"subscription": "sub_1",
	}))
	require.NoError(t, err)
	sub, err = h.store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionPastDue, sub.Status)
	assert.Equal(t, "in_2", sub.LastFailedInvoiceID)

	_, err = h.deliver(eventPayload(t, "evt_del", TypeSubscriptionDeleted, subscriptionObject("sub_1", "canceled", map[string]any{
		"canceled_at": time.Date(2024, time.October, 15, 0, 0, 0, 0, time.UTC).Unix(),
	})))
	require.NoError(t, err)

	// A delayed update must not bring the subscription back.
	res, err := h.deliver(eventPayload(t, "evt_upd", TypeSubscriptionUpdated, subscriptionObject("sub_1", "active", nil)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)

	sub, err = h.store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionCanceled, sub.Status)
	require.NotNil(t, sub.CanceledAt)
	assert.Equal(t, time.Date(2024, time.October, 15, 0, 0, 0, 0, time.UTC), *sub.CanceledAt)
}

func TestDispatchAccountUpdated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(nil)

	_, err := h.deliver(eventPayload(t, "evt_a", TypeAccountUpdated, map[string]any{
		"id":              "acct_1",
		"object":          "account",
		"charges_enabled": true,
		"payouts_enabled": true,
		"metadata":        map[string]string{"orgId": "org_1"},
	}))
	require.NoError(t, err)

	org, err := h.store.GetOrganization(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, "acct_1", org.AccountID)
	assert.True(t, org.ChargesEnabled)
	assert.True(t, org.PayoutsEnabled)

	res, err := h.deliver(eventPayload(t, "evt_b", TypeAccountUpdated, map[string]any{"id": "acct_2", "object": "account"}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
}

func TestDecode(t *testing.T) {
	evt, err := Decode(eventPayload(t, "evt_1", TypeInvoicePaid, map[string]any{"id": "in_1", "object": "invoice"}))
	require.NoError(t, err)
	paid, ok := evt.(InvoicePaid)
	require.True(t, ok)
	assert.Equal(t, "in_1", paid.ObjectID())
	assert.Equal(t, "evt_1", paid.EventID())

	evt, err = Decode(eventPayload(t, "evt_2", "customer.created", map[string]any{"id": "cus_1"}))
	require.NoError(t, err)
	_, ok = evt.(Unhandled)
	assert.True(t, ok)
	assert.Equal(t, "cus_1", evt.ObjectID())

	_, err = Decode([]byte(`{"type":"invoice.paid"}`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}
