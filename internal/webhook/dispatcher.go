// Package webhook verifies, decodes and routes processor webhook deliveries, applying each
// event's side effects at most once.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/giftledger/internal/domain"
	"github.com/punchamoorthee/giftledger/internal/store"
	stripewebhook "github.com/stripe/stripe-go/v74/webhook"
	"go.uber.org/zap"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedEvent   = errors.New("malformed webhook event")
	ErrEventInFlight    = errors.New("event is being processed by another delivery")
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "giftledger_webhook_events_total",
		Help: "Webhook deliveries by event type and outcome",
	}, []string{"type", "outcome"})

	handlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "giftledger_webhook_handler_duration_seconds",
		Help:    "Time spent applying one event's side effects",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
)

// Outcome is how a delivery was resolved.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// Result describes a successfully acknowledged delivery.
type Result struct {
	EventID string  `json:"eventId"`
	Type    string  `json:"type"`
	Outcome Outcome `json:"outcome"`
}

// Handler applies the side effects of one claimed event.
type Handler interface {
	Handle(ctx context.Context, evt Event) error
}

type Config struct {
	Secret    string
	Tolerance time.Duration
	Lease     time.Duration
	Now       func() time.Time
}

type Dispatcher struct {
	cfg     Config
	events  store.EventLedger
	handler Handler
	logger  *zap.Logger
}

func NewDispatcher(cfg Config, events store.EventLedger, handler Handler, logger *zap.Logger) *Dispatcher {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = stripewebhook.DefaultTolerance
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{cfg: cfg, events: events, handler: handler, logger: logger}
}

// Dispatch runs one delivery end to end: verify, decode, claim, handle, complete.
//
// The claim is taken before any side effect and marked processed only after the handler
// succeeds. A handler error releases the claim so the processor's retry starts over.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte, signature string) (*Result, error) {
	if err := stripewebhook.ValidatePayloadWithTolerance(payload, signature, d.cfg.Secret, d.cfg.Tolerance); err != nil {
		eventsTotal.WithLabelValues("unknown", "invalid_signature").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	evt, err := Decode(payload)
	if err != nil {
		eventsTotal.WithLabelValues("unknown", "malformed").Inc()
		return nil, err
	}
	log := d.logger.With(
		zap.String("event_id", evt.EventID()),
		zap.String("event_type", evt.EventType()),
		zap.String("object_id", evt.ObjectID()),
	)

	token := uuid.NewString()
	outcome, err := d.events.ClaimEvent(ctx, domain.WebhookEvent{
		ID:         evt.EventID(),
		Type:       evt.EventType(),
		ObjectID:   evt.ObjectID(),
		Status:     domain.EventProcessing,
		ClaimToken: token,
		ClaimedAt:  d.cfg.Now().UTC(),
	}, d.cfg.Lease)
	if err != nil {
		eventsTotal.WithLabelValues(evt.EventType(), "error").Inc()
		return nil, fmt.Errorf("claim event %s: %w", evt.EventID(), err)
	}

	switch outcome {
	case domain.AlreadyProcessed:
		log.Info("duplicate delivery acknowledged")
		eventsTotal.WithLabelValues(evt.EventType(), string(OutcomeDuplicate)).Inc()
		return &Result{EventID: evt.EventID(), Type: evt.EventType(), Outcome: OutcomeDuplicate}, nil
	case domain.InFlight:
		log.Info("event claimed by a concurrent delivery")
		eventsTotal.WithLabelValues(evt.EventType(), "in_flight").Inc()
		return nil, ErrEventInFlight
	}

	result := &Result{EventID: evt.EventID(), Type: evt.EventType(), Outcome: OutcomeProcessed}
	if _, ok := evt.(Unhandled); ok {
		log.Info("unhandled event type acknowledged")
		result.Outcome = OutcomeIgnored
	} else {
		timer := prometheus.NewTimer(handlerDuration.WithLabelValues(evt.EventType()))
		err = d.handler.Handle(ctx, evt)
		timer.ObserveDuration()
		if err != nil {
			log.Error("event handler failed", zap.Error(err))
			d.release(ctx, evt.EventID(), token, log)
			eventsTotal.WithLabelValues(evt.EventType(), "error").Inc()
			return nil, fmt.Errorf("handle %s: %w", evt.EventType(), err)
		}
	}

	if err := d.events.CompleteEvent(ctx, evt.EventID(), token, d.cfg.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrClaimLost) {
			log.Warn("claim lapsed before completion; leaving event to its current holder")
		} else {
			log.Error("failed to mark event processed", zap.Error(err))
			d.release(ctx, evt.EventID(), token, log)
		}
		eventsTotal.WithLabelValues(evt.EventType(), "error").Inc()
		return nil, fmt.Errorf("complete event %s: %w", evt.EventID(), err)
	}

	eventsTotal.WithLabelValues(evt.EventType(), string(result.Outcome)).Inc()
	log.Info("event processed", zap.String("outcome", string(result.Outcome)))
	return result, nil
}

// release drops the claim even when the request context has already been canceled.
// Only this delivery's own claim is dropped.
func (d *Dispatcher) release(ctx context.Context, eventID, token string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.events.ReleaseEvent(ctx, eventID, token); err != nil {
		log.Error("failed to release event claim", zap.Error(err))
	}
}
