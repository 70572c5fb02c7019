// Package service holds the reconciliation rules applied between decoded processor events
// (or donor requests) and the store.
package service

import (
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/giftledger/internal/giftaid"
)

var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrProcessorFailure = errors.New("payment processor call failed")
)

var (
	donationsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "giftledger_donations_created_total",
		Help: "Donations written to the ledger, by channel and recurrence",
	}, []string{"channel", "recurring"})

	giftAidDeclarations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "giftledger_gift_aid_declarations_total",
		Help: "Gift Aid declarations classified, by classification",
	}, []string{"classification"})

	subscriptionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "giftledger_subscription_transitions_total",
		Help: "Subscription registry writes, by resulting status",
	}, []string{"status"})
)

// Options tunes the rules shared by every service.
type Options struct {
	GADSMax         int64
	DefaultCurrency string
	Now             func() time.Time
}

func (o Options) withDefaults() Options {
	if o.GADSMax <= 0 {
		o.GADSMax = giftaid.DefaultGADSMax
	}
	o.DefaultCurrency = strings.ToLower(strings.TrimSpace(o.DefaultCurrency))
	if o.DefaultCurrency == "" {
		o.DefaultCurrency = "usd"
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
