package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v74"
)

// Event types routed by the dispatcher.
const (
	TypeAccountUpdated       = "account.updated"
	TypePaymentSucceeded     = "payment_intent.succeeded"
	TypeInvoicePaid          = "invoice.paid"
	TypeInvoicePaymentFailed = "invoice.payment_failed"
	TypeSubscriptionCreated  = "customer.subscription.created"
	TypeSubscriptionUpdated  = "customer.subscription.updated"
	TypeSubscriptionDeleted  = "customer.subscription.deleted"
)

// Event is one decoded processor notification. The set of implementations is closed;
// anything outside it decodes to Unhandled.
type Event interface {
	EventID() string
	EventType() string
	ObjectID() string
	isEvent()
}

type header struct {
	ID   string
	Type string
}

func (h header) EventID() string   { return h.ID }
func (h header) EventType() string { return h.Type }
func (header) isEvent()            {}

type PaymentSucceeded struct {
	header
	PaymentIntent *stripe.PaymentIntent
}

func (e PaymentSucceeded) ObjectID() string { return e.PaymentIntent.ID }

type InvoicePaid struct {
	header
	Invoice *stripe.Invoice
}

func (e InvoicePaid) ObjectID() string { return e.Invoice.ID }

type InvoicePaymentFailed struct {
	header
	Invoice *stripe.Invoice
}

func (e InvoicePaymentFailed) ObjectID() string { return e.Invoice.ID }

type SubscriptionCreated struct {
	header
	Subscription *stripe.Subscription
}

func (e SubscriptionCreated) ObjectID() string { return e.Subscription.ID }

type SubscriptionUpdated struct {
	header
	Subscription *stripe.Subscription
}

func (e SubscriptionUpdated) ObjectID() string { return e.Subscription.ID }

type SubscriptionDeleted struct {
	header
	Subscription *stripe.Subscription
}

func (e SubscriptionDeleted) ObjectID() string { return e.Subscription.ID }

type AccountUpdated struct {
	header
	Account *stripe.Account
}

func (e AccountUpdated) ObjectID() string { return e.Account.ID }

// Unhandled is any event type the engine does not act on.
type Unhandled struct {
	header
	Object string
}

func (e Unhandled) ObjectID() string { return e.Object }

type envelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Decode parses a verified payload into its typed event.
func Decode(payload []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}
	h := header{ID: env.ID, Type: env.Type}

	switch env.Type {
	case TypePaymentSucceeded:
		var pi stripe.PaymentIntent
		if err := decodeObject(env, &pi); err != nil {
			return nil, err
		}
		return PaymentSucceeded{header: h, PaymentIntent: &pi}, nil
	case TypeInvoicePaid, TypeInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := decodeObject(env, &inv); err != nil {
			return nil, err
		}
		if env.Type == TypeInvoicePaid {
			return InvoicePaid{header: h, Invoice: &inv}, nil
		}
		return InvoicePaymentFailed{header: h, Invoice: &inv}, nil
	case TypeSubscriptionCreated, TypeSubscriptionUpdated, TypeSubscriptionDeleted:
		var sub stripe.Subscription
		if err := decodeObject(env, &sub); err != nil {
			return nil, err
		}
		switch env.Type {
		case TypeSubscriptionCreated:
			return SubscriptionCreated{header: h, Subscription: &sub}, nil
		case TypeSubscriptionUpdated:
			return SubscriptionUpdated{header: h, Subscription: &sub}, nil
		}
		return SubscriptionDeleted{header: h, Subscription: &sub}, nil
	case TypeAccountUpdated:
		var acct stripe.Account
		if err := decodeObject(env, &acct); err != nil {
			return nil, err
		}
		return AccountUpdated{header: h, Account: &acct}, nil
	}

	var obj struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(env.Data.Object, &obj)
	return Unhandled{header: h, Object: obj.ID}, nil
}

func decodeObject(env envelope, v any) error {
	if len(env.Data.Object) == 0 {
		return fmt.Errorf("%w: %s event without data.object", ErrMalformedEvent, env.Type)
	}
	if err := json.Unmarshal(env.Data.Object, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrMalformedEvent, env.Type, err)
	}
	return nil
}
