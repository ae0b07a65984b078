// Package billing turns signed Stripe webhook deliveries into typed events.
package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"
)

// Provider event types that can activate an enrollment.
const (
	EventCheckoutCompleted           = "checkout.session.completed"
	EventCheckoutAsyncPaymentSucceed = "checkout.session.async_payment_succeeded"
)

// MetadataEnrollmentID is the checkout metadata key naming the enrollment.
const MetadataEnrollmentID = "enrollment_id"

var (
	// ErrInvalidSignature is returned when the signature header is missing,
	// malformed, stale or does not match the payload.
	ErrInvalidSignature = errors.New("billing: invalid webhook signature")
	// ErrMalformedEvent is returned when a verified payload cannot be decoded.
	ErrMalformedEvent = errors.New("billing: malformed event payload")
)

// Kind tags the variant carried by an Event.
type Kind int

const (
	KindUnknown Kind = iota
	KindCheckoutCompleted
)

func (k Kind) String() string {
	switch k {
	case KindCheckoutCompleted:
		return "checkout_completed"
	default:
		return "unknown"
	}
}

// Event is a verified provider event narrowed to the variants the
// reconciler acts on. Unknown types carry only the envelope fields.
type Event struct {
	ID       string
	Type     string
	Created  time.Time
	Kind     Kind
	Checkout *CheckoutCompleted
}

// CheckoutCompleted is a finished checkout session.
type CheckoutCompleted struct {
	SessionID     string
	EnrollmentID  string
	PaymentStatus string
	CustomerEmail string
}

// Paid reports whether funds were captured. An unpaid session is waiting on
// an asynchronous payment method.
func (c CheckoutCompleted) Paid() bool {
	return c.PaymentStatus != string(stripe.CheckoutSessionPaymentStatusUnpaid)
}

// VerifyAndParse checks the Stripe-Signature header against secret and
// decodes the payload. A verified payload that fails to decode returns the
// envelope fields it could read together with ErrMalformedEvent.
func VerifyAndParse(payload []byte, signature, secret string) (*Event, error) {
	if signature == "" {
		return nil, ErrInvalidSignature
	}
	evt, err := stripe.ConstructEvent(payload, signature, secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return fromStripe(evt)
}

// Decode parses a payload that was verified when it was first received.
func Decode(payload []byte) (*Event, error) {
	var evt stripe.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return fromStripe(evt)
}

func fromStripe(evt stripe.Event) (*Event, error) {
	out := &Event{
		ID:      evt.ID,
		Type:    string(evt.Type),
		Created: time.Unix(evt.Created, 0).UTC(),
		Kind:    KindUnknown,
	}
	if evt.ID == "" {
		return out, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}

	switch out.Type {
	case EventCheckoutCompleted, EventCheckoutAsyncPaymentSucceed:
		if evt.Data == nil || len(evt.Data.Raw) == 0 {
			return out, fmt.Errorf("%w: %s without data object", ErrMalformedEvent, out.Type)
		}
		var session stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &session); err != nil {
			return out, fmt.Errorf("%w: checkout session: %v", ErrMalformedEvent, err)
		}
		out.Kind = KindCheckoutCompleted
		out.Checkout = &CheckoutCompleted{
			SessionID:     session.ID,
			EnrollmentID:  session.Metadata[MetadataEnrollmentID],
			PaymentStatus: string(session.PaymentStatus),
			CustomerEmail: session.CustomerEmail,
		}
	}

	return out, nil
}
