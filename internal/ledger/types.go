package ledger

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of a payment intent.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusPending   Status = "PENDING_CONFIRMATION"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusExpired
}

func (s Status) open() bool {
	return s == StatusCreated || s == StatusPending
}

// Source identifies the channel a confirmation arrived through.
type Source string

const (
	SourceRedirect Source = "redirect"
	SourceWebhook  Source = "webhook"
)

// Gateway transaction statuses as reported by verify and charge events.
const (
	GatewaySuccess   = "success"
	GatewayFailed    = "failed"
	GatewayAbandoned = "abandoned"
	GatewayPending   = "pending"
)

// Outcome is the result of applying a confirmation event.
type Outcome int

const (
	OutcomeUnknownReference Outcome = iota
	OutcomeFirstConfirmation
	OutcomeAlreadyConfirmed
	OutcomeNotYetSuccessful
	OutcomeExpired
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFirstConfirmation:
		return "first_confirmation"
	case OutcomeAlreadyConfirmed:
		return "already_confirmed"
	case OutcomeNotYetSuccessful:
		return "not_yet_successful"
	case OutcomeExpired:
		return "expired"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown_reference"
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func parseOutcome(s string) Outcome {
	for o := OutcomeUnknownReference; o <= OutcomeRejected; o++ {
		if o.String() == s {
			return o
		}
	}
	return OutcomeUnknownReference
}

// PaymentIntent is the server-side record of one attempted payment.
type PaymentIntent struct {
	Reference        string         `json:"reference"`
	Email            string         `json:"email"`
	AmountMinorUnits int64          `json:"amountMinorUnits"`
	Currency         string         `json:"currency"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Status           Status         `json:"status"`
	AuthorizationURL string         `json:"authorizationUrl,omitempty"`
	AccessCode       string         `json:"accessCode,omitempty"`
	FailureReason    string         `json:"failureReason,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	LastTransitionAt time.Time      `json:"lastTransitionAt"`
	ExpiresAt        time.Time      `json:"expiresAt"`
}

// Meta returns the first non-empty metadata value under any of keys, rendered as a string.
// Numeric identifiers decoded from JSON are formatted without a fractional part.
func (p PaymentIntent) Meta(keys ...string) string {
	for _, k := range keys {
		v, ok := p.Metadata[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case json.Number:
			s = t.String()
		case float64:
			s = strconv.FormatFloat(t, 'f', -1, 64)
		case int:
			s = strconv.Itoa(t)
		case int64:
			s = strconv.FormatInt(t, 10)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// NewIntent carries the caller-provided fields of a new payment intent.
type NewIntent struct {
	Reference        string
	Email            string
	AmountMinorUnits int64
	Currency         string
	Metadata         map[string]any
}

// ConfirmationEvent records one confirmation signal and what it did to the ledger.
type ConfirmationEvent struct {
	Reference        string    `json:"reference"`
	Source           Source    `json:"source"`
	RawPayloadHash   string    `json:"rawPayloadHash"`
	SignatureValid   bool      `json:"signatureValid"`
	GatewayStatus    string    `json:"gatewayStatus"`
	EventType        string    `json:"eventType,omitempty"`
	AmountMinorUnits int64     `json:"amountMinorUnits,omitempty"`
	Currency         string    `json:"currency,omitempty"`
	Outcome          Outcome   `json:"outcome"`
	ReceivedAt       time.Time `json:"receivedAt"`
}

// Transition is one entry of the append-only status history.
type Transition struct {
	Reference string    `json:"reference"`
	From      Status    `json:"from,omitempty"`
	To        Status    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Notification is a signature-valid webhook delivery kept for audit.
type Notification struct {
	Event          string    `json:"event"`
	Reference      string    `json:"reference,omitempty"`
	RawPayloadHash string    `json:"rawPayloadHash"`
	Payload        []byte    `json:"-"`
	ReceivedAt     time.Time `json:"receivedAt"`
}
