// Package payment orchestrates the payment flow: opening a gateway transaction,
// confirming it by redirect verification or signed webhook, and handing confirmed
// payments to the entitlement grantor.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/edu-payments/internal/common"
	"github.com/noah-isme/edu-payments/internal/entitlement"
	"github.com/noah-isme/edu-payments/internal/gateway"
	"github.com/noah-isme/edu-payments/internal/ledger"
	"github.com/noah-isme/edu-payments/internal/obs"
	"github.com/noah-isme/edu-payments/internal/signature"
)

var (
	// ErrUnknownReference is returned when no intent exists for a reference.
	ErrUnknownReference = errors.New("payment: unknown reference")
	// ErrInvalidSignature is returned when a webhook fails HMAC verification.
	ErrInvalidSignature = errors.New("payment: invalid webhook signature")
	// ErrInvalidRequest wraps input validation failures.
	ErrInvalidRequest = errors.New("payment: invalid request")
)

// Webhook event names handled by the service.
const (
	EventChargeSuccess      = "charge.success"
	EventTransferSuccess    = "transfer.success"
	EventSubscriptionCreate = "subscription.create"
)

const (
	msgConfirmed    = "payment confirmed"
	msgGrantPending = "payment received; access will be applied shortly"
	msgNotCompleted = "payment not completed"
	msgExpired      = "payment expired; please start a new payment"
)

// Gateway is the subset of the gateway client the service needs.
type Gateway interface {
	Initialize(ctx context.Context, req gateway.InitializeRequest) (gateway.InitializeResult, error)
	Verify(ctx context.Context, reference string) (gateway.Result, error)
}

// Granter applies entitlements for confirmed payments.
type Granter interface {
	Grant(ctx context.Context, intent ledger.PaymentIntent) (entitlement.Grant, error)
	MarkPayoutTransferred(ctx context.Context, reference, transferReference string) (bool, error)
}

// Service is the single confirmation orchestrator.
type Service struct {
	Ledger          *ledger.Ledger
	Gateway         Gateway
	Grants          Granter
	WebhookSecret   []byte
	CallbackBaseURL string
	Currency        string
	ReferencePrefix string
	// PublicKey is handed to the inline checkout widget alongside the access code.
	PublicKey string
	Logger    zerolog.Logger
	// NewReference overrides reference generation in tests.
	NewReference func() string
}

// InitiateRequest is a payer's request to start a payment.
type InitiateRequest struct {
	Email            string
	AmountMinorUnits int64
	Currency         string
	Metadata         map[string]any
}

// InitiateResult carries what the UI needs to send the payer to checkout.
type InitiateResult struct {
	AuthorizationURL string `json:"authorizationUrl"`
	AccessCode       string `json:"accessCode"`
	Reference        string `json:"reference"`
	PublicKey        string `json:"publicKey,omitempty"`
}

// ConfirmationStatus is the payer-facing state of a payment.
type ConfirmationStatus string

const (
	ConfirmationConfirmed ConfirmationStatus = "confirmed"
	ConfirmationPending   ConfirmationStatus = "pending"
	ConfirmationFailed    ConfirmationStatus = "failed"
	ConfirmationExpired   ConfirmationStatus = "expired"
)

// Confirmation is the result of a redirect confirmation.
type Confirmation struct {
	Reference    string             `json:"reference"`
	Status       ConfirmationStatus `json:"status"`
	Message      string             `json:"message"`
	Retryable    bool               `json:"retryable,omitempty"`
	GrantPending bool               `json:"grantPending,omitempty"`
	Grant        *entitlement.Grant `json:"grant,omitempty"`
}

// WebhookResult describes what a webhook delivery did.
type WebhookResult struct {
	Event        string
	Reference    string
	Outcome      ledger.Outcome
	Received     bool
	GrantPending bool
	Ignored      bool
	// Malformed is set for a correctly signed delivery whose body could not be applied.
	// It is still recorded and acknowledged so the gateway stops retrying.
	Malformed bool
}

// Initiate opens a gateway transaction for a new intent. On gateway failure the intent
// is marked FAILED and the gateway error is returned for the caller to map.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (res InitiateResult, err error) {
	ctx, span := otel.Tracer("payment").Start(ctx, "payment.initiate")
	defer func() {
		result := "ok"
		if err != nil {
			result = initiateResultLabel(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, result)
		}
		obs.IncInitiate(result)
		span.End()
	}()

	req.Email = strings.TrimSpace(req.Email)
	if _, perr := mail.ParseAddress(req.Email); perr != nil {
		return InitiateResult{}, fmt.Errorf("%w: email is invalid", ErrInvalidRequest)
	}
	if req.AmountMinorUnits <= 0 {
		return InitiateResult{}, fmt.Errorf("%w: amount must be a positive number of minor units", ErrInvalidRequest)
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.currency()
	}

	reference := s.reference()
	span.SetAttributes(attribute.String("payment.reference", reference))
	if _, err := s.Ledger.Create(ctx, ledger.NewIntent{
		Reference:        reference,
		Email:            req.Email,
		AmountMinorUnits: req.AmountMinorUnits,
		Currency:         currency,
		Metadata:         req.Metadata,
	}); err != nil {
		return InitiateResult{}, fmt.Errorf("payment: create intent: %w", err)
	}

	opened, err := s.Gateway.Initialize(ctx, gateway.InitializeRequest{
		Email:            req.Email,
		AmountMinorUnits: req.AmountMinorUnits,
		Currency:         currency,
		Reference:        reference,
		CallbackURL:      s.callbackURL(),
		Metadata:         req.Metadata,
	})
	if err != nil {
		reason := "gateway unreachable"
		var rejected *gateway.RejectedError
		if errors.As(err, &rejected) {
			reason = "gateway rejected: " + rejected.Message
		}
		if _, merr := s.Ledger.MarkFailed(ctx, reference, reason); merr != nil {
			s.Logger.Error().Err(merr).Str("reference", reference).Msg("mark intent failed")
		}
		s.Logger.Warn().Err(err).Str("reference", reference).Msg("gateway initialize failed")
		return InitiateResult{}, err
	}
	if opened.Reference != "" && opened.Reference != reference {
		s.Logger.Warn().Str("reference", reference).Str("gateway_reference", opened.Reference).Msg("gateway echoed a different reference")
	}
	if _, err := s.Ledger.MarkPending(ctx, reference, opened.AuthorizationURL, opened.AccessCode); err != nil {
		return InitiateResult{}, fmt.Errorf("payment: mark pending: %w", err)
	}
	s.Logger.Info().Str("reference", reference).Int64("amount", req.AmountMinorUnits).Str("currency", currency).Msg("payment initiated")
	return InitiateResult{AuthorizationURL: opened.AuthorizationURL, AccessCode: opened.AccessCode, Reference: reference, PublicKey: s.PublicKey}, nil
}

// ConfirmByRedirect confirms a payment after the payer returns from checkout. A
// CONFIRMED intent is answered from the ledger without calling the gateway.
func (s *Service) ConfirmByRedirect(ctx context.Context, reference string) (Confirmation, error) {
	ctx, span := otel.Tracer("payment").Start(ctx, "payment.confirm_redirect")
	defer span.End()
	span.SetAttributes(attribute.String("payment.reference", reference))

	intent, err := s.Ledger.Get(ctx, reference)
	if errors.Is(err, ledger.ErrNotFound) {
		return Confirmation{}, ErrUnknownReference
	}
	if err != nil {
		return Confirmation{}, err
	}
	switch intent.Status {
	case ledger.StatusConfirmed:
		return s.confirmed(ctx, intent), nil
	case ledger.StatusFailed:
		return notCompleted(reference, ConfirmationFailed), nil
	case ledger.StatusExpired:
		return Confirmation{Reference: reference, Status: ConfirmationExpired, Message: msgExpired}, nil
	}

	res, err := s.Gateway.Verify(ctx, reference)
	if err != nil {
		var rejected *gateway.RejectedError
		if errors.As(err, &rejected) {
			s.Logger.Info().Str("reference", reference).Str("gateway_message", rejected.Message).Msg("verify rejected")
			return notCompleted(reference, ConfirmationPending), nil
		}
		span.RecordError(err)
		return Confirmation{}, err
	}

	outcome, intent, err := s.Ledger.RecordEvent(ctx, reference, ledger.ConfirmationEvent{
		Source:           ledger.SourceRedirect,
		RawPayloadHash:   common.PayloadHash(res.Raw),
		GatewayStatus:    res.Status,
		AmountMinorUnits: res.AmountMinorUnits,
		Currency:         res.Currency,
	})
	if err != nil {
		return Confirmation{}, fmt.Errorf("payment: record redirect confirmation: %w", err)
	}
	obs.IncConfirmation(string(ledger.SourceRedirect), outcome.String())
	span.SetAttributes(attribute.String("payment.outcome", outcome.String()))

	switch outcome {
	case ledger.OutcomeFirstConfirmation, ledger.OutcomeAlreadyConfirmed:
		return s.confirmed(ctx, intent), nil
	case ledger.OutcomeExpired:
		return Confirmation{Reference: reference, Status: ConfirmationExpired, Message: msgExpired}, nil
	case ledger.OutcomeUnknownReference:
		return Confirmation{}, ErrUnknownReference
	case ledger.OutcomeRejected:
		return notCompleted(reference, ConfirmationFailed), nil
	default:
		if intent.Status == ledger.StatusFailed {
			return notCompleted(reference, ConfirmationFailed), nil
		}
		return notCompleted(reference, ConfirmationPending), nil
	}
}

// confirmed runs the grant for a CONFIRMED intent. Grant is idempotent, so this both
// applies a first grant and returns the stored one on later calls.
func (s *Service) confirmed(ctx context.Context, intent ledger.PaymentIntent) Confirmation {
	c := Confirmation{Reference: intent.Reference, Status: ConfirmationConfirmed, Message: msgConfirmed}
	grant, err := s.Grants.Grant(ctx, intent)
	if err != nil {
		s.Logger.Warn().Err(err).Str("reference", intent.Reference).Msg("grant not applied yet")
		c.GrantPending = true
		c.Message = msgGrantPending
		return c
	}
	c.Grant = &grant
	return c
}

func notCompleted(reference string, status ConfirmationStatus) Confirmation {
	return Confirmation{Reference: reference, Status: status, Message: msgNotCompleted, Retryable: true}
}

type webhookEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type chargeData struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}

type transferData struct {
	Reference    string `json:"reference"`
	TransferCode string `json:"transfer_code"`
	Status       string `json:"status"`
}

// HandleWebhook authenticates and applies one gateway notification. rawBody must be
// the exact bytes received. Every correctly signed delivery is recorded before it is
// interpreted; a nil error means it is recorded and the gateway should not retry.
func (s *Service) HandleWebhook(ctx context.Context, rawBody []byte, sig, remoteIP string) (res WebhookResult, err error) {
	ctx, span := otel.Tracer("payment").Start(ctx, "payment.webhook")
	defer span.End()

	receivedAt := s.Ledger.Now().UTC()
	if !signature.Verify(rawBody, sig, s.WebhookSecret) {
		obs.IncWebhook("unknown", "invalid_signature")
		s.Logger.Warn().Str("remote_ip", remoteIP).Time("received_at", receivedAt).Msg("webhook signature rejected")
		return WebhookResult{}, ErrInvalidSignature
	}

	var env webhookEnvelope
	envErr := json.Unmarshal(rawBody, &env)
	var ref struct {
		Reference string `json:"reference"`
	}
	if envErr == nil && len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &ref)
	}
	res.Event = env.Event
	res.Reference = ref.Reference
	span.SetAttributes(attribute.String("webhook.event", env.Event))
	defer func() {
		label := "ok"
		switch {
		case err != nil:
			label = "error"
		case res.Malformed:
			label = "malformed"
		case res.Ignored:
			label = "ignored"
		case !res.Received:
			label = "unknown_reference"
		case res.GrantPending:
			label = "grant_pending"
		}
		event := res.Event
		if event == "" {
			event = "unknown"
		}
		obs.IncWebhook(event, label)
	}()

	payloadHash := common.PayloadHash(rawBody)
	if err := s.Ledger.RecordNotification(ctx, ledger.Notification{
		Event:          env.Event,
		Reference:      ref.Reference,
		RawPayloadHash: payloadHash,
		Payload:        rawBody,
		ReceivedAt:     receivedAt,
	}); err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("payment: record notification: %w", err)
	}

	if envErr != nil || env.Event == "" {
		return s.unprocessable(res, payloadHash, "not a gateway event"), nil
	}

	switch env.Event {
	case EventChargeSuccess:
		return s.applyCharge(ctx, res, env.Data, payloadHash, receivedAt)
	case EventTransferSuccess:
		var data transferData
		if err := json.Unmarshal(env.Data, &data); err != nil || strings.TrimSpace(data.Reference) == "" {
			return s.unprocessable(res, payloadHash, "transfer without reference"), nil
		}
		ok, err := s.Grants.MarkPayoutTransferred(ctx, data.Reference, data.TransferCode)
		if err != nil {
			return res, fmt.Errorf("payment: mark payout transferred: %w", err)
		}
		res.Received = ok
		if !ok {
			s.Logger.Warn().Str("reference", data.Reference).Msg("transfer.success for unknown or settled payout")
		}
		return res, nil
	case EventSubscriptionCreate:
		res.Received = true
		s.Logger.Info().Str("reference", ref.Reference).Msg("subscription notification recorded")
		return res, nil
	default:
		res.Received = true
		res.Ignored = true
		s.Logger.Debug().Str("event", env.Event).Msg("webhook event ignored")
		return res, nil
	}
}

// unprocessable acknowledges a recorded delivery that cannot be applied.
func (s *Service) unprocessable(res WebhookResult, payloadHash, reason string) WebhookResult {
	res.Malformed = true
	res.Received = false
	s.Logger.Warn().Str("event", res.Event).Str("payload_hash", payloadHash).Str("reason", reason).
		Msg("signed webhook recorded but not applied")
	return res
}

func (s *Service) applyCharge(ctx context.Context, res WebhookResult, raw json.RawMessage, payloadHash string, receivedAt time.Time) (WebhookResult, error) {
	var data chargeData
	if err := json.Unmarshal(raw, &data); err != nil || strings.TrimSpace(data.Reference) == "" {
		return s.unprocessable(res, payloadHash, "charge without reference"), nil
	}
	status := data.Status
	if status == "" {
		status = ledger.GatewaySuccess
	}
	outcome, intent, err := s.Ledger.RecordEvent(ctx, data.Reference, ledger.ConfirmationEvent{
		Source:           ledger.SourceWebhook,
		RawPayloadHash:   payloadHash,
		SignatureValid:   true,
		GatewayStatus:    status,
		EventType:        EventChargeSuccess,
		AmountMinorUnits: data.Amount,
		Currency:         data.Currency,
		ReceivedAt:       receivedAt,
	})
	if err != nil {
		return res, fmt.Errorf("payment: record webhook confirmation: %w", err)
	}
	obs.IncConfirmation(string(ledger.SourceWebhook), outcome.String())
	res.Outcome = outcome
	res.Received = outcome != ledger.OutcomeUnknownReference

	switch outcome {
	case ledger.OutcomeFirstConfirmation, ledger.OutcomeAlreadyConfirmed:
		if _, err := s.Grants.Grant(ctx, intent); err != nil {
			res.GrantPending = true
			s.Logger.Warn().Err(err).Str("reference", data.Reference).Msg("grant not applied yet")
		}
	case ledger.OutcomeUnknownReference:
		s.Logger.Warn().Str("reference", data.Reference).Msg("webhook for unknown reference")
	}
	return res, nil
}

func (s *Service) reference() string {
	if s.NewReference != nil {
		return s.NewReference()
	}
	return NewReference(s.ReferencePrefix)
}

func (s *Service) callbackURL() string {
	base := strings.TrimRight(strings.TrimSpace(s.CallbackBaseURL), "/")
	if base == "" {
		return ""
	}
	return base + "/payments/verify"
}

func (s *Service) currency() string {
	if s.Currency != "" {
		return strings.ToUpper(s.Currency)
	}
	return "NGN"
}

func initiateResultLabel(err error) string {
	var rejected *gateway.RejectedError
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.As(err, &rejected):
		return "rejected"
	case errors.Is(err, gateway.ErrUnreachable):
		return "unreachable"
	default:
		return "error"
	}
}
