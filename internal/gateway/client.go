// Package gateway talks to the Paystack-style transaction API: opening a transaction
// and verifying its status by reference.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/edu-payments/internal/resilience"
)

const (
	DefaultBaseURL = "https://api.paystack.co"
	DefaultTimeout = 10 * time.Second
	maxBodyBytes   = 1 << 20
)

// DefaultChannels are offered at checkout when none are configured.
var DefaultChannels = []string{"card", "bank", "ussd", "qr"}

// Config configures a Client.
type Config struct {
	SecretKey     string
	BaseURL       string
	Timeout       time.Duration
	Channels      []string
	Platform      string
	Breaker       *resilience.Breaker
	RetryAttempts int
	RetryBackoff  time.Duration
	HTTPClient    *http.Client
	Logger        zerolog.Logger
}

// Client is the gateway API client. It is safe for concurrent use.
type Client struct {
	secretKey string
	baseURL   string
	channels  []string
	platform  string
	initHTTP  resilience.HTTPClient
	readHTTP  resilience.HTTPClient
	logger    zerolog.Logger
}

// NewClient validates cfg and builds a client. A missing or malformed secret key
// yields an error wrapping ErrConfig.
func NewClient(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.SecretKey)
	if key == "" {
		return nil, fmt.Errorf("%w: secret key is required", ErrConfig)
	}
	if KeyMode(key) == ModeUnknown {
		return nil, fmt.Errorf("%w: secret key must start with sk_live_ or sk_test_", ErrConfig)
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("%w: base url: %v", ErrConfig, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	channels := cfg.Channels
	if len(channels) == 0 {
		channels = DefaultChannels
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = resilience.NewBreaker(5, 0.5, 30*time.Second).WithTarget("gateway")
	}

	hc := resilience.HTTPClient{
		Client:      httpClient,
		Breaker:     breaker,
		Target:      "gateway",
		BaseBackoff: cfg.RetryBackoff,
		Timeout:     timeout,
		Jitter:      0.2,
		Logger:      cfg.Logger,
	}
	read := hc
	read.MaxAttempts = cfg.RetryAttempts
	if read.MaxAttempts <= 0 {
		read.MaxAttempts = 3
	}
	hc.MaxAttempts = 1

	return &Client{
		secretKey: key,
		baseURL:   base,
		channels:  append([]string(nil), channels...),
		platform:  strings.TrimSpace(cfg.Platform),
		initHTTP:  hc,
		readHTTP:  read,
		logger:    cfg.Logger,
	}, nil
}

// InitializeRequest opens a transaction. AmountMinorUnits is in the currency's
// smallest unit; Reference is generated by the caller.
type InitializeRequest struct {
	Email            string
	AmountMinorUnits int64
	Currency         string
	Reference        string
	CallbackURL      string
	Metadata         map[string]any
	Channels         []string
}

// InitializeResult carries the checkout handles returned by the gateway.
type InitializeResult struct {
	AuthorizationURL string
	AccessCode       string
	Reference        string
}

// Customer is the payer as known to the gateway.
type Customer struct {
	Email        string `json:"email"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	CustomerCode string `json:"customer_code"`
}

// Result is the gateway's view of a transaction.
type Result struct {
	Reference        string
	Status           string
	AmountMinorUnits int64
	Currency         string
	PaidAt           *time.Time
	Customer         Customer
	Metadata         map[string]any
	GatewayResponse  string
	// Raw is the verbatim response body, kept for audit hashing.
	Raw []byte
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Initialize asks the gateway to open a transaction. It is attempted exactly once.
func (c *Client) Initialize(ctx context.Context, req InitializeRequest) (InitializeResult, error) {
	ctx, span := otel.Tracer("gateway").Start(ctx, "gateway.initialize")
	defer span.End()
	span.SetAttributes(attribute.String("payment.reference", req.Reference))

	channels := req.Channels
	if len(channels) == 0 {
		channels = c.channels
	}
	metadata := make(map[string]any, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if c.platform != "" {
		metadata["platform"] = c.platform
	}
	payload := map[string]any{
		"email":     req.Email,
		"amount":    req.AmountMinorUnits,
		"reference": req.Reference,
		"metadata":  metadata,
		"channels":  channels,
	}
	if req.Currency != "" {
		payload["currency"] = strings.ToUpper(req.Currency)
	}
	if req.CallbackURL != "" {
		payload["callback_url"] = req.CallbackURL
	}

	var data struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	}
	if _, err := c.call(ctx, c.initHTTP, http.MethodPost, "/transaction/initialize", payload, &data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "initialize failed")
		return InitializeResult{}, err
	}
	if data.AuthorizationURL == "" {
		err := fmt.Errorf("%w: initialize response missing authorization_url", ErrUnreachable)
		span.RecordError(err)
		return InitializeResult{}, err
	}
	return InitializeResult{AuthorizationURL: data.AuthorizationURL, AccessCode: data.AccessCode, Reference: data.Reference}, nil
}

// Verify fetches the transaction status for reference. Transient failures are retried.
func (c *Client) Verify(ctx context.Context, reference string) (Result, error) {
	ctx, span := otel.Tracer("gateway").Start(ctx, "gateway.verify")
	defer span.End()
	span.SetAttributes(attribute.String("payment.reference", reference))

	var data struct {
		Reference       string          `json:"reference"`
		Status          string          `json:"status"`
		Amount          int64           `json:"amount"`
		Currency        string          `json:"currency"`
		PaidAt          *time.Time      `json:"paid_at"`
		GatewayResponse string          `json:"gateway_response"`
		Customer        Customer        `json:"customer"`
		Metadata        json.RawMessage `json:"metadata"`
	}
	raw, err := c.call(ctx, c.readHTTP, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "verify failed")
		return Result{}, err
	}
	res := Result{
		Reference:        data.Reference,
		Status:           NormalizeStatus(data.Status),
		AmountMinorUnits: data.Amount,
		Currency:         strings.ToUpper(data.Currency),
		PaidAt:           data.PaidAt,
		Customer:         data.Customer,
		Metadata:         DecodeMetadata(data.Metadata),
		GatewayResponse:  data.GatewayResponse,
		Raw:              raw,
	}
	if res.Reference == "" {
		res.Reference = reference
	}
	span.SetAttributes(attribute.String("payment.gateway_status", res.Status))
	return res, nil
}

// call performs one API request and decodes the data member of the response envelope
// into out. It returns the raw response body.
func (c *Client) call(ctx context.Context, hc resilience.HTTPClient, method, path string, payload any, out any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("gateway: encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(ctx, req)
	if err != nil {
		c.logger.Warn().Err(err).Str("method", method).Str("path", path).Msg("gateway call failed")
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrUnreachable, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode >= 400 {
		msg := strings.TrimSpace(env.Message)
		if decodeErr != nil || msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &RejectedError{StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: malformed response: %w", ErrUnreachable, decodeErr)
	}
	if !env.Status {
		return nil, &RejectedError{StatusCode: resp.StatusCode, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, fmt.Errorf("%w: malformed data: %w", ErrUnreachable, err)
		}
	}
	return raw, nil
}

// NormalizeStatus maps gateway transaction statuses onto success, failed, abandoned
// and pending.
func NormalizeStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success":
		return "success"
	case "failed", "reversed":
		return "failed"
	case "abandoned":
		return "abandoned"
	default:
		return "pending"
	}
}

// DecodeMetadata parses transaction metadata. The gateway returns an empty string or
// a JSON-encoded string when no object was attached, both of which yield an empty map.
func DecodeMetadata(raw json.RawMessage) map[string]any {
	out := map[string]any{}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return out
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil || strings.TrimSpace(inner) == "" {
			return out
		}
		raw = []byte(inner)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return map[string]any{}
	}
	return out
}
