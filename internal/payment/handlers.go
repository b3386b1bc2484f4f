package payment

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/edu-payments/internal/common"
	"github.com/noah-isme/edu-payments/internal/gateway"
	"github.com/noah-isme/edu-payments/internal/ledger"
)

// Handler exposes the payer-facing payment endpoints.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
	Logger   zerolog.Logger
}

// NewHandler wires a handler with a fresh validator.
func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{Svc: svc, Validate: validator.New(validator.WithRequiredStructEnabled()), Logger: logger}
}

type initiateReq struct {
	Email    string         `json:"email" validate:"required,email"`
	Amount   int64          `json:"amount" validate:"required,gt=0"`
	Currency string         `json:"currency" validate:"omitempty,len=3,alpha"`
	Metadata map[string]any `json:"metadata"`
}

// Initiate handles POST /payments/initiate. Amount is in minor units.
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	var req initiateReq
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeBadRequest, "invalid body", nil)
		return
	}
	if err := h.validator().Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, "invalid payment request", validationDetails(err))
		return
	}
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}
	if subject, ok := common.Subject(r.Context()); ok {
		if _, has := req.Metadata["studentId"]; !has {
			if _, hasSnake := req.Metadata["student_id"]; !hasSnake {
				req.Metadata["studentId"] = subject
			}
		}
	}

	res, err := h.Svc.Initiate(r.Context(), InitiateRequest{
		Email:            req.Email,
		AmountMinorUnits: req.Amount,
		Currency:         req.Currency,
		Metadata:         req.Metadata,
	})
	if err != nil {
		h.writeError(w, err, "payment could not be started")
		return
	}
	common.JSON(w, http.StatusCreated, res)
}

// Confirm handles GET /payments/confirm/{reference}, called when the payer returns
// from checkout.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	reference := strings.TrimSpace(chi.URLParam(r, "reference"))
	if reference == "" {
		common.JSONError(w, http.StatusBadRequest, common.CodeBadRequest, "reference is required", nil)
		return
	}
	res, err := h.Svc.ConfirmByRedirect(r.Context(), reference)
	if err != nil {
		h.writeError(w, err, "payment could not be confirmed; please retry")
		return
	}
	common.JSON(w, http.StatusOK, res)
}

type intentView struct {
	Intent      ledger.PaymentIntent       `json:"intent"`
	Transitions []ledger.Transition        `json:"transitions"`
	Events      []ledger.ConfirmationEvent `json:"events"`
}

// Show handles GET /payments/{reference}: status plus audit history for support staff.
func (h *Handler) Show(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil || h.Svc.Ledger == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	reference := strings.TrimSpace(chi.URLParam(r, "reference"))
	ctx := r.Context()
	intent, err := h.Svc.Ledger.Get(ctx, reference)
	if err != nil {
		h.writeError(w, err, "payment lookup failed")
		return
	}
	transitions, err := h.Svc.Ledger.Transitions(ctx, reference)
	if err != nil {
		h.writeError(w, err, "payment lookup failed")
		return
	}
	events, err := h.Svc.Ledger.Events(ctx, reference)
	if err != nil {
		h.writeError(w, err, "payment lookup failed")
		return
	}
	common.JSON(w, http.StatusOK, intentView{Intent: intent, Transitions: transitions, Events: events})
}

func (h *Handler) writeError(w http.ResponseWriter, err error, unavailableMsg string) {
	var rejected *gateway.RejectedError
	switch {
	case errors.Is(err, ErrInvalidRequest):
		common.JSONError(w, http.StatusBadRequest, common.CodeValidation, err.Error(), nil)
	case errors.As(err, &rejected):
		common.JSONError(w, http.StatusUnprocessableEntity, common.CodeGatewayRejected, rejected.Message, nil)
	case errors.Is(err, gateway.ErrUnreachable):
		common.JSONError(w, http.StatusServiceUnavailable, common.CodeGatewayUnavailable, unavailableMsg, map[string]any{"retryable": true})
	case errors.Is(err, ErrUnknownReference), errors.Is(err, ledger.ErrNotFound):
		common.JSONError(w, http.StatusNotFound, common.CodeNotFound, "payment not found", nil)
	default:
		h.Logger.Error().Err(err).Msg("payment request failed")
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, unavailableMsg, nil)
	}
}

func (h *Handler) validator() *validator.Validate {
	if h.Validate == nil {
		h.Validate = validator.New(validator.WithRequiredStructEnabled())
	}
	return h.Validate
}

func validationDetails(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		out[strings.ToLower(fe.Field()[:1])+fe.Field()[1:]] = fe.Tag()
	}
	return out
}
