package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/mihaimyh/planmeter/pkg/billing"
	"github.com/mihaimyh/planmeter/pkg/planmeter"
)

const (
	maxUserIDLen   = 255
	maxRequestBody = 1 << 16
)

// Handler provides the HTTP endpoints for usage inspection and billing sessions
type Handler struct {
	config Config
}

// GetUsage returns the caller's plan and standing in every quota category.
// If the ledger cannot be counted the response is 503; it never reports
// quota it could not verify.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	summary, err := h.config.Manager.Usage(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	response := UsageResponse{
		UserID: summary.UserID,
		Plan:   string(summary.Plan),
		Status: string(summary.Status),
		Quotas: make(map[string]CategoryUsage, len(summary.Limits)),
	}
	for _, limit := range summary.Limits {
		response.Quotas[string(limit.Category)] = CategoryUsage{
			Limit:     limit.Max,
			Used:      limit.Used,
			Remaining: limit.Remaining,
			Allowed:   limit.Allowed,
			ResetAt:   limit.ResetDate,
		}
	}

	writeJSON(w, http.StatusOK, response)
}

// Checkout opens a hosted checkout session for a plan key from the price
// table. The target account defaults to the caller and must equal it when set.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.config.Provider == nil {
		h.handleError(w, r, billing.ErrProviderNotConfigured)
		return
	}

	callerID := h.config.GetUserID(r)
	if callerID == "" {
		h.handleError(w, r, billing.ErrAuthentication)
		return
	}

	var body CheckoutRequest
	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req := billing.CheckoutRequest{
		PlanKey:  body.PlanKey,
		UserID:   body.UserID,
		CallerID: callerID,
	}
	if h.config.GetEmail != nil {
		req.CallerEmail = h.config.GetEmail(r)
	}

	url, err := h.config.Provider.CheckoutURL(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{URL: url})
}

// Portal opens a hosted billing-portal session for the caller
func (h *Handler) Portal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.config.Provider == nil {
		h.handleError(w, r, billing.ErrProviderNotConfigured)
		return
	}

	url, err := h.config.Provider.PortalURL(r.Context(), h.config.GetUserID(r), "")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{URL: url})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, billing.ErrAuthentication)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, planmeter.ErrInvalidUserID)
		return "", false
	}
	return userID, true
}

// StatusCode maps a planmeter or billing error to its HTTP status
func StatusCode(err error) int {
	switch {
	case errors.Is(err, billing.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, billing.ErrAuthorizationMismatch):
		return http.StatusForbidden
	case errors.Is(err, billing.ErrUnknownPlanKey),
		errors.Is(err, planmeter.ErrInvalidUserID),
		errors.Is(err, planmeter.ErrInvalidAction):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrNoBillingAccount):
		return http.StatusConflict
	case errors.Is(err, planmeter.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, billing.ErrProviderAPIError):
		return http.StatusBadGateway
	case errors.Is(err, planmeter.ErrQuotaStore),
		errors.Is(err, planmeter.ErrStorageUnavailable),
		errors.Is(err, billing.ErrProviderNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the text safe to show a client for err. Collaborator
// details are never echoed.
func PublicMessage(err error) string {
	for _, sentinel := range []error{
		billing.ErrAuthentication,
		billing.ErrAuthorizationMismatch,
		billing.ErrUnknownPlanKey,
		billing.ErrNoBillingAccount,
		billing.ErrProviderAPIError,
		billing.ErrProviderNotConfigured,
		planmeter.ErrQuotaExceeded,
		planmeter.ErrQuotaStore,
		planmeter.ErrStorageUnavailable,
		planmeter.ErrInvalidUserID,
		planmeter.ErrInvalidAction,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "internal error"
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	status := StatusCode(err)
	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("api request failed",
			planmeter.Field{Key: "path", Value: r.URL.Path},
			planmeter.Field{Key: "error", Value: err.Error()},
		)
	}
	h.writeError(w, status, PublicMessage(err))
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Response already started; nothing useful to do with an encode error
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
