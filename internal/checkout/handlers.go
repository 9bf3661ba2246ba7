package checkout

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/checkout-gateway/internal/common"
	"github.com/noah-isme/checkout-gateway/internal/pricing"
)

// Relay forwards a request to a fixed path on the core service.
type Relay interface {
	ForwardPath(w http.ResponseWriter, r *http.Request, path string)
}

// Handler exposes the checkout, status and initiate endpoints.
type Handler struct {
	Svc   *Orchestrator
	Relay Relay
}

// Create handles POST /payments/create-checkout.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "checkout service not configured")
		return
	}
	var payload Request
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeBadRequest, "invalid payload")
		return
	}
	out, err := h.Svc.CreateCheckout(r.Context(), payload, r.Header.Get("Authorization"))
	if err != nil {
		common.WriteError(w, toAppError(err))
		return
	}
	common.JSON(w, http.StatusOK, out)
}

// Status handles GET /payments/status/{id}.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "checkout service not configured")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		common.JSONError(w, http.StatusBadRequest, common.CodeBadRequest, "session id is required")
		return
	}
	status, handled, err := h.Svc.Status(r.Context(), id, r.Header.Get("Authorization"))
	if err != nil {
		common.WriteError(w, toAppError(err))
		return
	}
	if !handled {
		if h.Relay == nil {
			common.JSONError(w, http.StatusServiceUnavailable, common.CodeUpstreamUnavailable, "status relay not configured")
			return
		}
		h.Relay.ForwardPath(w, r, h.Svc.StatusPath(id))
		return
	}
	common.JSON(w, http.StatusOK, status)
}

// Initiate handles POST /payments/{provider}/initiate.
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "checkout service not configured")
		return
	}
	var payload InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeBadRequest, "invalid payload")
		return
	}
	form, err := h.Svc.Initiate(r.Context(), chi.URLParam(r, "provider"), payload, r.Header.Get("Authorization"))
	if err != nil {
		common.WriteError(w, toAppError(err))
		return
	}
	common.JSON(w, http.StatusOK, form)
}

func toAppError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return common.NewAppError(common.CodeValidation, err.Error(), http.StatusBadRequest, err)
	case errors.Is(err, ErrUnauthorized):
		return common.NewAppError(common.CodeUnauthorized, "authentication required", http.StatusUnauthorized, err)
	case errors.Is(err, ErrUpstreamUnavailable):
		return common.NewAppError(common.CodeUpstreamUnavailable, "core service unavailable", http.StatusServiceUnavailable, err)
	case errors.Is(err, ErrProviderTimeout):
		return common.NewAppError(common.CodeProviderTimeout, "payment provider timed out", http.StatusGatewayTimeout, err)
	case errors.Is(err, ErrProviderUnavailable):
		return common.NewAppError(common.CodeProviderUnavailable, "payment provider unavailable", http.StatusBadGateway, err)
	case errors.Is(err, ErrProviderInactive):
		return common.NewAppError(common.CodeProviderInactive, "payment provider is not active", http.StatusServiceUnavailable, err)
	case errors.Is(err, ErrNotFound):
		return common.NewAppError(common.CodeNotFound, "not found", http.StatusNotFound, err)
	case errors.Is(err, pricing.ErrPriceResolution):
		return common.NewAppError(common.CodePriceUnavailable, "price could not be determined", http.StatusUnprocessableEntity, err)
	default:
		return err
	}
}
