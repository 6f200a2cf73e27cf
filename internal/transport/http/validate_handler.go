package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	apperrors "github.com/MacMoment/licensing/internal/errors"
	"github.com/MacMoment/licensing/internal/license"
	"github.com/MacMoment/licensing/internal/middleware"
	api "github.com/MacMoment/licensing/pkg/contracts/api/v1"
)

// ValidateHandler serves POST /api/validate for installed clients
type ValidateHandler struct {
	service ValidationService
	binder  *RequestBinder
	errors  *apperrors.ErrorHandler
	logger  *slog.Logger
}

// NewValidateHandler creates a validation handler
func NewValidateHandler(service ValidationService, binder *RequestBinder, errs *apperrors.ErrorHandler, logger *slog.Logger) *ValidateHandler {
	return &ValidateHandler{
		service: service,
		binder:  binder,
		errors:  errs,
		logger:  logger.With(slog.String("handler", "validate")),
	}
}

// Validate answers 200 with a verdict for every well formed request,
// including rejected ones. Only malformed input and store faults are errors.
func (h *ValidateHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req api.ValidateRequest
	if err := h.binder.Bind(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	caller := middleware.ClientIP(r)
	ip := req.IP
	if ip == "" {
		ip = caller
	}

	verdict, err := h.service.Validate(r.Context(), license.ValidationRequest{
		Key:       req.Key,
		HWID:      req.HWID,
		IP:        ip,
		CallerIP:  caller,
		ProductID: req.ProductID,
	})
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	render.JSON(w, r, VerdictView(verdict))
}
