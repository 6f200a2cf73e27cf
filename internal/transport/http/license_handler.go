package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "github.com/MacMoment/licensing/internal/errors"
	"github.com/MacMoment/licensing/internal/exporter"
	"github.com/MacMoment/licensing/internal/license"
	api "github.com/MacMoment/licensing/pkg/contracts/api/v1"
)

// LicenseHandler serves license administration, the audit trail and
// dashboard statistics
type LicenseHandler struct {
	service  LicenseService
	exporter *exporter.Exporter
	binder   *RequestBinder
	errors   *apperrors.ErrorHandler
	logger   *slog.Logger
	now      func() time.Time
}

// NewLicenseHandler creates a license handler
func NewLicenseHandler(service LicenseService, exp *exporter.Exporter, binder *RequestBinder, errs *apperrors.ErrorHandler, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service:  service,
		exporter: exp,
		binder:   binder,
		errors:   errs,
		logger:   logger.With(slog.String("handler", "license")),
		now:      time.Now,
	}
}

// Routes returns the router mounted at /api/licenses
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Route("/{key}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/toggle", h.Toggle)
		r.Put("/reset-hwid", h.ResetHWID)
		r.Delete("/", deleteEntity(h.service, license.KindLicense, "key", h.errors))
	})
	return r
}

// LogRoutes returns the router mounted at /api/logs
func (h *LicenseHandler) LogRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Logs)
	r.Get("/export", h.ExportLogs)
	return r
}

// List handles GET /api/licenses
func (h *LicenseHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	licenses, err := h.service.ListLicenses(r.Context(), limit)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, mapSlice(licenses, LicenseView))
}

// Create handles POST /api/licenses
func (h *LicenseHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req api.CreateLicenseRequest
	if err := h.binder.Bind(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	in := license.LicenseInput{ProductID: req.ProductID, TierID: req.TierID}
	if req.ExpiryTime != nil {
		expiry := time.UnixMilli(*req.ExpiryTime).UTC()
		in.ExpiryTime = &expiry
	}

	created, err := h.service.CreateLicense(r.Context(), in)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	// respond with the joined view so the console can show names right away
	details, err := h.service.GetLicense(r.Context(), created.Key)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, LicenseView(details))
}

// Get handles GET /api/licenses/{key}
func (h *LicenseHandler) Get(w http.ResponseWriter, r *http.Request) {
	details, err := h.service.GetLicense(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, LicenseView(details))
}

// Toggle handles PUT /api/licenses/{key}/toggle
func (h *LicenseHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	var req api.ToggleRequest
	if err := h.binder.Bind(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	details, err := h.service.SetActive(r.Context(), chi.URLParam(r, "key"), *req.Active)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, LicenseView(details))
}

// ResetHWID handles PUT /api/licenses/{key}/reset-hwid
func (h *LicenseHandler) ResetHWID(w http.ResponseWriter, r *http.Request) {
	details, err := h.service.ResetHWID(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, LicenseView(details))
}

// Logs handles GET /api/logs
func (h *LicenseHandler) Logs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	logs, err := h.service.ListLogs(r.Context(), limit)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, mapSlice(logs, LogView))
}

// ExportLogs handles GET /api/logs/export
func (h *LicenseHandler) ExportLogs(w http.ResponseWriter, r *http.Request) {
	format, err := exporter.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	logs, err := h.service.ListLogs(r.Context(), limit)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+format.FileName(h.now())+`"`)
	if err := h.exporter.Write(w, format, logs); err != nil {
		// headers are gone, all that is left is the log
		h.logger.ErrorContext(r.Context(), "log export failed",
			slog.String("format", string(format)),
			slog.String("error", err.Error()))
		return
	}

	h.logger.InfoContext(r.Context(), "validation logs exported",
		slog.String("format", string(format)),
		slog.Int("rows", len(logs)))
}

// Stats handles GET /api/stats
func (h *LicenseHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, StatsView(stats))
}
