package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "github.com/MacMoment/licensing/internal/errors"
	"github.com/MacMoment/licensing/internal/license"
	api "github.com/MacMoment/licensing/pkg/contracts/api/v1"
)

// entityDeleter is the delete operation shared by every admin entity
type entityDeleter interface {
	Delete(ctx context.Context, kind license.EntityKind, id string) error
}

// deleteEntity answers DELETE /api/{kind}s/{param} with 204
func deleteEntity(svc entityDeleter, kind license.EntityKind, param string, errs *apperrors.ErrorHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Delete(r.Context(), kind, chi.URLParam(r, param)); err != nil {
			errs.HandleError(w, r, err)
			return
		}
		render.NoContent(w, r)
	}
}

// CatalogHandler serves products and their tiers
type CatalogHandler struct {
	service CatalogService
	binder  *RequestBinder
	errors  *apperrors.ErrorHandler
	logger  *slog.Logger
}

// NewCatalogHandler creates a catalog handler
func NewCatalogHandler(service CatalogService, binder *RequestBinder, errs *apperrors.ErrorHandler, logger *slog.Logger) *CatalogHandler {
	return &CatalogHandler{
		service: service,
		binder:  binder,
		errors:  errs,
		logger:  logger.With(slog.String("handler", "catalog")),
	}
}

// ProductRoutes returns the router mounted at /api/products
func (h *CatalogHandler) ProductRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListProducts)
	r.Post("/", h.CreateProduct)
	r.Delete("/{id}", deleteEntity(h.service, license.KindProduct, "id", h.errors))
	r.Get("/{id}/tiers", h.ListTiers)
	r.Post("/{id}/tiers", h.CreateTier)
	return r
}

// TierRoutes returns the router mounted at /api/tiers
func (h *CatalogHandler) TierRoutes() chi.Router {
	r := chi.NewRouter()
	r.Delete("/{id}", deleteEntity(h.service, license.KindTier, "id", h.errors))
	return r
}

// ListProducts handles GET /api/products
func (h *CatalogHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.ListProducts(r.Context())
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, mapSlice(products, ProductView))
}

// CreateProduct handles POST /api/products
func (h *CatalogHandler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req api.CreateProductRequest
	if err := h.binder.Bind(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	product, err := h.service.CreateProduct(r.Context(), req.Name, req.Description)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, ProductView(product))
}

// ListTiers handles GET /api/products/{id}/tiers
func (h *CatalogHandler) ListTiers(w http.ResponseWriter, r *http.Request) {
	tiers, err := h.service.ListTiers(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, mapSlice(tiers, TierView))
}

// CreateTier handles POST /api/products/{id}/tiers
func (h *CatalogHandler) CreateTier(w http.ResponseWriter, r *http.Request) {
	var req api.CreateTierRequest
	if err := h.binder.Bind(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	tier, err := h.service.CreateTier(r.Context(), license.TierInput{
		ProductID: chi.URLParam(r, "id"),
		Name:      req.Name,
		Features:  req.Features,
		MaxUsers:  req.MaxUsers,
	})
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, TierView(tier))
}
