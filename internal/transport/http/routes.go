package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handlers groups the API handlers mounted under /api
type Handlers struct {
	Catalog  *CatalogHandler
	License  *LicenseHandler
	Validate *ValidateHandler
	Health   *HealthHandler
}

// Mount registers the API on r. Client facing routes stay open; admin
// wraps everything else and may be nil when no admin token is configured.
func (h *Handlers) Mount(r chi.Router, admin func(http.Handler) http.Handler) {
	r.Post("/validate", h.Validate.Validate)
	r.Mount("/health", h.Health.Routes())

	r.Group(func(r chi.Router) {
		if admin != nil {
			r.Use(admin)
		}
		r.Mount("/products", h.Catalog.ProductRoutes())
		r.Mount("/tiers", h.Catalog.TierRoutes())
		r.Mount("/licenses", h.License.Routes())
		r.Mount("/logs", h.License.LogRoutes())
		r.Get("/stats", h.License.Stats)
	})
}
