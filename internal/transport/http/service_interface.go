package http

import (
	"context"

	"github.com/MacMoment/licensing/internal/license"
)

// CatalogService administers products and tiers
type CatalogService interface {
	CreateProduct(ctx context.Context, name, description string) (license.Product, error)
	ListProducts(ctx context.Context) ([]license.Product, error)
	CreateTier(ctx context.Context, in license.TierInput) (license.Tier, error)
	ListTiers(ctx context.Context, productID string) ([]license.Tier, error)
	Delete(ctx context.Context, kind license.EntityKind, id string) error
}

// LicenseService administers issued licenses and reads the audit trail
type LicenseService interface {
	CreateLicense(ctx context.Context, in license.LicenseInput) (license.License, error)
	GetLicense(ctx context.Context, key string) (license.LicenseDetails, error)
	ListLicenses(ctx context.Context, limit int) ([]license.LicenseDetails, error)
	SetActive(ctx context.Context, key string, active bool) (license.LicenseDetails, error)
	ResetHWID(ctx context.Context, key string) (license.LicenseDetails, error)
	Delete(ctx context.Context, kind license.EntityKind, id string) error
	ListLogs(ctx context.Context, limit int) ([]license.ValidationLog, error)
	Stats(ctx context.Context) (license.Stats, error)
}

// ValidationService answers client check-ins
type ValidationService interface {
	Validate(ctx context.Context, req license.ValidationRequest) (license.Verdict, error)
}

// HealthService reports on the engine's dependencies
type HealthService interface {
	Perform(ctx context.Context) *license.HealthCheckResult
	Ready(ctx context.Context) error
}

var (
	_ CatalogService    = (*license.Manager)(nil)
	_ LicenseService    = (*license.Manager)(nil)
	_ ValidationService = (*license.Manager)(nil)
	_ HealthService     = (*license.HealthCheck)(nil)
)
