// Package api contains the JSON contract of the licensing API.
// All timestamps on the wire are epoch milliseconds.
package api

import (
	"net/http"
	"strings"
)

// CreateProductRequest is the body of POST /api/products
type CreateProductRequest struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"max=2000"`
}

// Bind implements render.Binder
func (r *CreateProductRequest) Bind(_ *http.Request) error {
	r.Name = strings.TrimSpace(r.Name)
	return nil
}

// CreateTierRequest is the body of POST /api/products/{id}/tiers. MaxUsers
// of 0 or null means unlimited.
type CreateTierRequest struct {
	Name     string `json:"name" validate:"required,max=200"`
	Features string `json:"features" validate:"max=4000"`
	MaxUsers *int   `json:"maxUsers" validate:"omitempty,min=0"`
}

// Bind implements render.Binder
func (r *CreateTierRequest) Bind(_ *http.Request) error {
	r.Name = strings.TrimSpace(r.Name)
	return nil
}

// CreateLicenseRequest is the body of POST /api/licenses
type CreateLicenseRequest struct {
	ProductID  string `json:"productId" validate:"required"`
	TierID     string `json:"tierId"`
	ExpiryTime *int64 `json:"expiryTime" validate:"omitempty,gt=0"`
}

// Bind implements render.Binder
func (r *CreateLicenseRequest) Bind(_ *http.Request) error {
	r.ProductID = strings.TrimSpace(r.ProductID)
	r.TierID = strings.TrimSpace(r.TierID)
	return nil
}

// ToggleRequest is the body of PUT /api/licenses/{key}/toggle
type ToggleRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// Bind implements render.Binder
func (r *ToggleRequest) Bind(_ *http.Request) error { return nil }

// ValidateRequest is the body of POST /api/validate. LicenseKey is accepted
// as an alias of Key for older clients.
type ValidateRequest struct {
	Key        string `json:"key,omitempty" validate:"required,max=64"`
	LicenseKey string `json:"licenseKey,omitempty"`
	HWID       string `json:"hwid" validate:"required,max=256"`
	IP         string `json:"ip,omitempty" validate:"omitempty,max=64"`
	ProductID  string `json:"productId,omitempty"`
}

// Bind implements render.Binder
func (r *ValidateRequest) Bind(_ *http.Request) error {
	if r.Key == "" {
		r.Key = r.LicenseKey
	}
	r.Key = strings.TrimSpace(r.Key)
	r.HWID = strings.TrimSpace(r.HWID)
	r.IP = strings.TrimSpace(r.IP)
	r.ProductID = strings.TrimSpace(r.ProductID)
	return nil
}
