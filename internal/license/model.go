package license

import (
	"strings"
	"time"
)

// FullAccessTier is the tier name reported for licenses without a tier
const FullAccessTier = "Full Access"

// Product is a sellable item licenses are issued for
type Product struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
}

// Tier is a feature bundle owned by exactly one product. A nil MaxUsers
// means unlimited.
type Tier struct {
	ID        string
	ProductID string
	Name      string
	Features  string
	MaxUsers  *int
	CreatedAt time.Time
}

// FeatureList splits the comma separated feature set, dropping blanks
func (t Tier) FeatureList() []string {
	return splitFeatures(t.Features)
}

func splitFeatures(features string) []string {
	out := []string{}
	for _, f := range strings.Split(features, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// License is a single entitlement. Key is immutable once issued; HWID is
// empty until the first accepted validation and is only cleared by an
// explicit reset. IP is advisory and records the last accepted caller.
type License struct {
	Key           string
	ProductID     string
	TierID        string
	HWID          string
	IP            string
	ExpiryTime    *time.Time
	Active        bool
	CreatedAt     time.Time
	LastValidated *time.Time
}

// Status is the effective state of a license, derived on every read
type Status string

const (
	StatusUnbound  Status = "UNBOUND"
	StatusBound    Status = "BOUND"
	StatusInactive Status = "INACTIVE"
	StatusExpired  Status = "EXPIRED"
)

// Bound reports whether a hardware id is recorded
func (l License) Bound() bool {
	return l.HWID != ""
}

// HasTier reports whether the license is restricted to a tier
func (l License) HasTier() bool {
	return l.TierID != ""
}

// Expired reports whether an expiry is set and now is past it
func (l License) Expired(now time.Time) bool {
	return l.ExpiryTime != nil && now.After(*l.ExpiryTime)
}

// Status derives the effective status. Inactive wins over expired, which
// wins over the binding state.
func (l License) Status(now time.Time) Status {
	switch {
	case !l.Active:
		return StatusInactive
	case l.Expired(now):
		return StatusExpired
	case l.Bound():
		return StatusBound
	default:
		return StatusUnbound
	}
}

// ValidationLog is one immutable audit record per validation attempt.
// ProductName is copied at write time so the record survives later deletes.
type ValidationLog struct {
	ID          int64
	Timestamp   time.Time
	LicenseKey  string
	ProductName string
	HWID        string
	IP          string
	Success     bool
	Reason      Reason
}

// Reason explains a rejected validation. Accepted validations carry ReasonNone.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonNotFound        Reason = "NotFound"
	ReasonProductMismatch Reason = "ProductMismatch"
	ReasonInactive        Reason = "Inactive"
	ReasonExpired         Reason = "Expired"
	ReasonHwidMismatch    Reason = "HwidMismatch"
	ReasonBlocked         Reason = "Blocked"
	// ReasonStoreFailure is only written to the audit trail, for attempts
	// the store could not complete. It is never returned in a verdict.
	ReasonStoreFailure Reason = "StoreFailure"
)

// Message is the human readable text returned with a verdict
func (r Reason) Message() string {
	switch r {
	case ReasonNone:
		return "License validated successfully"
	case ReasonNotFound:
		return "Invalid license key"
	case ReasonProductMismatch:
		return "License not valid for this product"
	case ReasonInactive:
		return "License has been deactivated"
	case ReasonExpired:
		return "License has expired"
	case ReasonHwidMismatch:
		return "License bound to different hardware"
	case ReasonBlocked:
		return "Too many invalid attempts, try again later"
	case ReasonStoreFailure:
		return "Validation could not be completed"
	default:
		return string(r)
	}
}

// Stats are dashboard counts computed on demand
type Stats struct {
	TotalProducts    int64
	TotalTiers       int64
	TotalLicenses    int64
	ActiveLicenses   int64
	ExpiredLicenses  int64
	ValidationsToday int64
}
