package api

// Product is the wire form of a product
type Product struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedAt   int64  `json:"createdAt"`
}

// Tier is the wire form of a tier. MaxUsers is omitted when unlimited.
type Tier struct {
	ID        string `json:"id"`
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Features  string `json:"features"`
	MaxUsers  *int   `json:"maxUsers,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// License is the wire form of a license with its derived status
type License struct {
	Key           string `json:"key"`
	ProductID     string `json:"productId"`
	ProductName   string `json:"productName"`
	TierID        string `json:"tierId,omitempty"`
	TierName      string `json:"tierName"`
	HWID          string `json:"hwid,omitempty"`
	IP            string `json:"ip,omitempty"`
	ExpiryTime    *int64 `json:"expiryTime,omitempty"`
	Active        bool   `json:"active"`
	Status        string `json:"status"`
	CreatedAt     int64  `json:"createdAt"`
	LastValidated *int64 `json:"lastValidated,omitempty"`
}

// ValidationLog is the wire form of one audit record
type ValidationLog struct {
	ID          int64  `json:"id"`
	Timestamp   int64  `json:"timestamp"`
	LicenseKey  string `json:"licenseKey"`
	ProductName string `json:"productName"`
	HWID        string `json:"hwid"`
	IP          string `json:"ip"`
	Success     bool   `json:"success"`
	Reason      string `json:"reason,omitempty"`
}

// Stats is the dashboard summary
type Stats struct {
	TotalProducts    int64 `json:"totalProducts"`
	TotalTiers       int64 `json:"totalTiers"`
	TotalLicenses    int64 `json:"totalLicenses"`
	ActiveLicenses   int64 `json:"activeLicenses"`
	ExpiredLicenses  int64 `json:"expiredLicenses"`
	ValidationsToday int64 `json:"validationsToday"`
}

// Verdict is the answer to POST /api/validate. It is always returned with
// status 200; Valid tells the caller whether to unlock.
type Verdict struct {
	Valid           bool     `json:"valid"`
	Reason          string   `json:"reason,omitempty"`
	Message         string   `json:"message"`
	Tier            string   `json:"tier,omitempty"`
	ExpiryTime      *int64   `json:"expiryTime,omitempty"`
	AllowedFeatures []string `json:"allowedFeatures"`
	MaxUsers        *int     `json:"maxUsers,omitempty"`
	Timestamp       int64    `json:"timestamp"`
}

// HasFeature reports whether the verdict grants feature. An accepted
// verdict with no feature list grants everything.
func (v Verdict) HasFeature(feature string) bool {
	if !v.Valid {
		return false
	}
	if len(v.AllowedFeatures) == 0 {
		return true
	}
	for _, f := range v.AllowedFeatures {
		if f == feature {
			return true
		}
	}
	return false
}
