package http

import (
	"time"

	"github.com/MacMoment/licensing/internal/license"
	api "github.com/MacMoment/licensing/pkg/contracts/api/v1"
)

func millis(t time.Time) int64 { return t.UnixMilli() }

func optionalMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixMilli()
	return &v
}

// ProductView converts a product to its wire form
func ProductView(p license.Product) api.Product {
	return api.Product{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		CreatedAt:   millis(p.CreatedAt),
	}
}

// TierView converts a tier to its wire form
func TierView(t license.Tier) api.Tier {
	return api.Tier{
		ID:        t.ID,
		ProductID: t.ProductID,
		Name:      t.Name,
		Features:  t.Features,
		MaxUsers:  t.MaxUsers,
		CreatedAt: millis(t.CreatedAt),
	}
}

// LicenseView converts a license with its catalog names to its wire form
func LicenseView(d license.LicenseDetails) api.License {
	return api.License{
		Key:           d.Key,
		ProductID:     d.ProductID,
		ProductName:   d.ProductName,
		TierID:        d.TierID,
		TierName:      d.TierName,
		HWID:          d.HWID,
		IP:            d.IP,
		ExpiryTime:    optionalMillis(d.ExpiryTime),
		Active:        d.Active,
		Status:        string(d.Status),
		CreatedAt:     millis(d.CreatedAt),
		LastValidated: optionalMillis(d.LastValidated),
	}
}

// LogView converts an audit record to its wire form. The websocket feed
// publishes the same shape.
func LogView(l license.ValidationLog) api.ValidationLog {
	return api.ValidationLog{
		ID:          l.ID,
		Timestamp:   millis(l.Timestamp),
		LicenseKey:  l.LicenseKey,
		ProductName: l.ProductName,
		HWID:        l.HWID,
		IP:          l.IP,
		Success:     l.Success,
		Reason:      string(l.Reason),
	}
}

// StatsView converts dashboard counts to their wire form
func StatsView(s license.Stats) api.Stats {
	return api.Stats{
		TotalProducts:    s.TotalProducts,
		TotalTiers:       s.TotalTiers,
		TotalLicenses:    s.TotalLicenses,
		ActiveLicenses:   s.ActiveLicenses,
		ExpiredLicenses:  s.ExpiredLicenses,
		ValidationsToday: s.ValidationsToday,
	}
}

// VerdictView converts a verdict to its wire form
func VerdictView(v license.Verdict) api.Verdict {
	features := v.AllowedFeatures
	if features == nil {
		features = []string{}
	}
	return api.Verdict{
		Valid:           v.Valid,
		Reason:          string(v.Reason),
		Message:         v.Message,
		Tier:            v.Tier,
		ExpiryTime:      optionalMillis(v.ExpiryTime),
		AllowedFeatures: features,
		MaxUsers:        v.MaxUsers,
		Timestamp:       millis(v.Timestamp),
	}
}

func mapSlice[T, V any](in []T, fn func(T) V) []V {
	out := make([]V, 0, len(in))
	for _, v := range in {
		out = append(out, fn(v))
	}
	return out
}
