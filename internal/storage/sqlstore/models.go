package sqlstore

import (
	"time"

	"github.com/MacMoment/licensing/internal/license"
)

// Times are stored as epoch milliseconds, the same unit the API speaks.

type productRow struct {
	ID          string `gorm:"primaryKey;size:36"`
	Name        string `gorm:"not null"`
	Description string
	CreatedMs   int64 `gorm:"column:created_at;not null;index"`
}

func (productRow) TableName() string { return "products" }

type tierRow struct {
	ID        string `gorm:"primaryKey;size:36"`
	ProductID string `gorm:"size:36;not null;index"`
	Name      string `gorm:"not null"`
	Features  string
	MaxUsers  *int
	CreatedMs int64 `gorm:"column:created_at;not null;index"`
}

func (tierRow) TableName() string { return "tiers" }

type licenseRow struct {
	Key             string `gorm:"column:license_key;primaryKey;size:29"`
	ProductID       string `gorm:"size:36;not null;index"`
	TierID          string `gorm:"size:36;not null;default:'';index"`
	HWID            string `gorm:"column:hwid;not null;default:''"`
	IP              string `gorm:"column:ip;not null;default:''"`
	ExpiryMs        *int64 `gorm:"column:expiry_time"`
	Active          bool   `gorm:"not null"`
	CreatedMs       int64  `gorm:"column:created_at;not null;index"`
	LastValidatedMs *int64 `gorm:"column:last_validated"`
}

func (licenseRow) TableName() string { return "licenses" }

// retiredKeyRow remembers every key ever deleted so it is never reissued
type retiredKeyRow struct {
	Key       string `gorm:"column:license_key;primaryKey;size:29"`
	RetiredMs int64  `gorm:"column:retired_at;not null"`
}

func (retiredKeyRow) TableName() string { return "retired_keys" }

type logRow struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	TimestampMs int64  `gorm:"column:timestamp;not null;index"`
	LicenseKey  string `gorm:"size:64;not null;index"`
	ProductName string
	HWID        string `gorm:"column:hwid"`
	IP          string `gorm:"column:ip"`
	Success     bool   `gorm:"not null"`
	Reason      string
}

func (logRow) TableName() string { return "validation_logs" }

func toMs(t time.Time) int64 { return t.UnixMilli() }

func fromMs(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func toMsPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixMilli()
	return &v
}

func fromMsPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := fromMs(*ms)
	return &t
}

func productFromRow(r productRow) license.Product {
	return license.Product{ID: r.ID, Name: r.Name, Description: r.Description, CreatedAt: fromMs(r.CreatedMs)}
}

func tierFromRow(r tierRow) license.Tier {
	return license.Tier{
		ID:        r.ID,
		ProductID: r.ProductID,
		Name:      r.Name,
		Features:  r.Features,
		MaxUsers:  r.MaxUsers,
		CreatedAt: fromMs(r.CreatedMs),
	}
}

func licenseToRow(l license.License) licenseRow {
	return licenseRow{
		Key:             l.Key,
		ProductID:       l.ProductID,
		TierID:          l.TierID,
		HWID:            l.HWID,
		IP:              l.IP,
		ExpiryMs:        toMsPtr(l.ExpiryTime),
		Active:          l.Active,
		CreatedMs:       toMs(l.CreatedAt),
		LastValidatedMs: toMsPtr(l.LastValidated),
	}
}

func licenseFromRow(r licenseRow) license.License {
	return license.License{
		Key:           r.Key,
		ProductID:     r.ProductID,
		TierID:        r.TierID,
		HWID:          r.HWID,
		IP:            r.IP,
		ExpiryTime:    fromMsPtr(r.ExpiryMs),
		Active:        r.Active,
		CreatedAt:     fromMs(r.CreatedMs),
		LastValidated: fromMsPtr(r.LastValidatedMs),
	}
}

func logFromRow(r logRow) license.ValidationLog {
	return license.ValidationLog{
		ID:          r.ID,
		Timestamp:   fromMs(r.TimestampMs),
		LicenseKey:  r.LicenseKey,
		ProductName: r.ProductName,
		HWID:        r.HWID,
		IP:          r.IP,
		Success:     r.Success,
		Reason:      license.Reason(r.Reason),
	}
}
