package license

import (
	"context"
	"errors"
	"time"
)

// ErrKeyCollision is returned by Store.CreateLicense when the key is already
// in use or was issued before and deleted.
var ErrKeyCollision = errors.New("license key already issued")

// Store is the persistence contract of the entitlement engine. Every method
// is atomic: a failed call leaves no partial state behind and concurrent
// readers never observe a half written entity.
//
// Lookups of unknown ids return an AppError of type NOT_FOUND. Deletes that
// would orphan references return CONFLICT. CreateTier and CreateLicense
// verify their references in the same atomic step as the insert.
type Store interface {
	CreateProduct(ctx context.Context, p Product) error
	GetProduct(ctx context.Context, id string) (Product, error)
	ListProducts(ctx context.Context) ([]Product, error)
	DeleteProduct(ctx context.Context, id string) error

	CreateTier(ctx context.Context, t Tier) error
	GetTier(ctx context.Context, id string) (Tier, error)
	ListTiers(ctx context.Context, productID string) ([]Tier, error)
	DeleteTier(ctx context.Context, id string) error

	CreateLicense(ctx context.Context, l License) error
	GetLicense(ctx context.Context, key string) (License, error)
	// ListLicenses returns licenses oldest first; limit <= 0 means all.
	ListLicenses(ctx context.Context, limit int) ([]License, error)
	DeleteLicense(ctx context.Context, key string) error
	SetLicenseActive(ctx context.Context, key string, active bool) (License, error)
	// ResetBinding clears the hardware id and the advisory ip.
	ResetBinding(ctx context.Context, key string) (License, error)
	// BindLicense records hwid only if the license is unbound, together with
	// the advisory ip and at as the last validation time. It returns the
	// license as stored after the call and whether this call performed the bind.
	BindLicense(ctx context.Context, key, hwid, ip string, at time.Time) (License, bool, error)
	// TouchLicense records the advisory ip and last validation time.
	TouchLicense(ctx context.Context, key, ip string, at time.Time) error

	// AppendLog persists a record and assigns its ID.
	AppendLog(ctx context.Context, entry *ValidationLog) error
	// ListLogs returns the most recent records, newest first.
	ListLogs(ctx context.Context, limit int) ([]ValidationLog, error)

	// Counts computes dashboard figures as of now, counting validations at or
	// after dayStart.
	Counts(ctx context.Context, now, dayStart time.Time) (Stats, error)

	Ping(ctx context.Context) error
	Close() error
}

// EntityKind tags the entity addressed by a generic admin delete
type EntityKind string

const (
	KindProduct EntityKind = "product"
	KindTier    EntityKind = "tier"
	KindLicense EntityKind = "license"
)

// entityDeleters gives every kind the same delete operation
var entityDeleters = map[EntityKind]func(m *Manager, ctx context.Context, id string) error{
	KindProduct: (*Manager).DeleteProduct,
	KindTier:    (*Manager).DeleteTier,
	KindLicense: (*Manager).DeleteLicense,
}

// Valid reports whether k names a known entity kind
func (k EntityKind) Valid() bool {
	_, ok := entityDeleters[k]
	return ok
}
