// Package memory is a process-local license.Store. It is the default backend
// for development and the reference used by the engine tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/MacMoment/licensing/internal/errors"
	"github.com/MacMoment/licensing/internal/license"
)

// Store keeps every entity in maps guarded by one RW mutex. Values are
// copied in and out so callers never share memory with the store.
type Store struct {
	mu sync.RWMutex

	products     map[string]license.Product
	productOrder []string

	tiers     map[string]license.Tier
	tierOrder []string

	licenses     map[string]license.License
	licenseOrder []string
	retired      map[string]struct{}

	logs   []license.ValidationLog
	nextID int64
}

var _ license.Store = (*Store)(nil)

// New returns an empty store
func New() *Store {
	return &Store{
		products: make(map[string]license.Product),
		tiers:    make(map[string]license.Tier),
		licenses: make(map[string]license.License),
		retired:  make(map[string]struct{}),
	}
}

// ============================================================================
// Products
// ============================================================================

func (s *Store) CreateProduct(_ context.Context, p license.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[p.ID]; exists {
		return apperrors.NewConflictError("product id already exists")
	}
	s.products[p.ID] = p
	s.productOrder = append(s.productOrder, p.ID)
	return nil
}

func (s *Store) GetProduct(_ context.Context, id string) (license.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return license.Product{}, apperrors.NewNotFoundError("product")
	}
	return p, nil
}

func (s *Store) ListProducts(_ context.Context) ([]license.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]license.Product, 0, len(s.productOrder))
	for _, id := range s.productOrder {
		out = append(out, s.products[id])
	}
	return out, nil
}

func (s *Store) DeleteProduct(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[id]; !ok {
		return apperrors.NewNotFoundError("product")
	}
	for _, t := range s.tiers {
		if t.ProductID == id {
			return apperrors.NewConflictError("product still has tiers").WithContext("product_id", id)
		}
	}
	for _, l := range s.licenses {
		if l.ProductID == id {
			return apperrors.NewConflictError("product still has licenses").WithContext("product_id", id)
		}
	}

	delete(s.products, id)
	s.productOrder = without(s.productOrder, id)
	return nil
}

// ============================================================================
// Tiers
// ============================================================================

func (s *Store) CreateTier(_ context.Context, t license.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[t.ProductID]; !ok {
		return apperrors.NewNotFoundError("product")
	}
	if _, exists := s.tiers[t.ID]; exists {
		return apperrors.NewConflictError("tier id already exists")
	}
	s.tiers[t.ID] = cloneTier(t)
	s.tierOrder = append(s.tierOrder, t.ID)
	return nil
}

func (s *Store) GetTier(_ context.Context, id string) (license.Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tiers[id]
	if !ok {
		return license.Tier{}, apperrors.NewNotFoundError("tier")
	}
	return cloneTier(t), nil
}

func (s *Store) ListTiers(_ context.Context, productID string) ([]license.Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.products[productID]; !ok {
		return nil, apperrors.NewNotFoundError("product")
	}
	out := []license.Tier{}
	for _, id := range s.tierOrder {
		if t := s.tiers[id]; t.ProductID == productID {
			out = append(out, cloneTier(t))
		}
	}
	return out, nil
}

func (s *Store) DeleteTier(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tiers[id]; !ok {
		return apperrors.NewNotFoundError("tier")
	}
	for _, l := range s.licenses {
		if l.TierID == id {
			return apperrors.NewConflictError("tier still has licenses").WithContext("tier_id", id)
		}
	}

	delete(s.tiers, id)
	s.tierOrder = without(s.tierOrder, id)
	return nil
}

// ============================================================================
// Licenses
// ============================================================================

func (s *Store) CreateLicense(_ context.Context, l license.License) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[l.ProductID]; !ok {
		return apperrors.NewNotFoundError("product")
	}
	if l.HasTier() {
		t, ok := s.tiers[l.TierID]
		if !ok {
			return apperrors.NewNotFoundError("tier")
		}
		if t.ProductID != l.ProductID {
			return apperrors.NewIntegrityError("tier does not belong to product").
				WithContext("tier_id", l.TierID).
				WithContext("product_id", l.ProductID)
		}
	}
	if _, live := s.licenses[l.Key]; live {
		return license.ErrKeyCollision
	}
	if _, gone := s.retired[l.Key]; gone {
		return license.ErrKeyCollision
	}

	s.licenses[l.Key] = cloneLicense(l)
	s.licenseOrder = append(s.licenseOrder, l.Key)
	return nil
}

func (s *Store) GetLicense(_ context.Context, key string) (license.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.licenses[key]
	if !ok {
		return license.License{}, apperrors.NewNotFoundError("license")
	}
	return cloneLicense(l), nil
}

func (s *Store) ListLicenses(_ context.Context, limit int) ([]license.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.licenseOrder
	if limit > 0 && limit < len(keys) {
		keys = keys[:limit]
	}
	out := make([]license.License, 0, len(keys))
	for _, k := range keys {
		out = append(out, cloneLicense(s.licenses[k]))
	}
	return out, nil
}

func (s *Store) DeleteLicense(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.licenses[key]; !ok {
		return apperrors.NewNotFoundError("license")
	}
	delete(s.licenses, key)
	s.licenseOrder = without(s.licenseOrder, key)
	s.retired[key] = struct{}{}
	return nil
}

func (s *Store) SetLicenseActive(_ context.Context, key string, active bool) (license.License, error) {
	return s.update(key, func(l *license.License) { l.Active = active })
}

func (s *Store) ResetBinding(_ context.Context, key string) (license.License, error) {
	return s.update(key, func(l *license.License) {
		l.HWID = ""
		l.IP = ""
	})
}

func (s *Store) BindLicense(_ context.Context, key, hwid, ip string, at time.Time) (license.License, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.licenses[key]
	if !ok {
		return license.License{}, false, apperrors.NewNotFoundError("license")
	}
	if l.Bound() {
		return cloneLicense(l), false, nil
	}
	l = cloneLicense(l)
	touch(&l, ip, at)
	l.HWID = hwid
	s.licenses[key] = l
	return cloneLicense(l), true, nil
}

func (s *Store) TouchLicense(_ context.Context, key, ip string, at time.Time) error {
	_, err := s.update(key, func(l *license.License) { touch(l, ip, at) })
	return err
}

func touch(l *license.License, ip string, at time.Time) {
	if ip != "" {
		l.IP = ip
	}
	l.LastValidated = &at
}

func (s *Store) update(key string, fn func(*license.License)) (license.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.licenses[key]
	if !ok {
		return license.License{}, apperrors.NewNotFoundError("license")
	}
	l = cloneLicense(l)
	fn(&l)
	s.licenses[key] = l
	return cloneLicense(l), nil
}

// ============================================================================
// Validation logs
// ============================================================================

// AppendLog keeps records ordered by timestamp. Records usually arrive in
// order; a late record from a slow writer is inserted in place.
func (s *Store) AppendLog(_ context.Context, entry *license.ValidationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	entry.ID = s.nextID

	i := sort.Search(len(s.logs), func(i int) bool {
		return s.logs[i].Timestamp.After(entry.Timestamp)
	})
	s.logs = append(s.logs, license.ValidationLog{})
	copy(s.logs[i+1:], s.logs[i:])
	s.logs[i] = *entry
	return nil
}

func (s *Store) ListLogs(_ context.Context, limit int) ([]license.ValidationLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.logs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]license.ValidationLog, 0, n)
	for i := len(s.logs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.logs[i])
	}
	return out, nil
}

// ============================================================================
// Stats
// ============================================================================

func (s *Store) Counts(_ context.Context, now, dayStart time.Time) (license.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := license.Stats{
		TotalProducts: int64(len(s.products)),
		TotalTiers:    int64(len(s.tiers)),
		TotalLicenses: int64(len(s.licenses)),
	}
	for _, l := range s.licenses {
		expired := l.Expired(now)
		if expired {
			stats.ExpiredLicenses++
		}
		if l.Active && !expired {
			stats.ActiveLicenses++
		}
	}

	first := sort.Search(len(s.logs), func(i int) bool {
		return !s.logs[i].Timestamp.Before(dayStart)
	})
	stats.ValidationsToday = int64(len(s.logs) - first)
	return stats, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func without(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

func cloneTier(t license.Tier) license.Tier {
	if t.MaxUsers != nil {
		v := *t.MaxUsers
		t.MaxUsers = &v
	}
	return t
}

func cloneLicense(l license.License) license.License {
	if l.ExpiryTime != nil {
		v := *l.ExpiryTime
		l.ExpiryTime = &v
	}
	if l.LastValidated != nil {
		v := *l.LastValidated
		l.LastValidated = &v
	}
	return l
}
