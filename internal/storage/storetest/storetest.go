// Package storetest holds behaviour every license.Store backend must share.
// Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/MacMoment/licensing/internal/errors"
	"github.com/MacMoment/licensing/internal/license"
)

// Factory returns an empty store; Run closes it when the subtest ends
type Factory func(t *testing.T) license.Store

var base = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

// Run exercises the full Store contract against stores from newStore
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s license.Store)
	}{
		{"ProductLifecycle", testProductLifecycle},
		{"TierReferences", testTierReferences},
		{"LicenseReferences", testLicenseReferences},
		{"KeysNeverReused", testKeysNeverReused},
		{"ListOrder", testListOrder},
		{"BindCompareAndSet", testBindCompareAndSet},
		{"ConcurrentBind", testConcurrentBind},
		{"ToggleResetTouch", testToggleResetTouch},
		{"Logs", testLogs},
		{"Counts", testCounts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func product(id string, offset time.Duration) license.Product {
	return license.Product{ID: id, Name: "Product " + id, Description: "desc", CreatedAt: base.Add(offset)}
}

func tier(id, productID string, offset time.Duration) license.Tier {
	users := 5
	return license.Tier{ID: id, ProductID: productID, Name: "Tier " + id, Features: "a,b", MaxUsers: &users, CreatedAt: base.Add(offset)}
}

func lic(key, productID, tierID string, offset time.Duration) license.License {
	return license.License{Key: key, ProductID: productID, TierID: tierID, Active: true, CreatedAt: base.Add(offset)}
}

func assertType(t *testing.T, err error, want apperrors.ErrorType) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, want, apperrors.TypeOf(err), "error: %v", err)
}

func testProductLifecycle(t *testing.T, s license.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateProduct(ctx, product("p1", 0)))

	got, err := s.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Product p1", got.Name)
	assert.True(t, got.CreatedAt.Equal(base))

	_, err = s.GetProduct(ctx, "missing")
	assertType(t, err, apperrors.ErrTypeNotFound)

	require.NoError(t, s.DeleteProduct(ctx, "p1"))
	assertType(t, s.DeleteProduct(ctx, "p1"), apperrors.ErrTypeNotFound)

	products, err := s.ListProducts(ctx)
	require.NoError(t, err)
	assert.Empty(t, products)
}

func testTierReferences(t *testing.T, s license.Store) {
	ctx := context.Background()

	assertType(t, s.CreateTier(ctx, tier("t0", "missing", 0)), apperrors.ErrTypeNotFound)

	require.NoError(t, s.CreateProduct(ctx, product("p1", 0)))
	require.NoError(t, s.CreateTier(ctx, tier("t1", "p1", time.Second)))

	got, err := s.GetTier(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got.MaxUsers)
	assert.Equal(t, 5, *got.MaxUsers)
	assert.Equal(t, []string{"a", "b"}, got.FeatureList())

	assertType(t, s.DeleteProduct(ctx, "p1"), apperrors.ErrTypeConflict)

	_, err = s.ListTiers(ctx, "missing")
	assertType(t, err, apperrors.ErrTypeNotFound)

	require.NoError(t, s.DeleteTier(ctx, "t1"))
	assertType(t, s.DeleteTier(ctx, "t1"), apperrors.ErrTypeNotFound)
	require.NoError(t, s.DeleteProduct(ctx, "p1"))
}

func testLicenseReferences(t *testing.T, s license.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateProduct(ctx, product("p1", 0)))
	require.NoError(t, s.CreateProduct(ctx, product("p2", time.Second)))
	require.NoError(t, s.CreateTier(ctx, tier("t2", "p2", 2*time.Second)))

	assertType(t, s.CreateLicense(ctx, lic("K1", "missing", "", 0)), apperrors.ErrTypeNotFound)
	assertType(t, s.CreateLicense(ctx, lic("K1", "p1", "missing", 0)), apperrors.ErrTypeNotFound)
	assertType(t, s.CreateLicense(ctx, lic("K1", "p1", "t2", 0)), apperrors.ErrTypeIntegrity)

	require.NoError(t, s.CreateLicense(ctx, lic("K2", "p2", "t2", 3*time.Second)))
	assertType(t, s.DeleteTier(ctx, "t2"), apperrors.ErrTypeConflict)
	assertType(t, s.DeleteProduct(ctx, "p2"), apperrors.ErrTypeConflict)

	got, err := s.GetLicense(ctx, "K2")
	require.NoError(t, err)
	assert.Equal(t, "t2", got.TierID)
	assert.True(t, got.Active)
	assert.False(t, got.Bound())
	assert.Nil(t, got.ExpiryTime)

	require.NoError(t, s.DeleteLicense(ctx, "K2"))
	assertType(t, s.DeleteLicense(ctx, "K2"), apperrors.ErrTypeNotFound)
	_, err = s.GetLicense(ctx, "K2")
	assertType(t, err, apperrors.ErrTypeNotFound)
	require.NoError(t, s.DeleteTier(ctx, "t2"))
}

func testKeysNeverReused(t *testing.T, s license.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateProduct(ctx, product("p1", 0)))
	require.NoError(t, s.CreateLicense(ctx, lic("K1", "p1", "", 0)))

	assert.ErrorIs(t, s.CreateLicense(ctx, lic("K1", "p1", "", time.Second)), license.ErrKeyCollision)

	require.NoError(t, s.DeleteLicense(ctx, "K1"))
	assert.ErrorIs(t, s.CreateLicense(ctx, lic("K1", "p1", "", 2*time.Second)), license.ErrKeyCollision,
		"deleted keys stay retired")
}

func testListOrder(t *testing.T, s license.Store) {
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateProduct(ctx, product(fmt.Sprintf("p%d", i), time.Duration(i)*time.Second)))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateTier(ctx, tier(fmt.Sprintf("t%d", i), "p0", time.Duration(i)*time.Second)))
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, s.CreateLicense(ctx, lic(fmt.Sprintf("K%d", i), "p0", "", time.Duration(i)*time.Second)))
	}

	products, err := s.ListProducts(ctx)
	require.NoError(t, err)
	require.Len(t, products, 3)
	assert.Equal(t, []string{"p0", "p1", "p2"}, []string{products[0].ID, products[1].ID, products[2].ID})

	tiers, err := s.ListTiers(ctx, "p0")
	require.NoError(t, err)
	require.Len(t, tiers, 3)
	assert.Equal(t, "t0", tiers[0].ID)
	assert.Equal(t, "t2", tiers[2].ID)

	empty, err := s.ListTiers(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, empty)

	all, err := s.ListLicenses(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "K0", all[0].Key)
	assert.Equal(t, "K3", all[3].Key)

	page, err := s.ListLicenses(ctx, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "K1", page[1].Key)
}

func testBindCompareAndSet(t *testing.T, s license.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateProduct(ctx, product("p1", 0)))
	require.NoError(t, s.CreateLicense(ctx, lic("K1", "p1", "", 0)))

	at := base.Add(time.Minute)
	got, won, err := s.BindLicense(ctx, "K1", "HW1", "192.0.2.1", at)
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, "HW1", got.HWID)
	assert.Equal(t, "192.0.2.1", got.IP)
	require.NotNil(t, got.LastValidated)
	assert.True(t, got.LastValidated.Equal(at))

	got, won, err = s.BindLicense(ctx, "K1", "HW2", "192.0.2.2", at.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, won)
	assert.Equal(t, "HW1", got.HWID, "a bound hwid is never overwritten")
	assert.Equal(t, "192.0.2.1", got.IP, "a lost bind records nothing")
	assert.True(t, got.LastValidated.Equal(at))

	_, _, err = s.BindLicense(ctx, "missing", "HW1", "", at)
	assertType(t, err, apperrors.ErrTypeNotFound)
}

func testConcurrentBind(t *testing.T, s license.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateProduct(ctx, product("p1", 0)))
	require.NoError(t, s.CreateLicense(ctx, lic("K1", "p1", "", 0)))

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(hwid string) {
			defer wg.Done()
			_, won, err := s.BindLicense(ctx, "K1", hwid, "", base)
			assert.NoError(t, err)
			if won {
				mu.Lock()
				winners = append(winners, hwid)
				mu.Unlock()
			}
		}(fmt.Sprintf("HW%d", i))
	}
	wg.Wait()

	require.Len(t, winners, 1)
	got, err := s.GetLicense(ctx, "K1")
	require.NoError(t, err)
	assert.Equal(t, winners[0], got.HWID)
}

func testToggleResetTouch(t *testing.T, s license.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateProduct(ctx, product("p1", 0)))
	require.NoError(t, s.CreateLicense(ctx, lic("K1", "p1", "", 0)))

	got, err := s.SetLicenseActive(ctx, "K1", false)
	require.NoError(t, err)
	assert.False(t, got.Active)

	got, err = s.SetLicenseActive(ctx, "K1", false)
	require.NoError(t, err)
	assert.False(t, got.Active, "toggle is idempotent")

	_, err = s.SetLicenseActive(ctx, "missing", true)
	assertType(t, err, apperrors.ErrTypeNotFound)

	_, _, err = s.BindLicense(ctx, "K1", "HW1", "", base)
	require.NoError(t, err)

	at := base.Add(time.Hour)
	require.NoError(t, s.TouchLicense(ctx, "K1", "192.0.2.1", at))
	got, err = s.GetLicense(ctx, "K1")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1", got.IP)
	require.NotNil(t, got.LastValidated)
	assert.True(t, got.LastValidated.Equal(at))

	got, err = s.ResetBinding(ctx, "K1")
	require.NoError(t, err)
	assert.Empty(t, got.HWID)
	assert.Empty(t, got.IP)

	_, err = s.ResetBinding(ctx, "missing")
	assertType(t, err, apperrors.ErrTypeNotFound)
	assertType(t, s.TouchLicense(ctx, "missing", "", at), apperrors.ErrTypeNotFound)
}

func testLogs(t *testing.T, s license.Store) {
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		entry := &license.ValidationLog{
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			LicenseKey:  fmt.Sprintf("K%d", i),
			ProductName: "Product",
			HWID:        "HW",
			Success:     i%2 == 0,
			Reason:      license.ReasonNotFound,
		}
		require.NoError(t, s.AppendLog(ctx, entry))
		assert.NotZero(t, entry.ID)
	}

	logs, err := s.ListLogs(ctx, 3)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "K4", logs[0].LicenseKey, "newest first")
	assert.Equal(t, "K2", logs[2].LicenseKey)
	assert.Equal(t, license.ReasonNotFound, logs[0].Reason)

	all, err := s.ListLogs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func testCounts(t *testing.T, s license.Store) {
	ctx := context.Background()
	now := base.Add(12 * time.Hour)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	require.NoError(t, s.CreateProduct(ctx, product("p1", 0)))
	require.NoError(t, s.CreateTier(ctx, tier("t1", "p1", 0)))

	licenses := []license.License{
		lic("A", "p1", "", 0),
		lic("B", "p1", "t1", time.Second),
		lic("C", "p1", "", 2*time.Second),
		lic("D", "p1", "", 3*time.Second),
	}
	licenses[1].ExpiryTime = &future
	licenses[2].ExpiryTime = &past
	licenses[3].Active = false
	for _, l := range licenses {
		require.NoError(t, s.CreateLicense(ctx, l))
	}

	dayStart := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	for _, ts := range []time.Time{dayStart.Add(-time.Minute), dayStart, now.Add(-time.Minute), now} {
		require.NoError(t, s.AppendLog(ctx, &license.ValidationLog{Timestamp: ts, LicenseKey: "A"}))
	}

	stats, err := s.Counts(ctx, now, dayStart)
	require.NoError(t, err)
	assert.Equal(t, license.Stats{
		TotalProducts:    1,
		TotalTiers:       1,
		TotalLicenses:    4,
		ActiveLicenses:   2,
		ExpiredLicenses:  1,
		ValidationsToday: 3,
	}, stats)
}
