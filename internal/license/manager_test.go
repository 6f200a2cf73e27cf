package license_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/MacMoment/licensing/internal/errors"
	"github.com/MacMoment/licensing/internal/license"
	"github.com/MacMoment/licensing/internal/shared/testutil"
	"github.com/MacMoment/licensing/internal/storage/memory"
)

// clock is a settable time source shared by the engine under test
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	manager *license.Manager
	store   *memory.Store
	audit   *license.AuditLogger
	clock   *clock
	logs    *testutil.BufferedSlogHandler
}

func newFixture(t *testing.T, mutate ...func(*license.Options)) *fixture {
	t.Helper()

	logger, handler := testutil.NewTestLogger(t)
	store := memory.New()
	audit := license.NewAuditLogger(store, license.AuditConfig{
		QueueSize: 64, Workers: 1, MaxRetries: 1, RetryBackoff: time.Millisecond,
	}, logger, nil)
	c := &clock{now: time.Date(2025, 5, 20, 10, 0, 0, 0, time.UTC)}

	opts := license.Options{
		Store:  store,
		Audit:  audit,
		Logger: logger,
		Now:    c.Now,
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	m, err := license.NewManager(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	return &fixture{manager: m, store: store, audit: audit, clock: c, logs: handler}
}

func (f *fixture) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.audit.Flush(ctx))
}

func (f *fixture) product(t *testing.T) license.Product {
	t.Helper()
	p, err := f.manager.CreateProduct(context.Background(), "Product P", "test product")
	require.NoError(t, err)
	return p
}

func (f *fixture) license(t *testing.T, in license.LicenseInput) license.License {
	t.Helper()
	l, err := f.manager.CreateLicense(context.Background(), in)
	require.NoError(t, err)
	return l
}

func TestNewManager_RequiresStoreAndAudit(t *testing.T) {
	_, err := license.NewManager(license.Options{})
	assert.Error(t, err)

	_, err = license.NewManager(license.Options{Store: memory.New()})
	assert.Error(t, err)
}

func TestCreateProduct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.manager.CreateProduct(ctx, "  Editor  ", "desc")
	require.NoError(t, err)
	assert.Equal(t, "Editor", p.Name)
	assert.NotEmpty(t, p.ID)
	assert.True(t, p.CreatedAt.Equal(f.clock.Now()))

	_, err = f.manager.CreateProduct(ctx, "   ", "desc")
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeValidation))

	products, err := f.manager.ListProducts(ctx)
	require.NoError(t, err)
	assert.Len(t, products, 1)
}

func TestCreateTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t)

	users := 10
	tier, err := f.manager.CreateTier(ctx, license.TierInput{
		ProductID: p.ID, Name: "Pro", Features: "export, api ,", MaxUsers: &users,
	})
	require.NoError(t, err)
	assert.Equal(t, "export,api", tier.Features)
	require.NotNil(t, tier.MaxUsers)
	assert.Equal(t, 10, *tier.MaxUsers)

	zero := 0
	unlimited, err := f.manager.CreateTier(ctx, license.TierInput{ProductID: p.ID, Name: "Free", MaxUsers: &zero})
	require.NoError(t, err)
	assert.Nil(t, unlimited.MaxUsers, "zero means unlimited")

	negative := -1
	_, err = f.manager.CreateTier(ctx, license.TierInput{ProductID: p.ID, Name: "Bad", MaxUsers: &negative})
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeValidation))

	_, err = f.manager.CreateTier(ctx, license.TierInput{ProductID: p.ID, Name: ""})
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeValidation))

	_, err = f.manager.CreateTier(ctx, license.TierInput{ProductID: "missing", Name: "X"})
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeNotFound))

	tiers, err := f.manager.ListTiers(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, tiers, 2)
}

func TestCreateLicense(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t)

	expiry := f.clock.Now().Add(365 * 24 * time.Hour)
	l := f.license(t, license.LicenseInput{ProductID: p.ID, ExpiryTime: &expiry})
	assert.Len(t, l.Key, 29)
	assert.True(t, l.Active)
	assert.Empty(t, l.HWID)
	require.NotNil(t, l.ExpiryTime)
	assert.True(t, l.ExpiryTime.Equal(expiry))

	_, err := f.manager.CreateLicense(ctx, license.LicenseInput{})
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeValidation))

	_, err = f.manager.CreateLicense(ctx, license.LicenseInput{ProductID: "missing"})
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeNotFound))

	other := f.product(t)
	tier, err := f.manager.CreateTier(ctx, license.TierInput{ProductID: other.ID, Name: "Pro"})
	require.NoError(t, err)
	_, err = f.manager.CreateLicense(ctx, license.LicenseInput{ProductID: p.ID, TierID: tier.ID})
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeIntegrity))
}

// sequenceGenerator replays keys, then repeats the last one
type sequenceGenerator struct {
	mu   sync.Mutex
	keys []string
}

func (g *sequenceGenerator) Generate() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := g.keys[0]
	if len(g.keys) > 1 {
		g.keys = g.keys[1:]
	}
	return k, nil
}

func TestCreateLicense_RetriesCollisions(t *testing.T) {
	gen := &sequenceGenerator{keys: []string{"AAAAA", "AAAAA", "AAAAA", "BBBBB"}}
	f := newFixture(t, func(o *license.Options) {
		o.KeyGenerator = gen
		o.KeyGenAttempts = 3
	})
	p := f.product(t)

	first := f.license(t, license.LicenseInput{ProductID: p.ID})
	assert.Equal(t, "AAAAA", first.Key)

	second := f.license(t, license.LicenseInput{ProductID: p.ID})
	assert.Equal(t, "BBBBB", second.Key, "collisions with live keys are regenerated")
	assert.True(t, f.logs.ContainsMessage("license key collision, regenerating"))

	require.NoError(t, f.manager.DeleteLicense(context.Background(), "BBBBB"))
	_, err := f.manager.CreateLicense(context.Background(), license.LicenseInput{ProductID: p.ID})
	require.Error(t, err, "retired keys are never reissued")
	assert.True(t, errors.Is(err, license.ErrKeyCollision))
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeStorage))
}

func TestDeletePolicies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t)
	tier, err := f.manager.CreateTier(ctx, license.TierInput{ProductID: p.ID, Name: "Pro"})
	require.NoError(t, err)
	l := f.license(t, license.LicenseInput{ProductID: p.ID, TierID: tier.ID})

	err = f.manager.Delete(ctx, license.KindProduct, p.ID)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConflict))
	err = f.manager.Delete(ctx, license.KindTier, tier.ID)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConflict))

	require.NoError(t, f.manager.Delete(ctx, license.KindLicense, l.Key))
	require.NoError(t, f.manager.Delete(ctx, license.KindTier, tier.ID))
	require.NoError(t, f.manager.Delete(ctx, license.KindProduct, p.ID))

	err = f.manager.Delete(ctx, license.KindProduct, p.ID)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeNotFound))

	err = f.manager.Delete(ctx, license.EntityKind("coupon"), "x")
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeValidation))
	assert.False(t, license.EntityKind("coupon").Valid())
	assert.True(t, license.KindTier.Valid())
}

func TestListLicenses_Details(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t)
	tier, err := f.manager.CreateTier(ctx, license.TierInput{ProductID: p.ID, Name: "Pro"})
	require.NoError(t, err)

	past := f.clock.Now().Add(-time.Hour)
	f.license(t, license.LicenseInput{ProductID: p.ID})
	f.license(t, license.LicenseInput{ProductID: p.ID, TierID: tier.ID, ExpiryTime: &past})

	list, err := f.manager.ListLicenses(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, "Product P", list[0].ProductName)
	assert.Equal(t, license.FullAccessTier, list[0].TierName)
	assert.Equal(t, license.StatusUnbound, list[0].Status)

	assert.Equal(t, "Pro", list[1].TierName)
	assert.Equal(t, license.StatusExpired, list[1].Status)

	got, err := f.manager.GetLicense(ctx, " "+list[1].Key+" ")
	require.NoError(t, err)
	assert.Equal(t, list[1].Key, got.Key)
}

func TestClampLimit(t *testing.T) {
	f := newFixture(t, func(o *license.Options) {
		o.DefaultLimit = 100
		o.MaxLimit = 1000
	})

	assert.Equal(t, 100, f.manager.ClampLimit(0))
	assert.Equal(t, 100, f.manager.ClampLimit(-5))
	assert.Equal(t, 7, f.manager.ClampLimit(7))
	assert.Equal(t, 1000, f.manager.ClampLimit(5000))
}

func TestToggleAndReset_UnknownKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.SetActive(ctx, "NOPE", false)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeNotFound))

	_, err = f.manager.ResetHWID(ctx, "NOPE")
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeNotFound))
}
