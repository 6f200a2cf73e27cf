package license_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/MacMoment/licensing/internal/errors"
	"github.com/MacMoment/licensing/internal/license"
	"github.com/MacMoment/licensing/internal/shared/testutil"
)

func (f *fixture) validate(t *testing.T, key, hwid string) license.Verdict {
	t.Helper()
	v, err := f.manager.Validate(context.Background(), license.ValidationRequest{Key: key, HWID: hwid, IP: "198.51.100.7"})
	require.NoError(t, err)
	return v
}

func TestValidate_WorkedExample(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t)

	expiry := f.clock.Now().Add(365 * 24 * time.Hour)
	l := f.license(t, license.LicenseInput{ProductID: p.ID, ExpiryTime: &expiry})
	k := l.Key

	v := f.validate(t, k, "HW1")
	assert.True(t, v.Valid)
	assert.True(t, v.Bound)
	assert.Equal(t, license.FullAccessTier, v.Tier)
	got, err := f.manager.GetLicense(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, "HW1", got.HWID)

	v = f.validate(t, k, "HW2")
	assert.False(t, v.Valid)
	assert.Equal(t, license.ReasonHwidMismatch, v.Reason)

	_, err = f.manager.SetActive(ctx, k, false)
	require.NoError(t, err)
	v = f.validate(t, k, "HW1")
	assert.Equal(t, license.ReasonInactive, v.Reason)

	_, err = f.manager.ResetHWID(ctx, k)
	require.NoError(t, err)
	_, err = f.manager.SetActive(ctx, k, true)
	require.NoError(t, err)

	v = f.validate(t, k, "HW2")
	assert.True(t, v.Valid)
	got, err = f.manager.GetLicense(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, "HW2", got.HWID)

	f.flush(t)
	logs, err := f.manager.ListLogs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 4, "one record per validation")
	assert.True(t, logs[0].Success)
	assert.Equal(t, license.ReasonInactive, logs[1].Reason)
	assert.Equal(t, license.ReasonHwidMismatch, logs[2].Reason)
	assert.True(t, logs[3].Success)
	assert.Equal(t, "Product P", logs[3].ProductName)
}

func TestValidate_DecisionOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t)
	other := f.product(t)

	past := f.clock.Now().Add(-time.Minute)
	tests := []struct {
		name      string
		setup     func(t *testing.T) string
		productID string
		want      license.Reason
	}{
		{
			name:  "unknown key",
			setup: func(t *testing.T) string { return "ZZZZZ-ZZZZZ-ZZZZZ-ZZZZZ-ZZZZZ" },
			want:  license.ReasonNotFound,
		},
		{
			name: "product mismatch before inactive",
			setup: func(t *testing.T) string {
				l := f.license(t, license.LicenseInput{ProductID: p.ID})
				_, err := f.manager.SetActive(ctx, l.Key, false)
				require.NoError(t, err)
				return l.Key
			},
			productID: other.ID,
			want:      license.ReasonProductMismatch,
		},
		{
			name: "inactive before expired",
			setup: func(t *testing.T) string {
				l := f.license(t, license.LicenseInput{ProductID: p.ID, ExpiryTime: &past})
				_, err := f.manager.SetActive(ctx, l.Key, false)
				require.NoError(t, err)
				return l.Key
			},
			want: license.ReasonInactive,
		},
		{
			name: "expired before binding",
			setup: func(t *testing.T) string {
				return f.license(t, license.LicenseInput{ProductID: p.ID, ExpiryTime: &past}).Key
			},
			want: license.ReasonExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := tt.setup(t)
			v, err := f.manager.Validate(ctx, license.ValidationRequest{Key: key, HWID: "HW1", ProductID: tt.productID})
			require.NoError(t, err)
			assert.False(t, v.Valid)
			assert.Equal(t, tt.want, v.Reason)
			assert.Equal(t, tt.want.Message(), v.Message)
			assert.Empty(t, v.AllowedFeatures)

			if tt.want != license.ReasonNotFound {
				got, err := f.manager.GetLicense(ctx, key)
				require.NoError(t, err)
				assert.Empty(t, got.HWID, "a rejected license never binds")
			}
		})
	}
}

func TestValidate_DeadKeyNeverBinds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t)

	expiry := f.clock.Now().Add(time.Hour)
	l := f.license(t, license.LicenseInput{ProductID: p.ID, ExpiryTime: &expiry})

	f.clock.Advance(2 * time.Hour)
	v := f.validate(t, l.Key, "HW1")
	assert.Equal(t, license.ReasonExpired, v.Reason)

	got, err := f.manager.GetLicense(ctx, l.Key)
	require.NoError(t, err)
	assert.Empty(t, got.HWID)
	assert.Equal(t, license.StatusExpired, got.Status)
}

func TestValidate_ExpiryBoundary(t *testing.T) {
	f := newFixture(t)
	p := f.product(t)

	expiry := f.clock.Now()
	l := f.license(t, license.LicenseInput{ProductID: p.ID, ExpiryTime: &expiry})

	assert.True(t, f.validate(t, l.Key, "HW1").Valid, "valid up to and including the expiry instant")

	f.clock.Advance(time.Millisecond)
	assert.Equal(t, license.ReasonExpired, f.validate(t, l.Key, "HW1").Reason)
}

func TestValidate_TierEntitlements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t)

	users := 3
	tier, err := f.manager.CreateTier(ctx, license.TierInput{ProductID: p.ID, Name: "Team", Features: "export,api", MaxUsers: &users})
	require.NoError(t, err)
	expiry := f.clock.Now().Add(24 * time.Hour)
	l := f.license(t, license.LicenseInput{ProductID: p.ID, TierID: tier.ID, ExpiryTime: &expiry})

	v, err := f.manager.Validate(ctx, license.ValidationRequest{
		Key: l.Key, HWID: "HW1", IP: "203.0.113.9", ProductID: p.ID,
	})
	require.NoError(t, err)
	require.True(t, v.Valid)
	assert.Equal(t, "Team", v.Tier)
	assert.Equal(t, []string{"export", "api"}, v.AllowedFeatures)
	require.NotNil(t, v.MaxUsers)
	assert.Equal(t, 3, *v.MaxUsers)
	require.NotNil(t, v.ExpiryTime)
	assert.True(t, v.ExpiryTime.Equal(expiry))

	got, err := f.manager.GetLicense(ctx, l.Key)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", got.IP)
	require.NotNil(t, got.LastValidated)
	assert.True(t, got.LastValidated.Equal(f.clock.Now()))
}

func TestValidate_NormalisesKey(t *testing.T) {
	f := newFixture(t)
	p := f.product(t)
	l := f.license(t, license.LicenseInput{ProductID: p.ID})

	v := f.validate(t, "  "+toLower(l.Key)+"\n", "HW1")
	assert.True(t, v.Valid)
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}

func TestValidate_MalformedRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Validate(ctx, license.ValidationRequest{HWID: "HW1"})
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeValidation))

	_, err = f.manager.Validate(ctx, license.ValidationRequest{Key: "ABC", HWID: "  "})
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeValidation))

	f.flush(t)
	logs, err := f.manager.ListLogs(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, logs, "malformed requests are not validation attempts")
}

func TestValidate_ConcurrentFirstBind(t *testing.T) {
	f := newFixture(t)
	p := f.product(t)
	l := f.license(t, license.LicenseInput{ProductID: p.ID})

	const callers = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []string
		binds    int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(hwid string) {
			defer wg.Done()
			v, err := f.manager.Validate(context.Background(), license.ValidationRequest{Key: l.Key, HWID: hwid})
			assert.NoError(t, err)

			mu.Lock()
			defer mu.Unlock()
			if v.Valid {
				accepted = append(accepted, hwid)
			}
			if v.Bound {
				binds++
			}
		}(fmt.Sprintf("HW%02d", i))
	}
	wg.Wait()

	require.Len(t, accepted, 1, "exactly one caller wins the first bind")
	assert.Equal(t, 1, binds)

	got, err := f.manager.GetLicense(context.Background(), l.Key)
	require.NoError(t, err)
	assert.Equal(t, accepted[0], got.HWID)

	f.flush(t)
	logs, err := f.manager.ListLogs(context.Background(), 1000)
	require.NoError(t, err)
	assert.Len(t, logs, callers)
}

func TestValidate_ConcurrentDistinctLicenses(t *testing.T) {
	f := newFixture(t)
	p := f.product(t)

	keys := make([]string, 16)
	for i := range keys {
		keys[i] = f.license(t, license.LicenseInput{ProductID: p.ID}).Key
	}

	var wg sync.WaitGroup
	for i, k := range keys {
		wg.Add(1)
		go func(key, hwid string) {
			defer wg.Done()
			v, err := f.manager.Validate(context.Background(), license.ValidationRequest{Key: key, HWID: hwid})
			assert.NoError(t, err)
			assert.True(t, v.Valid)
		}(k, fmt.Sprintf("HW%d", i))
	}
	wg.Wait()
}

func newGuardedFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	guard := license.NewMemoryGuard(license.GuardConfig{
		MaxFailures: 3, Window: time.Minute, BlockDuration: time.Hour,
	}, logger)
	t.Cleanup(guard.Stop)

	return newFixture(t, func(o *license.Options) { o.Guard = guard })
}

func TestValidate_GuardBlocksRepeatedUnknownKeys(t *testing.T) {
	f := newGuardedFixture(t)
	ctx := context.Background()
	p := f.product(t)
	l := f.license(t, license.LicenseInput{ProductID: p.ID})

	bogus := license.ValidationRequest{Key: "NOT-A-KEY", HWID: "HW1", CallerIP: "192.0.2.66"}
	for i := 0; i < 3; i++ {
		v, err := f.manager.Validate(ctx, bogus)
		require.NoError(t, err)
		assert.Equal(t, license.ReasonNotFound, v.Reason)
	}

	v, err := f.manager.Validate(ctx, license.ValidationRequest{Key: l.Key, HWID: "HW1", CallerIP: "192.0.2.66"})
	require.NoError(t, err)
	assert.Equal(t, license.ReasonBlocked, v.Reason, "even a real key is refused once blocked")

	v, err = f.manager.Validate(ctx, license.ValidationRequest{Key: l.Key, HWID: "HW1", CallerIP: "192.0.2.1"})
	require.NoError(t, err)
	assert.True(t, v.Valid, "other callers are unaffected")

	f.flush(t)
	logs, err := f.manager.ListLogs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 5)
	assert.Equal(t, license.ReasonBlocked, logs[1].Reason)
	testutil.AssertLogContains(t, f.logs, slog.LevelWarn, "caller blocked after repeated unknown keys")
}

func TestValidate_GuardIgnoresReportedIP(t *testing.T) {
	f := newGuardedFixture(t)
	ctx := context.Background()
	p := f.product(t)
	l := f.license(t, license.LicenseInput{ProductID: p.ID})

	const attacker, victim = "198.51.100.7", "203.0.113.9"

	for i := 0; i < 10; i++ {
		v, err := f.manager.Validate(ctx, license.ValidationRequest{
			Key: "NOT-A-KEY", HWID: "HW1", IP: victim, CallerIP: attacker,
		})
		require.NoError(t, err)
		if i >= 3 {
			assert.Equal(t, license.ReasonBlocked, v.Reason, "attempt %d", i)
		}
	}

	v, err := f.manager.Validate(ctx, license.ValidationRequest{Key: l.Key, HWID: "HW1", IP: victim, CallerIP: victim})
	require.NoError(t, err)
	assert.True(t, v.Valid, "a reported ip never blocks the address it names")

	var last license.Verdict
	for i := 0; i < 10; i++ {
		last, err = f.manager.Validate(ctx, license.ValidationRequest{
			Key: "NOT-A-KEY", HWID: "HW1", IP: fmt.Sprintf("192.0.2.%d", i), CallerIP: "198.51.100.8",
		})
		require.NoError(t, err)
	}
	assert.Equal(t, license.ReasonBlocked, last.Reason, "rotating the reported ip does not evade the block")

	f.flush(t)
	logs, err := f.manager.ListLogs(ctx, 0)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "192.0.2.9", logs[0].IP, "the reported ip is still what gets recorded")

	got, err := f.manager.GetLicense(ctx, l.Key)
	require.NoError(t, err)
	assert.Equal(t, victim, got.IP)
}

// faultyStore fails the chosen write operations and passes everything else
// to the wrapped store
type faultyStore struct {
	license.Store
	bindErr  error
	touchErr error
}

func (s *faultyStore) BindLicense(ctx context.Context, key, hwid, ip string, at time.Time) (license.License, bool, error) {
	if s.bindErr != nil {
		return license.License{}, false, s.bindErr
	}
	return s.Store.BindLicense(ctx, key, hwid, ip, at)
}

func (s *faultyStore) TouchLicense(ctx context.Context, key, ip string, at time.Time) error {
	if s.touchErr != nil {
		return s.touchErr
	}
	return s.Store.TouchLicense(ctx, key, ip, at)
}

func TestValidate_StoreFaultMidValidation(t *testing.T) {
	diskFull := apperrors.NewStorageError("touch license", errors.New("disk full"))

	t.Run("first bind records ip and time in one write", func(t *testing.T) {
		faulty := &faultyStore{touchErr: diskFull}
		f := newFixture(t, func(o *license.Options) {
			faulty.Store = o.Store
			o.Store = faulty
		})
		ctx := context.Background()
		p := f.product(t)
		l := f.license(t, license.LicenseInput{ProductID: p.ID})

		v, err := f.manager.Validate(ctx, license.ValidationRequest{Key: l.Key, HWID: "HW1", IP: "203.0.113.9"})
		require.NoError(t, err)
		assert.True(t, v.Bound)

		got, err := f.manager.GetLicense(ctx, l.Key)
		require.NoError(t, err)
		assert.Equal(t, "HW1", got.HWID)
		assert.Equal(t, "203.0.113.9", got.IP)
		require.NotNil(t, got.LastValidated)

		_, err = f.manager.Validate(ctx, license.ValidationRequest{Key: l.Key, HWID: "HW1"})
		assert.True(t, apperrors.IsType(err, apperrors.ErrTypeStorage))

		f.flush(t)
		logs, err := f.manager.ListLogs(ctx, 0)
		require.NoError(t, err)
		require.Len(t, logs, 2, "the failed attempt still leaves a record")
		assert.False(t, logs[0].Success)
		assert.Equal(t, license.ReasonStoreFailure, logs[0].Reason)
		assert.Equal(t, "Product P", logs[0].ProductName)
		assert.True(t, logs[1].Success)
	})

	t.Run("failed bind leaves the license unbound", func(t *testing.T) {
		faulty := &faultyStore{bindErr: diskFull}
		f := newFixture(t, func(o *license.Options) {
			faulty.Store = o.Store
			o.Store = faulty
		})
		ctx := context.Background()
		p := f.product(t)
		l := f.license(t, license.LicenseInput{ProductID: p.ID})

		_, err := f.manager.Validate(ctx, license.ValidationRequest{Key: l.Key, HWID: "HW1"})
		require.Error(t, err)

		got, err := f.manager.GetLicense(ctx, l.Key)
		require.NoError(t, err)
		assert.Empty(t, got.HWID)
		assert.Nil(t, got.LastValidated)

		f.flush(t)
		logs, err := f.manager.ListLogs(ctx, 0)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, license.ReasonStoreFailure, logs[0].Reason)
	})
}

func TestValidate_NotFoundLoggedAsWarning(t *testing.T) {
	f := newFixture(t)
	f.validate(t, "UNKNOWN", "HW1")

	warnings := f.logs.GetRecordsByLevel(slog.LevelWarn)
	require.NotEmpty(t, warnings)
	assert.Equal(t, "license validation", warnings[0].Message)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.product(t)
	_, err := f.manager.CreateTier(ctx, license.TierInput{ProductID: p.ID, Name: "Pro"})
	require.NoError(t, err)

	past := f.clock.Now().Add(-time.Hour)
	future := f.clock.Now().Add(time.Hour)
	good := f.license(t, license.LicenseInput{ProductID: p.ID, ExpiryTime: &future})
	f.license(t, license.LicenseInput{ProductID: p.ID, ExpiryTime: &past})
	off := f.license(t, license.LicenseInput{ProductID: p.ID})
	_, err = f.manager.SetActive(ctx, off.Key, false)
	require.NoError(t, err)

	const n, m = 3, 2
	for i := 0; i < n; i++ {
		require.True(t, f.validate(t, good.Key, "HW1").Valid)
	}
	for i := 0; i < m; i++ {
		require.False(t, f.validate(t, good.Key, "OTHER").Valid)
	}
	f.flush(t)

	stats, err := f.manager.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalProducts)
	assert.Equal(t, int64(1), stats.TotalTiers)
	assert.Equal(t, int64(3), stats.TotalLicenses)
	assert.Equal(t, int64(1), stats.ActiveLicenses)
	assert.Equal(t, int64(1), stats.ExpiredLicenses)
	assert.Equal(t, int64(n+m), stats.ValidationsToday)

	f.clock.Advance(24 * time.Hour)
	stats, err = f.manager.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.ValidationsToday, "a new day starts the count again")
}

func TestDayStart(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	at := time.Date(2025, 5, 20, 20, 0, 0, 0, time.UTC)

	assert.True(t, license.DayStart(at, nil).Equal(time.Date(2025, 5, 20, 0, 0, 0, 0, time.UTC)))
	assert.True(t, license.DayStart(at, tokyo).Equal(time.Date(2025, 5, 21, 0, 0, 0, 0, tokyo)))
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t)
	hc := license.NewHealthCheck(f.manager, license.DefaultHealthCheckConfig())

	result := hc.Perform(context.Background())
	assert.Equal(t, license.HealthStatusHealthy, result.OverallStatus)
	assert.Len(t, result.Components, 4)
	assert.Equal(t, "Guard disabled", result.Components["guard"].Message)
	require.NoError(t, hc.Ready(context.Background()))
}
