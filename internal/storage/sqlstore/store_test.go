package sqlstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/MacMoment/licensing/internal/config"
	apperrors "github.com/MacMoment/licensing/internal/errors"
	"github.com/MacMoment/licensing/internal/license"
	"github.com/MacMoment/licensing/internal/shared/testutil"
	"github.com/MacMoment/licensing/internal/storage/storetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	logger, _ := testutil.NewTestLogger(t)
	s, err := Open(config.StorageConfig{
		Driver:       config.DriverSQLite,
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		AutoMigrate:  true,
	}, logger)
	require.NoError(t, err)
	return s
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) license.Store { return openTestStore(t) })
}

func TestNewDialector(t *testing.T) {
	_, err := NewDialector(config.StorageConfig{Driver: config.DriverSQLite, DSN: "file::memory:"})
	assert.NoError(t, err)

	_, err = NewDialector(config.StorageConfig{Driver: config.DriverPostgres, DSN: "host=localhost"})
	assert.NoError(t, err)

	_, err = NewDialector(config.StorageConfig{Driver: config.DriverMemory})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeConfig))
}

func TestPingAfterClose(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Close())

	err := s.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTypeStorage))
}

func TestOpen_SQLiteSerializesWriters(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	s, err := Open(config.StorageConfig{
		Driver:       config.DriverSQLite,
		DSN:          filepath.Join(t.TempDir(), "licenses.db"),
		MaxOpenConns: 10,
		MaxIdleConns: 5,
		AutoMigrate:  true,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	sqlDB, err := s.db.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)

	ctx := context.Background()
	require.NoError(t, s.CreateProduct(ctx, license.Product{ID: "p1", Name: "P", CreatedAt: time.Now()}))
	const n = 40
	for i := 0; i < n; i++ {
		require.NoError(t, s.CreateLicense(ctx, license.License{
			Key: fmt.Sprintf("K%02d", i), ProductID: "p1", Active: true, CreatedAt: time.Now(),
		}))
	}

	var g errgroup.Group
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("K%02d", i)
		g.Go(func() error {
			if _, _, err := s.BindLicense(ctx, key, "HW-"+key, "192.0.2.1", time.Now()); err != nil {
				return err
			}
			return s.AppendLog(ctx, &license.ValidationLog{Timestamp: time.Now(), LicenseKey: key, Success: true})
		})
	}
	require.NoError(t, g.Wait(), "writes on distinct licenses never fail with a locked database")

	logs, err := s.ListLogs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, logs, n)
}
