// Package sqlstore is a license.Store on a relational database through gorm.
// SQLite and PostgreSQL are supported. Several server instances may share
// one database: hardware binding is a conditional update, so only one of
// them can bind an unbound license.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"github.com/MacMoment/licensing/internal/config"
	apperrors "github.com/MacMoment/licensing/internal/errors"
	"github.com/MacMoment/licensing/internal/license"
)

// Store implements license.Store on gorm
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

var _ license.Store = (*Store)(nil)

// NewDialector picks the gorm dialector for a storage driver
func NewDialector(cfg config.StorageConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return sqlite.Open(cfg.DSN), nil
	case config.DriverPostgres:
		return postgres.Open(cfg.DSN), nil
	default:
		return nil, apperrors.NewConfigError(fmt.Sprintf("no sql dialect for driver %q", cfg.Driver), nil)
	}
}

// Open connects, tunes the pool and migrates the schema when configured
func Open(cfg config.StorageConfig, logger *slog.Logger) (*Store, error) {
	dialector, err := NewDialector(cfg)
	if err != nil {
		return nil, err
	}

	level := gormlogger.Warn
	if cfg.LogQueries {
		level = gormlogger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		DisableAutomaticPing: true,
		TranslateError:       true,
		NamingStrategy:       schema.NamingStrategy{SingularTable: false},
		Logger: gormlogger.New(slogWriter{logger}, gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, apperrors.NewStorageError("open database", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, apperrors.NewStorageError("database handle", err)
	}
	tunePool(sqlDB, cfg)

	s := &Store{db: db, logger: logger.With(slog.String("component", "sql_store"))}
	if cfg.AutoMigrate {
		if err := s.Migrate(); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}

	s.logger.Info("sql store opened",
		slog.String("driver", cfg.Driver),
		slog.Bool("auto_migrate", cfg.AutoMigrate))
	return s, nil
}

// tunePool applies the pool settings. SQLite admits one writer at a time,
// so its pool is a single long lived connection that writers queue on; the
// configured sizes only apply to PostgreSQL.
func tunePool(sqlDB *sql.DB, cfg config.StorageConfig) {
	if cfg.Driver == config.DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
		return
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

// Migrate creates or updates the tables
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&productRow{}, &tierRow{}, &licenseRow{}, &retiredKeyRow{}, &logRow{}); err != nil {
		return apperrors.NewStorageError("migrate schema", err)
	}
	return nil
}

// ============================================================================
// Products
// ============================================================================

func (s *Store) CreateProduct(ctx context.Context, p license.Product) error {
	row := productRow{ID: p.ID, Name: p.Name, Description: p.Description, CreatedMs: toMs(p.CreatedAt)}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apperrors.NewConflictError("product id already exists")
		}
		return storageErr("create product", err)
	}
	return nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (license.Product, error) {
	var row productRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return license.Product{}, lookupErr("product", err)
	}
	return productFromRow(row), nil
}

func (s *Store) ListProducts(ctx context.Context) ([]license.Product, error) {
	var rows []productRow
	if err := s.db.WithContext(ctx).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, storageErr("list products", err)
	}
	out := make([]license.Product, 0, len(rows))
	for _, r := range rows {
		out = append(out, productFromRow(r))
	}
	return out, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	return s.tx(ctx, "delete product", func(tx *gorm.DB) error {
		if err := exists(tx, &productRow{}, "id = ?", id, "product"); err != nil {
			return err
		}
		if n, err := count(tx, &tierRow{}, "product_id = ?", id); err != nil {
			return err
		} else if n > 0 {
			return apperrors.NewConflictError("product still has tiers").WithContext("product_id", id)
		}
		if n, err := count(tx, &licenseRow{}, "product_id = ?", id); err != nil {
			return err
		} else if n > 0 {
			return apperrors.NewConflictError("product still has licenses").WithContext("product_id", id)
		}
		return tx.Where("id = ?", id).Delete(&productRow{}).Error
	})
}

// ============================================================================
// Tiers
// ============================================================================

func (s *Store) CreateTier(ctx context.Context, t license.Tier) error {
	return s.tx(ctx, "create tier", func(tx *gorm.DB) error {
		if err := exists(tx, &productRow{}, "id = ?", t.ProductID, "product"); err != nil {
			return err
		}
		row := tierRow{
			ID:        t.ID,
			ProductID: t.ProductID,
			Name:      t.Name,
			Features:  t.Features,
			MaxUsers:  t.MaxUsers,
			CreatedMs: toMs(t.CreatedAt),
		}
		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return apperrors.NewConflictError("tier id already exists")
			}
			return err
		}
		return nil
	})
}

func (s *Store) GetTier(ctx context.Context, id string) (license.Tier, error) {
	var row tierRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return license.Tier{}, lookupErr("tier", err)
	}
	return tierFromRow(row), nil
}

func (s *Store) ListTiers(ctx context.Context, productID string) ([]license.Tier, error) {
	var out []license.Tier
	err := s.tx(ctx, "list tiers", func(tx *gorm.DB) error {
		if err := exists(tx, &productRow{}, "id = ?", productID, "product"); err != nil {
			return err
		}
		var rows []tierRow
		if err := tx.Where("product_id = ?", productID).Order("created_at, id").Find(&rows).Error; err != nil {
			return err
		}
		out = make([]license.Tier, 0, len(rows))
		for _, r := range rows {
			out = append(out, tierFromRow(r))
		}
		return nil
	})
	return out, err
}

func (s *Store) DeleteTier(ctx context.Context, id string) error {
	return s.tx(ctx, "delete tier", func(tx *gorm.DB) error {
		if err := exists(tx, &tierRow{}, "id = ?", id, "tier"); err != nil {
			return err
		}
		if n, err := count(tx, &licenseRow{}, "tier_id = ?", id); err != nil {
			return err
		} else if n > 0 {
			return apperrors.NewConflictError("tier still has licenses").WithContext("tier_id", id)
		}
		return tx.Where("id = ?", id).Delete(&tierRow{}).Error
	})
}

// ============================================================================
// Licenses
// ============================================================================

func (s *Store) CreateLicense(ctx context.Context, l license.License) error {
	return s.tx(ctx, "create license", func(tx *gorm.DB) error {
		if err := exists(tx, &productRow{}, "id = ?", l.ProductID, "product"); err != nil {
			return err
		}
		if l.HasTier() {
			var tier tierRow
			if err := tx.Where("id = ?", l.TierID).Take(&tier).Error; err != nil {
				return lookupErr("tier", err)
			}
			if tier.ProductID != l.ProductID {
				return apperrors.NewIntegrityError("tier does not belong to product").
					WithContext("tier_id", l.TierID).
					WithContext("product_id", l.ProductID)
			}
		}
		if n, err := count(tx, &retiredKeyRow{}, "license_key = ?", l.Key); err != nil {
			return err
		} else if n > 0 {
			return license.ErrKeyCollision
		}

		row := licenseToRow(l)
		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return license.ErrKeyCollision
			}
			return err
		}
		return nil
	})
}

func (s *Store) GetLicense(ctx context.Context, key string) (license.License, error) {
	return getLicense(s.db.WithContext(ctx), key)
}

func (s *Store) ListLicenses(ctx context.Context, limit int) ([]license.License, error) {
	q := s.db.WithContext(ctx).Order("created_at, license_key")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []licenseRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, storageErr("list licenses", err)
	}
	out := make([]license.License, 0, len(rows))
	for _, r := range rows {
		out = append(out, licenseFromRow(r))
	}
	return out, nil
}

func (s *Store) DeleteLicense(ctx context.Context, key string) error {
	return s.tx(ctx, "delete license", func(tx *gorm.DB) error {
		res := tx.Where("license_key = ?", key).Delete(&licenseRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.NewNotFoundError("license")
		}
		return tx.Create(&retiredKeyRow{Key: key, RetiredMs: toMs(time.Now())}).Error
	})
}

func (s *Store) SetLicenseActive(ctx context.Context, key string, active bool) (license.License, error) {
	return s.updateLicense(ctx, "set license active", key, map[string]interface{}{"active": active})
}

func (s *Store) ResetBinding(ctx context.Context, key string) (license.License, error) {
	return s.updateLicense(ctx, "reset binding", key, map[string]interface{}{"hwid": "", "ip": ""})
}

// BindLicense only writes hwid while the stored value is still empty. The
// ip and validation time go in the same conditional update.
func (s *Store) BindLicense(ctx context.Context, key, hwid, ip string, at time.Time) (license.License, bool, error) {
	var (
		out license.License
		won bool
	)
	err := s.tx(ctx, "bind license", func(tx *gorm.DB) error {
		updates := touchUpdates(ip, at)
		updates["hwid"] = hwid
		res := tx.Model(&licenseRow{}).
			Where("license_key = ? AND hwid = ''", key).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		won = res.RowsAffected == 1

		l, err := getLicense(tx, key)
		if err != nil {
			return err
		}
		out = l
		return nil
	})
	return out, won, err
}

func (s *Store) TouchLicense(ctx context.Context, key, ip string, at time.Time) error {
	_, err := s.updateLicense(ctx, "touch license", key, touchUpdates(ip, at))
	return err
}

func touchUpdates(ip string, at time.Time) map[string]interface{} {
	updates := map[string]interface{}{"last_validated": toMs(at)}
	if ip != "" {
		updates["ip"] = ip
	}
	return updates
}

func (s *Store) updateLicense(ctx context.Context, op, key string, updates map[string]interface{}) (license.License, error) {
	var out license.License
	err := s.tx(ctx, op, func(tx *gorm.DB) error {
		if err := exists(tx, &licenseRow{}, "license_key = ?", key, "license"); err != nil {
			return err
		}
		if err := tx.Model(&licenseRow{}).Where("license_key = ?", key).Updates(updates).Error; err != nil {
			return err
		}
		l, err := getLicense(tx, key)
		if err != nil {
			return err
		}
		out = l
		return nil
	})
	return out, err
}

// ============================================================================
// Validation logs
// ============================================================================

func (s *Store) AppendLog(ctx context.Context, entry *license.ValidationLog) error {
	row := logRow{
		TimestampMs: toMs(entry.Timestamp),
		LicenseKey:  entry.LicenseKey,
		ProductName: entry.ProductName,
		HWID:        entry.HWID,
		IP:          entry.IP,
		Success:     entry.Success,
		Reason:      string(entry.Reason),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return storageErr("append validation log", err)
	}
	entry.ID = row.ID
	return nil
}

func (s *Store) ListLogs(ctx context.Context, limit int) ([]license.ValidationLog, error) {
	q := s.db.WithContext(ctx).Order("timestamp DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []logRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, storageErr("list validation logs", err)
	}
	out := make([]license.ValidationLog, 0, len(rows))
	for _, r := range rows {
		out = append(out, logFromRow(r))
	}
	return out, nil
}

// ============================================================================
// Stats
// ============================================================================

// Counts runs the independent count queries concurrently
func (s *Store) Counts(ctx context.Context, now, dayStart time.Time) (license.Stats, error) {
	var stats license.Stats
	nowMs := toMs(now)

	g, gctx := errgroup.WithContext(ctx)
	db := s.db.WithContext(gctx)

	g.Go(func() error {
		return db.Model(&productRow{}).Count(&stats.TotalProducts).Error
	})
	g.Go(func() error {
		return db.Model(&tierRow{}).Count(&stats.TotalTiers).Error
	})
	g.Go(func() error {
		return db.Model(&licenseRow{}).Count(&stats.TotalLicenses).Error
	})
	g.Go(func() error {
		return db.Model(&licenseRow{}).
			Where("active = ? AND (expiry_time IS NULL OR expiry_time >= ?)", true, nowMs).
			Count(&stats.ActiveLicenses).Error
	})
	g.Go(func() error {
		return db.Model(&licenseRow{}).
			Where("expiry_time IS NOT NULL AND expiry_time < ?", nowMs).
			Count(&stats.ExpiredLicenses).Error
	})
	g.Go(func() error {
		return db.Model(&logRow{}).
			Where("timestamp >= ?", toMs(dayStart)).
			Count(&stats.ValidationsToday).Error
	})

	if err := g.Wait(); err != nil {
		return license.Stats{}, storageErr("compute stats", err)
	}
	return stats, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return storageErr("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ============================================================================
// Helpers
// ============================================================================

// tx runs fn in a transaction. Domain errors pass through; anything else is
// reported as a storage fault.
func (s *Store) tx(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	err := s.db.WithContext(ctx).Transaction(fn)
	if err == nil {
		return nil
	}
	if apperrors.TypeOf(err) != "" || errors.Is(err, license.ErrKeyCollision) {
		return err
	}
	return storageErr(op, err)
}

func getLicense(db *gorm.DB, key string) (license.License, error) {
	var row licenseRow
	if err := db.Where("license_key = ?", key).Take(&row).Error; err != nil {
		return license.License{}, lookupErr("license", err)
	}
	return licenseFromRow(row), nil
}

func exists(tx *gorm.DB, model interface{}, where string, arg interface{}, resource string) error {
	n, err := count(tx, model, where, arg)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NewNotFoundError(resource)
	}
	return nil
}

func count(tx *gorm.DB, model interface{}, where string, arg interface{}) (int64, error) {
	var n int64
	err := tx.Model(model).Where(where, arg).Count(&n).Error
	return n, err
}

func lookupErr(resource string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.NewNotFoundError(resource)
	}
	return storageErr("get "+resource, err)
}

func storageErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return apperrors.NewStorageError(op, err)
}

// slogWriter routes gorm's logger through slog
type slogWriter struct {
	logger *slog.Logger
}

func (w slogWriter) Printf(format string, args ...interface{}) {
	w.logger.Debug(fmt.Sprintf(format, args...), slog.String("component", "gorm"))
}
