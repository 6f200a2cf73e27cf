package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	apperrors "github.com/MacMoment/licensing/internal/errors"
)

// Options wires a Manager. Store and Audit are required.
type Options struct {
	Store          Store
	Audit          *AuditLogger
	Guard          Guard
	Metrics        *Metrics
	Logger         *slog.Logger
	KeyGenerator   KeyGenerator
	Location       *time.Location
	KeyGenAttempts int
	LockStripes    int
	DefaultLimit   int
	MaxLimit       int
	CatalogTTL     time.Duration
	CatalogSize    int
	Now            func() time.Time
}

// Manager is the entitlement engine: catalog administration, license
// issuance and lifecycle, validation and statistics.
type Manager struct {
	store   Store
	audit   *AuditLogger
	guard   Guard
	binder  *Binder
	metrics *Metrics
	logger  *slog.Logger
	keys    KeyGenerator
	locks   *keyLocks
	catalog *catalogCache

	location     *time.Location
	keyAttempts  int
	defaultLimit int
	maxLimit     int
	now          func() time.Time
}

// NewManager validates opts and builds a Manager
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("license manager requires a store")
	}
	if opts.Audit == nil {
		return nil, errors.New("license manager requires an audit logger")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.KeyGenerator == nil {
		opts.KeyGenerator = NewKeyGenerator()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.KeyGenAttempts <= 0 {
		opts.KeyGenAttempts = 8
	}
	if opts.LockStripes <= 0 {
		opts.LockStripes = 256
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 100
	}
	if opts.MaxLimit < opts.DefaultLimit {
		opts.MaxLimit = opts.DefaultLimit
	}
	if opts.CatalogTTL <= 0 {
		opts.CatalogTTL = 5 * time.Minute
	}
	if opts.CatalogSize == 0 {
		opts.CatalogSize = 1024
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Manager{
		store:        opts.Store,
		audit:        opts.Audit,
		guard:        opts.Guard,
		binder:       NewBinder(opts.Store, opts.Metrics),
		metrics:      opts.Metrics,
		logger:       opts.Logger.With(slog.String("component", "license_manager")),
		keys:         opts.KeyGenerator,
		locks:        newKeyLocks(opts.LockStripes),
		catalog:      newCatalogCache(opts.CatalogTTL, opts.CatalogSize),
		location:     opts.Location,
		keyAttempts:  opts.KeyGenAttempts,
		defaultLimit: opts.DefaultLimit,
		maxLimit:     opts.MaxLimit,
		now:          opts.Now,
	}, nil
}

// timestamp returns the current time at the millisecond precision the API
// and the SQL backends use
func (m *Manager) timestamp() time.Time {
	return m.now().UTC().Truncate(time.Millisecond)
}

// ============================================================================
// Products
// ============================================================================

// CreateProduct registers a product. The name is required.
func (m *Manager) CreateProduct(ctx context.Context, name, description string) (Product, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Product{}, apperrors.NewAppValidationError("product name is required")
	}

	p := Product{
		ID:          uuid.New().String(),
		Name:        name,
		Description: strings.TrimSpace(description),
		CreatedAt:   m.timestamp(),
	}
	if err := m.store.CreateProduct(ctx, p); err != nil {
		return Product{}, err
	}

	m.logger.InfoContext(ctx, "product created",
		slog.String("product_id", p.ID),
		slog.String("name", p.Name))
	return p, nil
}

// ListProducts returns products in creation order
func (m *Manager) ListProducts(ctx context.Context) ([]Product, error) {
	return m.store.ListProducts(ctx)
}

// DeleteProduct removes a product without tiers or licenses
func (m *Manager) DeleteProduct(ctx context.Context, id string) error {
	if err := m.store.DeleteProduct(ctx, id); err != nil {
		return err
	}
	m.catalog.invalidate(productCacheKey(id))
	m.logger.InfoContext(ctx, "product deleted", slog.String("product_id", id))
	return nil
}

// ============================================================================
// Tiers
// ============================================================================

// TierInput describes a tier to create
type TierInput struct {
	ProductID string
	Name      string
	Features  string
	MaxUsers  *int
}

// CreateTier adds a tier to an existing product. A MaxUsers of zero is
// treated as unlimited; negative values are rejected.
func (m *Manager) CreateTier(ctx context.Context, in TierInput) (Tier, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Tier{}, apperrors.NewAppValidationError("tier name is required")
	}

	maxUsers := in.MaxUsers
	if maxUsers != nil {
		switch {
		case *maxUsers < 0:
			return Tier{}, apperrors.NewAppValidationError("maxUsers must not be negative").
				WithContext("max_users", *maxUsers)
		case *maxUsers == 0:
			maxUsers = nil
		default:
			v := *maxUsers
			maxUsers = &v
		}
	}

	t := Tier{
		ID:        uuid.New().String(),
		ProductID: in.ProductID,
		Name:      name,
		Features:  strings.Join(splitFeatures(in.Features), ","),
		MaxUsers:  maxUsers,
		CreatedAt: m.timestamp(),
	}
	if err := m.store.CreateTier(ctx, t); err != nil {
		return Tier{}, err
	}

	m.logger.InfoContext(ctx, "tier created",
		slog.String("tier_id", t.ID),
		slog.String("product_id", t.ProductID),
		slog.String("name", t.Name))
	return t, nil
}

// ListTiers returns the tiers of a product in creation order
func (m *Manager) ListTiers(ctx context.Context, productID string) ([]Tier, error) {
	return m.store.ListTiers(ctx, productID)
}

// DeleteTier removes a tier no license refers to
func (m *Manager) DeleteTier(ctx context.Context, id string) error {
	if err := m.store.DeleteTier(ctx, id); err != nil {
		return err
	}
	m.catalog.invalidate(tierCacheKey(id))
	m.logger.InfoContext(ctx, "tier deleted", slog.String("tier_id", id))
	return nil
}

// ============================================================================
// Licenses
// ============================================================================

// LicenseInput describes a license to issue. An empty TierID grants full
// access; a nil ExpiryTime never expires.
type LicenseInput struct {
	ProductID  string
	TierID     string
	ExpiryTime *time.Time
}

// LicenseDetails is a license joined with its catalog names and status
type LicenseDetails struct {
	License
	ProductName string
	TierName    string
	Status      Status
}

// CreateLicense issues a new key for a product and optional tier
func (m *Manager) CreateLicense(ctx context.Context, in LicenseInput) (license License, err error) {
	ctx, finish := startSpan(ctx, "license.create", attribute.String("license.product_id", in.ProductID))
	defer func() { finish(err) }()

	if strings.TrimSpace(in.ProductID) == "" {
		return License{}, apperrors.NewAppValidationError("productId is required")
	}

	var expiry *time.Time
	if in.ExpiryTime != nil {
		e := in.ExpiryTime.UTC().Truncate(time.Millisecond)
		expiry = &e
	}

	for attempt := 1; attempt <= m.keyAttempts; attempt++ {
		key, genErr := m.keys.Generate()
		if genErr != nil {
			return License{}, apperrors.NewStorageError("generate license key", genErr)
		}

		l := License{
			Key:        key,
			ProductID:  in.ProductID,
			TierID:     in.TierID,
			ExpiryTime: expiry,
			Active:     true,
			CreatedAt:  m.timestamp(),
		}

		err = m.store.CreateLicense(ctx, l)
		if errors.Is(err, ErrKeyCollision) {
			m.logger.WarnContext(ctx, "license key collision, regenerating",
				slog.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return License{}, err
		}

		m.metrics.recordIssued(ctx)
		m.logger.InfoContext(ctx, "license issued",
			slog.String("license_key", MaskKey(l.Key)),
			slog.String("product_id", l.ProductID),
			slog.String("tier_id", l.TierID))
		return l, nil
	}

	return License{}, apperrors.NewStorageError(
		fmt.Sprintf("no unique license key after %d attempts", m.keyAttempts), ErrKeyCollision)
}

// GetLicense returns a license with its catalog names
func (m *Manager) GetLicense(ctx context.Context, key string) (LicenseDetails, error) {
	l, err := m.store.GetLicense(ctx, NormalizeKey(key))
	if err != nil {
		return LicenseDetails{}, err
	}
	return m.describe(ctx, l)
}

// ListLicenses returns licenses oldest first with their catalog names.
// limit <= 0 returns all licenses.
func (m *Manager) ListLicenses(ctx context.Context, limit int) ([]LicenseDetails, error) {
	licenses, err := m.store.ListLicenses(ctx, limit)
	if err != nil {
		return nil, err
	}

	out := make([]LicenseDetails, 0, len(licenses))
	for _, l := range licenses {
		d, err := m.describe(ctx, l)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// SetActive enables or disables a license. Repeating a call is harmless.
func (m *Manager) SetActive(ctx context.Context, key string, active bool) (LicenseDetails, error) {
	key = NormalizeKey(key)
	unlock := m.locks.lock(key)
	l, err := m.store.SetLicenseActive(ctx, key, active)
	unlock()
	if err != nil {
		return LicenseDetails{}, err
	}

	m.logger.InfoContext(ctx, "license active flag set",
		slog.String("license_key", MaskKey(key)),
		slog.Bool("active", active))
	return m.describe(ctx, l)
}

// ResetHWID unbinds a license so the next validation binds afresh
func (m *Manager) ResetHWID(ctx context.Context, key string) (LicenseDetails, error) {
	key = NormalizeKey(key)
	unlock := m.locks.lock(key)
	l, err := m.store.ResetBinding(ctx, key)
	unlock()
	if err != nil {
		return LicenseDetails{}, err
	}

	m.logger.InfoContext(ctx, "license binding reset", slog.String("license_key", MaskKey(key)))
	return m.describe(ctx, l)
}

// DeleteLicense removes a license. Its key is retired, never reissued.
func (m *Manager) DeleteLicense(ctx context.Context, key string) error {
	key = NormalizeKey(key)
	unlock := m.locks.lock(key)
	err := m.store.DeleteLicense(ctx, key)
	unlock()
	if err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "license deleted", slog.String("license_key", MaskKey(key)))
	return nil
}

// Delete removes an entity of the given kind
func (m *Manager) Delete(ctx context.Context, kind EntityKind, id string) error {
	del, ok := entityDeleters[kind]
	if !ok {
		return apperrors.NewAppValidationError(fmt.Sprintf("unknown entity kind %q", kind))
	}
	return del(m, ctx, id)
}

// ListLogs returns the newest validation records. limit <= 0 selects the
// default page and larger values are capped.
func (m *Manager) ListLogs(ctx context.Context, limit int) ([]ValidationLog, error) {
	return m.store.ListLogs(ctx, m.ClampLimit(limit))
}

// ClampLimit applies the default and maximum log page sizes
func (m *Manager) ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return m.defaultLimit
	case limit > m.maxLimit:
		return m.maxLimit
	default:
		return limit
	}
}

// Close drains the audit queue
func (m *Manager) Close(ctx context.Context) error {
	return m.audit.Close(ctx)
}

func (m *Manager) describe(ctx context.Context, l License) (LicenseDetails, error) {
	d := LicenseDetails{License: l, Status: l.Status(m.now()), TierName: FullAccessTier}

	p, err := m.product(ctx, l.ProductID)
	if err != nil {
		return LicenseDetails{}, err
	}
	d.ProductName = p.Name

	if l.HasTier() {
		t, err := m.tier(ctx, l.TierID)
		if err != nil {
			return LicenseDetails{}, err
		}
		d.TierName = t.Name
	}
	return d, nil
}

func (m *Manager) product(ctx context.Context, id string) (Product, error) {
	key := productCacheKey(id)
	if e, ok := m.catalog.get(key, m.now()); ok {
		return e.product, nil
	}
	p, err := m.store.GetProduct(ctx, id)
	if err != nil {
		return Product{}, err
	}
	m.catalog.put(key, catalogEntry{product: p, cachedAt: m.now()})
	return p, nil
}

func (m *Manager) tier(ctx context.Context, id string) (Tier, error) {
	key := tierCacheKey(id)
	if e, ok := m.catalog.get(key, m.now()); ok {
		return e.tier, nil
	}
	t, err := m.store.GetTier(ctx, id)
	if err != nil {
		return Tier{}, err
	}
	m.catalog.put(key, catalogEntry{tier: t, cachedAt: m.now()})
	return t, nil
}
