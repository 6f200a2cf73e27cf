package license

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	apperrors "github.com/MacMoment/licensing/internal/errors"
)

// ValidationRequest is one check-in from an installed client. ProductID is
// optional; when set the license must belong to that product.
type ValidationRequest struct {
	Key       string
	HWID      string
	// IP is the address the client reports about itself. It is advisory:
	// stored on the license and written to the audit trail, nothing more.
	IP        string
	// CallerIP is the address the request arrived from. The abuse guard is
	// keyed on it alone.
	CallerIP  string
	ProductID string
}

// Verdict is the outcome of a validation. Entitlement fields are only set
// on an accepted verdict.
type Verdict struct {
	Valid           bool
	Reason          Reason
	Message         string
	Tier            string
	ExpiryTime      *time.Time
	AllowedFeatures []string
	MaxUsers        *int
	Timestamp       time.Time
	// Bound is true when this validation performed the first bind
	Bound bool
}

func reject(reason Reason, at time.Time) Verdict {
	return Verdict{
		Reason:          reason,
		Message:         reason.Message(),
		AllowedFeatures: []string{},
		Timestamp:       at,
	}
}

// Validate decides whether req may use its license. Rejections are returned
// as verdicts; an error means the request was malformed or the store failed.
// Every verdict is paired with exactly one validation log record.
func (m *Manager) Validate(ctx context.Context, req ValidationRequest) (verdict Verdict, err error) {
	req.Key = NormalizeKey(req.Key)
	req.HWID = strings.TrimSpace(req.HWID)
	req.IP = strings.TrimSpace(req.IP)
	req.CallerIP = strings.TrimSpace(req.CallerIP)
	req.ProductID = strings.TrimSpace(req.ProductID)

	if req.Key == "" {
		return Verdict{}, apperrors.NewAppValidationError("license key is required")
	}
	if req.HWID == "" {
		return Verdict{}, apperrors.NewAppValidationError("hwid is required")
	}

	ctx, finish := startSpan(ctx, "license.validate",
		attribute.String("license.key", MaskKey(req.Key)),
		attribute.String("client.address", req.CallerIP))
	start := time.Now()
	defer func() {
		if err == nil {
			m.metrics.recordValidation(ctx, verdict, time.Since(start))
			logVerdict(ctx, m.logger, req, verdict)
		}
		finish(err)
	}()

	if m.blocked(ctx, req.CallerIP) {
		verdict = reject(ReasonBlocked, m.timestamp())
		m.record(req, "", verdict)
		return verdict, nil
	}

	unlock := m.locks.lock(req.Key)
	verdict, productName, err := m.evaluate(ctx, req)
	unlock()
	if err != nil {
		m.record(req, productName, reject(ReasonStoreFailure, m.timestamp()))
		return Verdict{}, err
	}

	m.record(req, productName, verdict)

	if verdict.Reason == ReasonNotFound {
		m.recordFailure(ctx, req.CallerIP)
	} else if verdict.Valid && m.guard != nil && req.CallerIP != "" {
		if err := m.guard.Reset(ctx, req.CallerIP); err != nil {
			m.logger.WarnContext(ctx, "guard reset failed",
				slog.String("ip_address", req.CallerIP),
				slog.String("error", err.Error()))
		}
	}

	return verdict, nil
}

// evaluate runs the decision table under the key lock and returns the
// verdict and the product name to record. Every lookup happens before the
// bind, and the bind carries the ip and validation time, so a failed call
// never leaves a new binding behind.
func (m *Manager) evaluate(ctx context.Context, req ValidationRequest) (Verdict, string, error) {
	now := m.timestamp()

	lic, err := m.store.GetLicense(ctx, req.Key)
	if apperrors.IsType(err, apperrors.ErrTypeNotFound) {
		return reject(ReasonNotFound, now), "", nil
	}
	if err != nil {
		return Verdict{}, "", err
	}

	product, err := m.product(ctx, lic.ProductID)
	if err != nil {
		return Verdict{}, "", err
	}

	switch {
	case req.ProductID != "" && req.ProductID != lic.ProductID:
		return reject(ReasonProductMismatch, now), product.Name, nil
	case !lic.Active:
		return reject(ReasonInactive, now), product.Name, nil
	case lic.Expired(now):
		return reject(ReasonExpired, now), product.Name, nil
	}

	var tier Tier
	if lic.HasTier() {
		if tier, err = m.tier(ctx, lic.TierID); err != nil {
			return Verdict{}, product.Name, err
		}
	}

	result, err := m.binder.Decide(ctx, lic, req.HWID, req.IP, now)
	if err != nil {
		return Verdict{}, product.Name, err
	}
	if !result.Accepted {
		return reject(ReasonHwidMismatch, now), product.Name, nil
	}

	if !result.NewlyBound {
		if err := m.store.TouchLicense(ctx, lic.Key, req.IP, now); err != nil {
			return Verdict{}, product.Name, err
		}
	}

	v := Verdict{
		Valid:           true,
		Message:         ReasonNone.Message(),
		Tier:            FullAccessTier,
		ExpiryTime:      result.License.ExpiryTime,
		AllowedFeatures: []string{},
		Timestamp:       now,
		Bound:           result.NewlyBound,
	}
	if lic.HasTier() {
		v.Tier = tier.Name
		v.AllowedFeatures = tier.FeatureList()
		v.MaxUsers = tier.MaxUsers
	}
	return v, product.Name, nil
}

func (m *Manager) record(req ValidationRequest, productName string, v Verdict) {
	m.audit.Append(ValidationLog{
		Timestamp:   v.Timestamp,
		LicenseKey:  req.Key,
		ProductName: productName,
		HWID:        req.HWID,
		IP:          req.IP,
		Success:     v.Valid,
		Reason:      v.Reason,
	})
}

// blocked consults the guard. A failing guard lets the request through.
func (m *Manager) blocked(ctx context.Context, ip string) bool {
	if m.guard == nil || ip == "" {
		return false
	}
	blocked, err := m.guard.Blocked(ctx, ip)
	if err != nil {
		m.logger.WarnContext(ctx, "guard check failed, allowing request",
			slog.String("ip_address", ip),
			slog.String("error", err.Error()))
		return false
	}
	return blocked
}

func (m *Manager) recordFailure(ctx context.Context, ip string) {
	if m.guard == nil || ip == "" {
		return
	}
	if _, err := m.guard.RecordFailure(ctx, ip); err != nil {
		m.logger.WarnContext(ctx, "guard failure not recorded",
			slog.String("ip_address", ip),
			slog.String("error", err.Error()))
	}
}
