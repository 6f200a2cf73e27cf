package license

import (
	"context"
	"time"
)

// BindResult is the binding engine's decision for one presented hwid
type BindResult struct {
	License    License
	Accepted   bool
	NewlyBound bool
}

// Binder decides whether a presented hardware id may use a license and
// performs the first bind. The bind itself is a compare-and-set in the
// store, so two callers racing on an unbound license cannot both win even
// across server instances; the loser is judged against the winner's hwid.
type Binder struct {
	store   Store
	metrics *Metrics
}

// NewBinder creates a Binder over store
func NewBinder(store Store, metrics *Metrics) *Binder {
	return &Binder{store: store, metrics: metrics}
}

// Decide evaluates hwid against lic, binding lic when it is unbound. A
// winning bind also records ip and at as the last validation.
func (b *Binder) Decide(ctx context.Context, lic License, hwid, ip string, at time.Time) (BindResult, error) {
	if lic.Bound() {
		return BindResult{License: lic, Accepted: lic.HWID == hwid}, nil
	}

	current, won, err := b.store.BindLicense(ctx, lic.Key, hwid, ip, at)
	if err != nil {
		return BindResult{}, err
	}
	b.metrics.recordBind(ctx, won)

	if won {
		return BindResult{License: current, Accepted: true, NewlyBound: true}, nil
	}
	return BindResult{License: current, Accepted: current.HWID == hwid}, nil
}
