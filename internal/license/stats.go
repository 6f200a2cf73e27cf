package license

import (
	"context"
	"time"
)

// Stats computes the dashboard counts as of now. Nothing is maintained
// incrementally; every call reads the store.
func (m *Manager) Stats(ctx context.Context) (stats Stats, err error) {
	ctx, finish := startSpan(ctx, "license.stats")
	defer func() { finish(err) }()

	now := m.now()
	return m.store.Counts(ctx, now, DayStart(now, m.location))
}

// DayStart returns midnight of the calendar day containing t in loc
func DayStart(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	y, mo, d := local.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, loc)
}
