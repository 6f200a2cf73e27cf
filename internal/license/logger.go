package license

import (
	"context"
	"log/slog"
)

// MaskKey hides the middle of a license key for logs: ABCD****WXYZ
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// maskHWID keeps a short prefix of a hardware id, enough to correlate records
func maskHWID(hwid string) string {
	if len(hwid) <= 8 {
		return hwid
	}
	return hwid[:8] + "…"
}

// logVerdict writes one structured line per validation. Rejections caused
// by probing (unknown key, blocked caller) are warnings, other rejections
// are routine and logged at info.
func logVerdict(ctx context.Context, logger *slog.Logger, req ValidationRequest, v Verdict) {
	attrs := []slog.Attr{
		slog.String("action", "validate"),
		slog.String("license_key", MaskKey(req.Key)),
		slog.String("hwid", maskHWID(req.HWID)),
		slog.String("ip_address", req.IP),
		slog.String("caller_ip", req.CallerIP),
		slog.Bool("valid", v.Valid),
	}
	if v.Reason != ReasonNone {
		attrs = append(attrs, slog.String("reason", string(v.Reason)))
	}
	if v.Bound {
		attrs = append(attrs, slog.Bool("first_bind", true))
	}

	level := slog.LevelInfo
	switch v.Reason {
	case ReasonNotFound, ReasonBlocked:
		level = slog.LevelWarn
	}
	logger.LogAttrs(ctx, level, "license validation", attrs...)
}
