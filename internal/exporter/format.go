package exporter

import (
	"strconv"
	"strings"
	"time"

	apperrors "github.com/MacMoment/licensing/internal/errors"
)

// Format is an export file format
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts csv or xlsx, case-insensitively. Empty means CSV.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatXLSX, "excel":
		return FormatXLSX, nil
	default:
		return "", apperrors.NewAppValidationError("unsupported export format: " + s).
			WithContext("supported", []string{string(FormatCSV), string(FormatXLSX)})
	}
}

// ContentType returns the media type of the format
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

// FileName returns the download name for an export taken at t
func (f Format) FileName(t time.Time) string {
	return "validation-logs-" + t.UTC().Format("20060102-150405") + "." + string(f)
}

const timeLayout = "2006-01-02 15:04:05.000"

func formatInt(i int64) string {
	return strconv.FormatInt(i, 10)
}

func formatResult(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
