// Package exporter writes validation logs as downloadable reports.
//
// Two formats are supported: CSV with a UTF-8 byte order mark so Excel
// picks the right encoding, and XLSX written through excelize's stream
// writer so large exports do not build the whole sheet in memory.
//
//	exp := exporter.New(time.UTC)
//	err := exp.Write(w, exporter.FormatXLSX, logs)
package exporter
