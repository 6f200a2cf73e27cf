package exporter

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/MacMoment/licensing/internal/license"
)

// SheetName is the worksheet XLSX exports are written to
const SheetName = "Validation Logs"

var headers = []string{"ID", "Time", "License Key", "Product", "HWID", "IP", "Result", "Reason"}

// Exporter renders validation logs
type Exporter struct {
	loc *time.Location
}

// New creates an exporter that prints times in loc (UTC when nil)
func New(loc *time.Location) *Exporter {
	if loc == nil {
		loc = time.UTC
	}
	return &Exporter{loc: loc}
}

// Write renders logs to w in the given format
func (e *Exporter) Write(w io.Writer, format Format, logs []license.ValidationLog) error {
	switch format {
	case FormatCSV:
		return e.writeCSV(w, logs)
	case FormatXLSX:
		return e.writeXLSX(w, logs)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

func (e *Exporter) row(l license.ValidationLog) []string {
	return []string{
		formatInt(l.ID),
		l.Timestamp.In(e.loc).Format(timeLayout),
		l.LicenseKey,
		l.ProductName,
		l.HWID,
		l.IP,
		formatResult(l.Success),
		string(l.Reason),
	}
}

func (e *Exporter) writeCSV(w io.Writer, logs []license.ValidationLog) error {
	// BOM so Excel detects UTF-8
	if _, err := w.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
		return fmt.Errorf("failed to write BOM: %w", err)
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(headers); err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}
	for i, l := range logs {
		record := e.row(l)
		for j := range record {
			record[j] = csvCell(record[j])
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// csvCell quotes values a spreadsheet would otherwise evaluate as a formula.
// Keys, hwids and ips come straight from unauthenticated clients.
func csvCell(v string) string {
	if v == "" {
		return v
	}
	switch v[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + v
	}
	return v
}

func (e *Exporter) writeXLSX(w io.Writer, logs []license.ValidationLog) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	sw, err := f.NewStreamWriter(SheetName)
	if err != nil {
		return fmt.Errorf("failed to open stream writer: %w", err)
	}
	if err := sw.SetColWidth(2, 3, 30); err != nil {
		return err
	}
	if err := sw.SetColWidth(4, 5, 24); err != nil {
		return err
	}

	header := make([]interface{}, len(headers))
	for i, h := range headers {
		header[i] = excelize.Cell{StyleID: bold, Value: h}
	}
	if err := sw.SetRow("A1", header, excelize.RowOpts{Height: 18}); err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}

	for i, l := range logs {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := e.row(l)
		row := make([]interface{}, len(values))
		row[0] = l.ID
		for j := 1; j < len(values); j++ {
			row[j] = values[j]
		}
		if err := sw.SetRow(cell, row); err != nil {
			return fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}

	if err := sw.Flush(); err != nil {
		return fmt.Errorf("failed to flush sheet: %w", err)
	}
	return f.Write(w)
}
