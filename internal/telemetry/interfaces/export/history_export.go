package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"telemetry-service/internal/telemetry/domain"
)

// Format is a history export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatPDF  Format = "pdf"
)

var columns = []string{"id", "device_id", "timestamp", "metric_name", "value", "unit"}

// ParseFormat maps a file extension to a Format.
func ParseFormat(ext string) (Format, bool) {
	switch Format(ext) {
	case FormatCSV, FormatXLSX, FormatPDF:
		return Format(ext), true
	default:
		return "", false
	}
}

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatPDF:
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

// Build renders records in the given format.
func Build(format Format, deviceID string, records []telemetry.Record) ([]byte, error) {
	switch format {
	case FormatCSV:
		return BuildHistoryCSV(records)
	case FormatXLSX:
		return BuildHistoryXLSX(deviceID, records)
	case FormatPDF:
		return BuildHistoryPDF(deviceID, records)
	default:
		return nil, fmt.Errorf("export: unsupported format %q", format)
	}
}

// BuildHistoryCSV renders records as CSV with a header row.
func BuildHistoryCSV(records []telemetry.Record) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(columns); err != nil {
		return nil, err
	}
	for _, rec := range records {
		row := []string{
			rec.ID,
			rec.DeviceID,
			rec.Timestamp.UTC().Format(time.RFC3339Nano),
			rec.MetricName,
			strconv.FormatFloat(rec.Value, 'f', -1, 64),
			rec.Unit,
		}
		if err := writer.Write(row); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildHistoryXLSX renders records on a single "history" sheet.
func BuildHistoryXLSX(deviceID string, records []telemetry.Record) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	sheet := "history"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(sheet, "A1", "Telemetry History")
	_ = f.SetCellValue(sheet, "A2", "Device")
	_ = f.SetCellValue(sheet, "B2", deviceID)
	for i, name := range columns {
		cell, err := excelize.CoordinatesToCellName(i+1, 4)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(sheet, cell, name)
	}
	for i, rec := range records {
		row := i + 5
		_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", row), rec.ID)
		_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", row), rec.DeviceID)
		_ = f.SetCellValue(sheet, fmt.Sprintf("C%d", row), rec.Timestamp.UTC().Format(time.RFC3339Nano))
		_ = f.SetCellValue(sheet, fmt.Sprintf("D%d", row), rec.MetricName)
		_ = f.SetCellValue(sheet, fmt.Sprintf("E%d", row), rec.Value)
		_ = f.SetCellValue(sheet, fmt.Sprintf("F%d", row), rec.Unit)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildHistoryPDF renders a minimal PDF table of records.
func BuildHistoryPDF(deviceID string, records []telemetry.Record) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Telemetry History")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, tr(fmt.Sprintf("Device: %s", deviceID)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Records: %d", len(records)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(60, 6, "Timestamp", "1", 0, "C", false, 0, "")
	pdf.CellFormat(70, 6, "Metric", "1", 0, "C", false, 0, "")
	pdf.CellFormat(50, 6, "Value", "1", 0, "C", false, 0, "")
	pdf.CellFormat(40, 6, "Unit", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, rec := range records {
		pdf.CellFormat(60, 6, rec.Timestamp.UTC().Format(time.RFC3339), "1", 0, "L", false, 0, "")
		pdf.CellFormat(70, 6, tr(rec.MetricName), "1", 0, "L", false, 0, "")
		pdf.CellFormat(50, 6, strconv.FormatFloat(rec.Value, 'f', -1, 64), "1", 0, "R", false, 0, "")
		pdf.CellFormat(40, 6, tr(rec.Unit), "1", 0, "L", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
