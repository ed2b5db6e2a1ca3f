package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docflow/worker/internal/domain"
	"github.com/parquet-go/parquet-go"
)

// parquetRow is the fixed columnar schema named in spec §4.4.
type parquetRow struct {
	DocumentID       string  `parquet:"document_id"`
	Filename         string  `parquet:"filename"`
	Vendor           string  `parquet:"vendor"`
	InvoiceNumber    string  `parquet:"invoice_number"`
	Date             string  `parquet:"date"`
	DueDate          string  `parquet:"due_date"`
	Subtotal         float64 `parquet:"subtotal"`
	TaxRate          float32 `parquet:"tax_rate"`
	TaxAmount        float64 `parquet:"tax_amount"`
	Total            float64 `parquet:"total"`
	Currency         string  `parquet:"currency"`
	NumLineItems     int32   `parquet:"num_line_items"`
	LineItemsEncoded string  `parquet:"line_items_encoded"`
	ConfidenceScore  float32 `parquet:"confidence_score"`
	ExtractedAt      string  `parquet:"extracted_at"`
	ContentHash      string  `parquet:"content_hash"`
	SchemaVersion    string  `parquet:"schema_version"`
}

// SaveDualFormat writes result to both the structured-document (JSON) and
// columnar (Parquet) trees, partitioned by date. Returns the two output
// paths. It does not touch the idempotency cache; see CacheResult.
func (s *Store) SaveDualFormat(result domain.ExtractionResult) (jsonPath, parquetPath string, err error) {
	at := result.ExtractedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	datePath := at.Format("2006/01/02")

	jsonDir := filepath.Join(s.jsonDir, datePath)
	if err := os.MkdirAll(jsonDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create json dir: %w", err)
	}
	jsonPath = filepath.Join(jsonDir, result.DocumentID+".json")
	if err := atomicWriteJSON(jsonPath, result); err != nil {
		return "", "", fmt.Errorf("write json output: %w", err)
	}

	parquetDir := filepath.Join(s.parquetDir, datePath)
	if err := os.MkdirAll(parquetDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create parquet dir: %w", err)
	}
	parquetPath = filepath.Join(parquetDir, result.DocumentID+".parquet")
	if err := atomicWriteParquet(parquetPath, result); err != nil {
		return "", "", fmt.Errorf("write parquet output: %w", err)
	}

	return jsonPath, parquetPath, nil
}

// atomicWriteJSON writes data to a temp sibling of path, then renames it
// into place. On any failure the temp file is unlinked before the error is
// propagated, so no stale *.tmp files survive a failed write.
func atomicWriteJSON(path string, result domain.ExtractionResult) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func atomicWriteParquet(path string, result domain.ExtractionResult) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "*.parquet.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if err := writeParquetRow(tmp, toParquetRow(result)); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func writeParquetRow(f *os.File, row parquetRow) error {
	writer := parquet.NewWriter(f, parquet.SchemaOf(&row))
	if err := writer.Write(&row); err != nil {
		return err
	}
	return writer.Close()
}

func toParquetRow(result domain.ExtractionResult) parquetRow {
	inv := result.InvoiceData
	lineItemsEncoded, _ := json.Marshal(inv.LineItems)

	at := result.ExtractedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	return parquetRow{
		DocumentID:       result.DocumentID,
		Filename:         result.Filename,
		Vendor:           inv.Vendor,
		InvoiceNumber:    inv.InvoiceNumber,
		Date:             inv.Date,
		DueDate:          inv.DueDate,
		Subtotal:         inv.Subtotal,
		TaxRate:          float32(inv.TaxRate),
		TaxAmount:        inv.TaxAmount,
		Total:            inv.Total,
		Currency:         inv.Currency,
		NumLineItems:     int32(len(inv.LineItems)),
		LineItemsEncoded: string(lineItemsEncoded),
		ConfidenceScore:  float32(result.OverallConfidence),
		ExtractedAt:      at.Format(time.RFC3339),
		ContentHash:      result.ContentHash,
		SchemaVersion:    result.SchemaVersion,
	}
}
