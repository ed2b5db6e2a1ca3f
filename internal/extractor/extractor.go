// Package extractor defines the external document-understanding provider
// boundary. The provider itself is out of scope (spec §1): callers supply a
// Func, and this package only wraps it with the circuit breaker; rate
// limiting of the extract step is done by the DAG executor.
package extractor

import (
	"context"
	"fmt"
	"time"

	"github.com/docflow/worker/internal/domain"
	"github.com/docflow/worker/internal/resilience"
)

// LineItem is one invoice row returned by the provider.
type LineItem struct {
	Item      string
	Quantity  int
	UnitPrice float64
	Total     float64
}

// StructuredInvoice is the raw provider response: header fields each with a
// per-field confidence, plus line items and a line-items-group confidence.
type StructuredInvoice struct {
	Vendor        domain.FieldConfidence
	InvoiceNumber domain.FieldConfidence
	Date          domain.FieldConfidence
	DueDate       domain.FieldConfidence
	Subtotal      domain.FieldConfidence
	TaxRate       domain.FieldConfidence
	TaxAmount     domain.FieldConfidence
	Total         domain.FieldConfidence
	Currency      domain.FieldConfidence

	LineItems           []LineItem
	LineItemsConfidence float64
}

// Func is the raw provider call: bytes + MIME type in, a StructuredInvoice
// out. Implementations are supplied by the caller (e.g. a Gemini/Vertex
// client); this package never implements one itself.
type Func func(ctx context.Context, content []byte, mimeType string) (StructuredInvoice, error)

// Client wraps a Func with the circuit breaker for spec §4.7's `extract`
// step; it applies no rate limiting of its own.
type Client struct {
	fn      Func
	breaker *resilience.CircuitBreaker
}

// New constructs a Client. breaker may be nil, in which case calls are
// never short-circuited (useful for tests).
func New(fn Func, breaker *resilience.CircuitBreaker) *Client {
	return &Client{fn: fn, breaker: breaker}
}

// Extract invokes the wrapped provider function under circuit-breaker
// protection. Rate limiting is applied by the DAG executor via the step's
// resource_tag, not here, since the executor owns the acquire-before-fn
// ordering spec §4.3 point 4 requires.
func (c *Client) Extract(ctx context.Context, content []byte, mimeType string) (StructuredInvoice, error) {
	if c.breaker == nil {
		return c.fn(ctx, content, mimeType)
	}

	var result StructuredInvoice
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = c.fn(ctx, content, mimeType)
		return innerErr
	})
	if err != nil {
		return StructuredInvoice{}, fmt.Errorf("extract: %w", err)
	}
	return result, nil
}

// ToExtractionResult assembles the domain DTO the rest of the pipeline
// consumes from a raw provider response. extractedAt is supplied by the
// caller (rather than taken internally) so the pipeline's own record of
// "when" stays the single source of truth for both the JSON/Parquet output
// and the idempotency cache entry.
func ToExtractionResult(documentID, filename string, inv StructuredInvoice, contentHash string, processingSeconds float64, extractedAt time.Time) domain.ExtractionResult {
	fields := []domain.FieldConfidence{
		inv.Vendor, inv.InvoiceNumber, inv.Date, inv.DueDate,
		inv.Subtotal, inv.TaxRate, inv.TaxAmount, inv.Total, inv.Currency,
	}

	lineItems := make([]domain.LineItem, len(inv.LineItems))
	for i, li := range inv.LineItems {
		lineItems[i] = domain.LineItem{Item: li.Item, Quantity: li.Quantity, UnitPrice: li.UnitPrice, Total: li.Total}
	}

	overall := averageConfidence(fields, inv.LineItemsConfidence)

	return domain.ExtractionResult{
		DocumentID: documentID,
		Filename:   filename,
		InvoiceData: domain.InvoiceData{
			Vendor:        inv.Vendor.Value,
			InvoiceNumber: inv.InvoiceNumber.Value,
			Date:          inv.Date.Value,
			DueDate:       inv.DueDate.Value,
			Subtotal:      parseFloatOr0(inv.Subtotal.Value),
			TaxRate:       parseFloatOr0(inv.TaxRate.Value),
			TaxAmount:     parseFloatOr0(inv.TaxAmount.Value),
			Total:         parseFloatOr0(inv.Total.Value),
			Currency:      inv.Currency.Value,
			LineItems:     lineItems,
		},
		FieldConfidences:      fields,
		OverallConfidence:     overall,
		ExtractedAt:           extractedAt,
		ProcessingTimeSeconds: processingSeconds,
		ContentHash:           contentHash,
		SchemaVersion:         "1",
	}
}

func averageConfidence(fields []domain.FieldConfidence, lineItemsConfidence float64) float64 {
	total := lineItemsConfidence
	n := 1
	for _, f := range fields {
		total += f.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

func parseFloatOr0(s string) float64 {
	var f float64
	_, err := fmt.Sscanf(s, "%g", &f)
	if err != nil {
		return 0
	}
	return f
}
