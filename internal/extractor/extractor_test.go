package extractor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/docflow/worker/internal/domain"
	"github.com/docflow/worker/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract_WrapsUnderlyingFunc(t *testing.T) {
	fn := func(ctx context.Context, content []byte, mimeType string) (StructuredInvoice, error) {
		return StructuredInvoice{Vendor: domain.FieldConfidence{FieldName: "vendor", Value: "Acme", Confidence: 0.9}}, nil
	}
	c := New(fn, nil)

	inv, err := c.Extract(context.Background(), []byte("data"), "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "Acme", inv.Vendor.Value)
}

func TestExtract_BreakerOpenShortCircuits(t *testing.T) {
	cb := resilience.New(resilience.Config{Name: "test-extractor", FailureThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1})

	failing := func(ctx context.Context, content []byte, mimeType string) (StructuredInvoice, error) {
		return StructuredInvoice{}, errors.New("provider down")
	}
	c := New(failing, cb)

	_, err := c.Extract(context.Background(), nil, "application/pdf")
	require.Error(t, err)

	_, err = c.Extract(context.Background(), nil, "application/pdf")
	require.Error(t, err)
	var openErr *resilience.CircuitOpenError
	assert.ErrorAs(t, err, &openErr)
}

func TestToExtractionResult_AveragesConfidenceAcrossFields(t *testing.T) {
	inv := StructuredInvoice{
		Vendor:              domain.FieldConfidence{FieldName: "vendor", Value: "Acme", Confidence: 1.0},
		InvoiceNumber:       domain.FieldConfidence{FieldName: "invoice_number", Value: "INV-1", Confidence: 1.0},
		Date:                domain.FieldConfidence{FieldName: "date", Confidence: 1.0},
		DueDate:             domain.FieldConfidence{FieldName: "due_date", Confidence: 1.0},
		Subtotal:            domain.FieldConfidence{FieldName: "subtotal", Value: "100", Confidence: 1.0},
		TaxRate:             domain.FieldConfidence{FieldName: "tax_rate", Value: "0.1", Confidence: 1.0},
		TaxAmount:           domain.FieldConfidence{FieldName: "tax_amount", Value: "10", Confidence: 1.0},
		Total:               domain.FieldConfidence{FieldName: "total", Value: "110", Confidence: 1.0},
		Currency:            domain.FieldConfidence{FieldName: "currency", Value: "USD", Confidence: 1.0},
		LineItemsConfidence: 1.0,
	}

	now := time.Now().UTC()
	result := ToExtractionResult("doc-1", "invoice.pdf", inv, "hash", 1.5, now)

	assert.Equal(t, 1.0, result.OverallConfidence)
	assert.Equal(t, 110.0, result.InvoiceData.Total)
	assert.Equal(t, now, result.ExtractedAt)
}
