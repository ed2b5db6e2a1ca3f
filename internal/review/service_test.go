package review

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/docflow/worker/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// newTestService connects to TEST_DATABASE_URL and resets the review
// tables. Skipped when no test database is configured, since the claim,
// submit, and auto-assign paths depend on real transactional semantics
// (row locking, ON CONFLICT, atomic UPDATE ... WHERE) that an in-memory
// fake cannot faithfully reproduce.
func newTestService(t *testing.T) (*Service, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping review service integration test")
	}

	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)

	_, err = pool.Exec(context.Background(), domain.Schema)
	require.NoError(t, err)

	_, err = pool.Exec(context.Background(), `TRUNCATE audit_log, extracted_fields, review_items, processed_documents, documents`)
	require.NoError(t, err)

	svc := New(pool, []string{"reviewer-1", "reviewer-2"}, 24*time.Hour, 30*time.Minute)
	t.Cleanup(pool.Close)
	return svc, pool
}

func sampleExtraction(docID string) domain.ExtractionResult {
	return domain.ExtractionResult{
		DocumentID:        docID,
		Filename:          "invoice.pdf",
		OverallConfidence: 0.6,
		InvoiceData: domain.InvoiceData{
			Vendor: "Acme Co",
			Total:  500,
			LineItems: []domain.LineItem{
				{Item: "widget", Quantity: 2, UnitPrice: 10, Total: 20},
			},
		},
		FieldConfidences: []domain.FieldConfidence{
			{FieldName: "vendor", Value: "Acme Co", Confidence: 0.9},
			{FieldName: "total", Value: "500", Confidence: 0.5},
		},
	}
}

func TestUpsertFromExtraction_CreatesItemAndFields(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	item, err := svc.UpsertFromExtraction(ctx, sampleExtraction("doc-1"))
	require.NoError(t, err)
	require.Equal(t, domain.ReviewPending, item.Status)
	require.Len(t, item.Fields, 2)
	require.NotNil(t, item.AssignedTo)
}

func TestUpsertFromExtraction_PreservesLockedFieldsOnReextraction(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	item, err := svc.UpsertFromExtraction(ctx, sampleExtraction("doc-2"))
	require.NoError(t, err)

	claimed, err := svc.ClaimItem(ctx, item.ID, "reviewer-1")
	require.NoError(t, err)

	_, err = svc.SubmitReview(ctx, claimed.ID, domain.ReviewSubmission{
		Action:      domain.ActionCorrect,
		Corrections: map[string]string{"vendor": "Corrected Vendor Inc"},
	}, "reviewer-1")
	require.NoError(t, err)

	// Re-extraction of the same document must not clobber the locked field.
	result2 := sampleExtraction("doc-2")
	result2.FieldConfidences[0].Value = "Acme Co (re-extracted)"
	reExtracted, err := svc.UpsertFromExtraction(ctx, result2)
	require.NoError(t, err)

	var vendorValue string
	for _, f := range reExtracted.Fields {
		if f.FieldName == "vendor" {
			vendorValue = f.Value
		}
	}
	require.Equal(t, "Corrected Vendor Inc", vendorValue)
}

func TestClaimItem_SecondClaimConflicts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	item, err := svc.UpsertFromExtraction(ctx, sampleExtraction("doc-3"))
	require.NoError(t, err)

	_, err = svc.ClaimItem(ctx, item.ID, "reviewer-1")
	require.NoError(t, err)

	_, err = svc.ClaimItem(ctx, item.ID, "reviewer-2")
	require.ErrorIs(t, err, ErrClaimConflict)
}

func TestReleaseExpiredClaims_ReversesSLAClock(t *testing.T) {
	svc, pool := newTestService(t)
	ctx := context.Background()

	item, err := svc.UpsertFromExtraction(ctx, sampleExtraction("doc-4"))
	require.NoError(t, err)
	_, err = svc.ClaimItem(ctx, item.ID, "reviewer-1")
	require.NoError(t, err)

	// Backdate the claim so it looks expired.
	_, err = pool.Exec(ctx, `UPDATE review_items SET claimed_at = $1 WHERE id = $2`,
		time.Now().UTC().Add(-time.Hour), item.ID)
	require.NoError(t, err)

	released, err := svc.ReleaseExpiredClaims(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, released)

	after, err := svc.GetItem(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ReviewPending, after.Status)
	require.Nil(t, after.SLADeadline)
	require.Nil(t, after.AssignedTo)
}

func TestAutoAssign_LeastLoadedRoundRobin(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	item1, err := svc.UpsertFromExtraction(ctx, sampleExtraction("doc-5"))
	require.NoError(t, err)
	item2, err := svc.UpsertFromExtraction(ctx, sampleExtraction("doc-6"))
	require.NoError(t, err)

	require.NotNil(t, item1.AssignedTo)
	require.NotNil(t, item2.AssignedTo)
	require.NotEqual(t, *item1.AssignedTo, *item2.AssignedTo)
}
