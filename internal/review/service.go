package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/docflow/worker/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Service manages the human-review queue: creation from extraction
// results, listing, claim, submission, auto-assignment, and expired-claim
// release. All multi-row mutations run inside one pgx.Tx (spec §5).
type Service struct {
	pool            *pgxpool.Pool
	reviewerRoster  []string
	slaDefault      time.Duration
	claimExpiry     time.Duration
	roundRobinCount uint64
}

// New constructs a Service. roster is the static list of reviewer ids
// eligible for auto-assignment.
func New(pool *pgxpool.Pool, roster []string, slaDefault, claimExpiry time.Duration) *Service {
	return &Service{
		pool:        pool,
		reviewerRoster: roster,
		slaDefault:  slaDefault,
		claimExpiry: claimExpiry,
	}
}

// UpsertFromExtraction materializes (or re-materializes) a review item from
// an extraction result. A document has at most one review item: on
// re-extraction (e.g. a corrected re-run), existing fields are replaced
// except those already locked by a prior manual correction, which are left
// untouched. This is the Go analogue of the original's create_item, adapted
// to be idempotent per re-extraction rather than insert-only, since C7's
// pipeline may re-run extraction for a document that already has a review
// item.
func (s *Service) UpsertFromExtraction(ctx context.Context, result domain.ExtractionResult) (domain.ReviewItem, error) {
	numLineItems := len(result.InvoiceData.LineItems)
	priority := CalculatePriority(result.OverallConfidence, nil, numLineItems, result.InvoiceData.Total)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.ReviewItem{}, fmt.Errorf("begin upsert review item: %w", err)
	}
	defer tx.Rollback(ctx)

	var itemID string
	now := time.Now().UTC()
	err = tx.QueryRow(ctx,
		`SELECT id FROM review_items WHERE document_id = $1`, result.DocumentID,
	).Scan(&itemID)

	switch {
	case err == nil:
		if _, err := tx.Exec(ctx,
			`UPDATE review_items SET filename = $1, priority = $2 WHERE id = $3`,
			result.Filename, priority, itemID,
		); err != nil {
			return domain.ReviewItem{}, fmt.Errorf("update review item: %w", err)
		}
	case errors.Is(err, pgx.ErrNoRows):
		itemID = uuid.NewString()
		if _, err := tx.Exec(ctx,
			`INSERT INTO review_items (id, document_id, filename, status, priority, sla_deadline, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			itemID, result.DocumentID, result.Filename, domain.ReviewPending, priority, nil, now,
		); err != nil {
			return domain.ReviewItem{}, fmt.Errorf("insert review item: %w", err)
		}
	default:
		return domain.ReviewItem{}, fmt.Errorf("look up review item: %w", err)
	}

	if err := s.replaceUnlockedFields(ctx, tx, itemID, result.FieldConfidences); err != nil {
		return domain.ReviewItem{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.ReviewItem{}, fmt.Errorf("commit upsert review item: %w", err)
	}

	if err := s.autoAssign(ctx, itemID); err != nil {
		return domain.ReviewItem{}, fmt.Errorf("auto-assign review item: %w", err)
	}

	item, err := s.GetItem(ctx, itemID)
	if err != nil {
		return domain.ReviewItem{}, err
	}
	return item, nil
}

// replaceUnlockedFields deletes every extracted field for itemID that is
// not locked, then inserts fresh rows from fields. Locked fields (prior
// manual corrections) are never touched.
func (s *Service) replaceUnlockedFields(ctx context.Context, tx pgx.Tx, itemID string, fields []domain.FieldConfidence) error {
	if _, err := tx.Exec(ctx,
		`DELETE FROM extracted_fields WHERE review_item_id = $1 AND locked = FALSE`,
		itemID,
	); err != nil {
		return fmt.Errorf("clear unlocked fields: %w", err)
	}

	lockedNames := make(map[string]bool)
	rows, err := tx.Query(ctx, `SELECT field_name FROM extracted_fields WHERE review_item_id = $1 AND locked = TRUE`, itemID)
	if err != nil {
		return fmt.Errorf("list locked fields: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("scan locked field: %w", err)
		}
		lockedNames[name] = true
	}
	rows.Close()

	for _, f := range fields {
		if lockedNames[f.FieldName] {
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO extracted_fields (id, review_item_id, field_name, value, confidence)
			 VALUES ($1, $2, $3, $4, $5)`,
			uuid.NewString(), itemID, f.FieldName, f.Value, f.Confidence,
		); err != nil {
			return fmt.Errorf("insert extracted field %s: %w", f.FieldName, err)
		}
	}
	return nil
}

// GetItem fetches one review item with its fields.
func (s *Service) GetItem(ctx context.Context, itemID string) (domain.ReviewItem, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, document_id, filename, status, priority, sla_deadline, assigned_to, created_at, claimed_at, completed_at
		 FROM review_items WHERE id = $1`, itemID,
	)
	item, err := scanItem(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ReviewItem{}, ErrNotFound
		}
		return domain.ReviewItem{}, fmt.Errorf("get review item: %w", err)
	}

	fields, err := s.fieldsFor(ctx, []string{itemID})
	if err != nil {
		return domain.ReviewItem{}, err
	}
	item.Fields = fields[itemID]
	return item, nil
}

// GetQueue returns a filtered, sorted, paginated page of review items plus
// the total matching count, with fields batch-fetched in one query.
func (s *Service) GetQueue(ctx context.Context, filter domain.QueueFilter) ([]domain.ReviewItem, int, error) {
	where := ""
	args := []any{}
	argN := 1
	clauses := []string{}
	if filter.Status != nil {
		clauses = append(clauses, fmt.Sprintf("status = $%d", argN))
		args = append(args, *filter.Status)
		argN++
	}
	if filter.AssignedTo != nil {
		clauses = append(clauses, fmt.Sprintf("assigned_to = $%d", argN))
		args = append(args, *filter.AssignedTo)
		argN++
	}
	if filter.PriorityMin != nil {
		clauses = append(clauses, fmt.Sprintf("priority >= $%d", argN))
		args = append(args, *filter.PriorityMin)
		argN++
	}
	if len(clauses) > 0 {
		where = "WHERE " + joinAnd(clauses)
	}

	order := "priority DESC"
	switch filter.Sort {
	case domain.SortSLAAsc:
		order = "sla_deadline ASC"
	case domain.SortDateDesc:
		order = "created_at DESC"
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM review_items %s`, where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count review queue: %w", err)
	}

	pageArgs := append(append([]any{}, args...), limit, filter.Offset)
	query := fmt.Sprintf(`SELECT id, document_id, filename, status, priority, sla_deadline, assigned_to, created_at, claimed_at, completed_at
		 FROM review_items %s ORDER BY %s LIMIT $%d OFFSET $%d`, where, order, argN, argN+1)

	rows, err := s.pool.Query(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list review queue: %w", err)
	}
	defer rows.Close()

	var items []domain.ReviewItem
	var ids []string
	for rows.Next() {
		item, err := scanItemRows(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan review queue row: %w", err)
		}
		items = append(items, item)
		ids = append(ids, item.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	fieldsByItem, err := s.fieldsFor(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range items {
		items[i].Fields = fieldsByItem[items[i].ID]
	}

	return items, total, nil
}

func joinAnd(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}

// fieldsFor batch-fetches extracted fields for many review items in one
// query, avoiding N+1 lookups when listing a page.
func (s *Service) fieldsFor(ctx context.Context, itemIDs []string) (map[string][]domain.ExtractedField, error) {
	out := make(map[string][]domain.ExtractedField)
	if len(itemIDs) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, review_item_id, field_name, value, confidence, manually_corrected, corrected_at, corrected_by, locked
		 FROM extracted_fields WHERE review_item_id = ANY($1)`, itemIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("batch-fetch extracted fields: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var f domain.ExtractedField
		if err := rows.Scan(&f.ID, &f.ReviewItemID, &f.FieldName, &f.Value, &f.Confidence,
			&f.ManuallyCorrected, &f.CorrectedAt, &f.CorrectedBy, &f.Locked); err != nil {
			return nil, fmt.Errorf("scan extracted field: %w", err)
		}
		out[f.ReviewItemID] = append(out[f.ReviewItemID], f)
	}
	return out, rows.Err()
}

// ClaimItem atomically moves an item pending -> in_review. The SLA clock
// starts here, not at creation.
func (s *Service) ClaimItem(ctx context.Context, itemID, reviewerID string) (domain.ReviewItem, error) {
	now := time.Now().UTC()
	sla := now.Add(s.slaDefault)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.ReviewItem{}, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE review_items SET status = $1, assigned_to = $2, claimed_at = $3, sla_deadline = $4
		 WHERE id = $5 AND status = $6`,
		domain.ReviewInReview, reviewerID, now, sla, itemID, domain.ReviewPending,
	)
	if err != nil {
		return domain.ReviewItem{}, fmt.Errorf("claim review item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ReviewItem{}, ErrClaimConflict
	}

	if err := s.audit(ctx, tx, itemID, domain.AuditStartReview, nil, nil, nil, &reviewerID); err != nil {
		return domain.ReviewItem{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.ReviewItem{}, fmt.Errorf("commit claim: %w", err)
	}

	return s.GetItem(ctx, itemID)
}

// SubmitReview applies a reviewer's decision: status transition, field
// corrections (skipping locked fields), and audit entries, all in one
// transaction.
func (s *Service) SubmitReview(ctx context.Context, itemID string, submission domain.ReviewSubmission, reviewerID string) (domain.ReviewItem, error) {
	var newStatus domain.ReviewStatus
	switch submission.Action {
	case domain.ActionApprove:
		newStatus = domain.ReviewApproved
	case domain.ActionCorrect:
		newStatus = domain.ReviewCorrected
	case domain.ActionReject:
		newStatus = domain.ReviewRejected
	default:
		return domain.ReviewItem{}, fmt.Errorf("submit review: unknown action %q", submission.Action)
	}

	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.ReviewItem{}, fmt.Errorf("begin submit: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE review_items SET status = $1, completed_at = $2 WHERE id = $3`,
		newStatus, now, itemID,
	); err != nil {
		return domain.ReviewItem{}, fmt.Errorf("update review item status: %w", err)
	}

	for fieldName, newValue := range submission.Corrections {
		var fieldID, oldValue string
		var locked bool
		err := tx.QueryRow(ctx,
			`SELECT id, value, locked FROM extracted_fields WHERE review_item_id = $1 AND field_name = $2`,
			itemID, fieldName,
		).Scan(&fieldID, &oldValue, &locked)
		if err == pgx.ErrNoRows {
			continue
		}
		if err != nil {
			return domain.ReviewItem{}, fmt.Errorf("look up field %s: %w", fieldName, err)
		}
		if locked {
			slog.Info("skipping correction to locked field", "item_id", itemID, "field", fieldName)
			continue
		}

		if _, err := tx.Exec(ctx,
			`UPDATE extracted_fields SET value = $1, manually_corrected = TRUE, corrected_at = $2,
			 corrected_by = $3, locked = TRUE WHERE id = $4`,
			newValue, now, reviewerID, fieldID,
		); err != nil {
			return domain.ReviewItem{}, fmt.Errorf("apply correction to %s: %w", fieldName, err)
		}

		fn := fieldName
		ov := oldValue
		nv := newValue
		if err := s.audit(ctx, tx, itemID, domain.AuditCorrection, &fn, &ov, &nv, &reviewerID); err != nil {
			return domain.ReviewItem{}, err
		}
	}

	if submission.Action == domain.ActionReject && submission.Reason != nil {
		if err := s.audit(ctx, tx, itemID, domain.AuditRejection, nil, nil, submission.Reason, &reviewerID); err != nil {
			return domain.ReviewItem{}, err
		}
	}
	if submission.Action == domain.ActionApprove {
		if err := s.audit(ctx, tx, itemID, domain.AuditApproval, nil, nil, nil, &reviewerID); err != nil {
			return domain.ReviewItem{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.ReviewItem{}, fmt.Errorf("commit submit: %w", err)
	}

	return s.GetItem(ctx, itemID)
}

// autoAssign picks the least-loaded roster reviewer for a still-pending
// item, breaking ties with a shared round-robin counter.
func (s *Service) autoAssign(ctx context.Context, itemID string) error {
	if len(s.reviewerRoster) == 0 {
		return nil
	}

	loads := make(map[string]int, len(s.reviewerRoster))
	for _, r := range s.reviewerRoster {
		loads[r] = 0
	}

	rows, err := s.pool.Query(ctx,
		`SELECT assigned_to, COUNT(*) FROM review_items
		 WHERE status IN ($1, $2) AND assigned_to = ANY($3)
		 GROUP BY assigned_to`,
		domain.ReviewPending, domain.ReviewInReview, s.reviewerRoster,
	)
	if err != nil {
		return fmt.Errorf("compute reviewer load: %w", err)
	}
	for rows.Next() {
		var reviewer string
		var count int
		if err := rows.Scan(&reviewer, &count); err != nil {
			rows.Close()
			return fmt.Errorf("scan reviewer load: %w", err)
		}
		loads[reviewer] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	min := -1
	var tied []string
	for _, r := range s.reviewerRoster {
		switch {
		case min == -1 || loads[r] < min:
			min = loads[r]
			tied = []string{r}
		case loads[r] == min:
			tied = append(tied, r)
		}
	}

	idx := atomic.AddUint64(&s.roundRobinCount, 1) - 1
	chosen := tied[int(idx)%len(tied)]

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin auto-assign: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE review_items SET assigned_to = $1 WHERE id = $2 AND status = $3`,
		chosen, itemID, domain.ReviewPending,
	)
	if err != nil {
		return fmt.Errorf("assign review item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	actor := "system"
	if err := s.audit(ctx, tx, itemID, domain.AuditAutoAssign, nil, nil, &chosen, &actor); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ReleaseExpiredClaims resets any in_review item whose claim has expired
// back to pending, clearing assigned_to/claimed_at/sla_deadline so a
// re-claim restarts the SLA clock. Returns the count released.
func (s *Service) ReleaseExpiredClaims(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.claimExpiry)
	tag, err := s.pool.Exec(ctx,
		`UPDATE review_items SET status = $1, assigned_to = NULL, claimed_at = NULL, sla_deadline = NULL
		 WHERE status = $2 AND claimed_at < $3`,
		domain.ReviewPending, domain.ReviewInReview, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("release expired claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetStats computes the dashboard snapshot.
func (s *Service) GetStats(ctx context.Context) (domain.QueueStats, error) {
	var stats domain.QueueStats

	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM review_items WHERE status IN ($1, $2)`,
		domain.ReviewPending, domain.ReviewInReview,
	).Scan(&stats.QueueDepth); err != nil {
		return stats, fmt.Errorf("queue depth: %w", err)
	}

	todayStart := time.Now().UTC().Truncate(24 * time.Hour)
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM review_items WHERE completed_at IS NOT NULL AND completed_at >= $1`,
		todayStart,
	).Scan(&stats.ItemsReviewedToday); err != nil {
		return stats, fmt.Errorf("items reviewed today: %w", err)
	}

	var avgTime *float64
	if err := s.pool.QueryRow(ctx,
		`SELECT AVG(EXTRACT(EPOCH FROM (completed_at - claimed_at)))
		 FROM review_items WHERE completed_at IS NOT NULL AND claimed_at IS NOT NULL`,
	).Scan(&avgTime); err != nil {
		return stats, fmt.Errorf("avg review time: %w", err)
	}
	if avgTime != nil {
		stats.AvgReviewTimeSeconds = *avgTime
	}

	var totalCompleted, onTime int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM review_items WHERE completed_at IS NOT NULL`,
	).Scan(&totalCompleted); err != nil {
		return stats, fmt.Errorf("total completed: %w", err)
	}
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM review_items WHERE completed_at IS NOT NULL AND completed_at <= sla_deadline`,
	).Scan(&onTime); err != nil {
		return stats, fmt.Errorf("on time count: %w", err)
	}

	if totalCompleted > 0 {
		stats.SLACompliancePercent = float64(onTime) / float64(totalCompleted) * 100
	} else {
		stats.SLACompliancePercent = 100.0
	}

	return stats, nil
}

func (s *Service) audit(ctx context.Context, tx pgx.Tx, itemID string, action domain.AuditAction, fieldName, oldValue, newValue, actor *string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO audit_log (item_id, action, field_name, old_value, new_value, actor, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		itemID, action, fieldName, oldValue, newValue, actor, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

func scanItem(row pgx.Row) (domain.ReviewItem, error) {
	var item domain.ReviewItem
	err := row.Scan(&item.ID, &item.DocumentID, &item.Filename, &item.Status, &item.Priority,
		&item.SLADeadline, &item.AssignedTo, &item.CreatedAt, &item.ClaimedAt, &item.CompletedAt)
	return item, err
}

func scanItemRows(rows pgx.Rows) (domain.ReviewItem, error) {
	var item domain.ReviewItem
	err := rows.Scan(&item.ID, &item.DocumentID, &item.Filename, &item.Status, &item.Priority,
		&item.SLADeadline, &item.AssignedTo, &item.CreatedAt, &item.ClaimedAt, &item.CompletedAt)
	return item, err
}
