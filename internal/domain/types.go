// Package domain holds the persisted entities and result DTOs shared across
// the pipeline, review queue, and storage layers.
package domain

import "time"

// DocumentStatus is the lifecycle status of an uploaded document.
type DocumentStatus string

const (
	DocumentQueued     DocumentStatus = "queued"
	DocumentProcessing DocumentStatus = "processing"
	DocumentCompleted  DocumentStatus = "completed"
	DocumentFailed     DocumentStatus = "failed"
	DocumentDuplicate  DocumentStatus = "duplicate"
)

// Document is the lifecycle anchor for an upload.
type Document struct {
	ID           string
	StoredName   string
	OriginalName string
	MimeType     string
	Status       DocumentStatus
	TaskID       *string
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ReviewStatus is the lifecycle status of a review item.
type ReviewStatus string

const (
	ReviewPending   ReviewStatus = "pending"
	ReviewInReview  ReviewStatus = "in_review"
	ReviewApproved  ReviewStatus = "approved"
	ReviewCorrected ReviewStatus = "corrected"
	ReviewRejected  ReviewStatus = "rejected"
)

// IsTerminal reports whether s is one of the absorbing terminal states.
func (s ReviewStatus) IsTerminal() bool {
	return s == ReviewApproved || s == ReviewCorrected || s == ReviewRejected
}

// ReviewAction is a reviewer's decision on a ReviewItem.
type ReviewAction string

const (
	ActionApprove ReviewAction = "approve"
	ActionCorrect ReviewAction = "correct"
	ActionReject  ReviewAction = "reject"
)

// AuditAction enumerates the append-only audit log's action kinds.
type AuditAction string

const (
	AuditStartReview AuditAction = "start_review"
	AuditCorrection  AuditAction = "correction"
	AuditApproval    AuditAction = "approval"
	AuditRejection   AuditAction = "rejection"
	AuditAutoAssign  AuditAction = "auto_assign"
)

// ReviewItem is one invoice awaiting a human decision.
type ReviewItem struct {
	ID          string
	DocumentID  string
	Filename    string
	Status      ReviewStatus
	Priority    float64
	SLADeadline *time.Time
	AssignedTo  *string
	CreatedAt   time.Time
	ClaimedAt   *time.Time
	CompletedAt *time.Time
	Fields      []ExtractedField
}

// ExtractedField is one AI-extracted datum attached to a ReviewItem.
type ExtractedField struct {
	ID               string
	ReviewItemID     string
	FieldName        string
	Value            string
	Confidence       float64
	ManuallyCorrected bool
	CorrectedAt      *time.Time
	CorrectedBy      *string
	Locked           bool
}

// AuditLogEntry is a single append-only audit record.
type AuditLogEntry struct {
	ID        int64
	ItemID    string
	Action    AuditAction
	FieldName *string
	OldValue  *string
	NewValue  *string
	Actor     *string
	CreatedAt time.Time
}

// LineItem is a single row on an invoice.
type LineItem struct {
	Item      string  `json:"item"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
	Total     float64 `json:"total"`
}

// InvoiceData is the structured invoice payload returned by the extractor.
type InvoiceData struct {
	Vendor        string     `json:"vendor"`
	InvoiceNumber string     `json:"invoice_number"`
	Date          string     `json:"date"`
	DueDate       string     `json:"due_date"`
	Subtotal      float64    `json:"subtotal"`
	TaxRate       float64    `json:"tax_rate"`
	TaxAmount     float64    `json:"tax_amount"`
	Total         float64    `json:"total"`
	Currency      string     `json:"currency"`
	LineItems     []LineItem `json:"line_items"`
}

// FieldConfidence carries the extractor's per-field confidence score.
type FieldConfidence struct {
	FieldName  string  `json:"field_name"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// ExtractionResult is the full result of extracting data from one document.
type ExtractionResult struct {
	DocumentID           string            `json:"document_id"`
	Filename             string            `json:"filename"`
	InvoiceData          InvoiceData       `json:"invoice_data"`
	FieldConfidences     []FieldConfidence `json:"field_confidences"`
	OverallConfidence    float64           `json:"overall_confidence"`
	ExtractedAt          time.Time         `json:"extracted_at"`
	ProcessingTimeSeconds float64          `json:"processing_time_seconds"`
	ContentHash          string            `json:"content_hash"`
	SchemaVersion        string            `json:"schema_version"`
}

// QueueStats is the dashboard snapshot computed on demand by the review service.
type QueueStats struct {
	QueueDepth           int
	ItemsReviewedToday   int
	AvgReviewTimeSeconds float64
	SLACompliancePercent float64
}

// QueueSort is the accepted sort key for QueueFilter.Sort.
type QueueSort string

const (
	SortPriorityDesc QueueSort = "priority"
	SortSLAAsc       QueueSort = "sla"
	SortDateDesc     QueueSort = "date"
)

// QueueFilter narrows and paginates a review queue listing.
type QueueFilter struct {
	Status      *ReviewStatus
	AssignedTo  *string
	PriorityMin *float64
	Sort        QueueSort
	Limit       int
	Offset      int
}

// ReviewSubmission is a reviewer's decision payload for Submit.
type ReviewSubmission struct {
	Action      ReviewAction
	Corrections map[string]string
	Reason      *string
}
