package domain

// Schema is the full Postgres DDL for the persisted entities in §3. It is
// idempotent (CREATE TABLE IF NOT EXISTS) so the worker can run it at
// startup against a fresh or already-migrated database.
const Schema = `
CREATE TABLE IF NOT EXISTS documents (
    id                TEXT PRIMARY KEY,
    stored_name       TEXT NOT NULL,
    original_name     TEXT NOT NULL,
    mime_type         TEXT NOT NULL DEFAULT 'application/pdf',
    status            TEXT NOT NULL DEFAULT 'queued'
                      CHECK (status IN ('queued','processing','completed','failed','duplicate')),
    task_id           TEXT,
    error_message     TEXT,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS processed_documents (
    content_hash TEXT PRIMARY KEY,
    document_id  TEXT NOT NULL,
    filename     TEXT NOT NULL,
    result_blob  TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS review_items (
    id           TEXT PRIMARY KEY,
    document_id  TEXT NOT NULL UNIQUE,
    filename     TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'pending'
                 CHECK (status IN ('pending','in_review','approved','corrected','rejected')),
    priority     DOUBLE PRECISION NOT NULL DEFAULT 0,
    sla_deadline TIMESTAMPTZ,
    assigned_to  TEXT,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    claimed_at   TIMESTAMPTZ,
    completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS extracted_fields (
    id                  TEXT PRIMARY KEY,
    review_item_id      TEXT NOT NULL REFERENCES review_items(id),
    field_name          TEXT NOT NULL,
    value               TEXT,
    confidence          DOUBLE PRECISION NOT NULL DEFAULT 0,
    manually_corrected  BOOLEAN NOT NULL DEFAULT FALSE,
    corrected_at        TIMESTAMPTZ,
    corrected_by        TEXT,
    locked              BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS audit_log (
    id         SERIAL PRIMARY KEY,
    item_id    TEXT NOT NULL,
    action     TEXT NOT NULL
               CHECK (action IN ('start_review','correction','approval','rejection','auto_assign')),
    field_name TEXT,
    old_value  TEXT,
    new_value  TEXT,
    actor      TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
CREATE INDEX IF NOT EXISTS idx_documents_created ON documents(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_review_items_status ON review_items(status);
CREATE INDEX IF NOT EXISTS idx_review_items_priority ON review_items(priority DESC);
CREATE INDEX IF NOT EXISTS idx_extracted_fields_item ON extracted_fields(review_item_id);
`
