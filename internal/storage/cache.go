package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/docflow/worker/internal/domain"
	"github.com/jackc/pgx/v5"
)

// GetCached looks up a previously processed upload by content hash. A miss
// returns ok=false with no error.
func (s *Store) GetCached(ctx context.Context, contentHash string) (domain.ExtractionResult, bool, error) {
	var blob string
	err := s.pool.QueryRow(ctx,
		`SELECT result_blob FROM processed_documents WHERE content_hash = $1`,
		contentHash,
	).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ExtractionResult{}, false, nil
	}
	if err != nil {
		return domain.ExtractionResult{}, false, fmt.Errorf("get cached result: %w", err)
	}

	var result domain.ExtractionResult
	if err := json.Unmarshal([]byte(blob), &result); err != nil {
		return domain.ExtractionResult{}, false, fmt.Errorf("decode cached result: %w", err)
	}
	return result, true, nil
}

// CacheResult inserts a (content_hash, document_id, filename, blob) row,
// doing nothing if a row for this hash already exists — the first upload of
// a given hash always wins the cache slot.
func (s *Store) CacheResult(ctx context.Context, result domain.ExtractionResult) error {
	if result.ContentHash == "" {
		return nil
	}
	blob, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result for cache: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO processed_documents (content_hash, document_id, filename, result_blob, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (content_hash) DO NOTHING`,
		result.ContentHash, result.DocumentID, result.Filename, string(blob), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("cache result: %w", err)
	}
	return nil
}

// ResultFromCacheForNewUpload rebinds a cached extraction result's identity
// fields to a new upload, so a duplicate document returns fields sourced
// from the cache while document_id/filename reflect the upload that
// triggered the lookup (spec §4.4).
func ResultFromCacheForNewUpload(cached domain.ExtractionResult, newDocumentID, newFilename string) domain.ExtractionResult {
	rebound := cached
	rebound.DocumentID = newDocumentID
	rebound.Filename = newFilename
	return rebound
}
