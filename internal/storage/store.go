// Package storage implements the idempotency cache and atomic dual-format
// (JSON + Parquet) persistence of extraction results (spec §4.4).
package storage

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the idempotency cache plus dual-output writer. It owns a
// Postgres pool for the cache table and two directory roots for the
// date-partitioned output trees.
type Store struct {
	pool       *pgxpool.Pool
	jsonDir    string
	parquetDir string
}

// New constructs a Store. jsonDir and parquetDir are the roots under which
// date-partitioned (YYYY/MM/DD) output files are written.
func New(pool *pgxpool.Pool, jsonDir, parquetDir string) *Store {
	return &Store{pool: pool, jsonDir: jsonDir, parquetDir: parquetDir}
}
