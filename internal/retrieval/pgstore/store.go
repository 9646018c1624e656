// Package pgstore implements retrieval.Store on PostgreSQL with the pgvector
// extension. Each collection is a dedicated table with a fixed-dimension
// vector column, a JSONB metadata column, and an HNSW cosine index.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/cain76/finderskeepers-v2-sub003/internal/retrieval"
)

// DB is the subset of pgxpool.Pool used by the store. Defined by the
// consumer so tests can substitute a fake without a live database.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// collection names become table identifiers, so they are restricted to
// lowercase snake_case rather than quoted freely
var validCollectionName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// Store is a PostgreSQL-backed retrieval.Store. The connection pool is owned
// by the caller; Close is a no-op.
//
// Store is safe for concurrent use. Same-id write conflicts resolve
// last-writer-wins through the upsert path.
type Store struct {
	db     DB
	coll   retrieval.Collection
	table  string
	logger *slog.Logger
}

var _ retrieval.Store = (*Store)(nil)

// New creates a store for the collection, creating its table and HNSW index
// if they do not exist and recording the collection in the catalog.
//
// Example:
//
//	store, err := pgstore.New(ctx, pool, retrieval.Collection{
//	    Name:      "doc_chunks",
//	    Dimension: 1024,
//	}, logger)
func New(ctx context.Context, db DB, coll retrieval.Collection, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !validCollectionName.MatchString(coll.Name) {
		return nil, fmt.Errorf("invalid collection name %q: must match %s", coll.Name, validCollectionName)
	}
	if coll.Dimension <= 0 {
		return nil, fmt.Errorf("invalid collection dimension %d", coll.Dimension)
	}

	s := &Store{
		db:     db,
		coll:   coll,
		table:  "records_" + coll.Name,
		logger: logger,
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema for collection %q: %w", coll.Name, err)
	}
	return s, nil
}

// ensureSchema registers the collection and creates its table and index.
// The dimension recorded in the catalog must match: collections are never
// resized at runtime.
func (s *Store) ensureSchema(ctx context.Context) error {
	var existing int
	err := s.db.QueryRow(ctx,
		`INSERT INTO collections (name, dimension)
		 VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING dimension`,
		s.coll.Name, s.coll.Dimension).Scan(&existing)
	if err != nil {
		return mapError(err)
	}
	if existing != s.coll.Dimension {
		return fmt.Errorf("%w: collection %q registered with dimension %d, requested %d",
			retrieval.ErrDimensionMismatch, s.coll.Name, existing, s.coll.Dimension)
	}

	// table name is validated against validCollectionName, safe to splice
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id         TEXT PRIMARY KEY,
		source_id  TEXT NOT NULL DEFAULT '',
		content    TEXT NOT NULL,
		embedding  vector(%d) NOT NULL,
		metadata   JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, s.table, s.coll.Dimension)
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return mapError(err)
	}

	idx := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops)`,
		s.table, s.table)
	if _, err := s.db.Exec(ctx, idx); err != nil {
		return mapError(err)
	}
	metaIdx := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s_metadata_idx ON %s USING gin (metadata)`,
		s.table, s.table)
	if _, err := s.db.Exec(ctx, metaIdx); err != nil {
		return mapError(err)
	}

	s.logger.Debug("collection schema ready", "collection", s.coll.Name, "table", s.table)
	return nil
}

// Collection returns the collection this store serves.
func (s *Store) Collection() retrieval.Collection { return s.coll }

// Put writes a record. Without Overwrite a unique violation maps to
// ErrDuplicateID; with Overwrite the write is an upsert (last-writer-wins).
func (s *Store) Put(ctx context.Context, rec retrieval.Record, opts retrieval.PutOptions) error {
	if len(rec.Vector) != s.coll.Dimension {
		return fmt.Errorf("%w: record %q has %d dimensions, collection %q expects %d",
			retrieval.ErrDimensionMismatch, rec.ID, len(rec.Vector), s.coll.Name, s.coll.Dimension)
	}

	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata for %q: %w", rec.ID, err)
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	embedding := pgvector.NewVector(rec.Vector)
	query := fmt.Sprintf(
		`INSERT INTO %s (id, source_id, content, embedding, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`, s.table)
	if opts.Overwrite {
		query += ` ON CONFLICT (id) DO UPDATE SET
			source_id = EXCLUDED.source_id,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata,
			created_at = EXCLUDED.created_at`
	}

	if _, err := s.db.Exec(ctx, query, rec.ID, rec.SourceID, rec.Content, embedding, metadataJSON, createdAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %q", retrieval.ErrDuplicateID, rec.ID)
		}
		return fmt.Errorf("put record %q: %w", rec.ID, mapError(err))
	}

	s.logger.Debug("put record", "collection", s.coll.Name, "id", rec.ID, "content_length", len(rec.Content))
	return nil
}

// Get returns the record by id.
func (s *Store) Get(ctx context.Context, id string) (retrieval.Record, error) {
	query := fmt.Sprintf(
		`SELECT id, source_id, content, embedding, metadata, created_at FROM %s WHERE id = $1`, s.table)

	var (
		rec          retrieval.Record
		embedding    pgvector.Vector
		metadataJSON []byte
	)
	err := s.db.QueryRow(ctx, query, id).Scan(
		&rec.ID, &rec.SourceID, &rec.Content, &embedding, &metadataJSON, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return retrieval.Record{}, fmt.Errorf("%w: %q", retrieval.ErrNotFound, id)
		}
		return retrieval.Record{}, fmt.Errorf("get record %q: %w", id, mapError(err))
	}

	rec.Vector = embedding.Slice()
	rec.Metadata = unmarshalMetadata(s.logger, rec.ID, metadataJSON)
	return rec, nil
}

// Delete removes the record by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table)
	tag, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete record %q: %w", id, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", retrieval.ErrNotFound, id)
	}

	s.logger.Debug("deleted record", "collection", s.coll.Name, "id", id)
	return nil
}

// Query runs the nearest-neighbor search in SQL. Similarity is computed as
// 1 - (embedding <=> query) with the threshold applied server-side so the
// HNSW index limits the scan. Filters use the JSONB containment operator
// against parameterized, json.Marshal-produced input only.
func (s *Store) Query(ctx context.Context, spec retrieval.QuerySpec) ([]retrieval.Match, error) {
	if len(spec.Vector) != s.coll.Dimension {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, collection %q expects %d",
			retrieval.ErrDimensionMismatch, len(spec.Vector), s.coll.Name, s.coll.Dimension)
	}

	queryVec := pgvector.NewVector(spec.Vector)
	args := []any{queryVec, spec.Threshold, spec.Limit}
	filterClause := ""
	if len(spec.Filters) > 0 {
		filterJSON, err := json.Marshal(spec.Filters)
		if err != nil {
			return nil, fmt.Errorf("marshal filter: %w", err)
		}
		filterClause = " AND metadata @> $4"
		args = append(args, filterJSON)
	}

	query := fmt.Sprintf(
		`SELECT id, source_id, content, embedding, metadata, created_at,
		        1 - (embedding <=> $1) AS similarity
		 FROM %s
		 WHERE 1 - (embedding <=> $1) >= $2%s
		 ORDER BY embedding <=> $1 ASC, created_at ASC, id ASC
		 LIMIT $3`, s.table, filterClause)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search collection %q: %w", s.coll.Name, mapError(err))
	}
	defer rows.Close()

	var matches []retrieval.Match
	for rows.Next() {
		var (
			rec          retrieval.Record
			embedding    pgvector.Vector
			metadataJSON []byte
			similarity   float64
		)
		if err := rows.Scan(&rec.ID, &rec.SourceID, &rec.Content, &embedding,
			&metadataJSON, &rec.CreatedAt, &similarity); err != nil {
			return nil, fmt.Errorf("scan search row: %w", mapError(err))
		}
		rec.Vector = embedding.Slice()
		rec.Metadata = unmarshalMetadata(s.logger, rec.ID, metadataJSON)
		matches = append(matches, retrieval.Match{
			Record:     rec,
			Similarity: retrieval.ClampSimilarity(similarity),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search collection %q: %w", s.coll.Name, mapError(err))
	}

	retrieval.SortMatches(matches)
	return matches, nil
}

// Close is a no-op; the pool is managed by the caller.
func (*Store) Close() error { return nil }

func unmarshalMetadata(logger *slog.Logger, id string, raw []byte) map[string]string {
	metadata := make(map[string]string)
	if len(raw) == 0 {
		return metadata
	}
	if err := json.Unmarshal(raw, &metadata); err != nil {
		logger.Warn("failed to parse metadata", "record_id", id, "error", err)
	}
	return metadata
}

// mapError classifies backend failures into the retrieval taxonomy: expired
// deadlines become ErrTimeout (never retried), connectivity failures become
// ErrBackendUnavailable (retried by the engine).
func mapError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", retrieval.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", retrieval.ErrBackendUnavailable, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08: connection exception, class 57: operator intervention
		// (shutdown, crash); both are transient from the client's view
		if len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "57") {
			return fmt.Errorf("%w: %v", retrieval.ErrBackendUnavailable, err)
		}
	}
	return err
}
