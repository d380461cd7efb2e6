package metastore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/scopehq/contextmcp/internal/errors"
)

// WebPage is a crawled URL with its extracted markdown.
type WebPage struct {
	ID        string
	DatasetID string
	URL       string
	Title     string
	Domain    string
	Content   string
	Status    string
	Metadata  map[string]any
	CrawledAt time.Time
}

// UpsertWebPage stores a crawled page, unique on (dataset, url).
// Re-crawls update content in place and keep the original id so chunk
// back-references stay valid.
func (s *Store) UpsertWebPage(ctx context.Context, page WebPage) (*WebPage, error) {
	if page.ID == "" {
		page.ID = uuid.NewString()
	}
	if page.CrawledAt.IsZero() {
		page.CrawledAt = time.UnixMilli(nowMillis())
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO web_pages (id, dataset_id, url, title, domain, content, status, metadata, crawled_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(dataset_id, url) DO UPDATE SET
				title      = excluded.title,
				domain     = excluded.domain,
				content    = excluded.content,
				status     = excluded.status,
				metadata   = excluded.metadata,
				crawled_at = excluded.crawled_at`,
			page.ID, page.DatasetID, page.URL, page.Title, page.Domain,
			page.Content, page.Status, marshalMetadata(page.Metadata), page.CrawledAt.UnixMilli())
		if err != nil {
			return errors.Wrap(errors.KindIO, "upsert web page", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetWebPage(ctx, page.DatasetID, page.URL)
}

// GetWebPage looks a page up by (dataset, url).
func (s *Store) GetWebPage(ctx context.Context, datasetID, url string) (*WebPage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, dataset_id, url, title, domain, content, status, metadata, crawled_at
		FROM web_pages WHERE dataset_id = ? AND url = ?`, datasetID, url)

	var p WebPage
	var meta string
	var crawled int64
	err := row.Scan(&p.ID, &p.DatasetID, &p.URL, &p.Title, &p.Domain, &p.Content, &p.Status, &meta, &crawled)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.KindNotFound, "web page not found").WithResource(url)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "scan web page", err)
	}
	p.Metadata = unmarshalMetadata(meta)
	p.CrawledAt = time.UnixMilli(crawled)
	return &p, nil
}

// ListWebPages returns a dataset's pages ordered by URL.
func (s *Store) ListWebPages(ctx context.Context, datasetID string, limit int) ([]WebPage, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, dataset_id, url, title, domain, content, status, metadata, crawled_at
		FROM web_pages WHERE dataset_id = ? ORDER BY url LIMIT ?`, datasetID, limit)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "list web pages", err)
	}
	defer rows.Close()

	var out []WebPage
	for rows.Next() {
		var p WebPage
		var meta string
		var crawled int64
		if err := rows.Scan(&p.ID, &p.DatasetID, &p.URL, &p.Title, &p.Domain, &p.Content, &p.Status, &meta, &crawled); err != nil {
			return nil, errors.Wrap(errors.KindIO, "scan web page", err)
		}
		p.Metadata = unmarshalMetadata(meta)
		p.CrawledAt = time.UnixMilli(crawled)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ChunkRow is the shadow record of an indexed chunk: enough metadata to
// answer stats and sync deletions without touching the vector index.
type ChunkRow struct {
	ID          string
	DatasetID   string
	SourceKey   string
	ChunkIndex  int
	ContentHash string
	IsCode      bool
	Language    string
}

// ReplaceChunksForSource swaps the shadow rows of one source key inside
// a single transaction: the old rows vanish and the new ones appear
// atomically. Passing no rows deletes the source's chunks.
func (s *Store) ReplaceChunksForSource(ctx context.Context, datasetID, sourceKey string, chunks []ChunkRow) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM chunks WHERE dataset_id = ? AND source_key = ?`, datasetID, sourceKey); err != nil {
			return errors.Wrap(errors.KindIO, "delete chunk rows", err)
		}
		if len(chunks) == 0 {
			return nil
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (id, dataset_id, source_key, chunk_index, content_hash, is_code, language)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(dataset_id, id) DO UPDATE SET
				source_key   = excluded.source_key,
				chunk_index  = excluded.chunk_index,
				content_hash = excluded.content_hash,
				is_code      = excluded.is_code,
				language     = excluded.language`)
		if err != nil {
			return errors.Wrap(errors.KindIO, "prepare chunk insert", err)
		}
		defer stmt.Close()

		for _, c := range chunks {
			if _, err := stmt.ExecContext(ctx, c.ID, datasetID, sourceKey, c.ChunkIndex, c.ContentHash, c.IsCode, c.Language); err != nil {
				return errors.Wrap(errors.KindIO, "insert chunk row", err)
			}
		}
		return nil
	})
}

// MoveChunkSource reassigns a source's shadow rows to a new key. Chunk
// ids are preserved; sync uses this for renames, where the content (and
// therefore the vectors) did not change.
func (s *Store) MoveChunkSource(ctx context.Context, datasetID, oldKey, newKey string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE chunks SET source_key = ? WHERE dataset_id = ? AND source_key = ?`,
			newKey, datasetID, oldKey)
		if err != nil {
			return errors.Wrap(errors.KindIO, "move chunk rows", err)
		}
		return nil
	})
}

// ChunkIDsForSource returns the chunk ids currently recorded for a
// source key; sync uses this to delete stale points from the index.
func (s *Store) ChunkIDsForSource(ctx context.Context, datasetID, sourceKey string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM chunks WHERE dataset_id = ? AND source_key = ? ORDER BY chunk_index`, datasetID, sourceKey)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "list chunk ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(errors.KindIO, "scan chunk id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountChunks returns the shadow-row count for a dataset.
func (s *Store) CountChunks(ctx context.Context, datasetID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE dataset_id = ?`, datasetID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(errors.KindIO, "count chunks", err)
	}
	return n, nil
}

// SourceKeys returns the distinct source keys indexed for a dataset.
func (s *Store) SourceKeys(ctx context.Context, datasetID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT source_key FROM chunks WHERE dataset_id = ? ORDER BY source_key`, datasetID)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "list source keys", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errors.Wrap(errors.KindIO, "scan source key", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
