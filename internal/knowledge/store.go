// Package knowledge implements the retrieval-augmented knowledge store:
// chunked document ingestion, embedding, and cosine-similarity search over
// an append-only SQLite chunk table. Chunks are immutable once written;
// re-ingesting a source creates a new version and retires the old one from
// query results without physically deleting it until a GC pass.
package knowledge

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/foreman/internal/bus"
	"github.com/basket/foreman/internal/otel"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrEmptyInput is returned by Ingest for empty or whitespace-only text.
var ErrEmptyInput = errors.New("empty input")

// ChunkRecord is one immutable chunk of an ingested source version.
type ChunkRecord struct {
	ID        string            `json:"id"`
	SourceID  string            `json:"source_id"`
	Ordinal   int               `json:"ordinal"`
	Text      string            `json:"text"`
	Embedding []float32         `json:"-"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Score     float64           `json:"score,omitempty"` // cosine similarity, set on query results
}

// Options configures a Store.
type Options struct {
	ChunkTokens  int
	ChunkOverlap int
	Embedder     Embedder
	Bus          *bus.Bus
	Metrics      *otel.Metrics
}

// Store is the SQLite-backed knowledge store.
type Store struct {
	db       *sql.DB
	embedder Embedder
	bus      *bus.Bus
	metrics  *otel.Metrics

	chunkTokens  int
	chunkOverlap int

	// Per-source ingest locks. Queries are pure reads over immutable chunks
	// and take no lock.
	sourceMu sync.Map // source_id -> *sync.Mutex
}

// Open opens (creating if needed) the knowledge database at path.
func Open(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if opts.Embedder == nil {
		opts.Embedder = NewHashingEmbedder(256)
	}
	if opts.ChunkTokens <= 0 {
		opts.ChunkTokens = 500
	}
	if opts.ChunkOverlap < 0 {
		opts.ChunkOverlap = 0
	}

	s := &Store{
		db:           db,
		embedder:     opts.Embedder,
		bus:          opts.Bus,
		metrics:      opts.Metrics,
		chunkTokens:  opts.ChunkTokens,
		chunkOverlap: opts.ChunkOverlap,
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		`CREATE TABLE IF NOT EXISTS sources (
			source_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (source_id, version)
		);`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			ordinal INTEGER NOT NULL,
			text TEXT NOT NULL,
			embedding BLOB NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (source_id, version, ordinal)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source_id, version);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply knowledge schema: %w", err)
		}
	}
	return nil
}

func (s *Store) lockSource(sourceID string) *sync.Mutex {
	mu, _ := s.sourceMu.LoadOrStore(sourceID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Ingest chunks, embeds, and stores text under sourceID. Re-ingesting the
// same sourceID writes a new version and atomically retires the previous one
// from query results. Fails fast with ErrEmptyInput on empty text.
func (s *Store) Ingest(ctx context.Context, sourceID, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyInput
	}
	if strings.TrimSpace(sourceID) == "" {
		return fmt.Errorf("ingest: empty source_id")
	}

	mu := s.lockSource(sourceID)
	mu.Lock()
	defer mu.Unlock()

	pieces := ChunkText(text, s.chunkTokens, s.chunkOverlap)
	embeddings := make([][]float32, len(pieces))
	for i, piece := range pieces {
		vec, err := s.embedder.Embed(ctx, piece)
		if err != nil {
			return fmt.Errorf("embed chunk %d of %s: %w", i, sourceID, err)
		}
		embeddings[i] = vec
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ingest tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prev sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
		SELECT MAX(version) FROM sources WHERE source_id = ?;
	`, sourceID).Scan(&prev); err != nil {
		return fmt.Errorf("read source version: %w", err)
	}
	version := 1
	if prev.Valid {
		version = int(prev.Int64) + 1
	}

	// Retire all previous versions and activate the new one in the same tx,
	// so readers never see mixed versions.
	if _, err := tx.ExecContext(ctx, `
		UPDATE sources SET active = 0 WHERE source_id = ? AND active = 1;
	`, sourceID); err != nil {
		return fmt.Errorf("retire previous versions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sources (source_id, version, active) VALUES (?, ?, 1);
	`, sourceID, version); err != nil {
		return fmt.Errorf("insert source version: %w", err)
	}

	for i, piece := range pieces {
		meta, _ := json.Marshal(map[string]string{"tokens": fmt.Sprintf("%d", EstimateTokens(piece))})
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (id, source_id, version, ordinal, text, embedding, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, uuid.NewString(), sourceID, version, i, piece, encodeVector(embeddings[i]), string(meta)); err != nil {
			return fmt.Errorf("insert chunk %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ingest tx: %w", err)
	}

	if s.metrics != nil {
		s.metrics.ChunksIngested.Add(ctx, int64(len(pieces)))
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicSourceIngested, bus.SourceIngestedEvent{
			SourceID: sourceID,
			Version:  version,
			Chunks:   len(pieces),
		})
	}
	return nil
}

// Query returns up to k active chunks ranked by cosine similarity descending,
// ties broken by lowest ordinal then chunk ID. An empty store yields an empty
// list, never an error.
func (s *Store) Query(ctx context.Context, text string, k int) ([]ChunkRecord, error) {
	if k <= 0 {
		return nil, nil
	}
	queryVec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.source_id, c.ordinal, c.text, c.embedding, c.metadata
		FROM chunks c
		JOIN sources s ON s.source_id = c.source_id AND s.version = c.version
		WHERE s.active = 1;
	`)
	if err != nil {
		return nil, fmt.Errorf("select chunks: %w", err)
	}
	defer rows.Close()

	var results []ChunkRecord
	for rows.Next() {
		var rec ChunkRecord
		var blob []byte
		var metaJSON string
		if err := rows.Scan(&rec.ID, &rec.SourceID, &rec.Ordinal, &rec.Text, &blob, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		rec.Embedding = decodeVector(blob)
		if metaJSON != "" {
			_ = json.Unmarshal([]byte(metaJSON), &rec.Metadata)
		}
		rec.Score = cosine(queryVec, rec.Embedding)
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chunk rows: %w", err)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Ordinal != results[j].Ordinal {
			return results[i].Ordinal < results[j].Ordinal
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Retract removes a source and all its versions entirely (cascade delete of
// chunks). This is the only delete path outside the GC pass.
func (s *Store) Retract(ctx context.Context, sourceID string) error {
	mu := s.lockSource(sourceID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin retract tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE source_id = ?;`, sourceID); err != nil {
		return fmt.Errorf("retract chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sources WHERE source_id = ?;`, sourceID); err != nil {
		return fmt.Errorf("retract source: %w", err)
	}
	return tx.Commit()
}

// GC physically deletes chunks of retired source versions older than the
// retention window. Retired chunks stay queryable-by-audit until then.
func (s *Store) GC(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin gc tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM chunks WHERE (source_id, version) IN (
			SELECT source_id, version FROM sources WHERE active = 0 AND created_at <= ?
		);
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("gc chunks: %w", err)
	}
	removed, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM sources WHERE active = 0 AND created_at <= ?;
	`, cutoff); err != nil {
		return 0, fmt.Errorf("gc sources: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit gc tx: %w", err)
	}
	if removed > 0 && s.bus != nil {
		s.bus.Publish(bus.TopicChunksRetired, bus.ChunksRetiredEvent{Removed: removed})
	}
	return removed, nil
}

// ChunkCount returns the number of chunks in active source versions.
func (s *Store) ChunkCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM chunks c
		JOIN sources s ON s.source_id = c.source_id AND s.version = c.version
		WHERE s.active = 1;
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("chunk count: %w", err)
	}
	return n, nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
