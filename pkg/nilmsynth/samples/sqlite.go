package samples

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/library"
)

// SQLiteStore keeps sample streams in a SQLite database, one row per
// timestamp with the channel values packed into a blob.
type SQLiteStore struct {
	db        *sql.DB
	dbPath    string
	mutex     sync.RWMutex
	prepared  map[string]*sql.Stmt
	chunkSize int
}

// NewSQLiteStore opens (creating if needed) the sample database at dbPath.
func NewSQLiteStore(dbPath string, chunkSize int) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create sample directory: %v", err)
		}
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sample database: %v", err)
	}

	store := &SQLiteStore{
		db:        db,
		dbPath:    dbPath,
		prepared:  make(map[string]*sql.Stmt),
		chunkSize: chunkSize,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize sample schema: %v", err)
	}

	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %v", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS samples (
		stream TEXT NOT NULL,
		ts INTEGER NOT NULL,
		width INTEGER NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (stream, ts)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) prepareStatements() error {
	statements := map[string]string{
		"insert_sample": `
			INSERT OR REPLACE INTO samples (stream, ts, width, data)
			VALUES (?, ?, ?, ?)
		`,
		"select_range": `
			SELECT ts, width, data FROM samples
			WHERE stream = ? AND ts >= ? AND ts < ?
			ORDER BY ts ASC
			LIMIT ?
		`,
		"delete_stream": `
			DELETE FROM samples WHERE stream = ?
		`,
		"list_streams": `
			SELECT DISTINCT stream FROM samples ORDER BY stream
		`,
		"count_stream": `
			SELECT COUNT(*) FROM samples WHERE stream = ?
		`,
	}

	for name, query := range statements {
		stmt, err := s.db.Prepare(query)
		if err != nil {
			return fmt.Errorf("failed to prepare statement %s: %v", name, err)
		}
		s.prepared[name] = stmt
	}

	return nil
}

// Append stores rows for a stream inside a single transaction. Existing rows
// with the same timestamp are replaced.
func (s *SQLiteStore) Append(ctx context.Context, stream string, timestamps []int64, data *mat.Dense) error {
	rows, cols := 0, 0
	if data != nil {
		rows, cols = data.Dims()
	}
	if rows != len(timestamps) {
		return fmt.Errorf("stream %s: %d timestamps for %d rows", stream, len(timestamps), rows)
	}
	if rows == 0 {
		return nil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	stmt := tx.StmtContext(ctx, s.prepared["insert_sample"])
	for i, ts := range timestamps {
		if _, err := stmt.ExecContext(ctx, stream, ts, cols, library.EncodeDelta(data.RawRowView(i))); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert sample %d of stream %s: %v", ts, stream, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit samples for stream %s: %v", stream, err)
	}

	klog.V(4).InfoS("Stored samples", "stream", stream, "rows", rows, "first", timestamps[0])
	return nil
}

// Open returns the rows of stream with timestamps in [start, end). Rows are
// fetched one chunk at a time as the stream is read.
func (s *SQLiteStore) Open(ctx context.Context, stream string, start, end int64) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &sqliteStream{ctx: ctx, store: s, stream: stream, next: start, end: end}, nil
}

// Streams lists the names of all stored streams.
func (s *SQLiteStore) Streams(ctx context.Context) ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.prepared["list_streams"].QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list streams: %v", err)
	}
	defer rows.Close()

	var streams []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan stream row: %v", err)
		}
		streams = append(streams, name)
	}
	return streams, rows.Err()
}

// Count returns the number of rows stored for stream.
func (s *SQLiteStore) Count(ctx context.Context, stream string) (int, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var n int
	if err := s.prepared["count_stream"].QueryRowContext(ctx, stream).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count stream %s: %v", stream, err)
	}
	return n, nil
}

// Delete removes every row of stream.
func (s *SQLiteStore) Delete(ctx context.Context, stream string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	result, err := s.prepared["delete_stream"].ExecContext(ctx, stream)
	if err != nil {
		return fmt.Errorf("failed to delete stream %s: %v", stream, err)
	}
	n, _ := result.RowsAffected()
	klog.V(2).InfoS("Deleted sample stream", "stream", stream, "rows", n)
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, stmt := range s.prepared {
		stmt.Close()
	}
	return s.db.Close()
}

type sqliteStream struct {
	ctx    context.Context
	store  *SQLiteStore
	stream string
	next   int64
	end    int64
	width  int
	done   bool
}

func (s *sqliteStream) Read() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		return Chunk{}, err
	}

	timestamps, values, err := s.fetch()
	if err != nil {
		return Chunk{}, err
	}
	if len(timestamps) == 0 {
		s.done = true
		return Chunk{}, io.EOF
	}
	if len(timestamps) < s.store.chunkSize {
		s.done = true
	}
	s.next = timestamps[len(timestamps)-1] + 1

	return Chunk{Timestamps: timestamps, Data: mat.NewDense(len(timestamps), s.width, values)}, nil
}

func (s *sqliteStream) fetch() ([]int64, []float64, error) {
	s.store.mutex.RLock()
	defer s.store.mutex.RUnlock()

	rows, err := s.store.prepared["select_range"].QueryContext(s.ctx, s.stream, s.next, s.end, s.store.chunkSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query stream %s: %v", s.stream, err)
	}
	defer rows.Close()

	var timestamps []int64
	var values []float64
	for rows.Next() {
		var ts int64
		var width int
		var blob []byte
		if err := rows.Scan(&ts, &width, &blob); err != nil {
			return nil, nil, fmt.Errorf("failed to scan sample row: %v", err)
		}
		row, err := library.DecodeDelta(blob)
		if err != nil {
			return nil, nil, fmt.Errorf("stream %s at %d: %v", s.stream, ts, err)
		}
		if width <= 0 {
			return nil, nil, fmt.Errorf("stream %s at %d: row has no channels", s.stream, ts)
		}
		if s.width == 0 {
			s.width = width
		}
		if width != s.width || len(row) != s.width {
			return nil, nil, &WidthError{Expected: s.width, Got: len(row)}
		}
		timestamps = append(timestamps, ts)
		values = append(values, row...)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating sample rows: %v", err)
	}
	return timestamps, values, nil
}

func (s *sqliteStream) Close() error {
	s.done = true
	return nil
}
