package library

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"k8s.io/klog/v2"
)

// Library is the appliance library: loads and their captured exemplars.
type Library interface {
	GetLoad(id int64) (Load, error)
	ListExemplars(loadID int64) ([]Exemplar, error)
	AddLoad(load Load) (int64, error)
	AddExemplar(ex Exemplar) (int64, error)
	Close() error
}

// SQLiteLibrary implements Library on a SQLite database.
type SQLiteLibrary struct {
	db       *sql.DB
	dbPath   string
	mutex    sync.RWMutex
	prepared map[string]*sql.Stmt
}

// NewSQLiteLibrary opens (creating if needed) the library database at dbPath.
func NewSQLiteLibrary(dbPath string) (*SQLiteLibrary, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create library directory: %v", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open library database: %v", err)
	}

	lib := &SQLiteLibrary{
		db:       db,
		dbPath:   dbPath,
		prepared: make(map[string]*sql.Stmt),
	}

	if err := lib.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize library schema: %v", err)
	}

	if err := lib.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %v", err)
	}

	return lib, nil
}

func (l *SQLiteLibrary) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS loads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		stream TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		image TEXT,
		appliance_type TEXT
	);

	CREATE TABLE IF NOT EXISTS exemplars (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		on_start INTEGER NOT NULL,
		on_end INTEGER NOT NULL,
		ss_start INTEGER,
		ss_end INTEGER,
		off_start INTEGER NOT NULL,
		off_end INTEGER NOT NULL,
		delta_bytes BLOB,
		load_id INTEGER NOT NULL REFERENCES loads(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_exemplars_load ON exemplars(load_id);
	`

	_, err := l.db.Exec(schema)
	return err
}

func (l *SQLiteLibrary) prepareStatements() error {
	statements := map[string]string{
		"insert_load": `
			INSERT INTO loads (stream, name, description, image, appliance_type)
			VALUES (?, ?, ?, ?, ?)
		`,
		"insert_exemplar": `
			INSERT INTO exemplars (on_start, on_end, ss_start, ss_end, off_start, off_end, delta_bytes, load_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
		"select_load": `
			SELECT id, stream, name, description, image, appliance_type
			FROM loads WHERE id = ?
		`,
		"select_exemplars": `
			SELECT e.id, e.on_start, e.on_end, e.ss_start, e.ss_end, e.off_start, e.off_end,
				   e.delta_bytes, e.load_id, l.stream
			FROM exemplars e JOIN loads l ON l.id = e.load_id
			WHERE e.load_id = ?
			ORDER BY e.id ASC
		`,
	}

	for name, query := range statements {
		stmt, err := l.db.Prepare(query)
		if err != nil {
			return fmt.Errorf("failed to prepare statement %s: %v", name, err)
		}
		l.prepared[name] = stmt
	}

	return nil
}

// AddLoad inserts a load and returns its id.
func (l *SQLiteLibrary) AddLoad(load Load) (int64, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	result, err := l.prepared["insert_load"].Exec(load.Stream, load.Name, load.Description, load.Image, load.ApplianceType)
	if err != nil {
		return 0, fmt.Errorf("failed to insert load %q: %v", load.Name, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read load id: %v", err)
	}

	klog.V(2).InfoS("Added library load", "id", id, "name", load.Name, "stream", load.Stream)
	return id, nil
}

// AddExemplar inserts an exemplar for an existing load and returns its id.
func (l *SQLiteLibrary) AddExemplar(ex Exemplar) (int64, error) {
	if err := ex.Validate(); err != nil {
		return 0, err
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	result, err := l.prepared["insert_exemplar"].Exec(
		ex.OnStart, ex.OnEnd,
		nullInt(ex.SSStart), nullInt(ex.SSEnd),
		ex.OffStart, ex.OffEnd,
		EncodeDelta(ex.Delta),
		ex.LoadID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert exemplar for load %d: %v", ex.LoadID, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read exemplar id: %v", err)
	}

	klog.V(2).InfoS("Added library exemplar", "id", id, "loadID", ex.LoadID,
		"baseDuration", ex.BaseDuration(), "steadyState", ex.HasSteadyState())
	return id, nil
}

// GetLoad returns the load with the given id.
func (l *SQLiteLibrary) GetLoad(id int64) (Load, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	var load Load
	var description, image, applianceType sql.NullString
	err := l.prepared["select_load"].QueryRow(id).Scan(
		&load.ID, &load.Stream, &load.Name, &description, &image, &applianceType)
	if err == sql.ErrNoRows {
		return Load{}, fmt.Errorf("load %d not found in library", id)
	}
	if err != nil {
		return Load{}, fmt.Errorf("failed to query load %d: %v", id, err)
	}
	load.Description = description.String
	load.Image = image.String
	load.ApplianceType = applianceType.String
	return load, nil
}

// ListExemplars returns every exemplar captured for a load, ordered by id.
func (l *SQLiteLibrary) ListExemplars(loadID int64) ([]Exemplar, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	rows, err := l.prepared["select_exemplars"].Query(loadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query exemplars for load %d: %v", loadID, err)
	}
	defer rows.Close()

	var exemplars []Exemplar
	for rows.Next() {
		var ex Exemplar
		var ssStart, ssEnd sql.NullInt64
		var deltaBytes []byte
		if err := rows.Scan(&ex.ID, &ex.OnStart, &ex.OnEnd, &ssStart, &ssEnd,
			&ex.OffStart, &ex.OffEnd, &deltaBytes, &ex.LoadID, &ex.Stream); err != nil {
			return nil, fmt.Errorf("failed to scan exemplar row: %v", err)
		}
		if ssStart.Valid {
			ex.SSStart = &ssStart.Int64
		}
		if ssEnd.Valid {
			ex.SSEnd = &ssEnd.Int64
		}
		if ex.Delta, err = DecodeDelta(deltaBytes); err != nil {
			return nil, fmt.Errorf("exemplar %d: %v", ex.ID, err)
		}
		exemplars = append(exemplars, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating exemplar rows: %v", err)
	}

	return exemplars, nil
}

// Close closes the database connection.
func (l *SQLiteLibrary) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	for _, stmt := range l.prepared {
		stmt.Close()
	}
	return l.db.Close()
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
