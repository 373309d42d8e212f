package transcript

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrArchiveNotFound is returned for unknown archive IDs.
var ErrArchiveNotFound = errors.New("archive not found")

// ArchiveEntry describes one archived transcript.
type ArchiveEntry struct {
	ID         string    `json:"id"`
	Advisor    string    `json:"advisor"`
	Path       string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	ArchivedAt time.Time `json:"archived_at"`
	Messages   int       `json:"messages"`
}

// ArchiveIndex is a SQLite-backed catalogue of archived transcripts.
type ArchiveIndex struct {
	db *sql.DB
}

// NewArchiveIndex opens (and migrates) the index database.
func NewArchiveIndex(dbPath string) (*ArchiveIndex, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open archive index: %w", err)
	}

	idx := &ArchiveIndex{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive index: %w", err)
	}
	return idx, nil
}

func (i *ArchiveIndex) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS archives (
		id TEXT PRIMARY KEY,
		advisor TEXT NOT NULL,
		path TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		archived_at TIMESTAMP NOT NULL,
		messages INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_archives_advisor ON archives(advisor, archived_at);
	`
	_, err := i.db.Exec(schema)
	return err
}

// Close releases the database.
func (i *ArchiveIndex) Close() error {
	return i.db.Close()
}

// Add records an archived transcript.
func (i *ArchiveIndex) Add(e ArchiveEntry) error {
	_, err := i.db.Exec(
		`INSERT INTO archives (id, advisor, path, created_at, archived_at, messages)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Advisor, e.Path, e.CreatedAt, e.ArchivedAt, e.Messages,
	)
	return err
}

// Get returns one archive entry by ID.
func (i *ArchiveIndex) Get(id string) (*ArchiveEntry, error) {
	row := i.db.QueryRow(
		`SELECT id, advisor, path, created_at, archived_at, messages
		 FROM archives WHERE id = ?`, id)

	var e ArchiveEntry
	err := row.Scan(&e.ID, &e.Advisor, &e.Path, &e.CreatedAt, &e.ArchivedAt, &e.Messages)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrArchiveNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	return &e, nil
}

// List returns archives, newest-first. An empty advisor lists all.
func (i *ArchiveIndex) List(advisor string) ([]ArchiveEntry, error) {
	query := `SELECT id, advisor, path, created_at, archived_at, messages
	          FROM archives`
	var args []any
	if advisor != "" {
		query += ` WHERE advisor = ?`
		args = append(args, advisor)
	}
	query += ` ORDER BY archived_at DESC`

	rows, err := i.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	defer rows.Close()

	var entries []ArchiveEntry
	for rows.Next() {
		var e ArchiveEntry
		if err := rows.Scan(&e.ID, &e.Advisor, &e.Path, &e.CreatedAt, &e.ArchivedAt, &e.Messages); err != nil {
			return nil, fmt.Errorf("scan archive: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes an index entry.
func (i *ArchiveIndex) Delete(id string) error {
	res, err := i.db.Exec(`DELETE FROM archives WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrArchiveNotFound, id)
	}
	return nil
}
