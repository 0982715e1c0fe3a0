package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	_ "modernc.org/sqlite"

	"github.com/syrahproxy/syrah/internal/flow"
)

// SQLiteStore persists rule sets and HAR export history, grounded in the
// teacher's WAL-mode/pragma/migration conventions but scoped to the two
// tables SPEC_FULL's domain stack actually calls for.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path with the
// teacher's WAL pragmas, runs migrations, and secures its file
// permissions.
func Open(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := setSecureFilePermissions(path); err != nil {
		_ = err // best effort, platform-dependent
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func setSecureFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", path, err)
	}
	os.Chmod(path+"-wal", 0600)
	os.Chmod(path+"-shm", 0600)
	return nil
}

func (s *SQLiteStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version WHERE id = 1").Scan(&version)
	if err != nil {
		if _, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				version INTEGER NOT NULL,
				applied_at TEXT NOT NULL DEFAULT (datetime('now'))
			);
			INSERT OR IGNORE INTO schema_version (id, version) VALUES (1, 0);
		`); err != nil {
			return fmt.Errorf("creating schema_version: %w", err)
		}
		version = 0
	}

	migrations := []string{migrationV1}
	for i := version; i < len(migrations); i++ {
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("running migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("UPDATE schema_version SET version = ?, applied_at = datetime('now') WHERE id = 1", i+1); err != nil {
			return fmt.Errorf("updating version to %d: %w", i+1, err)
		}
	}
	return nil
}

const migrationV1 = `
CREATE TABLE IF NOT EXISTS rules (
	id TEXT PRIMARY KEY,
	definition TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS har_exports (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	entry_count INTEGER NOT NULL,
	document TEXT NOT NULL
);
`

// SaveRules atomically replaces the persisted rule set, mirroring the
// copy-on-write semantics of set_rules (§6): the whole set is swapped, not
// merged.
func (s *SQLiteStore) SaveRules(ctx context.Context, rules []*flow.Rule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM rules"); err != nil {
		return fmt.Errorf("clearing rules: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO rules (id, definition, priority) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, rule := range rules {
		data, err := json.Marshal(rule)
		if err != nil {
			return fmt.Errorf("marshaling rule %s: %w", rule.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, rule.ID, string(data), rule.Priority); err != nil {
			return fmt.Errorf("inserting rule %s: %w", rule.ID, err)
		}
	}

	return tx.Commit()
}

// LoadRules returns the persisted rule set, ordered by descending priority
// to match flow.SortRulesByPriorityDesc's expectations once loaded.
func (s *SQLiteStore) LoadRules(ctx context.Context) ([]*flow.Rule, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT definition FROM rules ORDER BY priority DESC")
	if err != nil {
		return nil, fmt.Errorf("querying rules: %w", err)
	}
	defer rows.Close()

	var rules []*flow.Rule
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, fmt.Errorf("scanning rule: %w", err)
		}
		var rule flow.Rule
		if err := json.Unmarshal([]byte(def), &rule); err != nil {
			return nil, fmt.Errorf("unmarshaling rule: %w", err)
		}
		rules = append(rules, &rule)
	}
	return rules, rows.Err()
}

// SaveHARExport archives a rendered HAR document, returning its row ID.
func (s *SQLiteStore) SaveHARExport(ctx context.Context, document []byte, entryCount int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO har_exports (entry_count, document) VALUES (?, ?)",
		entryCount, string(document))
	if err != nil {
		return 0, fmt.Errorf("saving HAR export: %w", err)
	}
	return res.LastInsertId()
}

// ListHARExports returns the most recent HAR exports, newest first, capped
// at limit.
func (s *SQLiteStore) ListHARExports(ctx context.Context, limit int) ([]HARExportRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, created_at, entry_count, document FROM har_exports ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("querying HAR exports: %w", err)
	}
	defer rows.Close()

	var out []HARExportRecord
	for rows.Next() {
		var rec HARExportRecord
		var createdAt string
		var doc string
		if err := rows.Scan(&rec.ID, &createdAt, &rec.EntryCount, &doc); err != nil {
			return nil, fmt.Errorf("scanning HAR export: %w", err)
		}
		rec.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdAt)
		rec.Document = []byte(doc)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
