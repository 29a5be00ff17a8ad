package runtime

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/veloxio/velox/pkg/fsm"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS fsm_snapshots (
	fsm_id     TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL DEFAULT '',
	module     TEXT NOT NULL,
	payload    TEXT NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_fsm_snapshots_tenant ON fsm_snapshots(tenant_id);
`

// SQLiteSnapshotStore keeps instance snapshots in a single SQLite database.
// An alternative to FileSnapshotStore for deployments that prefer one file
// over a directory tree.
type SQLiteSnapshotStore struct {
	db *sql.DB
}

// NewSQLiteSnapshotStore opens (and migrates) the database at path.
func NewSQLiteSnapshotStore(path string) (*SQLiteSnapshotStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	if _, err := db.Exec(snapshotSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate snapshot db: %w", err)
	}
	return &SQLiteSnapshotStore{db: db}, nil
}

func (s *SQLiteSnapshotStore) Save(inst *fsm.Instance) error {
	payload, err := json.Marshal(inst.Clone())
	if err != nil {
		return fmt.Errorf("marshal snapshot for %s: %w", inst.ID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO fsm_snapshots (fsm_id, tenant_id, module, payload, updated_at)
		VALUES (?, ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT(fsm_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		inst.ID, inst.TenantID, fsm.ModuleShortName(inst.KindName), string(payload))
	return err
}

func (s *SQLiteSnapshotStore) Delete(fsmID, tenantID, kindName string) error {
	_, err := s.db.Exec(`DELETE FROM fsm_snapshots WHERE fsm_id = ?`, fsmID)
	return err
}

func (s *SQLiteSnapshotStore) LoadAll() ([]*fsm.Instance, error) {
	rows, err := s.db.Query(`SELECT payload FROM fsm_snapshots ORDER BY fsm_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*fsm.Instance
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var inst fsm.Instance
		if err := json.Unmarshal([]byte(payload), &inst); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		out = append(out, &inst)
	}
	return out, rows.Err()
}

func (s *SQLiteSnapshotStore) Close() error { return s.db.Close() }
