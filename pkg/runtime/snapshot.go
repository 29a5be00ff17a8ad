package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/veloxio/velox/pkg/fsm"
)

// SnapshotStore persists full instance serializations for warm restart.
// Runtime-only fields (subscribers, the bound kind) are not stored; the kind
// is re-bound by name on load.
type SnapshotStore interface {
	Save(inst *fsm.Instance) error
	Delete(fsmID, tenantID, kindName string) error
	LoadAll() ([]*fsm.Instance, error)
	Close() error
}

// FileSnapshotStore writes one JSON file per instance under
// data/<tenant>/fsm/<module-short-name>/<sanitized-fsm-id>.json using
// write-then-rename.
type FileSnapshotStore struct {
	dir string
}

// NewFileSnapshotStore creates a store rooted at dir.
func NewFileSnapshotStore(dir string) *FileSnapshotStore {
	return &FileSnapshotStore{dir: dir}
}

func (s *FileSnapshotStore) pathFor(fsmID, tenantID, kindName string) string {
	tenant := fsm.Sanitize(tenantID)
	if tenant == "" {
		tenant = "no_tenant"
	}
	return filepath.Join(
		s.dir,
		tenant,
		"fsm",
		fsm.Sanitize(fsm.ModuleShortName(kindName)),
		fsm.Sanitize(fsmID)+".json",
	)
}

func (s *FileSnapshotStore) Save(inst *fsm.Instance) error {
	data, err := json.Marshal(inst.Clone())
	if err != nil {
		return fmt.Errorf("marshal snapshot for %s: %w", inst.ID, err)
	}

	path := s.pathFor(inst.ID, inst.TenantID, inst.KindName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *FileSnapshotStore) Delete(fsmID, tenantID, kindName string) error {
	err := os.Remove(s.pathFor(fsmID, tenantID, kindName))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *FileSnapshotStore) LoadAll() ([]*fsm.Instance, error) {
	pattern := filepath.Join(s.dir, "*", "fsm", "*", "*.json")
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}

	var out []*fsm.Instance
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var inst fsm.Instance
		if err := json.Unmarshal(data, &inst); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
		}
		out = append(out, &inst)
	}
	return out, nil
}

func (s *FileSnapshotStore) Close() error { return nil }
