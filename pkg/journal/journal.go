// Package journal is the append-only, partitioned JSONL event log that backs
// every FSM instance. It is the source of truth for audit and replay: the
// registry is rebuilt from snapshots, but history lives here.
//
// Layout: data/<tenant>/events/<module-short-name>/<sanitized-fsm-id>/<YYYY>/<MM>/<DD>.jsonl
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veloxio/velox/pkg/core"
	"github.com/veloxio/velox/pkg/fsm"
	"github.com/veloxio/velox/pkg/telemetry"
)

// Record types.
const (
	TypeCreated    = "created"
	TypeTransition = "transition"
)

// Record is one journal line. Exactly one of the created / transition field
// groups is populated, selected by Type.
type Record struct {
	Type     string `json:"type"`
	FSMID    string `json:"fsm_id"`
	TenantID string `json:"tenant_id"`
	Module   string `json:"module"`

	InitialState string         `json:"initial_state,omitempty"`
	InitialData  map[string]any `json:"initial_data,omitempty"`

	From      string         `json:"from,omitempty"`
	To        string         `json:"to,omitempty"`
	Event     string         `json:"event,omitempty"`
	EventData map[string]any `json:"event_data,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// AppendFailedError wraps a failed append. The transition engine treats it
// as non-fatal for the transition but fatal for durability.
type AppendFailedError struct {
	Path string
	Err  error
}

func (e *AppendFailedError) Error() string {
	return fmt.Sprintf("append failed: %s: %v", e.Path, e.Err)
}

func (e *AppendFailedError) Unwrap() error { return e.Err }

const noTenant = "no_tenant"

// Journal appends records to partitioned day files. The seq counter is a
// single process-wide atomic, preserving cross-id total ordering within a
// process; ordering across restarts falls back to the timestamp tiebreaker.
type Journal struct {
	dir    string
	seq    atomic.Uint64
	sink   telemetry.Sink
	logger core.Logger

	cacheEnabled bool
	cacheMu      sync.RWMutex
	cache        map[string][]Record

	lockMu    sync.Mutex
	fileLocks map[string]*sync.Mutex
}

// Option configures a Journal.
type Option func(*Journal)

func WithSink(sink telemetry.Sink) Option {
	return func(j *Journal) { j.sink = sink }
}

func WithLogger(logger core.Logger) Option {
	return func(j *Journal) { j.logger = logger }
}

// WithoutCache disables the in-process write-through cache; List then reads
// from disk only.
func WithoutCache() Option {
	return func(j *Journal) { j.cacheEnabled = false }
}

// New creates a journal rooted at dir (created on demand).
func New(dir string, opts ...Option) *Journal {
	j := &Journal{
		dir:          dir,
		sink:         telemetry.NopSink{},
		logger:       core.NewDefaultLogger(),
		cacheEnabled: true,
		cache:        make(map[string][]Record),
		fileLocks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// AppendCreated journals the birth of an instance.
func (j *Journal) AppendCreated(kindName, fsmID, tenantID, initialState string, initialData map[string]any) (Record, error) {
	rec := Record{
		Type:         TypeCreated,
		FSMID:        fsmID,
		TenantID:     tenantID,
		Module:       fsm.ModuleShortName(kindName),
		InitialState: initialState,
		InitialData:  initialData,
	}
	return j.append(rec)
}

// AppendTransition journals one completed transition.
func (j *Journal) AppendTransition(kindName, fsmID, tenantID, from, to, event string, eventData map[string]any) (Record, error) {
	rec := Record{
		Type:      TypeTransition,
		FSMID:     fsmID,
		TenantID:  tenantID,
		Module:    fsm.ModuleShortName(kindName),
		From:      from,
		To:        to,
		Event:     event,
		EventData: eventData,
	}
	return j.append(rec)
}

func (j *Journal) append(rec Record) (Record, error) {
	started := time.Now()
	rec.Timestamp = started.UTC()
	rec.Seq = j.seq.Add(1)

	path := j.pathFor(rec.TenantID, rec.Module, rec.FSMID, rec.Timestamp)
	if err := j.writeLine(path, rec); err != nil {
		return Record{}, &AppendFailedError{Path: path, Err: err}
	}

	if j.cacheEnabled {
		j.cacheMu.Lock()
		j.cache[rec.FSMID] = append(j.cache[rec.FSMID], rec)
		j.cacheMu.Unlock()
	}

	telemetry.Emit(j.sink, telemetry.TopicJournalAppend, map[string]any{
		"duration_us": time.Since(started).Microseconds(),
		"path":        path,
		"fsm_id":      rec.FSMID,
		"kind":        rec.Module,
		"type":        rec.Type,
	})
	return rec, nil
}

// writeLine appends one canonical JSON line with a single write syscall so
// concurrent appends to the same file never interleave within a line.
func (j *Journal) writeLine(path string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line := append(data, '\n')

	mu := j.fileLock(path)
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return err
	}
	return nil
}

func (j *Journal) fileLock(path string) *sync.Mutex {
	j.lockMu.Lock()
	defer j.lockMu.Unlock()
	mu, ok := j.fileLocks[path]
	if !ok {
		mu = &sync.Mutex{}
		j.fileLocks[path] = mu
	}
	return mu
}

func (j *Journal) pathFor(tenantID, module, fsmID string, ts time.Time) string {
	tenant := fsm.Sanitize(tenantID)
	if tenant == "" {
		tenant = noTenant
	}
	return filepath.Join(
		j.dir,
		tenant,
		"events",
		fsm.Sanitize(module),
		fsm.Sanitize(fsmID),
		fmt.Sprintf("%04d", ts.Year()),
		fmt.Sprintf("%02d", ts.Month()),
		fmt.Sprintf("%02d.jsonl", ts.Day()),
	)
}

// List returns every record for fsmID, merged from disk and the
// write-through cache, deduplicated and sorted ascending by seq (timestamp
// breaks ties across process restarts).
func (j *Journal) List(fsmID string) ([]Record, error) {
	records, err := j.readDisk(fsmID)
	if err != nil {
		return nil, err
	}

	if j.cacheEnabled {
		j.cacheMu.RLock()
		records = append(records, j.cache[fsmID]...)
		j.cacheMu.RUnlock()
	}

	sort.SliceStable(records, func(a, b int) bool {
		if records[a].Seq != records[b].Seq {
			return records[a].Seq < records[b].Seq
		}
		return records[a].Timestamp.Before(records[b].Timestamp)
	})

	out := records[:0]
	for i, rec := range records {
		if i > 0 {
			prev := out[len(out)-1]
			if prev.Seq == rec.Seq && prev.Timestamp.Equal(rec.Timestamp) && prev.Type == rec.Type {
				continue
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (j *Journal) readDisk(fsmID string) ([]Record, error) {
	pattern := filepath.Join(j.dir, "*", "events", "*", fsm.Sanitize(fsmID), "*", "*", "*.jsonl")
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var records []Record
	for _, path := range paths {
		recs, err := readFile(path, fsmID)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}
	return records, nil
}

func readFile(path, fsmID string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			// A torn trailing line from a crash is skipped, not fatal.
			continue
		}
		// Sanitization may alias ids to the same directory.
		if rec.FSMID == fsmID {
			records = append(records, rec)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
