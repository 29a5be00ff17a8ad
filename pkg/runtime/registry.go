// Package runtime hosts the live side of the system: the instance registry,
// the transition engine and the manager API, plus snapshot persistence for
// warm restarts.
package runtime

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veloxio/velox/pkg/core"
	"github.com/veloxio/velox/pkg/fsm"
	"github.com/veloxio/velox/pkg/telemetry"
	"github.com/veloxio/velox/pkg/worker"
)

const tenantShards = 16

// Stats are the registry's lifetime counters.
type Stats struct {
	TotalRegistered   uint64    `json:"total_registered"`
	TotalUnregistered uint64    `json:"total_unregistered"`
	CurrentCount      int       `json:"current_count"`
	LastActivity      time.Time `json:"last_activity"`
}

type tenantShard struct {
	mu  sync.RWMutex
	ids map[string]map[string]bool // tenant -> id set
}

// Registry is the in-memory index of live instances, kept consistent across
// three views: by id, by kind, and by tenant (sharded).
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*fsm.Instance
	byKind map[string]map[string]bool // kind name -> id set

	shards [tenantShards]*tenantShard

	totalRegistered   atomic.Uint64
	totalUnregistered atomic.Uint64
	lastActivity      atomic.Int64 // unix nanos

	pool   *worker.Pool
	sink   telemetry.Sink
	logger core.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

func WithRegistryLogger(logger core.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

func WithRegistrySink(sink telemetry.Sink) RegistryOption {
	return func(r *Registry) { r.sink = sink }
}

// WithBroadcastPool sets the worker pool carrying broadcast deliveries.
func WithBroadcastPool(p *worker.Pool) RegistryOption {
	return func(r *Registry) { r.pool = p }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		byID:   make(map[string]*fsm.Instance),
		byKind: make(map[string]map[string]bool),
		logger: core.NewDefaultLogger(),
		sink:   telemetry.NopSink{},
	}
	for i := range r.shards {
		r.shards[i] = &tenantShard{ids: make(map[string]map[string]bool)}
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.pool == nil {
		r.pool = worker.NewPool(8, 256)
	}
	return r
}

func (r *Registry) shardFor(tenantID string) *tenantShard {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	return r.shards[h.Sum32()%tenantShards]
}

func (r *Registry) touch() {
	r.lastActivity.Store(time.Now().UTC().UnixNano())
}

// Register indexes inst under its id, kind and tenant. Registering an id
// twice returns an error; ids are unique process-wide.
func (r *Registry) Register(inst *fsm.Instance) error {
	r.mu.Lock()
	if _, exists := r.byID[inst.ID]; exists {
		r.mu.Unlock()
		return &fsm.Error{Code: fsm.CodeValidationFailed, Message: "id already registered: " + inst.ID}
	}
	r.byID[inst.ID] = inst
	if r.byKind[inst.KindName] == nil {
		r.byKind[inst.KindName] = make(map[string]bool)
	}
	r.byKind[inst.KindName][inst.ID] = true
	r.mu.Unlock()

	shard := r.shardFor(inst.TenantID)
	shard.mu.Lock()
	if shard.ids[inst.TenantID] == nil {
		shard.ids[inst.TenantID] = make(map[string]bool)
	}
	shard.ids[inst.TenantID][inst.ID] = true
	shard.mu.Unlock()

	r.totalRegistered.Add(1)
	r.touch()
	return nil
}

// Get returns the live instance for id.
func (r *Registry) Get(id string) (*fsm.Instance, error) {
	r.mu.RLock()
	inst, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fsm.ErrNotFound
	}
	return inst, nil
}

// Update replaces the registered instance for id. Kind and tenant are fixed
// at registration, so only the by-id view changes.
func (r *Registry) Update(id string, inst *fsm.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return fsm.ErrNotFound
	}
	r.byID[id] = inst
	r.touch()
	return nil
}

// Unregister removes id from every index. The journal remains untouched.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	inst, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return fsm.ErrNotFound
	}
	delete(r.byID, id)
	if ids := r.byKind[inst.KindName]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.byKind, inst.KindName)
		}
	}
	r.mu.Unlock()

	shard := r.shardFor(inst.TenantID)
	shard.mu.Lock()
	if ids := shard.ids[inst.TenantID]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(shard.ids, inst.TenantID)
		}
	}
	shard.mu.Unlock()

	r.totalUnregistered.Add(1)
	r.touch()
	return nil
}

// ListByTenant returns the live instances owned by tenantID, sorted by id.
func (r *Registry) ListByTenant(tenantID string) []*fsm.Instance {
	shard := r.shardFor(tenantID)
	shard.mu.RLock()
	ids := make([]string, 0, len(shard.ids[tenantID]))
	for id := range shard.ids[tenantID] {
		ids = append(ids, id)
	}
	shard.mu.RUnlock()
	return r.collect(ids)
}

// ListByKind returns the live instances of kindName, sorted by id.
func (r *Registry) ListByKind(kindName string) []*fsm.Instance {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byKind[kindName]))
	for id := range r.byKind[kindName] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	return r.collect(ids)
}

// ListAll returns every live instance, sorted by id.
func (r *Registry) ListAll() []*fsm.Instance {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	return r.collect(ids)
}

func (r *Registry) collect(ids []string) []*fsm.Instance {
	sort.Strings(ids)
	out := make([]*fsm.Instance, 0, len(ids))
	r.mu.RLock()
	for _, id := range ids {
		if inst, ok := r.byID[id]; ok {
			out = append(out, inst)
		}
	}
	r.mu.RUnlock()
	return out
}

// Stats returns the lifetime counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	count := len(r.byID)
	r.mu.RUnlock()
	var last time.Time
	if nanos := r.lastActivity.Load(); nanos != 0 {
		last = time.Unix(0, nanos).UTC()
	}
	return Stats{
		TotalRegistered:   r.totalRegistered.Load(),
		TotalUnregistered: r.totalUnregistered.Load(),
		CurrentCount:      count,
		LastActivity:      last,
	}
}

// Broadcast invokes every registered kind's broadcast handler with the
// event, optionally filtered by tenant. Delivery runs on the broadcast pool,
// best-effort and fire-and-forget; instances whose kind has no handler are
// skipped. Returns the number of deliveries attempted.
func (r *Registry) Broadcast(eventType string, eventData map[string]any, tenantID string) int {
	var targets []*fsm.Instance
	if tenantID != "" {
		targets = r.ListByTenant(tenantID)
	} else {
		targets = r.ListAll()
	}

	notified := 0
	for _, inst := range targets {
		kind := inst.Kind()
		if kind == nil {
			continue
		}
		handler := kind.BroadcastHandler()
		if handler == nil {
			continue
		}
		inst := inst
		if r.pool.Dispatch(func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Warnf("broadcast handler for %s panicked: %v", inst.ID, rec)
				}
			}()
			handler(inst, eventType, eventData)
		}) {
			notified++
		}
	}

	telemetry.Emit(r.sink, telemetry.TopicBroadcast, map[string]any{
		"tenant_id":            tenantID,
		"subscribers_notified": notified,
	})
	return notified
}
