package fsm

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/veloxio/velox/pkg/effects"
)

// Metadata carries instance bookkeeping.
type Metadata struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
	Tags      []string  `json:"tags,omitempty"`
}

// Performance carries per-instance transition counters.
type Performance struct {
	TransitionCount     int64     `json:"transition_count"`
	LastTransitionAt    time.Time `json:"last_transition_at,omitzero"`
	AvgTransitionMicros float64   `json:"avg_transition_time_us"`
}

// Instance is a live, mutable value of a Kind. It is mutated only by the
// transition engine; observers always see either the pre- or post-transition
// value, never an intermediate.
type Instance struct {
	ID           string         `json:"id"`
	KindName     string         `json:"kind"`
	TenantID     string         `json:"tenant_id,omitempty"`
	CurrentState string         `json:"current_state"`
	Data         map[string]any `json:"data"`
	Metadata     Metadata       `json:"metadata"`
	Performance  Performance    `json:"performance"`
	PluginState  map[string]any `json:"plugin_state,omitempty"`

	// Subscribers holds ids of FSMs notified on state changes. Runtime-only,
	// not serialized into snapshots.
	Subscribers map[string]bool `json:"-"`

	kind   *Kind
	dataMu sync.RWMutex
}

// NewInstance constructs an instance of kind in its initial state. The id is
// generated from the kind's short name unless provided.
func NewInstance(kind *Kind, id, tenantID string, initialData map[string]any) *Instance {
	if id == "" {
		id = GenerateID(kind)
	}
	data := make(map[string]any, len(initialData))
	for k, v := range initialData {
		data[k] = v
	}
	now := time.Now().UTC()
	return &Instance{
		ID:           id,
		KindName:     kind.Name(),
		TenantID:     tenantID,
		CurrentState: kind.InitialState(),
		Data:         data,
		Metadata:     Metadata{CreatedAt: now, UpdatedAt: now, Version: 1},
		PluginState:  make(map[string]any),
		Subscribers:  make(map[string]bool),
		kind:         kind,
	}
}

// GenerateID produces a readable id: lowercased short kind name plus a
// random suffix.
func GenerateID(kind *Kind) string {
	prefix := strings.ToLower(Sanitize(kind.ShortName()))
	if prefix == "" {
		prefix = "fsm"
	}
	return prefix + "-" + uuid.NewString()[:8]
}

// Kind returns the compiled definition backing this instance.
func (i *Instance) Kind() *Kind { return i.kind }

// BindKind attaches the compiled kind after rehydration from a snapshot.
func (i *Instance) BindKind(kind *Kind) { i.kind = kind }

// Clone returns a deep-enough copy for transactional mutation: the data map,
// metadata, counters and plugin state are copied; the kind is shared.
func (i *Instance) Clone() *Instance {
	i.dataMu.RLock()
	defer i.dataMu.RUnlock()

	data := make(map[string]any, len(i.Data))
	for k, v := range i.Data {
		data[k] = v
	}
	pluginState := make(map[string]any, len(i.PluginState))
	for k, v := range i.PluginState {
		pluginState[k] = v
	}
	subscribers := make(map[string]bool, len(i.Subscribers))
	for k := range i.Subscribers {
		subscribers[k] = true
	}
	meta := i.Metadata
	meta.Tags = append([]string(nil), i.Metadata.Tags...)

	return &Instance{
		ID:           i.ID,
		KindName:     i.KindName,
		TenantID:     i.TenantID,
		CurrentState: i.CurrentState,
		Data:         data,
		Metadata:     meta,
		Performance:  i.Performance,
		PluginState:  pluginState,
		Subscribers:  subscribers,
		kind:         i.kind,
	}
}

// Subscribe registers another FSM id for state-change notifications.
func (i *Instance) Subscribe(fsmID string) {
	i.dataMu.Lock()
	defer i.dataMu.Unlock()
	if i.Subscribers == nil {
		i.Subscribers = make(map[string]bool)
	}
	i.Subscribers[fsmID] = true
}

// Unsubscribe removes a subscriber.
func (i *Instance) Unsubscribe(fsmID string) {
	i.dataMu.Lock()
	defer i.dataMu.Unlock()
	delete(i.Subscribers, fsmID)
}

// SubscriberIDs returns a copy of the subscriber set.
func (i *Instance) SubscriberIDs() []string {
	i.dataMu.RLock()
	defer i.dataMu.RUnlock()
	out := make([]string, 0, len(i.Subscribers))
	for id := range i.Subscribers {
		out = append(out, id)
	}
	return out
}

// DataSnapshot returns a copy of the data map.
func (i *Instance) DataSnapshot() map[string]any {
	i.dataMu.RLock()
	defer i.dataMu.RUnlock()
	out := make(map[string]any, len(i.Data))
	for k, v := range i.Data {
		out[k] = v
	}
	return out
}

// Identity implements effects.Target.
func (i *Instance) Identity() (string, string) {
	return i.ID, i.TenantID
}

// GetData implements effects.Target.
func (i *Instance) GetData(key string) (any, bool) {
	i.dataMu.RLock()
	defer i.dataMu.RUnlock()
	v, ok := i.Data[key]
	return v, ok
}

// PutData implements effects.Target.
func (i *Instance) PutData(key string, value any) {
	i.dataMu.Lock()
	defer i.dataMu.Unlock()
	if i.Data == nil {
		i.Data = make(map[string]any)
	}
	i.Data[key] = value
}

// MergeData implements effects.Target: a shallow merge, m wins on collision.
func (i *Instance) MergeData(m map[string]any) {
	i.dataMu.Lock()
	defer i.dataMu.Unlock()
	if i.Data == nil {
		i.Data = make(map[string]any)
	}
	for k, v := range m {
		i.Data[k] = v
	}
}

// UpdateData implements effects.Target.
func (i *Instance) UpdateData(key string, fn func(any) any) {
	i.dataMu.Lock()
	defer i.dataMu.Unlock()
	if i.Data == nil {
		i.Data = make(map[string]any)
	}
	i.Data[key] = fn(i.Data[key])
}

// NamedEffect implements effects.Target.
func (i *Instance) NamedEffect(name string) (*effects.Effect, bool) {
	if i.kind == nil {
		return nil, false
	}
	return i.kind.NamedEffect(name)
}

var _ effects.Target = (*Instance)(nil)
