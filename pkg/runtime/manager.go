package runtime

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/veloxio/velox/pkg/bus"
	"github.com/veloxio/velox/pkg/core"
	"github.com/veloxio/velox/pkg/effects"
	"github.com/veloxio/velox/pkg/fsm"
	"github.com/veloxio/velox/pkg/journal"
)

// Manager is the public lifecycle API. It routes calls to the registry and
// the transition engine and guarantees that no panic from user code escapes:
// lower-layer panics surface as tagged unexpected errors.
type Manager struct {
	kinds     *fsm.KindRegistry
	registry  *Registry
	engine    *Engine
	journal   *journal.Journal
	bus       bus.Bus
	effects   *effects.Engine
	snapshots SnapshotStore
	logger    core.Logger

	created   atomic.Uint64
	destroyed atomic.Uint64
	sent      atomic.Uint64
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithManagerLogger(logger core.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithSnapshots enables snapshot persistence. Snapshots are written on
// create, after every transition and on data updates; best-effort.
func WithSnapshots(store SnapshotStore) ManagerOption {
	return func(m *Manager) { m.snapshots = store }
}

// WithKindRegistry overrides the process-wide kind registry.
func WithKindRegistry(kinds *fsm.KindRegistry) ManagerOption {
	return func(m *Manager) { m.kinds = kinds }
}

// NewManager wires the manager. jnl, b and eff may be nil, matching the
// engine's contract.
func NewManager(registry *Registry, engine *Engine, jnl *journal.Journal, b bus.Bus, eff *effects.Engine, opts ...ManagerOption) *Manager {
	m := &Manager{
		kinds:    fsm.DefaultRegistry,
		registry: registry,
		engine:   engine,
		journal:  jnl,
		bus:      b,
		effects:  eff,
		logger:   core.NewDefaultLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// guard converts a panic into a tagged unexpected error.
func guard(err *error) {
	if rec := recover(); rec != nil {
		*err = &fsm.Error{
			Code:      fsm.CodeUnexpected,
			Message:   fmt.Sprintf("%v", rec),
			Timestamp: time.Now().UTC(),
		}
	}
}

// CreateFSM constructs, registers and journals a new instance of kindName
// and returns its id. The construction order is part of the contract:
// register before side effects, then plugin inits, then initial-state entry
// hooks, then the created record, then the fsm_created broadcast.
func (m *Manager) CreateFSM(kindName string, config map[string]any, tenantID string) (id string, err error) {
	defer guard(&err)
	return m.createFSM(kindName, "", config, tenantID)
}

// CreateFSMWithID is CreateFSM with a caller-chosen id.
func (m *Manager) CreateFSMWithID(kindName, id string, config map[string]any, tenantID string) (outID string, err error) {
	defer guard(&err)
	return m.createFSM(kindName, id, config, tenantID)
}

func (m *Manager) createFSM(kindName, id string, config map[string]any, tenantID string) (string, error) {
	kind, ok := m.kinds.Lookup(kindName)
	if !ok {
		return "", &fsm.Error{Code: fsm.CodeUnknownModule, Message: "unknown kind: " + kindName}
	}

	inst := fsm.NewInstance(kind, id, tenantID, config)
	if err := m.registry.Register(inst); err != nil {
		return "", err
	}

	for _, ip := range kind.Plugins() {
		next, err := ip.Plugin.Init(inst, ip.Options)
		if err != nil {
			m.registry.Unregister(inst.ID)
			return "", &fsm.Error{
				Code:    fsm.CodePluginFailed,
				Message: err.Error(),
				Plugin:  ip.Plugin.Name(),
			}
		}
		if next != nil {
			inst = next
		}
	}

	if m.engine != nil {
		inst = m.engine.runHooks(kind.EnterHooks(inst.CurrentState), inst, "enter", inst.CurrentState)
	}

	if err := m.registry.Update(inst.ID, inst); err != nil {
		return "", err
	}

	if m.journal != nil {
		if _, err := m.journal.AppendCreated(kindName, inst.ID, tenantID, inst.CurrentState, config); err != nil {
			m.logger.Errorf("journal created record for %s: %v", inst.ID, err)
		}
	}

	if m.bus != nil {
		m.bus.Publish(bus.TenantTopic(tenantID), bus.Message{
			Event: bus.EventCreated,
			Payload: map[string]any{
				"fsm_id":    inst.ID,
				"kind":      kindName,
				"state":     inst.CurrentState,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			},
		})
	}

	if m.effects != nil {
		if eff, ok := kind.EffectFor(inst.CurrentState); ok {
			if _, err := m.effects.Launch(inst, inst.CurrentState, eff); err != nil {
				m.logger.Errorf("launch initial effect for %s: %v", inst.ID, err)
			}
		}
	}

	m.saveSnapshot(inst)
	m.created.Add(1)
	return inst.ID, nil
}

// DestroyFSM cancels the instance's effects, removes it from the registry
// and deletes its snapshot. Journal records remain readable.
func (m *Manager) DestroyFSM(id string) (err error) {
	defer guard(&err)

	inst, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	if m.effects != nil {
		m.effects.CancelEffects(id)
	}
	if err := m.registry.Unregister(id); err != nil {
		return err
	}
	if m.snapshots != nil {
		if err := m.snapshots.Delete(inst.ID, inst.TenantID, inst.KindName); err != nil {
			m.logger.Warnf("delete snapshot for %s: %v", id, err)
		}
	}
	if m.bus != nil {
		m.bus.Publish(bus.TenantTopic(inst.TenantID), bus.Message{
			Event: bus.EventDestroyed,
			Payload: map[string]any{
				"fsm_id":    id,
				"kind":      inst.KindName,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			},
		})
	}
	m.destroyed.Add(1)
	return nil
}

// SendEvent advances the instance by one event.
func (m *Manager) SendEvent(id, event string, eventData map[string]any) (inst *fsm.Instance, err error) {
	defer guard(&err)

	m.sent.Add(1)
	inst, err = m.engine.NavigateWithTimeout(id, event, eventData, NavigateOptions{})
	if err != nil {
		return nil, err
	}
	m.saveSnapshot(inst)
	return inst, nil
}

// GetFSMState returns a copy of the current instance value. Callers see
// either a pre- or post-transition value, never an intermediate.
func (m *Manager) GetFSMState(id string) (inst *fsm.Instance, err error) {
	defer guard(&err)

	live, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return live.Clone(), nil
}

// UpdateFSMData merges patch into the instance's data outside a transition.
// The patch goes through the engine's per-id serializer, so it cannot race a
// transition or be overwritten by one.
func (m *Manager) UpdateFSMData(id string, patch map[string]any) (err error) {
	defer guard(&err)

	inst, err := m.engine.PatchData(id, patch)
	if err != nil {
		return err
	}
	m.saveSnapshot(inst)
	return nil
}

// GetTenantFSMs returns copies of every live instance owned by tenantID.
func (m *Manager) GetTenantFSMs(tenantID string) []*fsm.Instance {
	live := m.registry.ListByTenant(tenantID)
	out := make([]*fsm.Instance, len(live))
	for i, inst := range live {
		out[i] = inst.Clone()
	}
	return out
}

// GetFSMMetrics returns the instance's performance counters.
func (m *Manager) GetFSMMetrics(id string) (perf fsm.Performance, err error) {
	defer guard(&err)

	inst, err := m.registry.Get(id)
	if err != nil {
		return fsm.Performance{}, err
	}
	return inst.Performance, nil
}

// BatchEvent is one entry of a BatchSendEvents call.
type BatchEvent struct {
	FSMID     string         `json:"fsm_id"`
	Event     string         `json:"event"`
	EventData map[string]any `json:"event_data,omitempty"`
}

// BatchResult pairs a batch entry with its outcome.
type BatchResult struct {
	FSMID string         `json:"fsm_id"`
	State string         `json:"state,omitempty"`
	Err   error          `json:"-"`
	Error string         `json:"error,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// BatchSendEvents applies the events in order, observationally equivalent to
// the same sequence of individual SendEvent calls. A failing entry does not
// stop later entries.
func (m *Manager) BatchSendEvents(events []BatchEvent) []BatchResult {
	out := make([]BatchResult, 0, len(events))
	for _, ev := range events {
		res := BatchResult{FSMID: ev.FSMID}
		inst, err := m.SendEvent(ev.FSMID, ev.Event, ev.EventData)
		if err != nil {
			res.Err = err
			res.Error = err.Error()
		} else {
			res.State = inst.CurrentState
			res.Data = inst.DataSnapshot()
		}
		out = append(out, res)
	}
	return out
}

// GetStats merges manager counters with registry stats.
func (m *Manager) GetStats() map[string]any {
	rs := m.registry.Stats()
	return map[string]any{
		"fsms_created":       m.created.Load(),
		"fsms_destroyed":     m.destroyed.Load(),
		"events_sent":        m.sent.Load(),
		"total_registered":   rs.TotalRegistered,
		"total_unregistered": rs.TotalUnregistered,
		"current_count":      rs.CurrentCount,
		"last_activity":      rs.LastActivity,
	}
}

// ReloadFromDisk rehydrates instances from the snapshot store. Instances
// whose kind is not registered are skipped with a warning; ids already live
// in the registry are left untouched. The journal is not replayed; that is
// the job of an explicit replay tool.
func (m *Manager) ReloadFromDisk() (loaded int, err error) {
	defer guard(&err)

	if m.snapshots == nil {
		return 0, nil
	}
	insts, err := m.snapshots.LoadAll()
	if err != nil {
		return 0, err
	}
	for _, inst := range insts {
		kind, ok := m.kinds.Lookup(inst.KindName)
		if !ok {
			m.logger.Warnf("snapshot %s references unknown kind %s, skipping", inst.ID, inst.KindName)
			continue
		}
		inst.BindKind(kind)
		if inst.Subscribers == nil {
			inst.Subscribers = make(map[string]bool)
		}
		if err := m.registry.Register(inst); err != nil {
			continue
		}
		loaded++
	}
	return loaded, nil
}

func (m *Manager) saveSnapshot(inst *fsm.Instance) {
	if m.snapshots == nil {
		return
	}
	if err := m.snapshots.Save(inst); err != nil {
		m.logger.Warnf("save snapshot for %s: %v", inst.ID, err)
	}
}
