package runtime

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/veloxio/velox/pkg/bus"
	"github.com/veloxio/velox/pkg/core"
	"github.com/veloxio/velox/pkg/effects"
	"github.com/veloxio/velox/pkg/fsm"
	"github.com/veloxio/velox/pkg/journal"
	"github.com/veloxio/velox/pkg/telemetry"
)

const (
	navigateStripes = 64

	// DefaultNavigateTimeout is the soft ceiling observed by
	// NavigateWithTimeout. The transition itself always runs to completion.
	DefaultNavigateTimeout = 60 * time.Second
)

// NavigateOptions tune one navigate call.
type NavigateOptions struct {
	// Timeout bounds how long the caller waits; zero means
	// DefaultNavigateTimeout.
	Timeout time.Duration

	// PluginOptions are passed through to plugin hooks.
	PluginOptions map[string]any
}

// Engine advances instances one event at a time. Writes for a given id are
// serialized through striped mutexes, so concurrent SendEvent calls for the
// same id execute in arrival order.
type Engine struct {
	registry *Registry
	journal  *journal.Journal
	bus      bus.Bus
	effects  *effects.Engine
	sink     telemetry.Sink
	logger   core.Logger

	stripes [navigateStripes]sync.Mutex
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithEngineLogger(logger core.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

func WithEngineSink(sink telemetry.Sink) EngineOption {
	return func(e *Engine) { e.sink = sink }
}

// NewEngine wires the transition engine to its collaborators. Any of jnl,
// b and eff may be nil; the corresponding step becomes a no-op.
func NewEngine(registry *Registry, jnl *journal.Journal, b bus.Bus, eff *effects.Engine, opts ...EngineOption) *Engine {
	e := &Engine{
		registry: registry,
		journal:  jnl,
		bus:      b,
		effects:  eff,
		logger:   core.NewDefaultLogger(),
		sink:     telemetry.NopSink{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) stripe(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &e.stripes[h.Sum32()%navigateStripes]
}

// Navigate advances the instance registered under id by event. The step is
// deterministic and its ordering is part of the contract: lookup, validate,
// pre-plugins, exit hooks, state change, enter hooks, post-plugins, metrics,
// journal, broadcast, effect cancellation, effect start.
//
// Invalid transitions, validation rejections and plugin failures abort with
// no side effects: no state change, no journal record, no broadcast. Hook
// panics are advisory (logged, transition completes). Journal append errors
// are logged, not returned; the in-memory transition has already happened.
func (e *Engine) Navigate(id, event string, eventData map[string]any, opts NavigateOptions) (*fsm.Instance, error) {
	mu := e.stripe(id)
	mu.Lock()
	defer mu.Unlock()

	started := time.Now()

	cur, err := e.registry.Get(id)
	if err != nil {
		return nil, err
	}
	kind := cur.Kind()
	if kind == nil {
		return nil, &fsm.Error{Code: fsm.CodeUnknownModule, Message: "instance " + id + " has no bound kind"}
	}

	oldState := cur.CurrentState
	to, ok := kind.Resolve(oldState, event)
	if !ok {
		return nil, &fsm.Error{
			Code:    fsm.CodeInvalidTransition,
			Message: "no transition from " + oldState + " on " + event,
			State:   oldState,
			Event:   event,
		}
	}

	// Work on a clone; the registry keeps the pre-transition value until the
	// whole step has succeeded.
	inst := cur.Clone()

	for _, v := range kind.Validators() {
		next, err := runValidator(v, inst, event, eventData)
		if err != nil {
			return nil, &fsm.Error{
				Code:    fsm.CodeValidationFailed,
				Message: err.Error(),
				State:   oldState,
				Event:   event,
			}
		}
		if next != nil {
			inst = next
		}
	}

	pctx := fsm.PluginContext{
		OldState:  oldState,
		Event:     event,
		EventData: eventData,
		Options:   opts.PluginOptions,
	}
	for _, ip := range kind.Plugins() {
		next, err := runPluginBefore(ip.Plugin, inst, pctx)
		if err != nil {
			return nil, &fsm.Error{
				Code:    fsm.CodePluginFailed,
				Message: err.Error(),
				State:   oldState,
				Event:   event,
				Plugin:  ip.Plugin.Name(),
			}
		}
		if next != nil {
			inst = next
		}
	}

	inst = e.runHooks(kind.ExitHooks(oldState), inst, "exit", oldState)

	inst.CurrentState = to
	inst.MergeData(eventData)
	inst.Metadata.UpdatedAt = time.Now().UTC()
	inst.Metadata.Version++

	inst = e.runHooks(kind.EnterHooks(to), inst, "enter", to)

	pctx.NewState = to
	for _, ip := range kind.Plugins() {
		next, err := runPluginAfter(ip.Plugin, inst, pctx)
		if err != nil {
			return nil, &fsm.Error{
				Code:    fsm.CodePluginFailed,
				Message: err.Error(),
				State:   oldState,
				Event:   event,
				Plugin:  ip.Plugin.Name(),
			}
		}
		if next != nil {
			inst = next
		}
	}

	elapsed := time.Since(started)
	perf := &inst.Performance
	perf.TransitionCount++
	perf.AvgTransitionMicros += (float64(elapsed.Microseconds()) - perf.AvgTransitionMicros) / float64(perf.TransitionCount)
	perf.LastTransitionAt = time.Now().UTC()

	if err := e.registry.Update(id, inst); err != nil {
		return nil, err
	}

	if e.journal != nil {
		if _, err := e.journal.AppendTransition(inst.KindName, id, inst.TenantID, oldState, to, event, eventData); err != nil {
			e.logger.Errorf("journal append for %s (%s -> %s): %v", id, oldState, to, err)
		}
	}

	telemetry.Emit(e.sink, telemetry.TopicTransition, map[string]any{
		"fsm_id":      id,
		"kind":        inst.KindName,
		"from":        oldState,
		"to":          to,
		"event":       event,
		"duration_us": elapsed.Microseconds(),
		"tenant_id":   inst.TenantID,
	})

	e.broadcastStateChange(inst, oldState, to, event)

	if e.effects != nil {
		e.effects.CancelState(id, oldState)
		if eff, ok := kind.EffectFor(to); ok {
			if _, err := e.effects.Launch(inst, to, eff); err != nil {
				e.logger.Errorf("launch effect for %s state %s: %v", id, to, err)
			}
		}
	}

	return inst, nil
}

// NavigateWithTimeout runs Navigate and bounds how long the caller waits.
// On expiry the caller receives a timeout error while the transition keeps
// running to completion in the background.
func (e *Engine) NavigateWithTimeout(id, event string, eventData map[string]any, opts NavigateOptions) (*fsm.Instance, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultNavigateTimeout
	}

	type outcome struct {
		inst *fsm.Instance
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		inst, err := e.Navigate(id, event, eventData, opts)
		ch <- outcome{inst, err}
	}()

	select {
	case out := <-ch:
		return out.inst, out.err
	case <-time.After(timeout):
		return nil, &fsm.Error{
			Code:    fsm.CodeTimeout,
			Message: "navigate exceeded " + timeout.String(),
			Event:   event,
		}
	}
}

// PatchData merges patch into the instance's data outside a transition.
// It takes the same per-id stripe as Navigate and commits a fresh clone, so
// a patch can neither race a transition nor be lost under one.
func (e *Engine) PatchData(id string, patch map[string]any) (*fsm.Instance, error) {
	mu := e.stripe(id)
	mu.Lock()
	defer mu.Unlock()

	cur, err := e.registry.Get(id)
	if err != nil {
		return nil, err
	}
	inst := cur.Clone()
	inst.MergeData(patch)
	inst.Metadata.UpdatedAt = time.Now().UTC()
	inst.Metadata.Version++
	if err := e.registry.Update(id, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// runHooks folds hooks over the instance. A panicking hook is logged and
// skipped; its input flows onward.
func (e *Engine) runHooks(hooks []fsm.Hook, inst *fsm.Instance, direction, state string) *fsm.Instance {
	for _, h := range hooks {
		next := func() (out *fsm.Instance) {
			defer func() {
				if rec := recover(); rec != nil {
					e.logger.Warnf("%s hook for state %s panicked: %v", direction, state, rec)
					out = nil
				}
			}()
			return h(inst)
		}()
		if next != nil {
			inst = next
		}
	}
	return inst
}

func (e *Engine) broadcastStateChange(inst *fsm.Instance, from, to, event string) {
	if e.bus == nil {
		return
	}
	payload := map[string]any{
		"fsm_id":    inst.ID,
		"event":     event,
		"from":      from,
		"to":        to,
		"data":      inst.DataSnapshot(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	msg := bus.Message{Event: bus.EventStateChanged, Payload: payload}
	e.bus.Publish(bus.TenantTopic(inst.TenantID), msg)

	// Direct subscribers are other FSMs; deliver through their kinds'
	// broadcast handlers on the registry's pool.
	subs := inst.SubscriberIDs()
	notified := 0
	for _, subID := range subs {
		sub, err := e.registry.Get(subID)
		if err != nil || sub.Kind() == nil {
			continue
		}
		handler := sub.Kind().BroadcastHandler()
		if handler == nil {
			continue
		}
		if e.registry.pool.Dispatch(func() {
			defer func() {
				if rec := recover(); rec != nil {
					e.logger.Warnf("subscriber handler for %s panicked: %v", sub.ID, rec)
				}
			}()
			handler(sub, bus.EventStateChanged, payload)
		}) {
			notified++
		}
	}
	telemetry.Emit(e.sink, telemetry.TopicBroadcast, map[string]any{
		"tenant_id":            inst.TenantID,
		"subscribers_notified": notified,
	})
}

// runValidator converts a panicking validator into a rejection.
func runValidator(v fsm.Validator, inst *fsm.Instance, event string, eventData map[string]any) (next *fsm.Instance, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			next, err = nil, &fsm.Error{Code: fsm.CodeValidationFailed, Message: "validator panicked"}
		}
	}()
	return v(inst, event, eventData)
}

func runPluginBefore(p fsm.Plugin, inst *fsm.Instance, pctx fsm.PluginContext) (next *fsm.Instance, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			next, err = nil, &fsm.Error{Code: fsm.CodePluginFailed, Message: "plugin panicked", Plugin: p.Name()}
		}
	}()
	return p.BeforeTransition(inst, pctx)
}

func runPluginAfter(p fsm.Plugin, inst *fsm.Instance, pctx fsm.PluginContext) (next *fsm.Instance, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			next, err = nil, &fsm.Error{Code: fsm.CodePluginFailed, Message: "plugin panicked", Plugin: p.Name()}
		}
	}()
	return p.AfterTransition(inst, pctx)
}
