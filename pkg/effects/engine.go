package effects

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veloxio/velox/pkg/core"
	"github.com/veloxio/velox/pkg/telemetry"
	"github.com/veloxio/velox/pkg/worker"
)

// Target is the surface an effect tree executes against. It is implemented
// by FSM instances and by the runtime's registry-backed adapter.
type Target interface {
	// Identity returns the owning FSM id and tenant id.
	Identity() (fsmID, tenantID string)

	GetData(key string) (any, bool)
	PutData(key string, value any)
	MergeData(m map[string]any)
	UpdateData(key string, fn func(any) any)

	// NamedEffect resolves an out-of-band effect registered on the kind.
	NamedEffect(name string) (*Effect, bool)
}

// Func is a function callable from a Call leaf.
type Func func(ctx context.Context, args []any) (any, error)

// Provider supplies the AI-backed leaves. Implementations may be stubbed.
type Provider interface {
	CallLLM(ctx context.Context, config map[string]any) (any, error)
	EmbedText(ctx context.Context, config map[string]any) (any, error)
	VectorSearch(ctx context.Context, config map[string]any) (any, error)
	InvokeAgent(ctx context.Context, config map[string]any) (any, error)
	CoordinateAgents(ctx context.Context, agents []map[string]any) (any, error)
}

const cancelGrace = 10 * time.Millisecond

// Engine executes effect trees with cancellation keyed by (fsm id, state).
type Engine struct {
	mu       sync.RWMutex
	funcs    map[string]Func
	provider Provider

	pools  *worker.Pools
	sink   telemetry.Sink
	logger core.Logger

	execSeq atomic.Uint64

	runMu   sync.Mutex
	running map[runKey]map[uint64]*execution

	breakMu  sync.Mutex
	breakers map[string]*breaker
}

type runKey struct {
	fsmID string
	state string
}

type execution struct {
	id     uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger core.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithSink(sink telemetry.Sink) Option {
	return func(e *Engine) { e.sink = sink }
}

func WithProvider(p Provider) Option {
	return func(e *Engine) { e.provider = p }
}

func WithPools(p *worker.Pools) Option {
	return func(e *Engine) { e.pools = p }
}

// NewEngine creates an effects engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		funcs:    make(map[string]Func),
		running:  make(map[runKey]map[uint64]*execution),
		breakers: make(map[string]*breaker),
		logger:   core.NewDefaultLogger(),
		sink:     telemetry.NopSink{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterFunc makes fn callable from Call leaves under name.
func (e *Engine) RegisterFunc(name string, fn Func) {
	e.mu.Lock()
	e.funcs[name] = fn
	e.mu.Unlock()
}

func (e *Engine) lookupFunc(name string) (Func, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.funcs[name]
	return fn, ok
}

// Launch validates eff and starts it asynchronously, registered under the
// target's (fsm id, state) key. The returned execution id is monotonic.
func (e *Engine) Launch(tgt Target, state string, eff *Effect) (uint64, error) {
	if err := Validate(eff); err != nil {
		return 0, err
	}

	fsmID, tenantID := tgt.Identity()
	execID := e.execSeq.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	exec := &execution{id: execID, cancel: cancel, done: make(chan struct{})}

	key := runKey{fsmID: fsmID, state: state}
	e.runMu.Lock()
	if e.running[key] == nil {
		e.running[key] = make(map[uint64]*execution)
	}
	e.running[key][execID] = exec
	e.runMu.Unlock()

	telemetry.Emit(e.sink, telemetry.TopicEffectStarted, map[string]any{
		"execution_id": execID,
		"effect_type":  eff.Type(),
		"fsm_id":       fsmID,
		"tenant_id":    tenantID,
		"state":        state,
	})

	go func() {
		started := time.Now()
		defer close(exec.done)
		defer e.remove(key, execID)

		_, err := e.eval(ctx, tgt, eff, &evalState{})
		fields := map[string]any{
			"execution_id": execID,
			"effect_type":  eff.Type(),
			"fsm_id":       fsmID,
			"tenant_id":    tenantID,
			"duration_us":  time.Since(started).Microseconds(),
		}
		switch {
		case err == nil:
			telemetry.Emit(e.sink, telemetry.TopicEffectCompleted, fields)
		case errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled):
			telemetry.Emit(e.sink, telemetry.TopicEffectCancelled, fields)
		case errors.Is(err, ErrTimeout):
			fields["error"] = err.Error()
			telemetry.Emit(e.sink, telemetry.TopicEffectTimeout, fields)
		default:
			fields["error"] = err.Error()
			telemetry.Emit(e.sink, telemetry.TopicEffectFailed, fields)
			e.logger.Warnf("effect %s for fsm %s state %s failed: %v", eff.Type(), fsmID, state, err)
		}
	}()

	return execID, nil
}

func (e *Engine) remove(key runKey, execID uint64) {
	e.runMu.Lock()
	if m, ok := e.running[key]; ok {
		delete(m, execID)
		if len(m) == 0 {
			delete(e.running, key)
		}
	}
	e.runMu.Unlock()
}

// CancelState cancels every execution registered under (fsmID, state) and
// waits up to the grace period for cooperative shutdown.
func (e *Engine) CancelState(fsmID, state string) {
	e.runMu.Lock()
	var execs []*execution
	if m, ok := e.running[runKey{fsmID: fsmID, state: state}]; ok {
		for _, exec := range m {
			execs = append(execs, exec)
		}
	}
	e.runMu.Unlock()

	e.cancelAll(execs)
}

// CancelEffects cancels every execution belonging to fsmID regardless of
// state.
func (e *Engine) CancelEffects(fsmID string) {
	e.runMu.Lock()
	var execs []*execution
	for key, m := range e.running {
		if key.fsmID != fsmID {
			continue
		}
		for _, exec := range m {
			execs = append(execs, exec)
		}
	}
	e.runMu.Unlock()

	e.cancelAll(execs)
}

func (e *Engine) cancelAll(execs []*execution) {
	for _, exec := range execs {
		exec.cancel()
	}
	deadline := time.After(cancelGrace)
	for _, exec := range execs {
		select {
		case <-exec.done:
		case <-deadline:
			// Grace expired; the goroutine is abandoned. Cooperative leaves
			// observe the cancelled context on their next suspension point.
			return
		}
	}
}

// RunningCount reports the number of in-flight executions for fsmID.
func (e *Engine) RunningCount(fsmID string) int {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	n := 0
	for key, m := range e.running {
		if key.fsmID == fsmID {
			n += len(m)
		}
	}
	return n
}

// RunSync validates and executes eff synchronously. Used by tests and for
// out-of-band named effects.
func (e *Engine) RunSync(ctx context.Context, tgt Target, eff *Effect) (any, error) {
	if err := Validate(eff); err != nil {
		return nil, err
	}
	return e.eval(ctx, tgt, eff, &evalState{})
}

// RunNamed resolves a named effect on the target's kind and runs it
// synchronously.
func (e *Engine) RunNamed(ctx context.Context, tgt Target, name string) (any, error) {
	eff, ok := tgt.NamedEffect(name)
	if !ok {
		return nil, &UnimplementedEffectError{Kind: "named:" + name}
	}
	return e.RunSync(ctx, tgt, eff)
}
