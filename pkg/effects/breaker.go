package effects

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/veloxio/velox/pkg/telemetry"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// breaker is a per-(fsm id, leaf type) circuit breaker.
type breaker struct {
	mu       sync.Mutex
	opts     BreakerOptions
	state    breakerState
	failures int
	openedAt time.Time
	probing  bool
}

func newBreaker(opts BreakerOptions) *breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = time.Minute
	}
	return &breaker{opts: opts}
}

// allow reports whether a call may proceed, flipping open breakers to
// half-open once the recovery timeout has elapsed.
func (b *breaker) allow(now time.Time) (bool, breakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true, b.state
	case breakerOpen:
		if now.Sub(b.openedAt) < b.opts.RecoveryTimeout {
			return false, b.state
		}
		b.state = breakerHalfOpen
		b.probing = true
		return true, b.state
	default: // half-open: one probe at a time
		if b.probing {
			return false, b.state
		}
		b.probing = true
		return true, b.state
	}
}

// record feeds the call outcome back into the breaker and returns the new
// state plus whether it changed.
func (b *breaker) record(success bool, now time.Time) (breakerState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.state
	switch b.state {
	case breakerHalfOpen:
		b.probing = false
		if success {
			b.state = breakerClosed
			b.failures = 0
		} else {
			b.state = breakerOpen
			b.openedAt = now
		}
	default:
		if success {
			b.failures = 0
		} else {
			b.failures++
			if b.failures >= b.opts.FailureThreshold {
				b.state = breakerOpen
				b.openedAt = now
			}
		}
	}
	return b.state, b.state != prev
}

// release clears an in-flight half-open probe without counting an outcome.
func (b *breaker) release() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

func (e *Engine) breakerFor(key string, opts BreakerOptions) *breaker {
	e.breakMu.Lock()
	defer e.breakMu.Unlock()
	if b, ok := e.breakers[key]; ok {
		return b
	}
	b := newBreaker(opts)
	e.breakers[key] = b
	return b
}

func (e *Engine) evalBreaker(ctx context.Context, tgt Target, eff *Effect, st *evalState) (any, error) {
	child := eff.children[0]
	fsmID, tenantID := tgt.Identity()
	b := e.breakerFor(fsmID+"\x00"+child.Type(), eff.breaker)

	allowed, state := b.allow(time.Now())
	if !allowed {
		telemetry.Emit(e.sink, telemetry.TopicEffectBreaker, map[string]any{
			"effect_type": child.Type(),
			"fsm_id":      fsmID,
			"tenant_id":   tenantID,
			"state":       state.String(),
			"rejected":    true,
		})
		return nil, ErrCircuitBreakerOpen
	}

	res, err := e.eval(ctx, tgt, child, st)
	if err != nil && (errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)) {
		// Preemption by a state exit says nothing about the callee's health.
		b.release()
		return res, err
	}
	newState, changed := b.record(err == nil, time.Now())
	if changed {
		telemetry.Emit(e.sink, telemetry.TopicEffectBreaker, map[string]any{
			"effect_type": child.Type(),
			"fsm_id":      fsmID,
			"tenant_id":   tenantID,
			"state":       newState.String(),
		})
	}
	return res, err
}
