package effects

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/veloxio/velox/pkg/telemetry"
)

// evalState carries the per-sequence evaluation context. GetResult reads the
// previous sibling's result from here instead of from global state.
type evalState struct {
	last       any
	inSequence bool
}

func (e *Engine) eval(ctx context.Context, tgt Target, eff *Effect, st *evalState) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ErrCancelled
	default:
	}

	switch eff.op {
	case opCall:
		return e.evalCall(ctx, tgt, eff, st)
	case opDelay:
		select {
		case <-ctx.Done():
			return nil, ErrCancelled
		case <-time.After(eff.duration):
			return "delayed", nil
		}
	case opLog:
		e.logLeaf(eff.level, eff.message)
		return "logged", nil
	case opPutData:
		tgt.PutData(eff.key, eff.value)
		return eff.value, nil
	case opGetData:
		v, ok := tgt.GetData(eff.key)
		if !ok {
			if eff.strict {
				return nil, &KeyNotFoundError{Key: eff.key}
			}
			return "", nil
		}
		return v, nil
	case opMergeData:
		tgt.MergeData(eff.config)
		return "merged", nil
	case opUpdateData:
		tgt.UpdateData(eff.key, eff.update)
		v, _ := tgt.GetData(eff.key)
		return v, nil
	case opGetResult:
		if !st.inSequence || st.last == nil {
			return "", nil
		}
		return st.last, nil
	case opCallLLM:
		return e.evalProvider(ctx, tgt, eff, st, func(ctx context.Context, cfg map[string]any) (any, error) {
			return e.provider.CallLLM(ctx, cfg)
		}, false)
	case opEmbedText:
		return e.evalProvider(ctx, tgt, eff, st, func(ctx context.Context, cfg map[string]any) (any, error) {
			return e.provider.EmbedText(ctx, cfg)
		}, false)
	case opVectorSearch:
		return e.evalProvider(ctx, tgt, eff, st, func(ctx context.Context, cfg map[string]any) (any, error) {
			return e.provider.VectorSearch(ctx, cfg)
		}, false)
	case opInvokeAgent:
		return e.evalProvider(ctx, tgt, eff, st, func(ctx context.Context, cfg map[string]any) (any, error) {
			return e.provider.InvokeAgent(ctx, cfg)
		}, true)
	case opCoordinateAgents:
		if e.provider == nil {
			return nil, &AgentError{Detail: ErrNoProvider.Error(), Err: ErrNoProvider}
		}
		res, err := e.dispatch(ctx, eff.class, func(ctx context.Context) (any, error) {
			return e.provider.CoordinateAgents(ctx, eff.agents)
		})
		if err != nil {
			return nil, wrapAgentErr(err)
		}
		return res, nil
	case opRAGPipeline:
		return e.evalRAG(ctx, tgt, eff, st)
	case opNamed:
		named, ok := tgt.NamedEffect(eff.name)
		if !ok {
			return nil, &UnimplementedEffectError{Kind: "named:" + eff.name}
		}
		return e.eval(ctx, tgt, named, st)
	case opSequence:
		return e.evalSequence(ctx, tgt, eff)
	case opParallel:
		return e.evalParallel(ctx, tgt, eff)
	case opRace:
		return e.evalRace(ctx, tgt, eff)
	case opRetry:
		return e.evalRetry(ctx, tgt, eff, st)
	case opTimeout:
		return e.evalTimeout(ctx, tgt, eff, st)
	case opCompensation:
		return e.evalCompensation(ctx, tgt, eff, st)
	case opBreaker:
		return e.evalBreaker(ctx, tgt, eff, st)
	case opSaga:
		return e.evalSaga(ctx, tgt, eff)
	default:
		return nil, &UnimplementedEffectError{Kind: eff.op.String()}
	}
}

// dispatch routes leaf work onto the pool for its class, or runs inline when
// no pools are configured.
func (e *Engine) dispatch(ctx context.Context, class Class, fn func(context.Context) (any, error)) (any, error) {
	if e.pools == nil {
		return fn(ctx)
	}
	return e.pools.Submit(ctx, class.String(), fn)
}

func (e *Engine) evalCall(ctx context.Context, tgt Target, eff *Effect, st *evalState) (any, error) {
	fn, ok := e.lookupFunc(eff.target)
	if !ok {
		return nil, &FunctionNotExportedError{Target: eff.target}
	}

	args := make([]any, len(eff.args))
	for i, arg := range eff.args {
		if child, isEffect := arg.(*Effect); isEffect {
			v, err := e.eval(ctx, tgt, child, st)
			if err != nil {
				return nil, err
			}
			args[i] = v
		} else {
			args[i] = arg
		}
	}

	return e.dispatch(ctx, eff.class, func(ctx context.Context) (res any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &CallFailedError{Detail: fmt.Sprint(r)}
			}
		}()
		res, err = fn(ctx, args)
		if err != nil && !isControlErr(err) {
			err = &CallFailedError{Detail: err.Error(), Err: err}
		}
		return res, err
	})
}

func (e *Engine) evalProvider(ctx context.Context, tgt Target, eff *Effect, st *evalState,
	call func(context.Context, map[string]any) (any, error), agent bool) (any, error) {
	if e.provider == nil {
		if agent {
			return nil, &AgentError{Detail: ErrNoProvider.Error(), Err: ErrNoProvider}
		}
		return nil, &LLMError{Detail: ErrNoProvider.Error(), Err: ErrNoProvider}
	}
	cfg, err := e.resolveConfig(ctx, tgt, eff.config, st)
	if err != nil {
		return nil, err
	}
	res, err := e.dispatch(ctx, eff.class, func(ctx context.Context) (any, error) {
		return call(ctx, cfg)
	})
	if err != nil {
		if agent {
			return nil, wrapAgentErr(err)
		}
		return nil, wrapLLMErr(err)
	}
	return res, nil
}

func (e *Engine) evalRAG(ctx context.Context, tgt Target, eff *Effect, st *evalState) (any, error) {
	if e.provider == nil {
		return nil, &LLMError{Detail: ErrNoProvider.Error(), Err: ErrNoProvider}
	}
	cfg, err := e.resolveConfig(ctx, tgt, eff.config, st)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprint(cfg["query"])
	topK := 5
	if k, ok := cfg["top_k"].(int); ok && k > 0 {
		topK = k
	}

	return e.dispatch(ctx, eff.class, func(ctx context.Context) (any, error) {
		embedding, err := e.provider.EmbedText(ctx, map[string]any{"text": query})
		if err != nil {
			return nil, wrapLLMErr(err)
		}
		docs, err := e.provider.VectorSearch(ctx, map[string]any{"embedding": embedding, "top_k": topK})
		if err != nil {
			return nil, wrapLLMErr(err)
		}
		prompt := fmt.Sprintf("%s\n\nContext:\n%v", query, docs)
		res, err := e.provider.CallLLM(ctx, map[string]any{
			"provider": cfg["provider"],
			"model":    cfg["model"],
			"prompt":   prompt,
		})
		if err != nil {
			return nil, wrapLLMErr(err)
		}
		return res, nil
	})
}

// resolveConfig evaluates any *Effect values in a config map, so prompts can
// reference instance data via GetData leaves.
func (e *Engine) resolveConfig(ctx context.Context, tgt Target, cfg map[string]any, st *evalState) (map[string]any, error) {
	resolved := make(map[string]any, len(cfg))
	for k, v := range cfg {
		if child, ok := v.(*Effect); ok {
			value, err := e.eval(ctx, tgt, child, st)
			if err != nil {
				return nil, err
			}
			resolved[k] = value
			continue
		}
		resolved[k] = v
	}
	return resolved, nil
}

func (e *Engine) evalSequence(ctx context.Context, tgt Target, eff *Effect) (any, error) {
	e.emitComposition(tgt, eff)
	st := &evalState{inSequence: true}
	var res any
	for _, child := range eff.children {
		v, err := e.eval(ctx, tgt, child, st)
		if err != nil {
			return nil, err
		}
		st.last = v
		res = v
	}
	return res, nil
}

func (e *Engine) evalParallel(ctx context.Context, tgt Target, eff *Effect) (any, error) {
	e.emitComposition(tgt, eff)
	n := len(eff.children)
	results := make([]any, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i, child := range eff.children {
		wg.Add(1)
		go func(i int, child *Effect) {
			defer wg.Done()
			results[i], errs[i] = e.eval(ctx, tgt, child, &evalState{})
		}(i, child)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (e *Engine) evalRace(ctx context.Context, tgt Target, eff *Effect) (any, error) {
	e.emitComposition(tgt, eff)
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		val any
		err error
	}
	ch := make(chan outcome, len(eff.children))
	for _, child := range eff.children {
		go func(child *Effect) {
			v, err := e.eval(rctx, tgt, child, &evalState{})
			ch <- outcome{v, err}
		}(child)
	}

	select {
	case <-ctx.Done():
		return nil, ErrCancelled
	case winner := <-ch:
		return winner.val, winner.err
	}
}

func (e *Engine) evalRetry(ctx context.Context, tgt Target, eff *Effect, st *evalState) (any, error) {
	opts := eff.retry
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	child := eff.children[0]
	fsmID, tenantID := tgt.Identity()

	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		res, err := e.eval(ctx, tgt, child, st)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
			return nil, ErrCancelled
		}
		telemetry.Emit(e.sink, telemetry.TopicEffectRetry, map[string]any{
			"effect_type": child.Type(),
			"fsm_id":      fsmID,
			"tenant_id":   tenantID,
			"attempt":     attempt,
			"error":       err.Error(),
		})
		if attempt < opts.Attempts {
			select {
			case <-ctx.Done():
				return nil, ErrCancelled
			case <-time.After(backoffDelay(opts, attempt)):
			}
		}
	}
	return nil, ErrMaxRetriesExceeded
}

func backoffDelay(opts RetryOptions, attempt int) time.Duration {
	switch opts.Backoff {
	case BackoffLinear:
		return opts.BaseDelay * time.Duration(attempt)
	case BackoffExponential:
		return opts.BaseDelay << (attempt - 1)
	case BackoffFibonacci:
		return opts.BaseDelay * time.Duration(fib(attempt))
	default:
		return opts.BaseDelay
	}
}

func fib(n int) int {
	a, b := 1, 1
	for i := 2; i < n; i++ {
		a, b = b, a+b
	}
	if n <= 0 {
		return 0
	}
	return b
}

func (e *Engine) evalTimeout(ctx context.Context, tgt Target, eff *Effect, st *evalState) (any, error) {
	tctx, cancel := context.WithTimeout(ctx, eff.duration)
	defer cancel()

	type outcome struct {
		val any
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := e.eval(tctx, tgt, eff.children[0], st)
		ch <- outcome{v, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return res.val, res.err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		fsmID, tenantID := tgt.Identity()
		telemetry.Emit(e.sink, telemetry.TopicEffectTimeout, map[string]any{
			"effect_type": eff.children[0].Type(),
			"fsm_id":      fsmID,
			"tenant_id":   tenantID,
			"timeout_ms":  eff.duration.Milliseconds(),
		})
		return nil, ErrTimeout
	}
}

func (e *Engine) evalCompensation(ctx context.Context, tgt Target, eff *Effect, st *evalState) (any, error) {
	res, err := e.eval(ctx, tgt, eff.children[0], st)
	if err == nil {
		return res, nil
	}
	// Compensation runs for its side effects even when the action was
	// cancelled mid-flight.
	_, cerr := e.eval(context.WithoutCancel(ctx), tgt, eff.compensation, &evalState{})
	if cerr != nil {
		return nil, &CompensationFailedError{Detail: cerr.Error(), Err: cerr}
	}
	return nil, err
}

func (e *Engine) evalSaga(ctx context.Context, tgt Target, eff *Effect) (any, error) {
	e.emitComposition(tgt, eff)
	completed := make([]any, 0, len(eff.steps))
	for i, step := range eff.steps {
		res, err := e.eval(ctx, tgt, step.Action, &evalState{})
		if err != nil {
			cctx := context.WithoutCancel(ctx)
			for j := i - 1; j >= 0; j-- {
				if eff.steps[j].Compensation == nil {
					continue
				}
				if _, cerr := e.eval(cctx, tgt, eff.steps[j].Compensation, &evalState{}); cerr != nil {
					e.logger.Errorf("saga compensation for step %d failed: %v", j, cerr)
				}
			}
			return nil, err
		}
		completed = append(completed, res)
	}
	return completed, nil
}

func (e *Engine) emitComposition(tgt Target, eff *Effect) {
	fsmID, tenantID := tgt.Identity()
	telemetry.Emit(e.sink, telemetry.TopicEffectComposition, map[string]any{
		"effect_type": eff.Type(),
		"fsm_id":      fsmID,
		"tenant_id":   tenantID,
		"children":    len(eff.children) + len(eff.steps),
	})
}

func (e *Engine) logLeaf(level, message string) {
	switch level {
	case "error":
		e.logger.Error(message)
	case "warn":
		e.logger.Warn(message)
	case "debug":
		e.logger.Debug(message)
	default:
		e.logger.Info(message)
	}
}

// isControlErr reports whether err is one of the engine's flow-control
// errors, which must pass through Call wrapping untouched.
func isControlErr(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func wrapLLMErr(err error) error {
	if isControlErr(err) {
		return err
	}
	var le *LLMError
	if errors.As(err, &le) {
		return err
	}
	return &LLMError{Detail: err.Error(), Err: err}
}

func wrapAgentErr(err error) error {
	if isControlErr(err) {
		return err
	}
	var ae *AgentError
	if errors.As(err, &ae) {
		return err
	}
	return &AgentError{Detail: err.Error(), Err: err}
}
