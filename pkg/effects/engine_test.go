package effects

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/veloxio/velox/pkg/core"
	"github.com/veloxio/velox/pkg/telemetry"
)

// testTarget is an in-memory effects.Target for engine tests.
type testTarget struct {
	fsmID    string
	tenantID string

	mu    sync.Mutex
	data  map[string]any
	named map[string]*Effect
}

func newTestTarget(fsmID string) *testTarget {
	return &testTarget{
		fsmID:    fsmID,
		tenantID: "t1",
		data:     make(map[string]any),
		named:    make(map[string]*Effect),
	}
}

func (t *testTarget) Identity() (string, string) { return t.fsmID, t.tenantID }

func (t *testTarget) GetData(key string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.data[key]
	return v, ok
}

func (t *testTarget) PutData(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data[key] = value
}

func (t *testTarget) MergeData(m map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range m {
		t.data[k] = v
	}
}

func (t *testTarget) UpdateData(key string, fn func(any) any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data[key] = fn(t.data[key])
}

func (t *testTarget) NamedEffect(name string) (*Effect, bool) {
	eff, ok := t.named[name]
	return eff, ok
}

func newTestEngine() *Engine {
	return NewEngine(WithLogger(core.NopLogger{}))
}

func TestEngine_SequenceThreadsLastResult(t *testing.T) {
	e := newTestEngine()
	e.RegisterFunc("double", func(ctx context.Context, args []any) (any, error) {
		return args[0].(int) * 2, nil
	})
	tgt := newTestTarget("fsm-1")

	res, err := e.RunSync(context.Background(), tgt, Sequence(
		Call("double", 21),
		GetResult(),
	))
	if err != nil {
		t.Fatalf("RunSync failed: %v", err)
	}
	if res != 42 {
		t.Errorf("Expected get_result to carry 42, got %v", res)
	}
}

func TestEngine_GetResultOutsideSequence(t *testing.T) {
	e := newTestEngine()
	res, err := e.RunSync(context.Background(), newTestTarget("fsm-1"), GetResult())
	if err != nil {
		t.Fatalf("RunSync failed: %v", err)
	}
	if res != "" {
		t.Errorf("Expected empty string outside a sequence, got %v", res)
	}
}

func TestEngine_GetDataDefaultAndStrict(t *testing.T) {
	e := newTestEngine()
	tgt := newTestTarget("fsm-1")

	res, err := e.RunSync(context.Background(), tgt, GetData("missing"))
	if err != nil {
		t.Fatalf("GetData of missing key must not error: %v", err)
	}
	if res != "" {
		t.Errorf("Expected empty string default, got %v", res)
	}

	_, err = e.RunSync(context.Background(), tgt, GetDataStrict("missing"))
	var knf *KeyNotFoundError
	if !errors.As(err, &knf) || knf.Key != "missing" {
		t.Errorf("Expected KeyNotFoundError for strict get, got %v", err)
	}
}

func TestEngine_DataLeaves(t *testing.T) {
	e := newTestEngine()
	tgt := newTestTarget("fsm-1")

	_, err := e.RunSync(context.Background(), tgt, Sequence(
		PutData("count", 1),
		MergeData(map[string]any{"name": "a", "count": 2}),
		UpdateData("count", func(old any) any { return old.(int) + 1 }),
	))
	if err != nil {
		t.Fatalf("RunSync failed: %v", err)
	}
	if v, _ := tgt.GetData("count"); v != 3 {
		t.Errorf("Expected count=3, got %v", v)
	}
	if v, _ := tgt.GetData("name"); v != "a" {
		t.Errorf("Expected name=a, got %v", v)
	}
}

func TestEngine_CallMissingFunction(t *testing.T) {
	e := newTestEngine()
	_, err := e.RunSync(context.Background(), newTestTarget("fsm-1"), Call("nope"))
	var fne *FunctionNotExportedError
	if !errors.As(err, &fne) || fne.Target != "nope" {
		t.Errorf("Expected FunctionNotExportedError, got %v", err)
	}
}

func TestEngine_CallPanicBecomesCallFailed(t *testing.T) {
	e := newTestEngine()
	e.RegisterFunc("boom", func(ctx context.Context, args []any) (any, error) {
		panic("kaput")
	})
	_, err := e.RunSync(context.Background(), newTestTarget("fsm-1"), Call("boom"))
	var cfe *CallFailedError
	if !errors.As(err, &cfe) {
		t.Errorf("Expected CallFailedError from panic, got %v", err)
	}
}

func TestEngine_CallResolvesEffectArgs(t *testing.T) {
	e := newTestEngine()
	e.RegisterFunc("concat", func(ctx context.Context, args []any) (any, error) {
		return fmt.Sprint(args[0], args[1]), nil
	})
	tgt := newTestTarget("fsm-1")
	tgt.PutData("who", "world")

	res, err := e.RunSync(context.Background(), tgt, Call("concat", "hello ", GetData("who")))
	if err != nil {
		t.Fatalf("RunSync failed: %v", err)
	}
	if res != "hello world" {
		t.Errorf("Expected resolved args, got %v", res)
	}
}

func TestEngine_ParallelWaitsForAll(t *testing.T) {
	e := newTestEngine()
	var done atomic.Int32
	e.RegisterFunc("slow", func(ctx context.Context, args []any) (any, error) {
		time.Sleep(30 * time.Millisecond)
		done.Add(1)
		return args[0], nil
	})
	e.RegisterFunc("fail", func(ctx context.Context, args []any) (any, error) {
		return nil, errors.New("nope")
	})

	_, err := e.RunSync(context.Background(), newTestTarget("fsm-1"), Parallel(
		Call("slow", 1),
		Call("fail"),
		Call("slow", 2),
	))
	if err == nil {
		t.Fatal("Expected parallel to surface the child error")
	}
	// All children terminated before parallel returned.
	if done.Load() != 2 {
		t.Errorf("Expected both slow children to finish, got %d", done.Load())
	}
}

func TestEngine_ParallelResultsInInputOrder(t *testing.T) {
	e := newTestEngine()
	e.RegisterFunc("id", func(ctx context.Context, args []any) (any, error) {
		if d, ok := args[1].(time.Duration); ok {
			time.Sleep(d)
		}
		return args[0], nil
	})

	res, err := e.RunSync(context.Background(), newTestTarget("fsm-1"), Parallel(
		Call("id", "a", 20*time.Millisecond),
		Call("id", "b", time.Duration(0)),
	))
	if err != nil {
		t.Fatalf("RunSync failed: %v", err)
	}
	results, ok := res.([]any)
	if !ok || len(results) != 2 || results[0] != "a" || results[1] != "b" {
		t.Errorf("Expected results in input order [a b], got %v", res)
	}
}

func TestEngine_RaceFirstResultWins(t *testing.T) {
	e := newTestEngine()
	res, err := e.RunSync(context.Background(), newTestTarget("fsm-1"), Race(
		Delay(500*time.Millisecond),
		PutData("winner", "fast"),
	))
	if err != nil {
		t.Fatalf("RunSync failed: %v", err)
	}
	if res != "fast" {
		t.Errorf("Expected the fast branch to win, got %v", res)
	}
}

func TestEngine_RetryAttemptsBounded(t *testing.T) {
	e := newTestEngine()
	var calls atomic.Int32
	e.RegisterFunc("flaky", func(ctx context.Context, args []any) (any, error) {
		calls.Add(1)
		return nil, errors.New("still broken")
	})

	_, err := e.RunSync(context.Background(), newTestTarget("fsm-1"), Retry(Call("flaky"), RetryOptions{
		Attempts:  4,
		BaseDelay: time.Millisecond,
	}))
	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Fatalf("Expected ErrMaxRetriesExceeded, got %v", err)
	}
	if calls.Load() != 4 {
		t.Errorf("Expected exactly 4 attempts, got %d", calls.Load())
	}
}

func TestEngine_RetrySucceedsBeforeExhaustion(t *testing.T) {
	e := newTestEngine()
	var calls atomic.Int32
	e.RegisterFunc("flaky", func(ctx context.Context, args []any) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("not yet")
		}
		return "ok", nil
	})

	res, err := e.RunSync(context.Background(), newTestTarget("fsm-1"), Retry(Call("flaky"), RetryOptions{
		Attempts:  5,
		BaseDelay: time.Millisecond,
	}))
	if err != nil {
		t.Fatalf("RunSync failed: %v", err)
	}
	if res != "ok" || calls.Load() != 3 {
		t.Errorf("Expected success on attempt 3, got %v after %d calls", res, calls.Load())
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 10 * time.Millisecond
	cases := []struct {
		backoff Backoff
		attempt int
		want    time.Duration
	}{
		{BackoffConstant, 3, base},
		{BackoffLinear, 3, 3 * base},
		{BackoffExponential, 3, 4 * base},
		{BackoffFibonacci, 5, 5 * base},
	}
	for _, c := range cases {
		got := backoffDelay(RetryOptions{Backoff: c.backoff, BaseDelay: base}, c.attempt)
		if got != c.want {
			t.Errorf("backoffDelay(%v, attempt %d) = %v, want %v", c.backoff, c.attempt, got, c.want)
		}
	}
}

func TestEngine_TimeoutObservedPromptly(t *testing.T) {
	e := newTestEngine()
	started := time.Now()
	_, err := e.RunSync(context.Background(), newTestTarget("fsm-1"),
		Timeout(Delay(5*time.Second), 50*time.Millisecond))
	elapsed := time.Since(started)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("Timeout observed too late: %v", elapsed)
	}
}

func TestEngine_TimeoutPassesThroughFastResult(t *testing.T) {
	e := newTestEngine()
	res, err := e.RunSync(context.Background(), newTestTarget("fsm-1"),
		Timeout(PutData("k", "v"), time.Second))
	if err != nil {
		t.Fatalf("RunSync failed: %v", err)
	}
	if res != "v" {
		t.Errorf("Expected child result, got %v", res)
	}
}

func TestEngine_CompensationRunsOnFailure(t *testing.T) {
	e := newTestEngine()
	var compensated atomic.Int32
	e.RegisterFunc("fail", func(ctx context.Context, args []any) (any, error) {
		return nil, errors.New("charge declined")
	})
	e.RegisterFunc("undo", func(ctx context.Context, args []any) (any, error) {
		compensated.Add(1)
		return "undone", nil
	})

	_, err := e.RunSync(context.Background(), newTestTarget("fsm-1"),
		WithCompensation(Call("fail"), Call("undo")))
	if err == nil || errors.Is(err, ErrCancelled) {
		t.Fatalf("Expected the original action error, got %v", err)
	}
	var cfe *CallFailedError
	if !errors.As(err, &cfe) {
		t.Errorf("Expected the action's CallFailedError, got %v", err)
	}
	if compensated.Load() != 1 {
		t.Errorf("Expected compensation to run once, got %d", compensated.Load())
	}
}

func TestEngine_CompensationFailureWrapped(t *testing.T) {
	e := newTestEngine()
	e.RegisterFunc("fail", func(ctx context.Context, args []any) (any, error) {
		return nil, errors.New("nope")
	})
	_, err := e.RunSync(context.Background(), newTestTarget("fsm-1"),
		WithCompensation(Call("fail"), Call("fail")))
	var cpe *CompensationFailedError
	if !errors.As(err, &cpe) {
		t.Errorf("Expected CompensationFailedError, got %v", err)
	}
}

func TestEngine_SagaCompensatesInReverse(t *testing.T) {
	e := newTestEngine()
	var order []string
	var mu sync.Mutex
	record := func(name string, err error) Func {
		return func(ctx context.Context, args []any) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return name, err
		}
	}
	e.RegisterFunc("reserve", record("reserve", nil))
	e.RegisterFunc("release", record("release", nil))
	e.RegisterFunc("charge", record("charge", errors.New("card declined")))
	e.RegisterFunc("refund", record("refund", nil))

	_, err := e.RunSync(context.Background(), newTestTarget("fsm-1"), Saga(
		SagaStep{Action: Call("reserve"), Compensation: Call("release")},
		SagaStep{Action: Call("charge"), Compensation: Call("refund")},
	))
	if err == nil {
		t.Fatal("Expected the charge error to surface")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"reserve", "charge", "release"}
	if len(order) != len(want) {
		t.Fatalf("Expected call order %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Expected call order %v, got %v", want, order)
		}
	}
}

func TestEngine_SagaSuccessReturnsStepResults(t *testing.T) {
	e := newTestEngine()
	res, err := e.RunSync(context.Background(), newTestTarget("fsm-1"), Saga(
		SagaStep{Action: PutData("a", 1)},
		SagaStep{Action: PutData("b", 2)},
	))
	if err != nil {
		t.Fatalf("RunSync failed: %v", err)
	}
	results, ok := res.([]any)
	if !ok || len(results) != 2 {
		t.Errorf("Expected two step results, got %v", res)
	}
}

func TestEngine_LaunchAndCancelState(t *testing.T) {
	sink := newRecordingSink()
	e := NewEngine(WithLogger(core.NopLogger{}), WithSink(sink))
	tgt := newTestTarget("fsm-cancel")

	eff := Sequence(Delay(5*time.Second), PutData("marker", "set"))
	if _, err := e.Launch(tgt, "A", eff); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	waitFor(t, func() bool { return e.RunningCount("fsm-cancel") == 1 })

	e.CancelState("fsm-cancel", "A")
	waitFor(t, func() bool { return e.RunningCount("fsm-cancel") == 0 })

	if _, ok := tgt.GetData("marker"); ok {
		t.Error("Cancelled sequence must not reach the marker write")
	}
	waitFor(t, func() bool { return sink.count(telemetry.TopicEffectCancelled) == 1 })
}

func TestEngine_CancelEffectsAllStates(t *testing.T) {
	e := newTestEngine()
	tgt := newTestTarget("fsm-multi")
	if _, err := e.Launch(tgt, "A", Delay(5*time.Second)); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if _, err := e.Launch(tgt, "B", Delay(5*time.Second)); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	waitFor(t, func() bool { return e.RunningCount("fsm-multi") == 2 })

	e.CancelEffects("fsm-multi")
	waitFor(t, func() bool { return e.RunningCount("fsm-multi") == 0 })
}

func TestEngine_NamedEffect(t *testing.T) {
	e := newTestEngine()
	tgt := newTestTarget("fsm-named")
	tgt.named["mark"] = PutData("named_ran", true)

	if _, err := e.RunNamed(context.Background(), tgt, "mark"); err != nil {
		t.Fatalf("RunNamed failed: %v", err)
	}
	if v, _ := tgt.GetData("named_ran"); v != true {
		t.Error("Named effect did not run")
	}

	_, err := e.RunNamed(context.Background(), tgt, "ghost")
	var uie *UnimplementedEffectError
	if !errors.As(err, &uie) {
		t.Errorf("Expected UnimplementedEffectError for unknown name, got %v", err)
	}
}

// recordingSink collects telemetry events by topic.
type recordingSink struct {
	mu     sync.Mutex
	events map[string]int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{events: make(map[string]int)}
}

func (s *recordingSink) Emit(ev telemetry.Event) {
	s.mu.Lock()
	s.events[ev.Topic]++
	s.mu.Unlock()
}

func (s *recordingSink) count(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[topic]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
