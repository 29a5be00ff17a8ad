package telemetry

import (
	"sync"
	"testing"
	"time"
)

// memorySink collects emitted events.
type memorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *memorySink) Emit(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *memorySink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestEmit_StampsTime(t *testing.T) {
	sink := &memorySink{}
	Emit(sink, TopicTransition, map[string]any{"kind": "Door"})

	if sink.len() != 1 {
		t.Fatalf("Expected 1 event, got %d", sink.len())
	}
	ev := sink.events[0]
	if ev.Topic != TopicTransition {
		t.Errorf("Expected topic %q, got %q", TopicTransition, ev.Topic)
	}
	if ev.Time.IsZero() {
		t.Error("Expected event time to be stamped")
	}
	if ev.Fields["kind"] != "Door" {
		t.Errorf("Unexpected fields: %v", ev.Fields)
	}
}

func TestEmit_NilSinkIsSafe(t *testing.T) {
	Emit(nil, TopicTransition, nil)
}

func TestMultiSink_FansOut(t *testing.T) {
	a := &memorySink{}
	b := &memorySink{}
	m := MultiSink{a, nil, b}

	m.Emit(Event{Topic: TopicEffectStarted})
	if a.len() != 1 || b.len() != 1 {
		t.Errorf("Expected fan-out to both sinks, got %d and %d", a.len(), b.len())
	}
}

func TestAsyncSink_FlushesOnClose(t *testing.T) {
	inner := &memorySink{}
	s := NewAsyncSink(inner, 64)

	for i := 0; i < 10; i++ {
		s.Emit(Event{Topic: TopicEffectCompleted})
	}
	s.Close()

	if inner.len() != 10 {
		t.Errorf("Expected all 10 events flushed on close, got %d", inner.len())
	}
}

// blockingSink holds the drain goroutine until released.
type blockingSink struct {
	release chan struct{}
	inner   memorySink
}

func (s *blockingSink) Emit(ev Event) {
	<-s.release
	s.inner.Emit(ev)
}

func TestAsyncSink_DropsOnOverflow(t *testing.T) {
	blocked := &blockingSink{release: make(chan struct{})}
	s := NewAsyncSink(blocked, 2)

	// One event is picked up by the drain goroutine and blocks it; give that
	// a moment to happen so the buffer accounting below is deterministic.
	s.Emit(Event{Topic: "a"})
	time.Sleep(20 * time.Millisecond)

	// Two fill the buffer, the rest are dropped.
	for i := 0; i < 5; i++ {
		s.Emit(Event{Topic: "b"})
	}

	close(blocked.release)
	s.Close()

	if got := blocked.inner.len(); got != 3 {
		t.Errorf("Expected 1 in-flight + 2 buffered events, got %d", got)
	}
}

func TestPrometheusSink_CountsByTopic(t *testing.T) {
	s := NewPrometheusSink("test")

	s.Emit(Event{Topic: TopicTransition, Fields: map[string]any{"kind": "Door", "duration_us": int64(1500)}})
	s.Emit(Event{Topic: TopicEffectCompleted, Fields: map[string]any{"effect_type": "CALL", "duration_us": 200}})
	s.Emit(Event{Topic: TopicEffectFailed, Fields: map[string]any{}})
	s.Emit(Event{Topic: TopicEffectTimeout, Fields: map[string]any{}})
	s.Emit(Event{Topic: TopicEffectCancelled, Fields: map[string]any{}})

	families, err := s.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	byName := map[string]bool{}
	for _, mf := range families {
		byName[mf.GetName()] = true
	}
	for _, want := range []string{
		"velox_telemetry_events_total",
		"velox_fsm_transition_duration_seconds",
		"velox_effect_duration_seconds",
		"velox_effect_failures_total",
	} {
		if !byName[want] {
			t.Errorf("Expected metric family %s to be registered and populated", want)
		}
	}

	for _, mf := range families {
		if mf.GetName() != "velox_effect_failures_total" {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		if total != 3 {
			t.Errorf("Expected 3 effect failures across reasons, got %v", total)
		}
	}
}

func TestMicrosToSeconds(t *testing.T) {
	if got := microsToSeconds(int64(2_000_000)); got != 2 {
		t.Errorf("int64: expected 2, got %v", got)
	}
	if got := microsToSeconds(1_500_000.0); got != 1.5 {
		t.Errorf("float64: expected 1.5, got %v", got)
	}
	if got := microsToSeconds("nope"); got != 0 {
		t.Errorf("unknown type: expected 0, got %v", got)
	}
}
