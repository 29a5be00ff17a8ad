// Package telemetry carries structured runtime events to a pluggable sink.
//
// Producers (transition engine, journal, effects engine) emit events by topic
// and never block: the async sink buffers and drops on overflow.
package telemetry

import (
	"time"

	"github.com/veloxio/velox/pkg/core"
)

// Well-known topics.
const (
	TopicTransition    = "fsm.transition"
	TopicBroadcast     = "fsm.broadcast"
	TopicJournalAppend = "fsm.journal.append"

	TopicEffectStarted     = "effect.started"
	TopicEffectCompleted   = "effect.completed"
	TopicEffectFailed      = "effect.failed"
	TopicEffectCancelled   = "effect.cancelled"
	TopicEffectTimeout     = "effect.timeout"
	TopicEffectRetry       = "effect.retry"
	TopicEffectBreaker     = "effect.circuit_breaker"
	TopicEffectComposition = "effect.composition"
)

// Event is a single structured telemetry record.
type Event struct {
	Topic  string         `json:"topic"`
	Time   time.Time      `json:"time"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Sink consumes telemetry events. Emit must not block the producer.
type Sink interface {
	Emit(ev Event)
}

// Emit is a convenience helper that stamps the event time.
func Emit(s Sink, topic string, fields map[string]any) {
	if s == nil {
		return
	}
	s.Emit(Event{Topic: topic, Time: time.Now().UTC(), Fields: fields})
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// MultiSink fans out to several sinks.
type MultiSink []Sink

func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}

// LogSink writes events through a core.Logger at debug level.
type LogSink struct {
	Logger core.Logger
}

func NewLogSink(logger core.Logger) *LogSink {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &LogSink{Logger: logger}
}

func (s *LogSink) Emit(ev Event) {
	s.Logger.Debugf("telemetry %s %v", ev.Topic, ev.Fields)
}

// AsyncSink decouples producers from a possibly slow inner sink.
// Events beyond the buffer capacity are dropped.
type AsyncSink struct {
	inner Sink
	ch    chan Event
	done  chan struct{}
}

// NewAsyncSink wraps inner with a buffered, drop-on-overflow channel.
func NewAsyncSink(inner Sink, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = 1024
	}
	s := &AsyncSink{
		inner: inner,
		ch:    make(chan Event, buffer),
		done:  make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *AsyncSink) drain() {
	defer close(s.done)
	for ev := range s.ch {
		s.inner.Emit(ev)
	}
}

func (s *AsyncSink) Emit(ev Event) {
	select {
	case s.ch <- ev:
	default:
		// Overload: drop rather than block the producer.
	}
}

// Close stops the drain goroutine after flushing buffered events.
func (s *AsyncSink) Close() {
	close(s.ch)
	<-s.done
}
