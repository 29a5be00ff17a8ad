// Package fsm holds the declaration model of the runtime: immutable machine
// kinds built with a fluent builder, live instances, cross-cutting plugins
// and the process-wide kind registry used for discovery.
//
// Example:
//
//	door, err := fsm.NewKind("agents.demo.Door").
//	    InitialState("closed").
//	    State("closed").On("open_cmd", "opening").Done().
//	    State("opening").On("fully_open", "open").Done().
//	    State("open").On("close_cmd", "closing").Done().
//	    State("closing").On("fully_closed", "closed").Done().
//	    Build()
package fsm

import (
	"fmt"
	"time"
)

// Hook transforms an instance on state entry or exit. Hooks are advisory: a
// panicking hook is logged and skipped, never failing the transition.
type Hook func(inst *Instance) *Instance

// Validator checks an event before any state change. It may transform the
// instance; returning an error aborts the transition with no side effects.
type Validator func(inst *Instance, event string, eventData map[string]any) (*Instance, error)

// BroadcastHandler receives registry-wide broadcast events.
type BroadcastHandler func(inst *Instance, eventType string, eventData map[string]any) *Instance

// Transition is one row of a kind's merged transition table.
type Transition struct {
	From  string `json:"from"`
	Event string `json:"event"`
	To    string `json:"to"`
}

// PluginContext describes the transition a plugin is observing.
type PluginContext struct {
	OldState  string
	NewState  string
	Event     string
	EventData map[string]any
	Options   map[string]any
}

// Plugin is a cross-cutting extension installed at instance construction.
// Each method may replace the instance; returning an error from Init or
// BeforeTransition aborts, while AfterTransition errors abort the transition
// as well (the engine restores the pre-transition instance).
type Plugin interface {
	Name() string
	Init(inst *Instance, opts map[string]any) (*Instance, error)
	BeforeTransition(inst *Instance, pctx PluginContext) (*Instance, error)
	AfterTransition(inst *Instance, pctx PluginContext) (*Instance, error)
}

// ErrorCode tags the runtime error taxonomy.
type ErrorCode int

const (
	CodeNotFound ErrorCode = iota
	CodeInvalidTransition
	CodeValidationFailed
	CodePluginFailed
	CodeUnknownModule
	CodeInvalidEventName
	CodeTimeout
	CodeUnexpected
)

func (c ErrorCode) String() string {
	switch c {
	case CodeNotFound:
		return "not_found"
	case CodeInvalidTransition:
		return "invalid_transition"
	case CodeValidationFailed:
		return "validation_error"
	case CodePluginFailed:
		return "plugin_failed"
	case CodeUnknownModule:
		return "unknown_module"
	case CodeInvalidEventName:
		return "invalid_event_name"
	case CodeTimeout:
		return "timeout"
	default:
		return "unexpected_error"
	}
}

// Error is the tagged error returned by the definition model, the transition
// engine and the manager.
type Error struct {
	Code      ErrorCode
	Message   string
	State     string
	Event     string
	Plugin    string
	Timestamp time.Time
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches errors by code so callers can compare against sentinels.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound          = &Error{Code: CodeNotFound}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition}
	ErrValidationFailed  = &Error{Code: CodeValidationFailed}
	ErrPluginFailed      = &Error{Code: CodePluginFailed}
	ErrUnknownModule     = &Error{Code: CodeUnknownModule}
	ErrInvalidEventName  = &Error{Code: CodeInvalidEventName}
	ErrTimeout           = &Error{Code: CodeTimeout}
)

func newError(code ErrorCode, state, event, format string, args ...any) *Error {
	return &Error{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		State:     state,
		Event:     event,
		Timestamp: time.Now().UTC(),
	}
}
