package effects

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled reports that an effect was preempted, either by an
	// explicit cancel or by the FSM leaving the owning state.
	ErrCancelled = errors.New("effect cancelled")

	// ErrTimeout reports that a Timeout operator expired.
	ErrTimeout = errors.New("effect timeout")

	// ErrMaxRetriesExceeded reports that a Retry operator ran out of attempts.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrCircuitBreakerOpen reports that a breaker rejected the call without
	// invoking the wrapped effect.
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")

	// ErrRateLimitExceeded is returned by providers that are throttling.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrNoProvider reports that an AI leaf ran without a configured provider.
	ErrNoProvider = errors.New("no effect provider configured")
)

// KeyNotFoundError is returned by GetDataStrict for absent keys.
type KeyNotFoundError struct {
	Key string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("data key not found: %s", e.Key)
}

// FunctionNotExportedError reports a Call target with no registered function.
type FunctionNotExportedError struct {
	Target string
}

func (e *FunctionNotExportedError) Error() string {
	return fmt.Sprintf("function not exported: %s", e.Target)
}

// CallFailedError wraps a failure (including a recovered panic) from a
// registered function.
type CallFailedError struct {
	Detail string
	Err    error
}

func (e *CallFailedError) Error() string {
	return fmt.Sprintf("call failed: %s", e.Detail)
}

func (e *CallFailedError) Unwrap() error { return e.Err }

// CompensationFailedError reports that a compensation itself failed.
type CompensationFailedError struct {
	Detail string
	Err    error
}

func (e *CompensationFailedError) Error() string {
	return fmt.Sprintf("compensation failed: %s", e.Detail)
}

func (e *CompensationFailedError) Unwrap() error { return e.Err }

// ValidationError reports a malformed effect tree.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("effect validation failed: %s", e.Detail)
}

// LLMError wraps a provider failure for LLM, embedding and retrieval leaves.
type LLMError struct {
	Detail string
	Err    error
}

func (e *LLMError) Error() string { return fmt.Sprintf("llm error: %s", e.Detail) }

func (e *LLMError) Unwrap() error { return e.Err }

// AgentError wraps a provider failure for agent leaves.
type AgentError struct {
	Detail string
	Err    error
}

func (e *AgentError) Error() string { return fmt.Sprintf("agent error: %s", e.Detail) }

func (e *AgentError) Unwrap() error { return e.Err }

// UnimplementedEffectError reports an effect kind the engine cannot execute.
type UnimplementedEffectError struct {
	Kind string
}

func (e *UnimplementedEffectError) Error() string {
	return fmt.Sprintf("unimplemented effect: %s", e.Kind)
}
