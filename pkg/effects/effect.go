// Package effects executes declarative side-effect trees on behalf of FSM
// states. A tree is built from leaf operations (function calls, delays, data
// access, AI provider calls) and composite operators (sequence, parallel,
// race, retry, timeout, compensation, circuit breaker, saga). Execution is
// cancellable and keyed by (fsm id, state): entering a new state cancels the
// previous state's tree.
package effects

import (
	"time"

	"github.com/veloxio/velox/pkg/worker"
)

// Class describes the expected cost of a leaf, used to route execution onto
// sized worker pools.
type Class int

const (
	ClassSimple Class = iota
	ClassMedium
	ClassComplex
	ClassAIIntensive
)

func (c Class) String() string {
	switch c {
	case ClassMedium:
		return worker.ClassMedium
	case ClassComplex:
		return worker.ClassComplex
	case ClassAIIntensive:
		return worker.ClassAIIntensive
	default:
		return worker.ClassSimple
	}
}

type op int

const (
	opCall op = iota
	opDelay
	opLog
	opPutData
	opGetData
	opMergeData
	opUpdateData
	opGetResult
	opCallLLM
	opEmbedText
	opVectorSearch
	opInvokeAgent
	opCoordinateAgents
	opRAGPipeline
	opNamed
	opSequence
	opParallel
	opRace
	opRetry
	opTimeout
	opCompensation
	opBreaker
	opSaga
)

var opNames = map[op]string{
	opCall:             "call",
	opDelay:            "delay",
	opLog:              "log",
	opPutData:          "put_data",
	opGetData:          "get_data",
	opMergeData:        "merge_data",
	opUpdateData:       "update_data",
	opGetResult:        "get_result",
	opCallLLM:          "call_llm",
	opEmbedText:        "embed_text",
	opVectorSearch:     "vector_search",
	opInvokeAgent:      "invoke_agent",
	opCoordinateAgents: "coordinate_agents",
	opRAGPipeline:      "rag_pipeline",
	opNamed:            "named",
	opSequence:         "sequence",
	opParallel:         "parallel",
	opRace:             "race",
	opRetry:            "retry",
	opTimeout:          "timeout",
	opCompensation:     "with_compensation",
	opBreaker:          "circuit_breaker",
	opSaga:             "saga",
}

func (o op) String() string { return opNames[o] }

// Backoff selects the delay progression between retry attempts.
type Backoff int

const (
	BackoffConstant Backoff = iota
	BackoffLinear
	BackoffExponential
	BackoffFibonacci
)

// RetryOptions configures the Retry operator.
type RetryOptions struct {
	Attempts  int
	Backoff   Backoff
	BaseDelay time.Duration
}

// BreakerOptions configures the CircuitBreaker operator.
type BreakerOptions struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// SagaStep pairs an action with the compensation that undoes it.
type SagaStep struct {
	Action       *Effect
	Compensation *Effect
}

// Effect is one node of a side-effect tree. Build trees with the package
// constructors; the zero value is not usable.
type Effect struct {
	op    op
	class Class

	children     []*Effect
	compensation *Effect

	target string
	args   []any

	key    string
	value  any
	update func(any) any
	strict bool

	config map[string]any
	agents []map[string]any

	level   string
	message string

	duration time.Duration
	retry    RetryOptions
	breaker  BreakerOptions
	steps    []SagaStep
	name     string
}

// Type returns the effect's operator name ("call", "sequence", ...).
func (e *Effect) Type() string { return e.op.String() }

// Class returns the effect's workload class.
func (e *Effect) Class() Class { return e.class }

// WithClass overrides the default workload class of a leaf.
func (e *Effect) WithClass(c Class) *Effect {
	e.class = c
	return e
}

// Call invokes a registered function with resolved arguments. Arguments may
// themselves be GetData or GetResult leaves, which are evaluated first.
func Call(target string, args ...any) *Effect {
	return &Effect{op: opCall, target: target, args: args, class: ClassMedium}
}

// Delay waits for d, or returns ErrCancelled when preempted.
func Delay(d time.Duration) *Effect {
	return &Effect{op: opDelay, duration: d}
}

// Log emits a message through the engine logger.
func Log(level, message string) *Effect {
	return &Effect{op: opLog, level: level, message: message}
}

// PutData writes a key into the instance's data map.
func PutData(key string, value any) *Effect {
	return &Effect{op: opPutData, key: key, value: value}
}

// GetData reads a key from the instance's data map. A missing key yields the
// empty string, keeping downstream string concatenations total.
func GetData(key string) *Effect {
	return &Effect{op: opGetData, key: key}
}

// GetDataStrict reads a key and fails with KeyNotFoundError when absent.
func GetDataStrict(key string) *Effect {
	return &Effect{op: opGetData, key: key, strict: true}
}

// MergeData shallow-merges m into the instance's data map.
func MergeData(m map[string]any) *Effect {
	return &Effect{op: opMergeData, config: m}
}

// UpdateData applies fn to the current value of key.
func UpdateData(key string, fn func(any) any) *Effect {
	return &Effect{op: opUpdateData, key: key, update: fn}
}

// GetResult yields the immediately preceding sibling's result inside a
// Sequence; outside a sequence it yields the empty string.
func GetResult() *Effect {
	return &Effect{op: opGetResult}
}

// CallLLM delegates a completion request to the configured provider.
// Required config keys: provider, model, prompt.
func CallLLM(config map[string]any) *Effect {
	return &Effect{op: opCallLLM, config: config, class: ClassAIIntensive}
}

// EmbedText delegates an embedding request to the configured provider.
func EmbedText(config map[string]any) *Effect {
	return &Effect{op: opEmbedText, config: config, class: ClassComplex}
}

// VectorSearch delegates a similarity search to the configured provider.
func VectorSearch(config map[string]any) *Effect {
	return &Effect{op: opVectorSearch, config: config, class: ClassComplex}
}

// InvokeAgent delegates a single-agent task to the configured provider.
func InvokeAgent(config map[string]any) *Effect {
	return &Effect{op: opInvokeAgent, config: config, class: ClassAIIntensive}
}

// CoordinateAgents delegates a multi-agent task to the configured provider.
// Each entry requires id, model, role and task keys.
func CoordinateAgents(agents ...map[string]any) *Effect {
	return &Effect{op: opCoordinateAgents, agents: agents, class: ClassAIIntensive}
}

// RAGPipeline embeds the query, searches the vector store and prompts the
// model with the retrieved context. Required config keys: provider, model,
// query.
func RAGPipeline(config map[string]any) *Effect {
	return &Effect{op: opRAGPipeline, config: config, class: ClassAIIntensive}
}

// Named invokes a named effect registered on the instance's kind.
func Named(name string) *Effect {
	return &Effect{op: opNamed, name: name}
}

// Sequence runs children left to right, threading each result into the next
// leaf's GetResult. The first failure aborts the remainder.
func Sequence(children ...*Effect) *Effect {
	return &Effect{op: opSequence, children: children}
}

// Parallel runs children concurrently and waits for all of them. The first
// error in input order wins; otherwise the results are returned in input
// order.
func Parallel(children ...*Effect) *Effect {
	return &Effect{op: opParallel, children: children}
}

// Race runs children concurrently; the first result wins and the rest are
// cancelled.
func Race(children ...*Effect) *Effect {
	return &Effect{op: opRace, children: children}
}

// Retry re-runs child up to opts.Attempts times (default 3) with the
// configured backoff (default 1s base). Exhaustion yields
// ErrMaxRetriesExceeded.
func Retry(child *Effect, opts RetryOptions) *Effect {
	return &Effect{op: opRetry, children: []*Effect{child}, retry: opts}
}

// Timeout cancels child when it produces no result within d.
func Timeout(child *Effect, d time.Duration) *Effect {
	return &Effect{op: opTimeout, children: []*Effect{child}, duration: d}
}

// WithCompensation runs action; when it fails, compensation runs for its side
// effects and the action's error is returned.
func WithCompensation(action, compensation *Effect) *Effect {
	return &Effect{op: opCompensation, children: []*Effect{action}, compensation: compensation}
}

// CircuitBreaker guards child with a per-(fsm id, leaf type) breaker.
func CircuitBreaker(child *Effect, opts BreakerOptions) *Effect {
	return &Effect{op: opBreaker, children: []*Effect{child}, breaker: opts}
}

// Saga runs each step's action in order; on the first failure the previously
// succeeded steps' compensations run in reverse order.
func Saga(steps ...SagaStep) *Effect {
	return &Effect{op: opSaga, steps: steps}
}
