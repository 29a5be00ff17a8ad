package effects

import "fmt"

// Validate checks an effect tree before execution. It verifies the required
// configuration keys of AI leaves and the shape of composite operators.
func Validate(e *Effect) error {
	if e == nil {
		return &ValidationError{Detail: "nil effect"}
	}
	switch e.op {
	case opCall:
		if e.target == "" {
			return &ValidationError{Detail: "call requires a target"}
		}
		for _, arg := range e.args {
			if child, ok := arg.(*Effect); ok {
				if err := Validate(child); err != nil {
					return err
				}
			}
		}
	case opCallLLM:
		if err := requireKeys("call_llm", e.config, "provider", "model", "prompt"); err != nil {
			return err
		}
	case opRAGPipeline:
		if err := requireKeys("rag_pipeline", e.config, "provider", "model", "query"); err != nil {
			return err
		}
	case opCoordinateAgents:
		if len(e.agents) == 0 {
			return &ValidationError{Detail: "coordinate_agents requires at least one agent"}
		}
		for i, agent := range e.agents {
			if err := requireKeys(fmt.Sprintf("coordinate_agents[%d]", i), agent, "id", "model", "role", "task"); err != nil {
				return err
			}
		}
	case opPutData, opGetData:
		if e.key == "" {
			return &ValidationError{Detail: e.op.String() + " requires a key"}
		}
	case opUpdateData:
		if e.key == "" || e.update == nil {
			return &ValidationError{Detail: "update_data requires a key and a function"}
		}
	case opNamed:
		if e.name == "" {
			return &ValidationError{Detail: "named effect requires a name"}
		}
	case opSequence, opParallel, opRace:
		if len(e.children) == 0 {
			return &ValidationError{Detail: e.op.String() + " requires at least one child"}
		}
	case opRetry, opTimeout, opBreaker:
		if len(e.children) != 1 || e.children[0] == nil {
			return &ValidationError{Detail: e.op.String() + " requires exactly one child"}
		}
	case opCompensation:
		if len(e.children) != 1 || e.compensation == nil {
			return &ValidationError{Detail: "with_compensation requires an action and a compensation"}
		}
		if err := Validate(e.compensation); err != nil {
			return err
		}
	case opSaga:
		if len(e.steps) == 0 {
			return &ValidationError{Detail: "saga requires at least one step"}
		}
		for i, step := range e.steps {
			if step.Action == nil {
				return &ValidationError{Detail: fmt.Sprintf("saga step %d has no action", i)}
			}
			if err := Validate(step.Action); err != nil {
				return err
			}
			if step.Compensation != nil {
				if err := Validate(step.Compensation); err != nil {
					return err
				}
			}
		}
	}
	for _, child := range e.children {
		if err := Validate(child); err != nil {
			return err
		}
	}
	return nil
}

func requireKeys(what string, m map[string]any, keys ...string) error {
	for _, key := range keys {
		v, ok := m[key]
		if !ok || v == nil || v == "" {
			return &ValidationError{Detail: fmt.Sprintf("%s missing required key %q", what, key)}
		}
	}
	return nil
}
