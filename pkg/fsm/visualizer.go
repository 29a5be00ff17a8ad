package fsm

import (
	"fmt"
	"strings"
)

// Mermaid renders the kind's resolved transition table as a Mermaid state
// diagram. Shadowed transitions are omitted.
func Mermaid(k *Kind) string {
	var sb strings.Builder

	sb.WriteString("```mermaid\n")
	sb.WriteString("stateDiagram-v2\n")
	sb.WriteString(fmt.Sprintf("    [*] --> %s\n", k.InitialState()))

	seen := make(map[string]bool)
	transitions := k.Transitions()
	for i := len(transitions) - 1; i >= 0; i-- {
		t := transitions[i]
		key := t.From + "\x00" + t.Event
		if seen[key] {
			continue
		}
		seen[key] = true
		sb.WriteString(fmt.Sprintf("    %s --> %s : %s\n", t.From, t.To, t.Event))
	}

	sb.WriteString("```\n")
	return sb.String()
}

// Describe renders a plain-text summary: states, transitions, hooks and
// effects.
func Describe(k *Kind) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("FSM Kind: %s\n", k.Name()))
	if k.Description() != "" {
		sb.WriteString(k.Description() + "\n")
	}
	sb.WriteString(fmt.Sprintf("Initial State: %s\n\n", k.InitialState()))

	sb.WriteString("States:\n")
	for _, state := range k.States() {
		markers := ""
		if len(k.EnterHooks(state)) > 0 {
			markers += " [enter]"
		}
		if len(k.ExitHooks(state)) > 0 {
			markers += " [exit]"
		}
		if _, ok := k.EffectFor(state); ok {
			markers += " [effect]"
		}
		sb.WriteString(fmt.Sprintf("  - %s%s\n", state, markers))
	}

	sb.WriteString("\nTransitions:\n")
	for _, line := range k.TransitionSummary() {
		sb.WriteString("  " + line + "\n")
	}

	if unreachable := k.Unreachable(); len(unreachable) > 0 {
		sb.WriteString("\nUnreachable from initial state:\n")
		for _, state := range unreachable {
			sb.WriteString("  - " + state + "\n")
		}
	}

	return sb.String()
}
