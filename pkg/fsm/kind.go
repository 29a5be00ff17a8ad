package fsm

import (
	"fmt"
	"sort"

	"github.com/veloxio/velox/pkg/effects"
)

// InstalledPlugin pairs a plugin with its installation options.
type InstalledPlugin struct {
	Plugin  Plugin
	Options map[string]any
}

// Kind is the compiled, immutable definition of a state machine. Build one
// with NewKind(...).Build() and share it by reference across instances.
type Kind struct {
	name        string
	description string
	initial     string

	states     map[string]bool
	stateOrder []string

	// transitions hold the merged table: components in declaration order,
	// locals last. Resolution scans from the end, so later-added shadows
	// earlier-added on (from, event) collisions.
	transitions []Transition

	enterHooks map[string][]Hook
	exitHooks  map[string][]Hook
	validators []Validator
	plugins    []InstalledPlugin

	effects      map[string]*effects.Effect
	namedEffects map[string]*effects.Effect

	components  []string
	broadcast   BroadcastHandler
	unreachable []string
}

func (k *Kind) Name() string        { return k.name }
func (k *Kind) Description() string { return k.description }
func (k *Kind) InitialState() string {
	return k.initial
}

// ShortName returns the last dotted segment of the kind name.
func (k *Kind) ShortName() string { return ModuleShortName(k.name) }

// States returns the state set in merge order.
func (k *Kind) States() []string {
	out := make([]string, len(k.stateOrder))
	copy(out, k.stateOrder)
	return out
}

// HasState reports whether name is a declared state.
func (k *Kind) HasState(name string) bool { return k.states[name] }

// Transitions returns a copy of the merged transition table.
func (k *Kind) Transitions() []Transition {
	out := make([]Transition, len(k.transitions))
	copy(out, k.transitions)
	return out
}

// Resolve finds the target state for (from, event). Later-added transitions
// shadow earlier-added ones, so the table is scanned from the end.
func (k *Kind) Resolve(from, event string) (string, bool) {
	for i := len(k.transitions) - 1; i >= 0; i-- {
		t := k.transitions[i]
		if t.From == from && t.Event == event {
			return t.To, true
		}
	}
	return "", false
}

// EnterHooks returns the ordered entry hooks for state.
func (k *Kind) EnterHooks(state string) []Hook { return k.enterHooks[state] }

// ExitHooks returns the ordered exit hooks for state.
func (k *Kind) ExitHooks(state string) []Hook { return k.exitHooks[state] }

// Validators returns the ordered validation chain.
func (k *Kind) Validators() []Validator { return k.validators }

// Plugins returns the installed plugins in declaration order.
func (k *Kind) Plugins() []InstalledPlugin { return k.plugins }

// EffectFor returns the effect tree launched on entering state, if any.
func (k *Kind) EffectFor(state string) (*effects.Effect, bool) {
	eff, ok := k.effects[state]
	return eff, ok
}

// NamedEffect resolves an out-of-band effect by name.
func (k *Kind) NamedEffect(name string) (*effects.Effect, bool) {
	eff, ok := k.namedEffects[name]
	return eff, ok
}

// Components returns the names of composed kinds in declaration order.
func (k *Kind) Components() []string {
	out := make([]string, len(k.components))
	copy(out, k.components)
	return out
}

// BroadcastHandler returns the registered broadcast handler, or nil.
func (k *Kind) BroadcastHandler() BroadcastHandler { return k.broadcast }

// Unreachable lists states that cannot be reached from the initial state.
// Such states are allowed but reported at build time.
func (k *Kind) Unreachable() []string {
	out := make([]string, len(k.unreachable))
	copy(out, k.unreachable)
	return out
}

func (k *Kind) validate() error {
	if k.name == "" {
		return newError(CodeUnknownModule, "", "", "kind name is required")
	}
	if k.initial == "" {
		return newError(CodeValidationFailed, "", "", "kind %s: initial state is required", k.name)
	}
	if !k.states[k.initial] {
		return newError(CodeValidationFailed, k.initial, "", "kind %s: initial state %q not declared", k.name, k.initial)
	}
	for _, t := range k.transitions {
		if t.Event == "" {
			return newError(CodeInvalidEventName, t.From, "", "kind %s: transition from %q has empty event", k.name, t.From)
		}
		if !k.states[t.From] {
			return newError(CodeValidationFailed, t.From, t.Event, "kind %s: transition references undeclared state %q", k.name, t.From)
		}
		if !k.states[t.To] {
			return newError(CodeValidationFailed, t.To, t.Event, "kind %s: transition references undeclared state %q", k.name, t.To)
		}
	}
	for state := range k.effects {
		if !k.states[state] {
			return newError(CodeValidationFailed, state, "", "kind %s: effect bound to undeclared state %q", k.name, state)
		}
	}
	return nil
}

// computeUnreachable walks the resolved transition table from the initial
// state. Shadowed duplicates are resolved before walking, so a transition
// hidden by a later declaration contributes no edge.
func (k *Kind) computeUnreachable() {
	resolved := make(map[string]string) // from\x00event -> to
	for _, t := range k.transitions {
		resolved[t.From+"\x00"+t.Event] = t.To
	}

	seen := map[string]bool{k.initial: true}
	frontier := []string{k.initial}
	for len(frontier) > 0 {
		next := frontier[:0:0]
		for _, from := range frontier {
			for key, to := range resolved {
				if len(key) > len(from) && key[:len(from)] == from && key[len(from)] == 0 && !seen[to] {
					seen[to] = true
					next = append(next, to)
				}
			}
		}
		frontier = next
	}

	var unreachable []string
	for _, state := range k.stateOrder {
		if !seen[state] {
			unreachable = append(unreachable, state)
		}
	}
	sort.Strings(unreachable)
	k.unreachable = unreachable
}

// TransitionSummary renders the merged table as "from --event--> to" lines.
func (k *Kind) TransitionSummary() []string {
	out := make([]string, 0, len(k.transitions))
	for _, t := range k.transitions {
		out = append(out, fmt.Sprintf("%s --%s--> %s", t.From, t.Event, t.To))
	}
	return out
}
