package fsm

import (
	"time"

	"github.com/veloxio/velox/pkg/effects"
)

// Builder assembles a Kind with a fluent API. All declarations accumulate in
// order; Build merges components (declaration order, locals last), validates
// the result and freezes it.
type Builder struct {
	name        string
	description string
	initial     string

	localStates []string
	stateSet    map[string]bool
	transitions []Transition

	enterHooks map[string][]Hook
	exitHooks  map[string][]Hook
	validators []Validator
	plugins    []InstalledPlugin

	effects      map[string]*effects.Effect
	namedEffects map[string]*effects.Effect

	components []*Kind
	broadcast  BroadcastHandler

	err error
}

// StateBuilder declares a single state and its transitions.
type StateBuilder struct {
	parent *Builder
	name   string
}

// NewKind starts building a kind. The name should be fully qualified and
// dotted; its last segment is the module short name used in journal paths.
func NewKind(name string) *Builder {
	return &Builder{
		name:         name,
		stateSet:     make(map[string]bool),
		enterHooks:   make(map[string][]Hook),
		exitHooks:    make(map[string][]Hook),
		effects:      make(map[string]*effects.Effect),
		namedEffects: make(map[string]*effects.Effect),
	}
}

// Description sets the human description.
func (b *Builder) Description(desc string) *Builder {
	b.description = desc
	return b
}

// InitialState sets the initial state.
func (b *Builder) InitialState(state string) *Builder {
	b.initial = state
	return b
}

// State declares a state and returns a scoped builder for it.
func (b *Builder) State(name string) *StateBuilder {
	if !b.stateSet[name] {
		b.stateSet[name] = true
		b.localStates = append(b.localStates, name)
	}
	return &StateBuilder{parent: b, name: name}
}

// Validate appends a validator to the ordered chain.
func (b *Builder) Validate(v Validator) *Builder {
	b.validators = append(b.validators, v)
	return b
}

// Use composes another kind into this one: its states are unioned and its
// transitions appended before local ones, so local declarations shadow
// component declarations on (from, event) collisions.
func (b *Builder) Use(component *Kind) *Builder {
	b.components = append(b.components, component)
	return b
}

// Plugin installs a plugin with options.
func (b *Builder) Plugin(p Plugin, opts map[string]any) *Builder {
	b.plugins = append(b.plugins, InstalledPlugin{Plugin: p, Options: opts})
	return b
}

// NamedEffect registers an effect runnable out-of-band by name.
func (b *Builder) NamedEffect(name string, eff *effects.Effect) *Builder {
	b.namedEffects[name] = eff
	return b
}

// OnBroadcast registers the handler invoked for registry broadcasts.
func (b *Builder) OnBroadcast(fn BroadcastHandler) *Builder {
	b.broadcast = fn
	return b
}

// On declares a transition out of this state.
func (sb *StateBuilder) On(event, to string) *StateBuilder {
	sb.parent.transitions = append(sb.parent.transitions, Transition{
		From:  sb.name,
		Event: event,
		To:    to,
	})
	return sb
}

// OnEnter appends an entry hook for this state.
func (sb *StateBuilder) OnEnter(h Hook) *StateBuilder {
	sb.parent.enterHooks[sb.name] = append(sb.parent.enterHooks[sb.name], h)
	return sb
}

// OnExit appends an exit hook for this state.
func (sb *StateBuilder) OnExit(h Hook) *StateBuilder {
	sb.parent.exitHooks[sb.name] = append(sb.parent.exitHooks[sb.name], h)
	return sb
}

// Effect sets the effect tree launched on entering this state. The tree is
// cancelled when the state is left.
func (sb *StateBuilder) Effect(eff *effects.Effect) *StateBuilder {
	sb.parent.effects[sb.name] = eff
	return sb
}

// TimerEffect runs eff after d while the machine stays in this state. The
// timer is cancelled on exit like any other entry effect.
func (sb *StateBuilder) TimerEffect(d time.Duration, eff *effects.Effect) *StateBuilder {
	return sb.Effect(effects.Sequence(effects.Delay(d), eff))
}

// Done returns to the kind builder.
func (sb *StateBuilder) Done() *Builder {
	return sb.parent
}

// Build merges, validates and freezes the kind.
func (b *Builder) Build() (*Kind, error) {
	if b.err != nil {
		return nil, b.err
	}

	k := &Kind{
		name:         b.name,
		description:  b.description,
		initial:      b.initial,
		states:       make(map[string]bool),
		enterHooks:   make(map[string][]Hook),
		exitHooks:    make(map[string][]Hook),
		effects:      make(map[string]*effects.Effect),
		namedEffects: make(map[string]*effects.Effect),
		broadcast:    b.broadcast,
	}

	seenComponents := make(map[string]bool)
	for _, comp := range b.components {
		if comp == nil {
			return nil, newError(CodeUnknownModule, "", "", "kind %s: nil component", b.name)
		}
		// Components are built kinds, so deep cycles cannot form; direct
		// self-composition and duplicates are still rejected.
		if comp.name == b.name || seenComponents[comp.name] {
			return nil, newError(CodeValidationFailed, "", "", "kind %s: cyclic or duplicate component %q", b.name, comp.name)
		}
		seenComponents[comp.name] = true
		k.components = append(k.components, comp.name)

		for _, state := range comp.stateOrder {
			if !k.states[state] {
				k.states[state] = true
				k.stateOrder = append(k.stateOrder, state)
			}
		}
		k.transitions = append(k.transitions, comp.transitions...)
		for state, hooks := range comp.enterHooks {
			k.enterHooks[state] = append(k.enterHooks[state], hooks...)
		}
		for state, hooks := range comp.exitHooks {
			k.exitHooks[state] = append(k.exitHooks[state], hooks...)
		}
		k.validators = append(k.validators, comp.validators...)
		k.plugins = append(k.plugins, comp.plugins...)
		for state, eff := range comp.effects {
			k.effects[state] = eff
		}
		for name, eff := range comp.namedEffects {
			k.namedEffects[name] = eff
		}
	}

	// Locals last: they shadow component declarations.
	for _, state := range b.localStates {
		if !k.states[state] {
			k.states[state] = true
			k.stateOrder = append(k.stateOrder, state)
		}
	}
	k.transitions = append(k.transitions, b.transitions...)
	for state, hooks := range b.enterHooks {
		k.enterHooks[state] = append(k.enterHooks[state], hooks...)
	}
	for state, hooks := range b.exitHooks {
		k.exitHooks[state] = append(k.exitHooks[state], hooks...)
	}
	k.validators = append(k.validators, b.validators...)
	k.plugins = append(k.plugins, b.plugins...)
	for state, eff := range b.effects {
		k.effects[state] = eff
	}
	for name, eff := range b.namedEffects {
		k.namedEffects[name] = eff
	}

	if err := k.validate(); err != nil {
		return nil, err
	}
	for state, eff := range k.effects {
		if err := effects.Validate(eff); err != nil {
			return nil, newError(CodeValidationFailed, state, "", "kind %s: effect for state %q: %v", b.name, state, err)
		}
	}
	k.computeUnreachable()
	return k, nil
}

// MustBuild builds the kind and panics on error. For program-start
// declarations only.
func (b *Builder) MustBuild() *Kind {
	k, err := b.Build()
	if err != nil {
		panic(err)
	}
	return k
}
