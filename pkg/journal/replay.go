package journal

import "fmt"

// Resolver maps (state, event) to the target state; it is the shape of
// fsm.Kind.Resolve.
type Resolver func(from, event string) (string, bool)

// Replay walks an instance's records with a reference interpreter: no hooks,
// no plugins, no effects. It returns the final state, and an error when the
// recorded history disagrees with the transition table. Used by the explicit
// replay tool and by audits; the registry itself rehydrates from snapshots.
func Replay(records []Record, resolve Resolver) (string, error) {
	if len(records) == 0 {
		return "", fmt.Errorf("replay: no records")
	}
	if records[0].Type != TypeCreated {
		return "", fmt.Errorf("replay: first record is %q, want %q", records[0].Type, TypeCreated)
	}

	state := records[0].InitialState
	for i, rec := range records[1:] {
		if rec.Type != TypeTransition {
			return "", fmt.Errorf("replay: record %d is %q, want %q", i+1, rec.Type, TypeTransition)
		}
		if rec.From != state {
			return "", fmt.Errorf("replay: record %d (seq %d) leaves state %q but interpreter is in %q", i+1, rec.Seq, rec.From, state)
		}
		to, ok := resolve(state, rec.Event)
		if !ok {
			return "", fmt.Errorf("replay: no transition for (%s, %s) at seq %d", state, rec.Event, rec.Seq)
		}
		if to != rec.To {
			return "", fmt.Errorf("replay: table resolves (%s, %s) to %q, journal says %q", state, rec.Event, to, rec.To)
		}
		state = to
	}
	return state, nil
}
