package fsm

import (
	"sort"
	"sync"
)

// KindInfo is the introspection shape returned by discovery.
type KindInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	States      []string `json:"states"`
	Components  []string `json:"components,omitempty"`
	Transitions []string `json:"transitions"`
	Unreachable []string `json:"unreachable,omitempty"`
}

// KindRegistry indexes compiled kinds by name. Discovery results are stable
// within a program run: listing is sorted by name.
type KindRegistry struct {
	mu    sync.RWMutex
	kinds map[string]*Kind
}

func NewKindRegistry() *KindRegistry {
	return &KindRegistry{kinds: make(map[string]*Kind)}
}

// Register adds a kind. Re-registering a name replaces the previous kind.
func (r *KindRegistry) Register(k *Kind) {
	r.mu.Lock()
	r.kinds[k.Name()] = k
	r.mu.Unlock()
}

// Lookup finds a kind by fully qualified name.
func (r *KindRegistry) Lookup(name string) (*Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	return k, ok
}

// ListKinds returns introspection metadata for every registered kind,
// sorted by name.
func (r *KindRegistry) ListKinds() []KindInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]KindInfo, 0, len(r.kinds))
	for _, k := range r.kinds {
		out = append(out, KindInfo{
			Name:        k.Name(),
			Description: k.Description(),
			States:      k.States(),
			Components:  k.Components(),
			Transitions: k.TransitionSummary(),
			Unreachable: k.Unreachable(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DefaultRegistry is the process-wide kind registry.
var DefaultRegistry = NewKindRegistry()

// Register adds a kind to the process-wide registry.
func Register(k *Kind) { DefaultRegistry.Register(k) }

// Lookup finds a kind in the process-wide registry.
func Lookup(name string) (*Kind, bool) { return DefaultRegistry.Lookup(name) }

// ListKinds lists the process-wide registry.
func ListKinds() []KindInfo { return DefaultRegistry.ListKinds() }
