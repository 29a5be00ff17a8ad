package runtime

import (
	"errors"
	"sync"
	"testing"

	"github.com/veloxio/velox/pkg/core"
	"github.com/veloxio/velox/pkg/fsm"
)

func testKind(t *testing.T, name string) *fsm.Kind {
	t.Helper()
	k, err := fsm.NewKind(name).
		InitialState("a").
		State("a").On("go", "b").Done().
		State("b").Done().
		Build()
	if err != nil {
		t.Fatalf("Failed to build kind: %v", err)
	}
	return k
}

func TestRegistry_RegisterGetUnregister(t *testing.T) {
	r := NewRegistry(WithRegistryLogger(core.NopLogger{}))
	kind := testKind(t, "velox.test.Thing")

	inst := fsm.NewInstance(kind, "thing-1", "t1", nil)
	if err := r.Register(inst); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(inst); err == nil {
		t.Error("Expected duplicate id to be rejected")
	}

	got, err := r.Get("thing-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != inst {
		t.Error("Get must return the registered instance")
	}

	if err := r.Unregister("thing-1"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if _, err := r.Get("thing-1"); !errors.Is(err, fsm.ErrNotFound) {
		t.Errorf("Expected not_found after unregister, got %v", err)
	}
	if err := r.Unregister("thing-1"); !errors.Is(err, fsm.ErrNotFound) {
		t.Errorf("Expected not_found on double unregister, got %v", err)
	}

	stats := r.Stats()
	if stats.TotalRegistered != 1 || stats.TotalUnregistered != 1 || stats.CurrentCount != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if stats.LastActivity.IsZero() {
		t.Error("Expected last activity to be set")
	}
}

func TestRegistry_Views(t *testing.T) {
	r := NewRegistry(WithRegistryLogger(core.NopLogger{}))
	door := testKind(t, "velox.test.Door")
	lamp := testKind(t, "velox.test.Lamp")

	r.Register(fsm.NewInstance(door, "d2", "t1", nil))
	r.Register(fsm.NewInstance(door, "d1", "t1", nil))
	r.Register(fsm.NewInstance(lamp, "l1", "t2", nil))

	byTenant := r.ListByTenant("t1")
	if len(byTenant) != 2 || byTenant[0].ID != "d1" || byTenant[1].ID != "d2" {
		t.Errorf("Unexpected tenant view: %v", ids(byTenant))
	}
	byKind := r.ListByKind("velox.test.Door")
	if len(byKind) != 2 {
		t.Errorf("Expected 2 doors, got %v", ids(byKind))
	}
	all := r.ListAll()
	if len(all) != 3 || all[0].ID != "d1" || all[2].ID != "l1" {
		t.Errorf("Unexpected full view: %v", ids(all))
	}
	if got := r.ListByTenant("missing"); len(got) != 0 {
		t.Errorf("Expected empty view for unknown tenant, got %v", ids(got))
	}

	// Unregistering the last instance of a kind drops the kind bucket.
	r.Unregister("l1")
	if got := r.ListByKind("velox.test.Lamp"); len(got) != 0 {
		t.Errorf("Expected empty kind view, got %v", ids(got))
	}
}

func TestRegistry_UpdateReplacesInstance(t *testing.T) {
	r := NewRegistry(WithRegistryLogger(core.NopLogger{}))
	kind := testKind(t, "velox.test.Thing")

	inst := fsm.NewInstance(kind, "thing-1", "", nil)
	r.Register(inst)

	next := inst.Clone()
	next.CurrentState = "b"
	if err := r.Update("thing-1", next); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ := r.Get("thing-1")
	if got.CurrentState != "b" {
		t.Errorf("Expected updated instance, got state %q", got.CurrentState)
	}

	if err := r.Update("ghost", next); !errors.Is(err, fsm.ErrNotFound) {
		t.Errorf("Expected not_found for unknown id, got %v", err)
	}
}

func TestRegistry_Broadcast(t *testing.T) {
	r := NewRegistry(WithRegistryLogger(core.NopLogger{}))

	var mu sync.Mutex
	seen := make(map[string]string)
	k, err := fsm.NewKind("velox.test.Listener").
		InitialState("a").
		State("a").On("go", "b").Done().
		State("b").Done().
		OnBroadcast(func(inst *fsm.Instance, eventType string, eventData map[string]any) *fsm.Instance {
			mu.Lock()
			seen[inst.ID] = eventType
			mu.Unlock()
			return inst
		}).
		Build()
	if err != nil {
		t.Fatalf("Failed to build kind: %v", err)
	}
	deaf := testKind(t, "velox.test.Deaf")

	r.Register(fsm.NewInstance(k, "x1", "t1", nil))
	r.Register(fsm.NewInstance(k, "x2", "t2", nil))
	r.Register(fsm.NewInstance(deaf, "x3", "t1", nil))

	// Tenant-scoped broadcast skips other tenants and handlerless kinds.
	if n := r.Broadcast("price_update", map[string]any{"p": 1}, "t1"); n != 1 {
		t.Errorf("Expected 1 delivery for t1, got %d", n)
	}
	if n := r.Broadcast("price_update", nil, ""); n != 2 {
		t.Errorf("Expected 2 deliveries for all tenants, got %d", n)
	}

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["x1"] == "price_update" && seen["x2"] == "price_update"
	})
	mu.Lock()
	_, deafHeard := seen["x3"]
	mu.Unlock()
	if deafHeard {
		t.Error("Handlerless kind must not be delivered to")
	}
}

func ids(insts []*fsm.Instance) []string {
	out := make([]string, len(insts))
	for i, inst := range insts {
		out[i] = inst.ID
	}
	return out
}
