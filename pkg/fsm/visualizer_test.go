package fsm

import (
	"strings"
	"testing"
)

func TestMermaid_RendersResolvedTable(t *testing.T) {
	k, err := NewKind("velox.test.Shadowed").
		InitialState("a").
		State("a").On("go", "b").On("go", "c").Done().
		State("b").Done().
		State("c").Done().
		Build()
	if err != nil {
		t.Fatalf("Failed to build: %v", err)
	}

	out := Mermaid(k)
	if !strings.Contains(out, "stateDiagram-v2") {
		t.Error("Expected a stateDiagram-v2 block")
	}
	if !strings.Contains(out, "[*] --> a") {
		t.Error("Expected initial state marker")
	}
	if !strings.Contains(out, "a --> c : go") {
		t.Error("Expected winning transition a --> c")
	}
	if strings.Contains(out, "a --> b : go") {
		t.Error("Shadowed transition must be omitted")
	}
}

func TestDescribe_MarksHooksAndEffects(t *testing.T) {
	door, err := NewKind("velox.test.DescribedDoor").
		Description("a door").
		InitialState("closed").
		State("closed").On("open_cmd", "open").OnExit(func(i *Instance) *Instance { return i }).Done().
		State("open").OnEnter(func(i *Instance) *Instance { return i }).Done().
		Build()
	if err != nil {
		t.Fatalf("Failed to build: %v", err)
	}

	out := Describe(door)
	if !strings.Contains(out, "closed [exit]") {
		t.Errorf("Expected exit marker on closed:\n%s", out)
	}
	if !strings.Contains(out, "open [enter]") {
		t.Errorf("Expected enter marker on open:\n%s", out)
	}
	if !strings.Contains(out, "closed --open_cmd--> open") {
		t.Errorf("Expected transition summary:\n%s", out)
	}
}
