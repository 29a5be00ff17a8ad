package effects

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestValidate_CallLLMRequiredKeys(t *testing.T) {
	err := Validate(CallLLM(map[string]any{"provider": "openai", "model": "gpt-4o-mini"}))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected ValidationError for missing prompt, got %v", err)
	}

	if err := Validate(CallLLM(map[string]any{
		"provider": "openai",
		"model":    "gpt-4o-mini",
		"prompt":   "hello",
	})); err != nil {
		t.Errorf("Complete call_llm config must validate: %v", err)
	}
}

func TestValidate_CoordinateAgentsEntries(t *testing.T) {
	err := Validate(CoordinateAgents(
		map[string]any{"id": "a1", "model": "gpt-4o-mini", "role": "critic"},
	))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected ValidationError for agent missing task, got %v", err)
	}

	if err := Validate(CoordinateAgents(
		map[string]any{"id": "a1", "model": "gpt-4o-mini", "role": "critic", "task": "review"},
	)); err != nil {
		t.Errorf("Complete agent entry must validate: %v", err)
	}
}

func TestValidate_CompositeShapes(t *testing.T) {
	bad := []*Effect{
		Sequence(),
		Parallel(),
		WithCompensation(PutData("k", 1), nil),
		Saga(),
		Call(""),
	}
	for i, eff := range bad {
		if err := Validate(eff); err == nil {
			t.Errorf("case %d: expected validation failure", i)
		}
	}
}

func TestValidate_RecursesIntoChildren(t *testing.T) {
	eff := Sequence(
		PutData("k", 1),
		Timeout(CallLLM(map[string]any{"provider": "openai"}), time.Second),
	)
	if err := Validate(eff); err == nil {
		t.Fatal("Expected nested call_llm validation failure")
	}
}

func TestEngine_LaunchRejectsInvalidTree(t *testing.T) {
	e := newTestEngine()
	if _, err := e.Launch(newTestTarget("fsm-v"), "s", Sequence()); err == nil {
		t.Fatal("Launch must validate before starting")
	}
	if n := e.RunningCount("fsm-v"); n != 0 {
		t.Errorf("Rejected launch must not register an execution, got %d", n)
	}
}

func TestEngine_ProviderLeavesWithoutProvider(t *testing.T) {
	e := newTestEngine()
	_, err := e.RunSync(context.Background(), newTestTarget("fsm-p"), CallLLM(map[string]any{
		"provider": "openai", "model": "m", "prompt": "p",
	}))
	var le *LLMError
	if !errors.As(err, &le) {
		t.Errorf("Expected LLMError without a provider, got %v", err)
	}
}
