package model

import (
	"testing"
)

func TestFoldMergesAndAppends(t *testing.T) {
	c := NewContext()
	c.Variables["a"] = "one"
	c.Variables["b"] = "keep"

	next := c.Fold(TaskResult{
		Output:    map[string]any{"n": 1},
		Variables: map[string]any{"a": "two"},
		Decisions: []string{"picked left"},
		Errors:    []string{"soft failure"},
		Metadata:  map[string]any{"host": "w1"},
	})

	if next.Variables["a"] != "two" {
		t.Fatalf("result variable should win, got %v", next.Variables["a"])
	}
	if next.Variables["b"] != "keep" {
		t.Fatalf("untouched variable lost: %v", next.Variables["b"])
	}
	if len(next.Outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(next.Outputs))
	}
	if len(next.Decisions) != 1 || next.Decisions[0] != "picked left" {
		t.Fatalf("decisions not concatenated: %v", next.Decisions)
	}
	if len(next.Errors) != 1 {
		t.Fatalf("errors not concatenated: %v", next.Errors)
	}
	if next.Metadata["host"] != "w1" {
		t.Fatalf("metadata not merged: %v", next.Metadata)
	}
}

func TestFoldDoesNotMutateReceiver(t *testing.T) {
	c := NewContext()
	c.Variables["x"] = 1

	_ = c.Fold(TaskResult{Variables: map[string]any{"x": 2}, Output: "o"})

	if c.Variables["x"] != 1 {
		t.Fatalf("receiver mutated: %v", c.Variables["x"])
	}
	if len(c.Outputs) != 0 {
		t.Fatalf("receiver outputs grew: %v", c.Outputs)
	}
}

func TestFoldAppendsNilOutput(t *testing.T) {
	c := NewContext().Fold(TaskResult{Output: "first"}).Fold(TaskResult{})
	if len(c.Outputs) != 2 {
		t.Fatalf("nil output must still append, got %d outputs", len(c.Outputs))
	}
	if c.LastOutput() != nil {
		t.Fatalf("last output should be nil, got %v", c.LastOutput())
	}
}

func TestLastOutputEmpty(t *testing.T) {
	if out := NewContext().LastOutput(); out != nil {
		t.Fatalf("empty context must have nil last output, got %v", out)
	}
}

func TestParseContextRoundTrip(t *testing.T) {
	c := NewContext().Fold(TaskResult{
		Output:    "hello",
		Variables: map[string]any{"k": "v"},
	})
	got := ParseContext(c.JSON())
	if got.Variables["k"] != "v" {
		t.Fatalf("variables lost in round trip: %v", got.Variables)
	}
	if got.LastOutput() != "hello" {
		t.Fatalf("outputs lost in round trip: %v", got.Outputs)
	}
}

func TestParseContextMalformed(t *testing.T) {
	for _, raw := range []string{"", "not json", "[1,2]"} {
		c := ParseContext(raw)
		if c.Variables == nil || c.Metadata == nil {
			t.Fatalf("ParseContext(%q) returned nil maps", raw)
		}
		if len(c.Outputs) != 0 {
			t.Fatalf("ParseContext(%q) returned outputs %v", raw, c.Outputs)
		}
	}
}

func TestMergeParamsOverride(t *testing.T) {
	merged := MergeParams(
		map[string]any{"a": 1, "b": 2},
		map[string]any{"b": 3, "c": 4},
	)
	if merged["a"] != 1 || merged["b"] != 3 || merged["c"] != 4 {
		t.Fatalf("unexpected merge: %v", merged)
	}
}
