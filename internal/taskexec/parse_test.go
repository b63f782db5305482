package taskexec

import (
	"testing"

	"github.com/hexfield/stackrunner/internal/consts"
	"github.com/hexfield/stackrunner/internal/model"
)

func TestParseResultStructured(t *testing.T) {
	stdout := "setup log line\n" +
		`{"__task_result__": true, "output": {"n": 3}, "decisions": ["took fast path"]}` + "\n"
	res, ok := ParseResult(stdout)
	if !ok {
		t.Fatalf("expected structured result")
	}
	out, ok := res.Output.(map[string]any)
	if !ok || out["n"] != float64(3) {
		t.Fatalf("unexpected output: %v", res.Output)
	}
	if len(res.Decisions) != 1 {
		t.Fatalf("decisions lost: %v", res.Decisions)
	}
}

func TestParseResultLastLineWins(t *testing.T) {
	stdout := `{"__task_result__": true, "output": "first"}` + "\n" +
		`{"__task_result__": true, "output": "second"}` + "\n\n"
	res, ok := ParseResult(stdout)
	if !ok || res.Output != "second" {
		t.Fatalf("last non-empty line must win, got %v ok=%v", res.Output, ok)
	}
}

func TestParseResultMarkerTruthiness(t *testing.T) {
	cases := []struct {
		marker string
		want   bool
	}{
		{"true", true},
		{"1", true},
		{"2.5", true},
		{`"yes"`, true},
		{"false", false},
		{"0", false},
		{`""`, false},
		{"null", false},
		{"[1]", false},
		{`{"a":1}`, false},
	}
	for _, c := range cases {
		stdout := `{"__task_result__": ` + c.marker + `, "output": "x"}`
		_, ok := ParseResult(stdout)
		if ok != c.want {
			t.Fatalf("marker %s: structured=%v, want %v", c.marker, ok, c.want)
		}
	}
}

func TestParseResultRawFallback(t *testing.T) {
	res, ok := ParseResult("plain text output\n")
	if ok {
		t.Fatalf("plain text must not be structured")
	}
	if res.Output != "plain text output" {
		t.Fatalf("raw fallback should carry trimmed stdout, got %q", res.Output)
	}
}

func TestParseResultEmptyStdout(t *testing.T) {
	res, ok := ParseResult("")
	if ok {
		t.Fatalf("empty stdout must not be structured")
	}
	if res.Output != "" {
		t.Fatalf("empty stdout yields empty raw output, got %q", res.Output)
	}
}

func TestParseResultMalformedJSON(t *testing.T) {
	res, ok := ParseResult(`{"__task_result__": true, "output":`)
	if ok {
		t.Fatalf("truncated JSON must fall back to raw")
	}
	if res.Output == nil {
		t.Fatalf("raw fallback lost the stdout")
	}
}

func TestRenderCommand(t *testing.T) {
	got := renderCommand("echo {greeting} {count} {missing}", map[string]any{
		"greeting": "hi",
		"count":    float64(2),
	})
	if got != "echo hi 2 {missing}" {
		t.Fatalf("unexpected render: %q", got)
	}
}

func TestBuildEnvCarriesProtocolVars(t *testing.T) {
	r := NewRunner("", 0, "/tmp/tasks.db")
	def := &model.TaskDefinition{
		TaskID:  "echo",
		Kind:    consts.KindCLI,
		Code:    "echo hi",
		EnvJSON: `{"EXTRA":"1"}`,
	}
	env := r.buildEnv(Request{
		Def:     def,
		Params:  map[string]any{"k": "v"},
		Context: model.NewContext(),
		QueueID: 7,
		StackID: "s-1",
	})

	want := map[string]bool{
		`TASK_PARAMS={"k":"v"}`: false,
		"TASK_QUEUE_ID=7":       false,
		"TASK_STACK_ID=s-1":     false,
		"TASK_DB=/tmp/tasks.db": false,
		"EXTRA=1":               false,
	}
	for _, kv := range env {
		if _, ok := want[kv]; ok {
			want[kv] = true
		}
	}
	for kv, seen := range want {
		if !seen {
			t.Fatalf("env missing %q", kv)
		}
	}
}
