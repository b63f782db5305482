package graph

import (
	"encoding/json"
	"testing"
)

func TestRenderTemplateSubstitution(t *testing.T) {
	fields := map[string]any{
		"path":  "data/in.csv",
		"count": float64(3),
		"flag":  true,
	}
	tmpl := `{"file": "$source.path", "n": $source.count, "on": $source.flag}`
	got := RenderTemplate(tmpl, fields)

	var params map[string]any
	if err := json.Unmarshal([]byte(got), &params); err != nil {
		t.Fatalf("rendered template is not valid JSON: %v\n%s", err, got)
	}
	if params["file"] != "data/in.csv" || params["n"] != float64(3) || params["on"] != true {
		t.Fatalf("unexpected params: %v", params)
	}
}

func TestRenderTemplateEscapesStrings(t *testing.T) {
	fields := map[string]any{"msg": `say "hi"` + "\nbye"}
	got := RenderTemplate(`{"m": "$source.msg"}`, fields)

	var params map[string]any
	if err := json.Unmarshal([]byte(got), &params); err != nil {
		t.Fatalf("quotes and newlines must be escaped: %v\n%s", err, got)
	}
	if params["m"] != `say "hi"`+"\nbye" {
		t.Fatalf("value mangled: %q", params["m"])
	}
}

func TestRenderTemplateUnknownFieldKept(t *testing.T) {
	got := RenderTemplate(`{"x": "$source.missing"}`, map[string]any{})
	if got != `{"x": "$source.missing"}` {
		t.Fatalf("unknown placeholder must stay as-is: %s", got)
	}
}

func TestRenderTemplateCompoundValue(t *testing.T) {
	fields := map[string]any{"items": []any{"a", "b"}}
	got := RenderTemplate(`{"list": $source.items}`, fields)

	var params map[string]any
	if err := json.Unmarshal([]byte(got), &params); err != nil {
		t.Fatalf("compound value render broke JSON: %v\n%s", err, got)
	}
	list, ok := params["list"].([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("unexpected list: %v", params["list"])
	}
}
