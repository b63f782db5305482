package model

import "encoding/json"

// Context is the accumulated state that flows through a stack run. Tasks read
// it from the environment and contribute to it through their structured
// result; the engine folds each result in with Fold. All five collections
// grow monotonically over the life of a stack.
type Context struct {
	Variables map[string]any `json:"variables"`
	Outputs   []any          `json:"outputs"`
	Decisions []string       `json:"decisions"`
	Errors    []string       `json:"errors"`
	Metadata  map[string]any `json:"metadata"`
}

func NewContext() Context {
	return Context{
		Variables: map[string]any{},
		Outputs:   []any{},
		Decisions: []string{},
		Errors:    []string{},
		Metadata:  map[string]any{},
	}
}

// Fold returns a new Context with the task result bound in: variables and
// metadata shallow-merge (result wins), output appends, decisions and errors
// concatenate. The receiver is not modified.
func (c Context) Fold(r TaskResult) Context {
	next := Context{
		Variables: mergeMaps(c.Variables, r.Variables),
		Outputs:   append(append([]any{}, c.Outputs...), r.Output),
		Decisions: append(append([]string{}, c.Decisions...), r.Decisions...),
		Errors:    append(append([]string{}, c.Errors...), r.Errors...),
		Metadata:  mergeMaps(c.Metadata, r.Metadata),
	}
	return next
}

// LastOutput is the stack's final output on clean termination: the last
// element of outputs, or nil when no task produced one.
func (c Context) LastOutput() any {
	if len(c.Outputs) == 0 {
		return nil
	}
	return c.Outputs[len(c.Outputs)-1]
}

func (c Context) JSON() string {
	b, err := json.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// ParseContext decodes a stored context column; empty or malformed input
// yields a fresh empty context.
func ParseContext(raw string) Context {
	if raw == "" {
		return NewContext()
	}
	var c Context
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return NewContext()
	}
	if c.Variables == nil {
		c.Variables = map[string]any{}
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	return c
}

func mergeMaps(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
