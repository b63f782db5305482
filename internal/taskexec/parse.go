package taskexec

import (
	"encoding/json"
	"strings"

	"github.com/hexfield/stackrunner/internal/consts"
	"github.com/hexfield/stackrunner/internal/model"
)

// ParseResult extracts the structured task result from captured stdout. The
// last non-empty line must be a JSON object whose marker field is truthy;
// anything else falls back to a raw-string result carrying the whole stdout.
// The bool reports whether a structured result was found.
func ParseResult(stdout string) (model.TaskResult, bool) {
	line := lastNonEmptyLine(stdout)
	if line == "" {
		return rawResult(stdout), false
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &probe); err != nil {
		return rawResult(stdout), false
	}
	marker, ok := probe[consts.ResultMarker]
	if !ok || !truthy(marker) {
		return rawResult(stdout), false
	}

	var result model.TaskResult
	if err := json.Unmarshal([]byte(line), &result); err != nil {
		return rawResult(stdout), false
	}
	return result, true
}

func rawResult(stdout string) model.TaskResult {
	return model.TaskResult{Output: strings.TrimRight(stdout, "\n")}
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// truthy mirrors loose JSON truthiness: true, nonzero numbers and non-empty
// strings count; false, 0, "", null and compound values do not.
func truthy(raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return false
	}
}
