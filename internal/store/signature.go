// File: internal/store/signature.go
package store

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xops-dev/taskpilot/api/schemas"
)

// Signature normalizes a step into the knowledge key: the tool name plus
// the sorted argument names with their value shapes. Argument values are
// reduced to shapes so that "read_file README.md" and "read_file go.mod"
// aggregate into one entry.
func Signature(step schemas.Step) string {
	if len(step.Args) == 0 {
		return step.Tool + "()"
	}
	keys := make([]string, 0, len(step.Args))
	for k := range step.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%s", k, valueShape(step.Args[k])))
	}
	return fmt.Sprintf("%s(%s)", step.Tool, strings.Join(parts, ","))
}

func valueShape(v any) string {
	switch v.(type) {
	case string:
		return "str"
	case bool:
		return "bool"
	case int, int64, float64:
		return "num"
	case nil:
		return "null"
	case []any:
		return "list"
	case map[string]any:
		return "map"
	default:
		return "other"
	}
}
