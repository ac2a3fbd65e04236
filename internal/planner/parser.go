// File: internal/planner/parser.go
package planner

import (
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// proposal is the raw decoded shape of a backend response.
type proposal struct {
	Thought string         `json:"thought"`
	Tool    string         `json:"tool"`
	Args    map[string]any `json:"args"`
}

var (
	codeBlockRegex = regexp.MustCompile("(?is)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	braceSpanRegex = regexp.MustCompile(`(?s)\{[^{}]*(?:\{[^{}]*\}[^{}]*)*\}`)

	thoughtFieldRegex = regexp.MustCompile(`"thought":\s*"([^"]*)"`)
	toolFieldRegex    = regexp.MustCompile(`"tool":\s*"([^"]*)"`)
	argsFieldRegex    = regexp.MustCompile(`(?s)"args":\s*(\{[^}]*\})`)
)

// parseProposal extracts a proposal from an unreliable model response.
// Candidates are tried most-specific first: fenced code blocks, the whole
// trimmed response, then any brace-delimited span. As a last resort the
// fields are reconstructed individually.
func parseProposal(raw string) (proposal, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return proposal{}, false
	}

	var candidates []string
	for _, m := range codeBlockRegex.FindAllStringSubmatch(trimmed, -1) {
		candidates = append(candidates, m[1])
	}
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		candidates = append(candidates, trimmed)
	}
	candidates = append(candidates, braceSpanRegex.FindAllString(trimmed, -1)...)

	for _, c := range candidates {
		var p proposal
		if err := json.UnmarshalFromString(c, &p); err != nil {
			continue
		}
		if p.Tool != "" {
			if p.Args == nil {
				p.Args = map[string]any{}
			}
			return p, true
		}
	}
	return reconstructProposal(trimmed)
}

// reconstructProposal salvages the individual fields when no candidate
// parses as a whole, which happens when the model truncates mid-object.
func reconstructProposal(raw string) (proposal, bool) {
	tool := toolFieldRegex.FindStringSubmatch(raw)
	if tool == nil {
		return proposal{}, false
	}
	p := proposal{Tool: tool[1], Args: map[string]any{}}
	if thought := thoughtFieldRegex.FindStringSubmatch(raw); thought != nil {
		p.Thought = thought[1]
	}
	if args := argsFieldRegex.FindStringSubmatch(raw); args != nil {
		var decoded map[string]any
		if err := json.UnmarshalFromString(args[1], &decoded); err == nil {
			p.Args = decoded
		}
	}
	return p, true
}
