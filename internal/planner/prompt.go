// File: internal/planner/prompt.go
package planner

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/xops-dev/taskpilot/api/schemas"
)

const systemPrompt = `You are an autonomous agent that achieves goals through systematic tool execution.
You MUST respond with a single valid JSON object containing exactly these fields:
{
    "thought": "Your reasoning about what to do next",
    "tool": "exact_tool_name_from_list",
    "args": {"param1": "value1"}
}
Rules:
1. The tool name must EXACTLY match one from the available tools list.
2. Use proper JSON with double quotes, and nothing outside the object.
3. Avoid repeating failed actions.
4. If unsure what to do, use 'no_op' and explain the issue in args.reason.
5. Use 'finish' when the goal is fully accomplished.`

// outputPreviewLimit bounds how much of each prior result appears in the
// prompt verbatim.
const outputPreviewLimit = 100

// buildUserPrompt assembles the per-iteration prompt: goal, strategy,
// tool catalog, bounded history, and any corrective observation.
func buildUserPrompt(goal schemas.Goal, strategy schemas.Strategy, catalog []schemas.ToolDescriptor, records []schemas.AuditRecord, window int, observation string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "GOAL: %s\n\n", goal.Text)
	fmt.Fprintf(&b, "STRATEGY: %s (step budget %d)\n\n", strategy.Kind, strategy.StepBudget)

	b.WriteString("AVAILABLE TOOLS:\n")
	for i, d := range catalog {
		fmt.Fprintf(&b, "%2d. %s: %s", i+1, d.Name, d.Description)
		if len(d.Params) > 0 {
			names := make([]string, 0, len(d.Params))
			for _, p := range d.Params {
				n := p.Name
				if !p.Required {
					n += "?"
				}
				names = append(names, n)
			}
			fmt.Fprintf(&b, " [args: %s]", strings.Join(names, ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	writeHistory(&b, records, window)

	if observation != "" {
		fmt.Fprintf(&b, "\nOBSERVATION: %s\n", observation)
	}

	b.WriteString("\nWhat is your next action to achieve the goal?")
	return b.String()
}

// writeHistory renders the bounded context window: everything older than
// the window is folded into a one-line digest so nothing is dropped
// silently, and the most recent entries appear verbatim.
func writeHistory(b *strings.Builder, records []schemas.AuditRecord, window int) {
	b.WriteString("EXECUTION HISTORY:\n")
	if len(records) == 0 {
		b.WriteString("No previous actions taken.\n")
		return
	}
	if window <= 0 {
		window = len(records)
	}

	if older := len(records) - window; older > 0 {
		succeeded, failed := 0, 0
		toolSet := map[string]struct{}{}
		var tools []string
		for _, rec := range records[:older] {
			if rec.Result.OK() {
				succeeded++
			} else {
				failed++
			}
			if _, seen := toolSet[rec.Step.Tool]; !seen {
				toolSet[rec.Step.Tool] = struct{}{}
				tools = append(tools, rec.Step.Tool)
			}
		}
		fmt.Fprintf(b, "Earlier: %d steps (%d succeeded, %d failed) using %s.\n",
			older, succeeded, failed, strings.Join(tools, ", "))
		records = records[older:]
	}

	for _, rec := range records {
		out := rec.Result.Output
		if out == "" {
			out = rec.Result.Detail
		}
		out = clip(out, outputPreviewLimit)
		fmt.Fprintf(b, "%d. %s(%s) -> %s: %s\n",
			rec.Seq, rec.Step.Tool, compactArgs(rec.Step.Args), rec.Result.Status, out)
	}
}

func compactArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	s, err := json.MarshalToString(args)
	if err != nil {
		return ""
	}
	return clip(s, outputPreviewLimit)
}

// clip bounds s to at most n bytes, backing off to a rune boundary so a
// multi-byte sequence is never cut in half.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
