// File: internal/planner/planner.go

// Package planner turns the run context into exactly one proposed step
// per loop iteration, via a single inference backend call.
package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xops-dev/taskpilot/api/schemas"
	"github.com/xops-dev/taskpilot/internal/config"
	"github.com/xops-dev/taskpilot/internal/registry"
)

// PlanningError means the backend response could not be turned into a
// valid step. The loop controller retries these up to its bound.
type PlanningError struct {
	Reason string
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("planning failed: %s", e.Reason)
}

// nameCorrectionCutoff is the minimum similarity ratio for a near-miss
// tool name to be silently corrected.
const nameCorrectionCutoff = 0.6

// Proposer translates (goal, strategy, history) into candidate steps.
// It has no side effects beyond the backend call.
type Proposer struct {
	client   schemas.LLMClient
	registry *registry.Registry
	cfg      config.ReasoningConfig
	logger   *zap.Logger
	now      func() time.Time
}

func NewProposer(client schemas.LLMClient, reg *registry.Registry, cfg config.ReasoningConfig, logger *zap.Logger) *Proposer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Proposer{
		client:   client,
		registry: reg,
		cfg:      cfg,
		logger:   logger.Named("planner"),
		now:      time.Now,
	}
}

// Propose calls the backend once and parses the response into a step.
// observation carries corrective context: a retry hint after a planning
// error, or a denial notice after a rejected step.
func (p *Proposer) Propose(ctx context.Context, runID string, goal schemas.Goal, strategy schemas.Strategy, records []schemas.AuditRecord, observation string) (schemas.Step, error) {
	req := schemas.GenerationRequest{
		SystemPrompt:    systemPrompt,
		UserPrompt:      buildUserPrompt(goal, strategy, p.registry.Catalog(), records, p.cfg.HistoryWindow, observation),
		Model:           goal.ModelHint,
		ForceJSONFormat: true,
	}

	raw, err := p.client.GenerateResponse(ctx, req)
	if err != nil {
		return schemas.Step{}, fmt.Errorf("inference backend: %w", err)
	}

	prop, ok := parseProposal(raw)
	if !ok {
		p.logger.Warn("Unparseable backend response", zap.String("response", preview(raw)))
		return schemas.Step{}, &PlanningError{Reason: "response contained no parseable action"}
	}

	if _, err := p.registry.Lookup(prop.Tool); err != nil {
		corrected := closestToolName(prop.Tool, p.registry.Names())
		if corrected == "" {
			return schemas.Step{}, &PlanningError{Reason: fmt.Sprintf("unknown tool %q", prop.Tool)}
		}
		p.logger.Info("Corrected near-miss tool name",
			zap.String("proposed", prop.Tool), zap.String("corrected", corrected))
		prop.Tool = corrected
	}

	step := schemas.Step{
		ID:        uuid.NewString(),
		RunID:     runID,
		Tool:      prop.Tool,
		Args:      prop.Args,
		Thought:   prop.Thought,
		CreatedAt: p.now(),
	}

	if err := p.registry.Validate(step); err != nil {
		return schemas.Step{}, &PlanningError{Reason: err.Error()}
	}
	return step, nil
}

// closestToolName finds the best near-miss match above the cutoff, the
// way difflib's get_close_matches behaves for a single candidate.
func closestToolName(attempted string, names []string) string {
	best := ""
	bestRatio := nameCorrectionCutoff
	for _, name := range names {
		if r := similarity(attempted, name); r >= bestRatio {
			best = name
			bestRatio = r
		}
	}
	return best
}

func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 0
	}
	return 1 - float64(editDistance(a, b))/float64(longest)
}

func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

func preview(s string) string {
	return clip(s, 200)
}
