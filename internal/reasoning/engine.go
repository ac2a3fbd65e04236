// File: internal/reasoning/engine.go

// Package reasoning estimates goal complexity, picks the run strategy,
// and derives the step budget.
package reasoning

import (
	"context"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/xops-dev/taskpilot/api/schemas"
	"github.com/xops-dev/taskpilot/internal/config"
)

// complexityWeights maps goal keywords to their complexity contribution.
// A keyword counts once regardless of repetition.
var complexityWeights = map[string]float64{
	"file": 0.2, "directory": 0.2, "folder": 0.2,
	"create": 0.3, "read": 0.3, "write": 0.3, "delete": 0.3,
	"copy": 0.4, "move": 0.4, "rename": 0.4,

	"code": 0.5, "program": 0.5, "script": 0.5, "function": 0.5,
	"class": 0.6, "module": 0.6, "package": 0.6,
	"test": 0.7, "debug": 0.7, "optimize": 0.7,

	"install": 0.6, "configure": 0.6, "setup": 0.6,
	"server": 0.8, "service": 0.8, "daemon": 0.8,
	"database": 0.9, "network": 0.9, "security": 0.9,

	"api": 0.7, "integration": 0.7, "automation": 0.7,
	"deploy": 0.9, "production": 0.9, "scale": 0.9,
	"machine learning": 1.0, "ai": 1.0, "model": 1.0,
}

var conjunctions = []string{"and", "then", "also", "additionally", "furthermore"}

// HistorySource supplies the past-run average used to bias the budget.
type HistorySource interface {
	HistoricalAvgSteps(ctx context.Context, goalText string) (float64, error)
}

// Engine is stateless apart from its configuration; every method is a
// pure function of its inputs (the history source is read-only).
type Engine struct {
	cfg     config.ReasoningConfig
	history HistorySource
	logger  *zap.Logger
}

// NewEngine builds the engine. history may be nil when no store is
// available.
func NewEngine(cfg config.ReasoningConfig, history HistorySource, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, history: history, logger: logger.Named("reasoning")}
}

// Complexity scores a goal text into [0, 1].
func (e *Engine) Complexity(goalText string) float64 {
	lower := strings.ToLower(goalText)
	score := 0.1

	for keyword, weight := range complexityWeights {
		if strings.Contains(lower, keyword) {
			score += weight
		}
	}
	for _, conj := range conjunctions {
		score += float64(strings.Count(lower, conj)) * 0.1
	}

	words := len(strings.Fields(goalText))
	switch {
	case words > 50:
		score += 0.3
	case words > 20:
		score += 0.1
	}
	return math.Min(score, 1.0)
}

// Plan derives the strategy and step budget for a goal. An explicit
// max-steps constraint on the goal overrides the estimated budget.
func (e *Engine) Plan(ctx context.Context, goal schemas.Goal) schemas.Strategy {
	score := e.Complexity(goal.Text)
	strat := schemas.Strategy{
		Kind:       e.kindFor(score),
		Complexity: score,
	}

	budget := e.estimateSteps(goal.Text, score)
	if e.history != nil {
		if avg, err := e.history.HistoricalAvgSteps(ctx, goal.Text); err == nil && avg > 0 {
			budget = int(math.Round((float64(budget) + avg) / 2))
		}
	}
	strat.StepBudget = clamp(budget, e.cfg.BudgetFloor, e.cfg.BudgetCeiling)

	if goal.MaxSteps > 0 {
		strat.StepBudget = goal.MaxSteps
	}

	e.logger.Info("Strategy selected",
		zap.String("kind", string(strat.Kind)),
		zap.Float64("complexity", score),
		zap.Int("budget", strat.StepBudget))
	return strat
}

// Reevaluate is invoked at checkpoints over the accumulated history. A
// run of consecutive failures at the tail escalates the strategy one
// level toward recursive decomposition; the budget is never changed.
func (e *Engine) Reevaluate(current schemas.Strategy, records []schemas.AuditRecord) schemas.Strategy {
	streak := 0
	for i := len(records) - 1; i >= 0; i-- {
		st := records[i].Result.Status
		if st != schemas.StatusFailure && st != schemas.StatusTimeout {
			break
		}
		streak++
	}
	if streak < e.cfg.FailureThreshold {
		return current
	}

	escalated := current
	switch current.Kind {
	case schemas.StrategySequential:
		escalated.Kind = schemas.StrategyParallel
	case schemas.StrategyParallel:
		escalated.Kind = schemas.StrategyRecursive
	default:
		return current
	}
	e.logger.Warn("Repeated failures, escalating strategy",
		zap.Int("consecutive_failures", streak),
		zap.String("from", string(current.Kind)),
		zap.String("to", string(escalated.Kind)))
	return escalated
}

func (e *Engine) kindFor(score float64) schemas.StrategyKind {
	switch {
	case score > e.cfg.RecursiveThreshold:
		return schemas.StrategyRecursive
	case score > e.cfg.ParallelThreshold:
		return schemas.StrategyParallel
	default:
		// Sequential is also the fallback when estimation is inconclusive.
		return schemas.StrategySequential
	}
}

// estimateSteps converts the score into a raw step estimate, with bonuses
// for goal patterns that reliably take extra iterations.
func (e *Engine) estimateSteps(goalText string, score float64) int {
	lower := strings.ToLower(goalText)
	steps := int(score * float64(e.cfg.BudgetCeiling))

	if containsAny(lower, "create", "build", "develop") {
		steps += 5
	}
	if containsAny(lower, "test", "verify", "validate") {
		steps += 3
	}
	if containsAny(lower, "deploy", "install", "configure") {
		steps += 4
	}
	return steps
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
