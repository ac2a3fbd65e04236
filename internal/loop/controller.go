// File: internal/loop/controller.go

// Package loop orchestrates the goal-execution cycle: propose, assess,
// confirm, execute, record, until a terminal condition is reached.
package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xops-dev/taskpilot/api/schemas"
	"github.com/xops-dev/taskpilot/internal/config"
	"github.com/xops-dev/taskpilot/internal/planner"
	"github.com/xops-dev/taskpilot/internal/registry"
)

// deniedObservation is fed to the proposer after a rejected step.
const deniedObservation = "the previous action was declined; propose an alternative"

// StepProposer yields one candidate step per call.
type StepProposer interface {
	Propose(ctx context.Context, runID string, goal schemas.Goal, strategy schemas.Strategy, records []schemas.AuditRecord, observation string) (schemas.Step, error)
}

// SafetyGate assesses steps and resolves required confirmations.
type SafetyGate interface {
	Assess(step schemas.Step, desc schemas.ToolDescriptor, goal schemas.Goal) schemas.RiskAssessment
	ResolveConfirmation(ctx context.Context, step schemas.Step, desc schemas.ToolDescriptor, a *schemas.RiskAssessment) (bool, error)
}

// Executor performs approved steps.
type Executor interface {
	Execute(ctx context.Context, step schemas.Step, desc schemas.ToolDescriptor, assessment schemas.RiskAssessment) schemas.ExecutionResult
}

// StrategyPlanner derives and re-evaluates the run strategy.
type StrategyPlanner interface {
	Plan(ctx context.Context, goal schemas.Goal) schemas.Strategy
	Reevaluate(current schemas.Strategy, records []schemas.AuditRecord) schemas.Strategy
}

// AuditSink persists records and run outcomes.
type AuditSink interface {
	Append(ctx context.Context, rec schemas.AuditRecord) error
	RecordGoal(ctx context.Context, summary schemas.RunSummary) error
	Sweep(ctx context.Context, retentionDays int) (int64, error)
}

// Controller drives a single goal run. It is not reusable across runs.
type Controller struct {
	engine   StrategyPlanner
	proposer StepProposer
	gate     SafetyGate
	executor Executor
	registry *registry.Registry
	sink     AuditSink

	reasoningCfg config.ReasoningConfig
	storeCfg     config.StoreConfig

	// cleanup runs once at the end of a run: stop tracked processes,
	// close the browser session.
	cleanup func()

	logger *zap.Logger
	now    func() time.Time
}

func NewController(engine StrategyPlanner, proposer StepProposer, gate SafetyGate, executor Executor, reg *registry.Registry, sink AuditSink, reasoningCfg config.ReasoningConfig, storeCfg config.StoreConfig, cleanup func(), logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		engine:       engine,
		proposer:     proposer,
		gate:         gate,
		executor:     executor,
		registry:     reg,
		sink:         sink,
		reasoningCfg: reasoningCfg,
		storeCfg:     storeCfg,
		cleanup:      cleanup,
		logger:       logger.Named("loop"),
		now:          time.Now,
	}
}

// Run executes the full goal cycle and returns the terminal summary.
// The returned error is non-nil only for infrastructure faults (a store
// that cannot append); run-level failures are expressed in the summary.
func (c *Controller) Run(ctx context.Context, goal schemas.Goal) (schemas.RunSummary, error) {
	runID := uuid.NewString()
	startedAt := c.now()
	strategy := c.engine.Plan(ctx, goal)

	log := c.logger.With(zap.String("run_id", runID))
	log.Info("Run started",
		zap.String("goal", goal.Text),
		zap.String("strategy", string(strategy.Kind)),
		zap.Int("budget", strategy.StepBudget))

	defer func() {
		if c.cleanup != nil {
			c.cleanup()
		}
	}()

	var records []schemas.AuditRecord
	observation := ""

	finish := func(class schemas.TerminalClass, reason string) (schemas.RunSummary, error) {
		summary := schemas.RunSummary{
			RunID:      runID,
			Goal:       goal.Text,
			Class:      class,
			Reason:     reason,
			Strategy:   strategy,
			Steps:      len(records),
			Records:    records,
			StartedAt:  startedAt,
			FinishedAt: c.now(),
		}
		log.Info("Run terminated",
			zap.String("class", string(class)),
			zap.String("reason", reason),
			zap.Int("steps", len(records)))
		// The run context may already be canceled on interrupt; archival
		// still has to land.
		archiveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.sink.RecordGoal(archiveCtx, summary); err != nil {
			log.Warn("Failed to archive run outcome", zap.Error(err))
		}
		if _, err := c.sink.Sweep(archiveCtx, c.storeCfg.RetentionDays); err != nil {
			log.Warn("Knowledge sweep failed", zap.Error(err))
		}
		return summary, nil
	}

	for {
		if len(records) >= strategy.StepBudget {
			return finish(schemas.RunBudgetExhausted,
				fmt.Sprintf("step budget of %d exhausted", strategy.StepBudget))
		}
		if err := ctx.Err(); err != nil {
			return finish(schemas.RunFatal, "interrupted by operator")
		}

		// -- Planning --
		step, err := c.propose(ctx, runID, goal, strategy, records, observation)
		if err != nil {
			var pe *planner.PlanningError
			if errors.As(err, &pe) {
				return finish(schemas.RunFatal,
					fmt.Sprintf("planning failed after %d retries: %s", c.reasoningCfg.PlanningRetries, pe.Reason))
			}
			return finish(schemas.RunFatal, fmt.Sprintf("inference backend unavailable: %v", err))
		}
		observation = ""

		desc, err := c.registry.Lookup(step.Tool)
		if err != nil {
			// The proposer validates against the same registry, so this
			// is a programming error rather than a model mistake.
			return finish(schemas.RunFatal, fmt.Sprintf("proposed tool vanished from registry: %v", err))
		}

		// -- Risk assessment & confirmation --
		assessment := c.gate.Assess(step, desc, goal)
		var result schemas.ExecutionResult
		switch assessment.Outcome {
		case schemas.OutcomeDeny:
			result = rejectedResult(step)
			observation = deniedObservation

		case schemas.OutcomeRequireConfirm, schemas.OutcomeBackupThenConfirm:
			approved, err := c.gate.ResolveConfirmation(ctx, step, desc, &assessment)
			if err != nil {
				return finish(schemas.RunFatal, fmt.Sprintf("confirmation channel failed: %v", err))
			}
			if !approved {
				result = rejectedResult(step)
				observation = deniedObservation
			} else {
				result = c.executor.Execute(ctx, step, desc, assessment)
			}

		default: // auto-approve
			result = c.executor.Execute(ctx, step, desc, assessment)
		}

		// -- Recording --
		record := schemas.AuditRecord{
			RunID:      runID,
			Seq:        len(records) + 1,
			Step:       step,
			Assessment: assessment,
			Result:     result,
			RecordedAt: c.now(),
		}
		// Appends ride their own context so an interrupted step still gets
		// its record persisted.
		appendCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = c.sink.Append(appendCtx, record)
		cancel()
		if err != nil {
			return schemas.RunSummary{}, fmt.Errorf("append audit record: %w", err)
		}
		records = append(records, record)

		if !result.OK() && result.Status != schemas.StatusRejected && observation == "" {
			observation = fmt.Sprintf("the previous action failed (%s): %s", result.ErrorCode, result.Detail)
		}

		// -- Termination --
		if step.IsTerminal() && result.OK() {
			return finish(schemas.RunCompleted, "goal declared complete")
		}
		if err := ctx.Err(); err != nil {
			return finish(schemas.RunFatal, "interrupted by operator")
		}

		// -- Checkpoint --
		if c.reasoningCfg.CheckpointInterval > 0 && record.Seq%c.reasoningCfg.CheckpointInterval == 0 {
			strategy = c.engine.Reevaluate(strategy, records)
		}
	}
}

// propose retries planning errors up to the configured bound, adding the
// invalid-attempt hint on each retry.
func (c *Controller) propose(ctx context.Context, runID string, goal schemas.Goal, strategy schemas.Strategy, records []schemas.AuditRecord, observation string) (schemas.Step, error) {
	// A pending denial/failure observation stays visible across retries;
	// the invalid-attempt hint is added to it, not substituted for it.
	base := observation
	var lastErr error
	for attempt := 0; attempt <= c.reasoningCfg.PlanningRetries; attempt++ {
		step, err := c.proposer.Propose(ctx, runID, goal, strategy, records, observation)
		if err == nil {
			return step, nil
		}
		var pe *planner.PlanningError
		if !errors.As(err, &pe) {
			return schemas.Step{}, err
		}
		lastErr = err
		hint := fmt.Sprintf("previous attempt was invalid: %s", pe.Reason)
		if base == "" {
			observation = hint
		} else {
			observation = base + "\n" + hint
		}
		c.logger.Warn("Planning attempt failed",
			zap.Int("attempt", attempt+1),
			zap.String("reason", pe.Reason))
	}
	return schemas.Step{}, lastErr
}

func rejectedResult(step schemas.Step) schemas.ExecutionResult {
	return schemas.ExecutionResult{
		StepID: step.ID,
		Status: schemas.StatusRejected,
		Detail: "step was not approved for execution",
	}
}
