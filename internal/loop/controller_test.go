// File: internal/loop/controller_test.go

package loop_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xops-dev/taskpilot/api/schemas"
	"github.com/xops-dev/taskpilot/internal/config"
	"github.com/xops-dev/taskpilot/internal/loop"
	"github.com/xops-dev/taskpilot/internal/planner"
	"github.com/xops-dev/taskpilot/internal/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedProposer returns its queued responses in order. A response with a
// non-nil err is surfaced as the planning error for that call.
type scriptedProposer struct {
	responses []proposerResponse
	calls     int
	// observations records the observation string passed on each call.
	observations []string
}

type proposerResponse struct {
	step schemas.Step
	err  error
}

func (p *scriptedProposer) Propose(_ context.Context, runID string, _ schemas.Goal, _ schemas.Strategy, _ []schemas.AuditRecord, observation string) (schemas.Step, error) {
	p.observations = append(p.observations, observation)
	if p.calls >= len(p.responses) {
		return schemas.Step{}, fmt.Errorf("proposer exhausted after %d calls", p.calls)
	}
	r := p.responses[p.calls]
	p.calls++
	step := r.step
	step.RunID = runID
	return step, r.err
}

// passGate auto-approves everything at the declared tier.
type passGate struct{}

func (passGate) Assess(step schemas.Step, desc schemas.ToolDescriptor, _ schemas.Goal) schemas.RiskAssessment {
	return schemas.RiskAssessment{
		StepID:     step.ID,
		Tier:       desc.Tier,
		Outcome:    schemas.OutcomeAutoApprove,
		AssessedAt: time.Now(),
	}
}

func (passGate) ResolveConfirmation(context.Context, schemas.Step, schemas.ToolDescriptor, *schemas.RiskAssessment) (bool, error) {
	return true, nil
}

// decisionGate routes every step through confirmation and answers from a
// scripted list.
type decisionGate struct {
	answers []bool
	asked   int
}

func (g *decisionGate) Assess(step schemas.Step, desc schemas.ToolDescriptor, _ schemas.Goal) schemas.RiskAssessment {
	return schemas.RiskAssessment{
		StepID:     step.ID,
		Tier:       desc.Tier,
		Outcome:    schemas.OutcomeRequireConfirm,
		AssessedAt: time.Now(),
	}
}

func (g *decisionGate) ResolveConfirmation(_ context.Context, _ schemas.Step, _ schemas.ToolDescriptor, a *schemas.RiskAssessment) (bool, error) {
	answer := g.answers[g.asked]
	g.asked++
	a.Confirmed = answer
	return answer, nil
}

// recordingExecutor succeeds every step and remembers what it ran.
type recordingExecutor struct {
	executed []string
	results  map[string]schemas.ExecutionResult // keyed by tool, optional overrides
}

func (e *recordingExecutor) Execute(_ context.Context, step schemas.Step, _ schemas.ToolDescriptor, _ schemas.RiskAssessment) schemas.ExecutionResult {
	e.executed = append(e.executed, step.Tool)
	if r, ok := e.results[step.Tool]; ok {
		r.StepID = step.ID
		return r
	}
	return schemas.ExecutionResult{StepID: step.ID, Status: schemas.StatusSuccess, Output: "ok"}
}

// fixedEngine returns a preset strategy and counts re-evaluations.
type fixedEngine struct {
	strategy    schemas.Strategy
	reevaluated int
}

func (e *fixedEngine) Plan(context.Context, schemas.Goal) schemas.Strategy { return e.strategy }

func (e *fixedEngine) Reevaluate(current schemas.Strategy, _ []schemas.AuditRecord) schemas.Strategy {
	e.reevaluated++
	return current
}

// memorySink collects records in memory.
type memorySink struct {
	records   []schemas.AuditRecord
	summaries []schemas.RunSummary
	swept     int
	appendErr error
}

func (s *memorySink) Append(_ context.Context, rec schemas.AuditRecord) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *memorySink) RecordGoal(_ context.Context, summary schemas.RunSummary) error {
	s.summaries = append(s.summaries, summary)
	return nil
}

func (s *memorySink) Sweep(context.Context, int) (int64, error) {
	s.swept++
	return 0, nil
}

func step(tool string, args map[string]any) schemas.Step {
	return schemas.Step{
		ID:        fmt.Sprintf("step-%s", tool),
		Tool:      tool,
		Args:      args,
		CreatedAt: time.Now(),
	}
}

func newController(t *testing.T, engine *fixedEngine, proposer *scriptedProposer, gate loop.SafetyGate, exec *recordingExecutor, sink *memorySink, cleanup func()) *loop.Controller {
	t.Helper()
	rcfg := config.ReasoningConfig{CheckpointInterval: 5, PlanningRetries: 2}
	scfg := config.StoreConfig{RetentionDays: 30}
	return loop.NewController(engine, proposer, gate, exec, registry.New(zap.NewNop()), sink, rcfg, scfg, cleanup, zap.NewNop())
}

func TestRun_CompletesOnFinish(t *testing.T) {
	engine := &fixedEngine{strategy: schemas.Strategy{Kind: schemas.StrategySequential, StepBudget: 10}}
	proposer := &scriptedProposer{responses: []proposerResponse{
		{step: step("read_file", map[string]any{"path": "/tmp/a.txt"})},
		{step: step("finish", map[string]any{"summary": "done"})},
	}}
	exec := &recordingExecutor{}
	sink := &memorySink{}
	cleaned := false

	ctrl := newController(t, engine, proposer, passGate{}, exec, sink, func() { cleaned = true })
	summary, err := ctrl.Run(context.Background(), schemas.Goal{Text: "read the file"})
	require.NoError(t, err)

	assert.Equal(t, schemas.RunCompleted, summary.Class)
	assert.Equal(t, 2, summary.Steps)
	assert.Equal(t, []string{"read_file", "finish"}, exec.executed)
	assert.True(t, cleaned, "cleanup must run at end of run")
	require.Len(t, sink.records, 2)
	assert.Equal(t, 1, sink.records[0].Seq)
	assert.Equal(t, 2, sink.records[1].Seq)
	assert.Equal(t, summary.RunID, sink.records[0].RunID)
	require.Len(t, sink.summaries, 1)
	assert.Equal(t, 1, sink.swept)
}

func TestRun_BudgetExhausted(t *testing.T) {
	engine := &fixedEngine{strategy: schemas.Strategy{Kind: schemas.StrategySequential, StepBudget: 3}}
	var responses []proposerResponse
	for i := 0; i < 3; i++ {
		responses = append(responses, proposerResponse{step: step("no_op", nil)})
	}
	proposer := &scriptedProposer{responses: responses}
	exec := &recordingExecutor{}
	sink := &memorySink{}

	ctrl := newController(t, engine, proposer, passGate{}, exec, sink, nil)
	summary, err := ctrl.Run(context.Background(), schemas.Goal{Text: "spin"})
	require.NoError(t, err)

	assert.Equal(t, schemas.RunBudgetExhausted, summary.Class)
	assert.Equal(t, 3, summary.Steps)
	assert.Contains(t, summary.Reason, "budget of 3")
}

func TestRun_DeniedStepInjectsObservation(t *testing.T) {
	engine := &fixedEngine{strategy: schemas.Strategy{Kind: schemas.StrategySequential, StepBudget: 10}}
	proposer := &scriptedProposer{responses: []proposerResponse{
		{step: step("write_file", map[string]any{"path": "/tmp/a", "content": "x"})},
		{step: step("finish", map[string]any{"summary": "stopping"})},
	}}
	exec := &recordingExecutor{}
	sink := &memorySink{}
	gate := &decisionGate{answers: []bool{false, true}}

	ctrl := newController(t, engine, proposer, gate, exec, sink, nil)
	summary, err := ctrl.Run(context.Background(), schemas.Goal{Text: "write"})
	require.NoError(t, err)

	assert.Equal(t, schemas.RunCompleted, summary.Class)
	// The declined write never reached the executor.
	assert.Equal(t, []string{"finish"}, exec.executed)
	require.Len(t, sink.records, 2)
	assert.Equal(t, schemas.StatusRejected, sink.records[0].Result.Status)
	// The second proposal saw the denial observation.
	require.Len(t, proposer.observations, 2)
	assert.Contains(t, proposer.observations[1], "declined")
}

func TestRun_PlanningErrorRetriesThenFatal(t *testing.T) {
	engine := &fixedEngine{strategy: schemas.Strategy{Kind: schemas.StrategySequential, StepBudget: 10}}
	bad := &planner.PlanningError{Reason: "unparseable response"}
	proposer := &scriptedProposer{responses: []proposerResponse{
		{err: bad}, {err: bad}, {err: bad},
	}}
	sink := &memorySink{}

	ctrl := newController(t, engine, proposer, passGate{}, &recordingExecutor{}, sink, nil)
	summary, err := ctrl.Run(context.Background(), schemas.Goal{Text: "anything"})
	require.NoError(t, err)

	assert.Equal(t, schemas.RunFatal, summary.Class)
	assert.Contains(t, summary.Reason, "planning failed")
	// One initial attempt plus two retries.
	assert.Equal(t, 3, proposer.calls)
	// Retries carry the invalid-attempt hint.
	assert.Contains(t, proposer.observations[1], "previous attempt was invalid")
	assert.Contains(t, proposer.observations[2], "unparseable response")
}

func TestRun_PlanningErrorRecoversOnRetry(t *testing.T) {
	engine := &fixedEngine{strategy: schemas.Strategy{Kind: schemas.StrategySequential, StepBudget: 10}}
	proposer := &scriptedProposer{responses: []proposerResponse{
		{err: &planner.PlanningError{Reason: "bad tool name"}},
		{step: step("finish", map[string]any{"summary": "recovered"})},
	}}
	sink := &memorySink{}

	ctrl := newController(t, engine, proposer, passGate{}, &recordingExecutor{}, sink, nil)
	summary, err := ctrl.Run(context.Background(), schemas.Goal{Text: "anything"})
	require.NoError(t, err)

	assert.Equal(t, schemas.RunCompleted, summary.Class)
	assert.Equal(t, 2, proposer.calls)
}

func TestRun_PlanningRetryKeepsPendingObservation(t *testing.T) {
	engine := &fixedEngine{strategy: schemas.Strategy{Kind: schemas.StrategySequential, StepBudget: 10}}
	proposer := &scriptedProposer{responses: []proposerResponse{
		{step: step("write_file", map[string]any{"path": "/tmp/a", "content": "x"})},
		{err: &planner.PlanningError{Reason: "unparseable response"}},
		{step: step("finish", map[string]any{"summary": "done"})},
	}}
	sink := &memorySink{}
	gate := &decisionGate{answers: []bool{false, true}}

	ctrl := newController(t, engine, proposer, gate, &recordingExecutor{}, sink, nil)
	summary, err := ctrl.Run(context.Background(), schemas.Goal{Text: "write"})
	require.NoError(t, err)

	assert.Equal(t, schemas.RunCompleted, summary.Class)
	require.Len(t, proposer.observations, 3)
	// The retry after the denied step sees both the denial and the
	// invalid-attempt hint.
	assert.Contains(t, proposer.observations[1], "declined")
	assert.Contains(t, proposer.observations[2], "declined")
	assert.Contains(t, proposer.observations[2], "previous attempt was invalid")
}

func TestRun_BackendOutageIsFatalWithoutRetry(t *testing.T) {
	engine := &fixedEngine{strategy: schemas.Strategy{Kind: schemas.StrategySequential, StepBudget: 10}}
	proposer := &scriptedProposer{responses: []proposerResponse{
		{err: fmt.Errorf("connection refused")},
	}}
	sink := &memorySink{}

	ctrl := newController(t, engine, proposer, passGate{}, &recordingExecutor{}, sink, nil)
	summary, err := ctrl.Run(context.Background(), schemas.Goal{Text: "anything"})
	require.NoError(t, err)

	assert.Equal(t, schemas.RunFatal, summary.Class)
	assert.Contains(t, summary.Reason, "backend unavailable")
	assert.Equal(t, 1, proposer.calls)
}

func TestRun_FailedStepFeedsObservation(t *testing.T) {
	engine := &fixedEngine{strategy: schemas.Strategy{Kind: schemas.StrategySequential, StepBudget: 10}}
	proposer := &scriptedProposer{responses: []proposerResponse{
		{step: step("read_file", map[string]any{"path": "/nope"})},
		{step: step("finish", map[string]any{"summary": "giving up"})},
	}}
	exec := &recordingExecutor{results: map[string]schemas.ExecutionResult{
		"read_file": {Status: schemas.StatusFailure, ErrorCode: "FILE_IO_ERROR", Detail: "no such file"},
	}}
	sink := &memorySink{}

	ctrl := newController(t, engine, proposer, passGate{}, exec, sink, nil)
	summary, err := ctrl.Run(context.Background(), schemas.Goal{Text: "read"})
	require.NoError(t, err)

	assert.Equal(t, schemas.RunCompleted, summary.Class)
	require.Len(t, proposer.observations, 2)
	assert.Contains(t, proposer.observations[1], "FILE_IO_ERROR")
	assert.Contains(t, proposer.observations[1], "no such file")
}

func TestRun_CheckpointReevaluatesStrategy(t *testing.T) {
	engine := &fixedEngine{strategy: schemas.Strategy{Kind: schemas.StrategySequential, StepBudget: 12}}
	var responses []proposerResponse
	for i := 0; i < 11; i++ {
		responses = append(responses, proposerResponse{step: step("no_op", nil)})
	}
	responses = append(responses, proposerResponse{step: step("finish", map[string]any{"summary": "done"})})
	proposer := &scriptedProposer{responses: responses}
	sink := &memorySink{}

	ctrl := newController(t, engine, proposer, passGate{}, &recordingExecutor{}, sink, nil)
	summary, err := ctrl.Run(context.Background(), schemas.Goal{Text: "busy work"})
	require.NoError(t, err)

	assert.Equal(t, schemas.RunCompleted, summary.Class)
	// Checkpoints fire at seq 5 and 10.
	assert.Equal(t, 2, engine.reevaluated)
}

func TestRun_InterruptBeforePlanningIsFatal(t *testing.T) {
	engine := &fixedEngine{strategy: schemas.Strategy{Kind: schemas.StrategySequential, StepBudget: 10}}
	proposer := &scriptedProposer{}
	sink := &memorySink{}
	cleaned := false

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ctrl := newController(t, engine, proposer, passGate{}, &recordingExecutor{}, sink, func() { cleaned = true })
	summary, err := ctrl.Run(ctx, schemas.Goal{Text: "anything"})
	require.NoError(t, err)

	assert.Equal(t, schemas.RunFatal, summary.Class)
	assert.Contains(t, summary.Reason, "interrupted")
	assert.Zero(t, proposer.calls)
	assert.True(t, cleaned)
}

func TestRun_AppendFailureIsInfrastructureError(t *testing.T) {
	engine := &fixedEngine{strategy: schemas.Strategy{Kind: schemas.StrategySequential, StepBudget: 10}}
	proposer := &scriptedProposer{responses: []proposerResponse{
		{step: step("no_op", nil)},
	}}
	sink := &memorySink{appendErr: fmt.Errorf("disk full")}

	ctrl := newController(t, engine, proposer, passGate{}, &recordingExecutor{}, sink, nil)
	_, err := ctrl.Run(context.Background(), schemas.Goal{Text: "anything"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append audit record")
}

func TestRun_FailedFinishDoesNotComplete(t *testing.T) {
	engine := &fixedEngine{strategy: schemas.Strategy{Kind: schemas.StrategySequential, StepBudget: 2}}
	proposer := &scriptedProposer{responses: []proposerResponse{
		{step: step("finish", map[string]any{"summary": "premature"})},
		{step: step("finish", map[string]any{"summary": "again"})},
	}}
	exec := &recordingExecutor{results: map[string]schemas.ExecutionResult{
		"finish": {Status: schemas.StatusFailure, ErrorCode: "EXECUTOR_PANIC", Detail: "boom"},
	}}
	sink := &memorySink{}

	ctrl := newController(t, engine, proposer, passGate{}, exec, sink, nil)
	summary, err := ctrl.Run(context.Background(), schemas.Goal{Text: "anything"})
	require.NoError(t, err)

	// A finish step that itself failed must not be treated as completion.
	assert.Equal(t, schemas.RunBudgetExhausted, summary.Class)
}
