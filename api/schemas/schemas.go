// File: api/schemas/schemas.go
package schemas

import (
	"time"
)

// -- Goal & Strategy Schemas --

// Goal is the operator supplied task description for a single run, along
// with the run-level constraints collected by the CLI layer. It is
// immutable once a run starts.
type Goal struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	MaxSteps    int       `json:"max_steps,omitempty"`  // 0 means "use the reasoning engine's budget"
	NoConfirm   bool      `json:"no_confirm,omitempty"` // skip confirmations; recorded as a warning on each assessment
	ModelHint   string    `json:"model_hint,omitempty"` // overrides the configured backend model
	SubmittedAt time.Time `json:"submitted_at"`
}

// StrategyKind identifies the reasoning approach selected for a run.
type StrategyKind string

const (
	StrategySequential   StrategyKind = "sequential"
	StrategyParallel     StrategyKind = "parallel-candidate"
	StrategyRecursive    StrategyKind = "recursive-decomposition"
)

// Strategy carries the selected reasoning approach together with the step
// budget derived from the complexity estimate. The budget is fixed for the
// lifetime of the run; only the Kind tag may be escalated at checkpoints.
type Strategy struct {
	Kind       StrategyKind `json:"kind"`
	StepBudget int          `json:"step_budget"`
	Complexity float64      `json:"complexity"` // the score the budget was derived from
}

// -- Step Schemas --

// Step is a single proposed tool invocation. Steps are never mutated after
// creation; a rejected or failed step is superseded by a new one.
type Step struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args,omitempty"`
	Thought   string         `json:"thought,omitempty"` // the model's free-text rationale
	CreatedAt time.Time      `json:"created_at"`
}

// IsTerminal reports whether the step signals goal completion rather than
// an action to execute.
func (s Step) IsTerminal() bool {
	return s.Tool == ToolFinish
}

// Reserved tool names understood by the loop controller itself.
const (
	ToolFinish = "finish"
	ToolNoOp   = "no_op"
)

// -- Risk Schemas --

// RiskTier is the static safety classification of a tool.
type RiskTier string

const (
	TierSafe      RiskTier = "safe"
	TierConfirm   RiskTier = "confirm"
	TierDangerous RiskTier = "dangerous"
)

// SideEffectClass declares what kind of side effect a tool produces.
type SideEffectClass string

const (
	EffectRead         SideEffectClass = "read"
	EffectWrite        SideEffectClass = "write"
	EffectProcessSpawn SideEffectClass = "process-spawn"
	EffectNetwork      SideEffectClass = "network"
)

// AssessmentOutcome is the decision produced by the safety gate for one step.
type AssessmentOutcome string

const (
	OutcomeAutoApprove       AssessmentOutcome = "auto-approve"
	OutcomeRequireConfirm    AssessmentOutcome = "require-confirmation"
	OutcomeBackupThenConfirm AssessmentOutcome = "require-backup-then-confirm"
	OutcomeDeny              AssessmentOutcome = "deny"
)

// RiskAssessment is derived from a Step, its ToolDescriptor, and the
// run-level safety policy. Exactly one assessment exists per step.
type RiskAssessment struct {
	StepID     string            `json:"step_id"`
	Tier       RiskTier          `json:"tier"`    // effective tier after heuristic escalation
	Outcome    AssessmentOutcome `json:"outcome"`
	Score      float64           `json:"score,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
	BackupRefs []string          `json:"backup_refs,omitempty"` // snapshot paths captured before confirmation
	Confirmed  bool              `json:"confirmed,omitempty"`   // operator said yes (or override applied)
	AssessedAt time.Time         `json:"assessed_at"`
}

// -- Execution Schemas --

// ExecStatus classifies the outcome of executing (or declining) a step.
type ExecStatus string

const (
	StatusSuccess  ExecStatus = "success"
	StatusFailure  ExecStatus = "failure"
	StatusTimeout  ExecStatus = "timeout"
	StatusRejected ExecStatus = "rejected"
)

// ExecutionResult is the single structured result produced for every
// assessed step. The runner never raises past its boundary; internal
// faults are captured here as StatusFailure with diagnostic detail.
type ExecutionResult struct {
	StepID    string        `json:"step_id"`
	Status    ExecStatus    `json:"status"`
	Output    string        `json:"output,omitempty"` // captured output, truncated to the configured limit
	ErrorCode string        `json:"error_code,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// OK reports whether the step executed and succeeded.
func (r ExecutionResult) OK() bool { return r.Status == StatusSuccess }

// -- Audit & Knowledge Schemas --

// AuditRecord is the immutable tuple appended to the store after every
// loop iteration. Records are never mutated or deleted.
type AuditRecord struct {
	RunID      string          `json:"run_id"`
	Seq        int             `json:"seq"` // 1-based position within the run
	Step       Step            `json:"step"`
	Assessment RiskAssessment  `json:"assessment"`
	Result     ExecutionResult `json:"result"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// KnowledgeEntry is a cross-run aggregate keyed by a normalized
// tool+argument signature, used to bias future complexity and risk scoring.
type KnowledgeEntry struct {
	Signature     string    `json:"signature"`
	Tool          string    `json:"tool"`
	SuccessCount  int       `json:"success_count"`
	FailureCount  int       `json:"failure_count"`
	AvgDurationMS int64     `json:"avg_duration_ms"`
	LastSeen      time.Time `json:"last_seen"`
}

// SuccessRate returns the observed success ratio, or 0 when unseen.
func (k KnowledgeEntry) SuccessRate() float64 {
	total := k.SuccessCount + k.FailureCount
	if total == 0 {
		return 0
	}
	return float64(k.SuccessCount) / float64(total)
}

// -- Run Outcome Schemas --

// TerminalClass classifies how a run ended.
type TerminalClass string

const (
	RunCompleted       TerminalClass = "completed"
	RunBudgetExhausted TerminalClass = "budget-exhausted"
	RunFatal           TerminalClass = "fatal"
)

// RunSummary is the final report handed back to the operator: the terminal
// classification plus the full ordered audit history of the run.
type RunSummary struct {
	RunID      string        `json:"run_id"`
	Goal       string        `json:"goal"`
	Class      TerminalClass `json:"class"`
	Reason     string        `json:"reason,omitempty"`
	Strategy   Strategy      `json:"strategy"`
	Steps      int           `json:"steps"`
	Records    []AuditRecord `json:"records"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// ProcessHandle is the ownership record for a long-lived background job
// started by a step (a dev server, typically). Handles are owned by the
// loop controller for the lifetime of the run or until explicitly stopped.
type ProcessHandle struct {
	Key       string    `json:"key"` // unique resource key, e.g. "port:5000" or a server name
	PID       int       `json:"pid"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at"`
}
