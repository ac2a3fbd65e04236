// File: internal/safety/gate.go

// Package safety maps proposed steps to risk assessments and enforces the
// confirmation/backup policy before anything reaches the execution runner.
package safety

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xops-dev/taskpilot/api/schemas"
	"github.com/xops-dev/taskpilot/internal/config"
)

// ConfirmationChannel obtains a synchronous yes/no decision from the
// operator. A nil channel means the run is non-interactive.
type ConfirmationChannel interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// Gate derives a RiskAssessment for every proposed step and resolves the
// confirmations its policy requires.
type Gate struct {
	cfg     config.SafetyConfig
	channel ConfirmationChannel
	logger  *zap.Logger

	// sessionConsented is set after the operator grants session-wide
	// consent for confirm-tier steps. The loop is single-threaded, so no
	// lock is needed.
	sessionConsented bool

	now func() time.Time
}

// NewGate builds the gate. channel may be nil for non-interactive runs.
func NewGate(cfg config.SafetyConfig, channel ConfirmationChannel, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		cfg:     cfg,
		channel: channel,
		logger:  logger.Named("safety"),
		now:     time.Now,
	}
}

// Interactive reports whether a confirmation channel is attached.
func (g *Gate) Interactive() bool { return g.channel != nil }

// Assess maps (step, descriptor, run policy) to a RiskAssessment. Backups
// for dangerous writes are captured here, before any confirmation is
// requested; a snapshot failure escalates the outcome to deny.
func (g *Gate) Assess(step schemas.Step, desc schemas.ToolDescriptor, goal schemas.Goal) schemas.RiskAssessment {
	score, warnings := g.scoreStep(step, desc)
	tier := g.effectiveTier(desc.Tier, score)

	a := schemas.RiskAssessment{
		StepID:     step.ID,
		Tier:       tier,
		Score:      score,
		Warnings:   warnings,
		AssessedAt: g.now(),
	}

	switch {
	case tier == schemas.TierSafe:
		a.Outcome = schemas.OutcomeAutoApprove
		a.Confirmed = true

	case tier == schemas.TierDangerous && desc.Effect == schemas.EffectWrite:
		refs, err := g.snapshotTargets(step)
		if err != nil {
			a.Outcome = schemas.OutcomeDeny
			a.Warnings = append(a.Warnings, fmt.Sprintf("backup failed, step denied: %v", err))
			g.logger.Warn("Snapshot failure escalated to deny",
				zap.String("tool", step.Tool), zap.Error(err))
			return a
		}
		a.BackupRefs = refs
		if goal.NoConfirm {
			a.Outcome = schemas.OutcomeAutoApprove
			a.Confirmed = true
			a.Warnings = append(a.Warnings, "no-confirm override applied to dangerous step")
		} else if g.channel == nil {
			a.Outcome = schemas.OutcomeDeny
			a.Warnings = append(a.Warnings, "non-interactive run, dangerous step denied")
		} else {
			a.Outcome = schemas.OutcomeBackupThenConfirm
		}

	default: // confirm tier, or dangerous without a write effect
		if goal.NoConfirm {
			a.Outcome = schemas.OutcomeAutoApprove
			a.Confirmed = true
			a.Warnings = append(a.Warnings, "no-confirm override applied")
		} else if g.channel == nil {
			a.Outcome = schemas.OutcomeDeny
			a.Warnings = append(a.Warnings, "non-interactive run, step denied")
		} else {
			a.Outcome = schemas.OutcomeRequireConfirm
		}
	}

	g.logger.Debug("Step assessed",
		zap.String("tool", step.Tool),
		zap.String("tier", string(a.Tier)),
		zap.String("outcome", string(a.Outcome)),
		zap.Float64("score", a.Score))
	return a
}

// ResolveConfirmation asks the operator about a step whose assessment
// requires it and stamps the decision onto the assessment. Context
// cancellation during the prompt resolves to a denial.
func (g *Gate) ResolveConfirmation(ctx context.Context, step schemas.Step, desc schemas.ToolDescriptor, a *schemas.RiskAssessment) (bool, error) {
	if a.Outcome != schemas.OutcomeRequireConfirm && a.Outcome != schemas.OutcomeBackupThenConfirm {
		return a.Confirmed, nil
	}
	if g.channel == nil {
		return false, nil
	}

	// Session-wide consent covers confirm-tier steps only; dangerous
	// steps always prompt.
	if g.cfg.SessionConsent && g.sessionConsented && a.Tier == schemas.TierConfirm {
		a.Confirmed = true
		a.Warnings = append(a.Warnings, "approved by session consent")
		return true, nil
	}

	ok, err := g.channel.Confirm(ctx, g.buildPrompt(step, desc, a))
	if err != nil {
		if ctx.Err() != nil {
			g.logger.Info("Confirmation interrupted, treating as denial", zap.String("tool", step.Tool))
			return false, nil
		}
		return false, fmt.Errorf("confirmation channel: %w", err)
	}
	if ok && g.cfg.SessionConsent && a.Tier == schemas.TierConfirm {
		g.sessionConsented = true
	}
	a.Confirmed = ok
	return ok, nil
}

func (g *Gate) effectiveTier(static schemas.RiskTier, score float64) schemas.RiskTier {
	heuristic := schemas.TierSafe
	switch {
	case score >= g.cfg.DangerousThreshold:
		heuristic = schemas.TierDangerous
	case score >= g.cfg.ConfirmThreshold:
		heuristic = schemas.TierConfirm
	}
	if tierRank(heuristic) > tierRank(static) {
		return heuristic
	}
	return static
}

func tierRank(t schemas.RiskTier) int {
	switch t {
	case schemas.TierConfirm:
		return 1
	case schemas.TierDangerous:
		return 2
	default:
		return 0
	}
}

// scoreStep applies the heuristic pattern lists appropriate to the tool's
// side-effect class.
func (g *Gate) scoreStep(step schemas.Step, desc schemas.ToolDescriptor) (float64, []string) {
	var score float64
	var warnings []string

	if desc.Effect == schemas.EffectProcessSpawn {
		if cmd, ok := step.Args["command"].(string); ok {
			s, w := scoreCommand(cmd)
			score += s
			warnings = append(warnings, w...)
		}
	}
	if desc.Effect == schemas.EffectWrite {
		for _, path := range writeTargets(step) {
			s, w := scoreFilePath(path)
			score += s
			warnings = append(warnings, w...)
		}
	}
	return score, warnings
}

// snapshotTargets backs up every existing file the step would touch.
func (g *Gate) snapshotTargets(step schemas.Step) ([]string, error) {
	var refs []string
	for _, path := range writeTargets(step) {
		ref, err := createBackup(path, g.cfg.BackupDir, g.now())
		if err != nil {
			return nil, err
		}
		if ref != "" {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

// writeTargets extracts the file paths a write-class step touches.
func writeTargets(step schemas.Step) []string {
	var out []string
	for _, key := range []string{"path", "src", "dst"} {
		if p, ok := step.Args[key].(string); ok && p != "" {
			out = append(out, p)
		}
	}
	return out
}

// buildPrompt renders the operator-facing confirmation text, including a
// compact change preview for file modifications.
func (g *Gate) buildPrompt(step schemas.Step, desc schemas.ToolDescriptor, a *schemas.RiskAssessment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "About to run %s (%s tier)", step.Tool, a.Tier)
	if step.Thought != "" {
		fmt.Fprintf(&b, "\n  rationale: %s", step.Thought)
	}
	for _, key := range []string{"path", "src", "dst", "command", "url", "name"} {
		if v, ok := step.Args[key].(string); ok && v != "" {
			fmt.Fprintf(&b, "\n  %s: %s", key, v)
		}
	}
	if preview := changePreview(step); preview != "" {
		fmt.Fprintf(&b, "\n  %s", preview)
	}
	for _, w := range a.Warnings {
		fmt.Fprintf(&b, "\n  warning: %s", w)
	}
	return b.String()
}

// changePreview summarizes the size of a pending file modification.
func changePreview(step schemas.Step) string {
	content, ok := step.Args["content"].(string)
	if !ok {
		return ""
	}
	path, _ := step.Args["path"].(string)
	newLines := strings.Count(content, "\n") + 1
	if data, err := os.ReadFile(path); err == nil {
		oldLines := strings.Count(string(data), "\n") + 1
		return fmt.Sprintf("change: %d -> %d lines", oldLines, newLines)
	}
	return fmt.Sprintf("new file: %d lines", newLines)
}
