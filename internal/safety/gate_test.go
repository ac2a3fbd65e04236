// File: internal/safety/gate_test.go
package safety_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xops-dev/taskpilot/api/schemas"
	"github.com/xops-dev/taskpilot/internal/config"
	"github.com/xops-dev/taskpilot/internal/safety"
)

type scriptedChannel struct {
	answers []bool
	err     error
	prompts []string
}

func (c *scriptedChannel) Confirm(ctx context.Context, prompt string) (bool, error) {
	c.prompts = append(c.prompts, prompt)
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if c.err != nil {
		return false, c.err
	}
	if len(c.answers) == 0 {
		return false, errors.New("no scripted answer left")
	}
	ans := c.answers[0]
	c.answers = c.answers[1:]
	return ans, nil
}

func testSafetyConfig() config.SafetyConfig {
	return config.SafetyConfig{
		OutputLimit:        4096,
		ConfirmThreshold:   0.3,
		DangerousThreshold: 0.5,
	}
}

func newGate(t *testing.T, cfg config.SafetyConfig, ch safety.ConfirmationChannel) *safety.Gate {
	t.Helper()
	return safety.NewGate(cfg, ch, zap.NewNop())
}

func readDesc(name string) schemas.ToolDescriptor {
	return schemas.ToolDescriptor{Name: name, Tier: schemas.TierSafe, Effect: schemas.EffectRead}
}

func writeDesc(name string, tier schemas.RiskTier) schemas.ToolDescriptor {
	return schemas.ToolDescriptor{Name: name, Tier: tier, Effect: schemas.EffectWrite}
}

var shellDesc = schemas.ToolDescriptor{
	Name: "run_command", Tier: schemas.TierConfirm, Effect: schemas.EffectProcessSpawn,
}

func TestAssess_PolicyTable(t *testing.T) {
	interactive := &scriptedChannel{}
	notes := filepath.Join(t.TempDir(), "notes.txt")

	testCases := []struct {
		name    string
		gate    *safety.Gate
		step    schemas.Step
		desc    schemas.ToolDescriptor
		goal    schemas.Goal
		outcome schemas.AssessmentOutcome
	}{
		{
			name:    "safe auto-approves unconditionally",
			gate:    newGate(t, testSafetyConfig(), nil),
			step:    schemas.Step{Tool: "read_file", Args: map[string]any{"path": notes}},
			desc:    readDesc("read_file"),
			outcome: schemas.OutcomeAutoApprove,
		},
		{
			name:    "confirm tier asks when interactive",
			gate:    newGate(t, testSafetyConfig(), interactive),
			step:    schemas.Step{Tool: "write_file", Args: map[string]any{"path": notes, "content": "x"}},
			desc:    writeDesc("write_file", schemas.TierConfirm),
			outcome: schemas.OutcomeRequireConfirm,
		},
		{
			name:    "no-confirm override approves confirm tier",
			gate:    newGate(t, testSafetyConfig(), interactive),
			step:    schemas.Step{Tool: "write_file", Args: map[string]any{"path": notes, "content": "x"}},
			desc:    writeDesc("write_file", schemas.TierConfirm),
			goal:    schemas.Goal{NoConfirm: true},
			outcome: schemas.OutcomeAutoApprove,
		},
		{
			name:    "non-interactive denies above safe",
			gate:    newGate(t, testSafetyConfig(), nil),
			step:    schemas.Step{Tool: "run_command", Args: map[string]any{"command": "ls"}},
			desc:    shellDesc,
			outcome: schemas.OutcomeDeny,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a := tc.gate.Assess(tc.step, tc.desc, tc.goal)
			assert.Equal(t, tc.outcome, a.Outcome)
			if tc.goal.NoConfirm && tc.outcome == schemas.OutcomeAutoApprove && tc.desc.Tier != schemas.TierSafe {
				require.NotEmpty(t, a.Warnings)
				assert.Contains(t, a.Warnings[len(a.Warnings)-1], "no-confirm override")
			}
		})
	}
}

func TestAssess_DangerousWriteCapturesBackup(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "data.txt")
	require.NoError(t, os.WriteFile(target, []byte("original\n"), 0o644))

	gate := newGate(t, testSafetyConfig(), &scriptedChannel{})
	step := schemas.Step{Tool: "delete_file", Args: map[string]any{"path": target}}
	a := gate.Assess(step, writeDesc("delete_file", schemas.TierDangerous), schemas.Goal{})

	assert.Equal(t, schemas.OutcomeBackupThenConfirm, a.Outcome)
	require.Len(t, a.BackupRefs, 1)
	assert.Contains(t, a.BackupRefs[0], ".backup_")

	data, err := os.ReadFile(a.BackupRefs[0])
	require.NoError(t, err)
	assert.Equal(t, "original\n", string(data))
}

func TestAssess_SnapshotFailureDenies(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "data.txt")
	require.NoError(t, os.WriteFile(target, []byte("original\n"), 0o644))

	cfg := testSafetyConfig()
	cfg.BackupDir = filepath.Join(dir, "missing", "backups") // cannot be created

	gate := newGate(t, cfg, &scriptedChannel{})
	step := schemas.Step{Tool: "delete_file", Args: map[string]any{"path": target}}
	a := gate.Assess(step, writeDesc("delete_file", schemas.TierDangerous), schemas.Goal{})

	assert.Equal(t, schemas.OutcomeDeny, a.Outcome)
	require.NotEmpty(t, a.Warnings)
	assert.Contains(t, a.Warnings[len(a.Warnings)-1], "backup failed")
}

func TestAssess_HeuristicEscalation(t *testing.T) {
	gate := newGate(t, testSafetyConfig(), &scriptedChannel{})

	step := schemas.Step{Tool: "run_command", Args: map[string]any{
		"command": "sudo rm -rf /etc/nginx",
	}}
	a := gate.Assess(step, shellDesc, schemas.Goal{})

	assert.Equal(t, schemas.TierDangerous, a.Tier)
	assert.Greater(t, a.Score, 0.5)
	assert.NotEmpty(t, a.Warnings)
	// Dangerous without a write effect still goes through plain confirmation.
	assert.Equal(t, schemas.OutcomeRequireConfirm, a.Outcome)
}

func TestAssess_BenignCommandKeepsStaticTier(t *testing.T) {
	gate := newGate(t, testSafetyConfig(), &scriptedChannel{})
	step := schemas.Step{Tool: "run_command", Args: map[string]any{"command": "go version"}}
	a := gate.Assess(step, shellDesc, schemas.Goal{})

	assert.Equal(t, schemas.TierConfirm, a.Tier)
	assert.Zero(t, a.Score)
}

func TestResolveConfirmation(t *testing.T) {
	t.Run("approval", func(t *testing.T) {
		ch := &scriptedChannel{answers: []bool{true}}
		gate := newGate(t, testSafetyConfig(), ch)
		a := &schemas.RiskAssessment{Tier: schemas.TierConfirm, Outcome: schemas.OutcomeRequireConfirm}

		ok, err := gate.ResolveConfirmation(context.Background(),
			schemas.Step{Tool: "write_file", Args: map[string]any{"path": "x", "content": "y"}},
			writeDesc("write_file", schemas.TierConfirm), a)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, a.Confirmed)
		require.Len(t, ch.prompts, 1)
		assert.True(t, strings.Contains(ch.prompts[0], "write_file"))
	})

	t.Run("denial", func(t *testing.T) {
		ch := &scriptedChannel{answers: []bool{false}}
		gate := newGate(t, testSafetyConfig(), ch)
		a := &schemas.RiskAssessment{Tier: schemas.TierConfirm, Outcome: schemas.OutcomeRequireConfirm}

		ok, err := gate.ResolveConfirmation(context.Background(), schemas.Step{Tool: "write_file"},
			writeDesc("write_file", schemas.TierConfirm), a)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.False(t, a.Confirmed)
	})

	t.Run("interrupt resolves to denial", func(t *testing.T) {
		ch := &scriptedChannel{}
		gate := newGate(t, testSafetyConfig(), ch)
		a := &schemas.RiskAssessment{Tier: schemas.TierConfirm, Outcome: schemas.OutcomeRequireConfirm}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		ok, err := gate.ResolveConfirmation(ctx, schemas.Step{Tool: "write_file"},
			writeDesc("write_file", schemas.TierConfirm), a)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("auto-approved outcome skips the channel", func(t *testing.T) {
		ch := &scriptedChannel{}
		gate := newGate(t, testSafetyConfig(), ch)
		a := &schemas.RiskAssessment{Outcome: schemas.OutcomeAutoApprove, Confirmed: true}

		ok, err := gate.ResolveConfirmation(context.Background(), schemas.Step{Tool: "read_file"},
			readDesc("read_file"), a)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Empty(t, ch.prompts)
	})
}

func TestResolveConfirmation_SessionConsent(t *testing.T) {
	cfg := testSafetyConfig()
	cfg.SessionConsent = true
	ch := &scriptedChannel{answers: []bool{true}}
	gate := newGate(t, cfg, ch)

	step := schemas.Step{Tool: "write_file", Args: map[string]any{"path": "x", "content": "y"}}
	desc := writeDesc("write_file", schemas.TierConfirm)

	first := &schemas.RiskAssessment{Tier: schemas.TierConfirm, Outcome: schemas.OutcomeRequireConfirm}
	ok, err := gate.ResolveConfirmation(context.Background(), step, desc, first)
	require.NoError(t, err)
	require.True(t, ok)

	// Second confirm-tier step is covered by the session consent; the
	// channel must not be asked again.
	second := &schemas.RiskAssessment{Tier: schemas.TierConfirm, Outcome: schemas.OutcomeRequireConfirm}
	ok, err = gate.ResolveConfirmation(context.Background(), step, desc, second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, ch.prompts, 1)
	assert.Contains(t, second.Warnings, "approved by session consent")

	// Dangerous steps always prompt regardless of session consent.
	ch.answers = []bool{false}
	dangerous := &schemas.RiskAssessment{Tier: schemas.TierDangerous, Outcome: schemas.OutcomeBackupThenConfirm}
	ok, err = gate.ResolveConfirmation(context.Background(), step, writeDesc("delete_file", schemas.TierDangerous), dangerous)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, ch.prompts, 2)
}

func TestRestoreBackup(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "data.txt")
	backup := filepath.Join(dir, "data.txt.backup_20260101_000000")
	require.NoError(t, os.WriteFile(target, []byte("corrupted"), 0o644))
	require.NoError(t, os.WriteFile(backup, []byte("pristine"), 0o644))

	require.NoError(t, safety.RestoreBackup(backup, target))
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "pristine", string(data))
}
