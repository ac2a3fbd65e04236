// File: internal/runner/runner_test.go
package runner_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xops-dev/taskpilot/api/schemas"
	"github.com/xops-dev/taskpilot/internal/config"
	"github.com/xops-dev/taskpilot/internal/runner"
)

func testRunnerConfig() config.RunnerConfig {
	return config.RunnerConfig{
		CommandTimeout: 2 * time.Second,
		StopGrace:      500 * time.Millisecond,
	}
}

func newTestRunner(t *testing.T) *runner.Runner {
	t.Helper()
	procs := runner.NewProcessRegistry(500*time.Millisecond, zap.NewNop())
	t.Cleanup(procs.StopAll)
	return runner.New(testRunnerConfig(), 4096, procs, nil, nil, zap.NewNop())
}

func step(tool string, args map[string]any) schemas.Step {
	return schemas.Step{ID: "s1", RunID: "r1", Tool: tool, Args: args}
}

func desc(tool string, effect schemas.SideEffectClass) schemas.ToolDescriptor {
	return schemas.ToolDescriptor{Name: tool, Effect: effect}
}

func exec(t *testing.T, r *runner.Runner, s schemas.Step, effect schemas.SideEffectClass) schemas.ExecutionResult {
	t.Helper()
	return r.Execute(context.Background(), s, desc(s.Tool, effect), schemas.RiskAssessment{})
}

func TestExecute_FileRoundTrip(t *testing.T) {
	r := newTestRunner(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "notes.txt")

	res := exec(t, r, step("write_file", map[string]any{"path": path, "content": "hello\n"}), schemas.EffectWrite)
	require.Equal(t, schemas.StatusSuccess, res.Status, res.Detail)

	res = exec(t, r, step("append_file", map[string]any{"path": path, "content": "world\n"}), schemas.EffectWrite)
	require.Equal(t, schemas.StatusSuccess, res.Status)

	res = exec(t, r, step("read_file", map[string]any{"path": path}), schemas.EffectRead)
	require.Equal(t, schemas.StatusSuccess, res.Status)
	assert.Equal(t, "hello\nworld\n", res.Output)

	res = exec(t, r, step("list_directory", map[string]any{"path": filepath.Dir(path)}), schemas.EffectRead)
	require.Equal(t, schemas.StatusSuccess, res.Status)
	assert.Contains(t, res.Output, "notes.txt")

	res = exec(t, r, step("delete_file", map[string]any{"path": path}), schemas.EffectWrite)
	require.Equal(t, schemas.StatusSuccess, res.Status)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestExecute_ReadMissingFileFails(t *testing.T) {
	r := newTestRunner(t)
	res := exec(t, r, step("read_file", map[string]any{"path": filepath.Join(t.TempDir(), "absent")}), schemas.EffectRead)

	assert.Equal(t, schemas.StatusFailure, res.Status)
	assert.Equal(t, runner.CodeFileIO, res.ErrorCode)
	assert.NotEmpty(t, res.Detail)
	assert.NotZero(t, res.Duration)
}

func TestExecute_MissingArgument(t *testing.T) {
	r := newTestRunner(t)
	res := exec(t, r, step("read_file", nil), schemas.EffectRead)
	assert.Equal(t, schemas.StatusFailure, res.Status)
	assert.Equal(t, runner.CodeBadArgument, res.ErrorCode)
}

func TestExecute_RunCommand(t *testing.T) {
	r := newTestRunner(t)

	t.Run("success captures output", func(t *testing.T) {
		res := exec(t, r, step("run_command", map[string]any{"command": "echo hello"}), schemas.EffectProcessSpawn)
		require.Equal(t, schemas.StatusSuccess, res.Status)
		assert.Equal(t, "hello\n", res.Output)
	})

	t.Run("nonzero exit is a failure with output", func(t *testing.T) {
		res := exec(t, r, step("run_command", map[string]any{"command": "echo oops >&2; exit 3"}), schemas.EffectProcessSpawn)
		assert.Equal(t, schemas.StatusFailure, res.Status)
		assert.Equal(t, runner.CodeCommandFailed, res.ErrorCode)
		assert.Contains(t, res.Output, "oops")
	})

	t.Run("timeout kills and reports timeout status", func(t *testing.T) {
		procs := runner.NewProcessRegistry(100*time.Millisecond, zap.NewNop())
		fast := runner.New(config.RunnerConfig{CommandTimeout: 200 * time.Millisecond}, 4096, procs, nil, nil, zap.NewNop())

		res := fast.Execute(context.Background(),
			step("run_command", map[string]any{"command": "sleep 5"}),
			desc("run_command", schemas.EffectProcessSpawn), schemas.RiskAssessment{})
		assert.Equal(t, schemas.StatusTimeout, res.Status)
		assert.Equal(t, runner.CodeTimeout, res.ErrorCode)
	})

	t.Run("interrupt still yields a result", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(100 * time.Millisecond)
			cancel()
		}()
		res := r.Execute(ctx, step("run_command", map[string]any{"command": "sleep 5"}),
			desc("run_command", schemas.EffectProcessSpawn), schemas.RiskAssessment{})
		assert.Equal(t, schemas.StatusFailure, res.Status)
		assert.Equal(t, runner.CodeInterrupted, res.ErrorCode)
	})
}

func TestExecute_ServerLifecycle(t *testing.T) {
	r := newTestRunner(t)

	res := exec(t, r, step("start_server", map[string]any{"name": "svc", "command": "sleep 30"}), schemas.EffectProcessSpawn)
	require.Equal(t, schemas.StatusSuccess, res.Status, res.Detail)
	assert.Contains(t, res.Output, "started svc")

	res = exec(t, r, step("server_status", map[string]any{"name": "svc"}), schemas.EffectRead)
	require.Equal(t, schemas.StatusSuccess, res.Status)
	assert.Contains(t, res.Output, "running")

	res = exec(t, r, step("list_servers", nil), schemas.EffectRead)
	require.Equal(t, schemas.StatusSuccess, res.Status)
	assert.Contains(t, res.Output, "svc")

	// Second start on the occupied key fails fast.
	res = exec(t, r, step("start_server", map[string]any{"name": "svc", "command": "sleep 30"}), schemas.EffectProcessSpawn)
	assert.Equal(t, schemas.StatusFailure, res.Status)
	assert.Equal(t, runner.CodeResourceConflict, res.ErrorCode)

	res = exec(t, r, step("stop_server", map[string]any{"name": "svc"}), schemas.EffectProcessSpawn)
	require.Equal(t, schemas.StatusSuccess, res.Status)

	res = exec(t, r, step("server_status", map[string]any{"name": "svc"}), schemas.EffectRead)
	assert.Equal(t, schemas.StatusFailure, res.Status)
	assert.Equal(t, runner.CodeProcessNotFound, res.ErrorCode)
}

func TestExecute_StopIgnoringSigterm(t *testing.T) {
	r := newTestRunner(t)

	res := exec(t, r, step("start_server", map[string]any{
		"name":    "stubborn",
		"command": "trap '' TERM; sleep 30",
	}), schemas.EffectProcessSpawn)
	require.Equal(t, schemas.StatusSuccess, res.Status, res.Detail)

	start := time.Now()
	res = exec(t, r, step("stop_server", map[string]any{"name": "stubborn"}), schemas.EffectProcessSpawn)
	require.Equal(t, schemas.StatusSuccess, res.Status, res.Detail)
	assert.Less(t, time.Since(start), 5*time.Second, "kill escalation must not hang")
}

func TestExecute_FetchURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("page body"))
	}))
	defer server.Close()

	r := newTestRunner(t)
	res := exec(t, r, step("fetch_url", map[string]any{"url": server.URL}), schemas.EffectNetwork)
	require.Equal(t, schemas.StatusSuccess, res.Status, res.Detail)
	assert.Equal(t, "page body", res.Output)
}

func TestExecute_FetchURLErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	r := newTestRunner(t)
	res := exec(t, r, step("fetch_url", map[string]any{"url": server.URL}), schemas.EffectNetwork)
	assert.Equal(t, schemas.StatusFailure, res.Status)
	assert.Equal(t, runner.CodeNetwork, res.ErrorCode)
}

func TestExecute_OutputTruncation(t *testing.T) {
	procs := runner.NewProcessRegistry(time.Second, zap.NewNop())
	r := runner.New(testRunnerConfig(), 64, procs, nil, nil, zap.NewNop())

	res := r.Execute(context.Background(),
		step("run_command", map[string]any{"command": "yes x | head -n 200"}),
		desc("run_command", schemas.EffectProcessSpawn), schemas.RiskAssessment{})
	require.Equal(t, schemas.StatusSuccess, res.Status, res.Detail)
	assert.LessOrEqual(t, len(res.Output), 64+len("\n... [output truncated]"))
	assert.True(t, strings.HasSuffix(res.Output, "[output truncated]"))
}

func TestExecute_TruncationKeepsRuneBoundary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "multibyte.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("é", 40)), 0o644))

	// An odd byte limit lands inside one of the two-byte runes; the cut
	// must back off instead of emitting a broken sequence.
	procs := runner.NewProcessRegistry(time.Second, zap.NewNop())
	r := runner.New(testRunnerConfig(), 63, procs, nil, nil, zap.NewNop())

	res := r.Execute(context.Background(),
		step("read_file", map[string]any{"path": path}),
		desc("read_file", schemas.EffectRead), schemas.RiskAssessment{})
	require.Equal(t, schemas.StatusSuccess, res.Status, res.Detail)
	require.True(t, strings.HasSuffix(res.Output, "[output truncated]"))
	kept := strings.TrimSuffix(res.Output, "\n... [output truncated]")
	assert.LessOrEqual(t, len(kept), 63)
	assert.True(t, utf8.ValidString(kept), "truncated output must remain valid UTF-8")
}

func TestExecute_PanicRecovered(t *testing.T) {
	// A runner without a process registry panics on list_servers; the
	// panic must be converted into a failure result.
	r := runner.New(testRunnerConfig(), 4096, nil, nil, nil, zap.NewNop())

	res := exec(t, r, step("list_servers", nil), schemas.EffectRead)
	assert.Equal(t, schemas.StatusFailure, res.Status)
	assert.Equal(t, runner.CodePanic, res.ErrorCode)
	assert.Contains(t, res.Detail, "panic")
}

func TestExecute_UnknownTool(t *testing.T) {
	r := newTestRunner(t)
	res := exec(t, r, step("frobnicate", nil), schemas.EffectRead)
	assert.Equal(t, schemas.StatusFailure, res.Status)
	assert.Equal(t, runner.CodeToolNotFound, res.ErrorCode)
}

func TestExecute_WriteFaultReportsFailure(t *testing.T) {
	r := newTestRunner(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "data.txt")
	backup := target + ".backup_20260101_000000"
	require.NoError(t, os.WriteFile(backup, []byte("original"), 0o644))

	// Writing over a path that is actually a directory faults inside the
	// write; the runner reports failure instead of raising.
	require.NoError(t, os.Mkdir(target, 0o755))

	res := r.Execute(context.Background(),
		step("write_file", map[string]any{"path": target, "content": "new"}),
		desc("write_file", schemas.EffectWrite),
		schemas.RiskAssessment{BackupRefs: []string{backup}})
	assert.Equal(t, schemas.StatusFailure, res.Status)
	assert.Equal(t, runner.CodeFileIO, res.ErrorCode)
}
