// File: internal/runner/runner.go

// Package runner performs the side effect of an approved step and always
// returns exactly one ExecutionResult. Internal faults, including panics
// inside tool code, never escape its boundary.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime/debug"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/xops-dev/taskpilot/api/schemas"
	"github.com/xops-dev/taskpilot/internal/browser"
	"github.com/xops-dev/taskpilot/internal/config"
	"github.com/xops-dev/taskpilot/internal/store"
)

// StatsSource provides the counters behind the memory_stats tool.
type StatsSource interface {
	Statistics(ctx context.Context) (store.Stats, error)
}

// Runner dispatches approved steps by side-effect class.
type Runner struct {
	cfg         config.RunnerConfig
	outputLimit int
	procs       *ProcessRegistry
	session     *browser.Session
	stats       StatsSource
	httpClient  *http.Client
	paths       *pathLocks
	logger      *zap.Logger
}

// New builds the runner. session and stats may be nil; the corresponding
// tools then fail cleanly at execution time.
func New(cfg config.RunnerConfig, outputLimit int, procs *ProcessRegistry, session *browser.Session, stats StatsSource, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:         cfg,
		outputLimit: outputLimit,
		procs:       procs,
		session:     session,
		stats:       stats,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		paths:       newPathLocks(),
		logger:      logger.Named("runner"),
	}
}

// Processes exposes the registry to the loop controller for end-of-run
// cleanup.
func (r *Runner) Processes() *ProcessRegistry { return r.procs }

// Execute performs the side effect for an approved step. The returned
// result is always populated; the method never panics past its boundary.
func (r *Runner) Execute(ctx context.Context, step schemas.Step, desc schemas.ToolDescriptor, assessment schemas.RiskAssessment) (res schemas.ExecutionResult) {
	start := time.Now()
	res.StepID = step.ID

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Tool execution panicked",
				zap.String("tool", step.Tool),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			res.Status = schemas.StatusFailure
			res.ErrorCode = CodePanic
			res.Detail = fmt.Sprintf("panic: %v", p)
		}
		res.Duration = time.Since(start)
		res.Output = r.truncate(res.Output)
		res.Detail = r.truncate(res.Detail)
	}()

	output, code, err := r.dispatch(ctx, step, desc, assessment)
	if err != nil {
		res.Status = schemas.StatusFailure
		if code == CodeTimeout {
			res.Status = schemas.StatusTimeout
		}
		res.ErrorCode = code
		res.Detail = err.Error()
		res.Output = output
		r.logger.Warn("Step failed",
			zap.String("tool", step.Tool),
			zap.String("error_code", code),
			zap.Error(err))
		return res
	}

	res.Status = schemas.StatusSuccess
	res.Output = output
	return res
}

func (r *Runner) dispatch(ctx context.Context, step schemas.Step, desc schemas.ToolDescriptor, assessment schemas.RiskAssessment) (string, string, error) {
	switch desc.Effect {
	case schemas.EffectNetwork:
		return r.runNetwork(ctx, step)
	case schemas.EffectProcessSpawn:
		return r.runProcess(ctx, step)
	default:
		return r.runFileOrMeta(ctx, step, assessment)
	}
}

// -- read/write/meta dispatch --

func (r *Runner) runFileOrMeta(ctx context.Context, step schemas.Step, assessment schemas.RiskAssessment) (string, string, error) {
	args := stepArgs{step}
	switch step.Tool {
	case schemas.ToolFinish:
		return args.optString("summary"), "", nil
	case schemas.ToolNoOp:
		return args.optString("reason"), "", nil

	case "read_file":
		path, err := args.str("path")
		if err != nil {
			return "", CodeBadArgument, err
		}
		out, err := readFile(path)
		return out, codeIf(err, CodeFileIO), err

	case "list_directory":
		path, err := args.str("path")
		if err != nil {
			return "", CodeBadArgument, err
		}
		out, err := listDirectory(path)
		return out, codeIf(err, CodeFileIO), err

	case "find_files":
		pattern, err := args.str("pattern")
		if err != nil {
			return "", CodeBadArgument, err
		}
		out, err := findFiles(pattern, args.optString("root"))
		return out, codeIf(err, CodeFileIO), err

	case "search_in_files":
		query, err := args.str("query")
		if err != nil {
			return "", CodeBadArgument, err
		}
		out, err := searchInFiles(query, args.optString("root"))
		return out, codeIf(err, CodeFileIO), err

	case "file_info":
		path, err := args.str("path")
		if err != nil {
			return "", CodeBadArgument, err
		}
		out, err := fileInfo(path)
		return out, codeIf(err, CodeFileIO), err

	case "working_directory":
		wd, err := os.Getwd()
		return wd, codeIf(err, CodeFileIO), err

	case "check_port":
		port, err := args.integer("port")
		if err != nil {
			return "", CodeBadArgument, err
		}
		addr := fmt.Sprintf("localhost:%d", port)
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err != nil {
			return fmt.Sprintf("port %d is not accepting connections", port), "", nil
		}
		conn.Close()
		return fmt.Sprintf("port %d is open", port), "", nil

	case "list_servers":
		handles := r.procs.List()
		if len(handles) == 0 {
			return "no tracked processes", "", nil
		}
		out := ""
		for _, h := range handles {
			out += fmt.Sprintf("%s\tpid=%d\t%s\n", h.Key, h.PID, h.Command)
		}
		return out, "", nil

	case "server_status":
		name, err := args.str("name")
		if err != nil {
			return "", CodeBadArgument, err
		}
		handle, alive, err := r.procs.Alive(name)
		if err != nil {
			return "", CodeProcessNotFound, err
		}
		state := "exited"
		if alive {
			state = "running"
		}
		return fmt.Sprintf("%s (pid %d) is %s", handle.Key, handle.PID, state), "", nil

	case "memory_stats":
		if r.stats == nil {
			return "", CodeFileIO, errors.New("knowledge store is not available")
		}
		st, err := r.stats.Statistics(ctx)
		if err != nil {
			return "", CodeFileIO, err
		}
		return fmt.Sprintf("audit_records=%d signatures=%d goals=%d success_rate=%.2f",
			st.AuditRecords, st.Signatures, st.Goals, st.SuccessRate), "", nil

	case "write_file":
		path, err := args.str("path")
		if err != nil {
			return "", CodeBadArgument, err
		}
		content, err := args.str("content")
		if err != nil {
			return "", CodeBadArgument, err
		}
		out, err := r.writeFile(path, content, assessment.BackupRefs)
		return out, codeIf(err, CodeFileIO), err

	case "append_file":
		path, err := args.str("path")
		if err != nil {
			return "", CodeBadArgument, err
		}
		content, err := args.str("content")
		if err != nil {
			return "", CodeBadArgument, err
		}
		out, err := r.appendFile(path, content, assessment.BackupRefs)
		return out, codeIf(err, CodeFileIO), err

	case "create_directory":
		path, err := args.str("path")
		if err != nil {
			return "", CodeBadArgument, err
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return "", CodeFileIO, fmt.Errorf("create directory %s: %w", path, err)
		}
		return "created " + path, "", nil

	case "copy_file":
		src, err := args.str("src")
		if err != nil {
			return "", CodeBadArgument, err
		}
		dst, err := args.str("dst")
		if err != nil {
			return "", CodeBadArgument, err
		}
		unlock := r.paths.lock(dst)
		out, err := copyFile(src, dst)
		unlock()
		return out, codeIf(err, CodeFileIO), err

	case "move_file":
		src, err := args.str("src")
		if err != nil {
			return "", CodeBadArgument, err
		}
		dst, err := args.str("dst")
		if err != nil {
			return "", CodeBadArgument, err
		}
		unlock := r.paths.lock(dst)
		err = os.Rename(src, dst)
		unlock()
		if err != nil {
			return "", CodeFileIO, fmt.Errorf("move %s to %s: %w", src, dst, err)
		}
		return fmt.Sprintf("moved %s to %s", src, dst), "", nil

	case "delete_file":
		path, err := args.str("path")
		if err != nil {
			return "", CodeBadArgument, err
		}
		unlock := r.paths.lock(path)
		err = os.Remove(path)
		unlock()
		if err != nil {
			return "", CodeFileIO, fmt.Errorf("delete %s: %w", path, err)
		}
		return "deleted " + path, "", nil
	}
	return "", CodeToolNotFound, fmt.Errorf("no executor for tool %q", step.Tool)
}

// -- process-spawn dispatch --

func (r *Runner) runProcess(ctx context.Context, step schemas.Step) (string, string, error) {
	args := stepArgs{step}
	switch step.Tool {
	case "run_command":
		command, err := args.str("command")
		if err != nil {
			return "", CodeBadArgument, err
		}
		return r.runCommand(ctx, command)

	case "start_server":
		name, err := args.str("name")
		if err != nil {
			return "", CodeBadArgument, err
		}
		command, err := args.str("command")
		if err != nil {
			return "", CodeBadArgument, err
		}
		handle, err := r.procs.Start(name, command)
		if err != nil {
			var conflict *ErrResourceConflict
			if errors.As(err, &conflict) {
				return "", CodeResourceConflict, err
			}
			return "", CodeCommandFailed, err
		}
		return fmt.Sprintf("started %s (pid %d)", handle.Key, handle.PID), "", nil

	case "stop_server":
		name, err := args.str("name")
		if err != nil {
			return "", CodeBadArgument, err
		}
		if err := r.procs.Stop(name); err != nil {
			return "", CodeProcessNotFound, err
		}
		return "stopped " + name, "", nil
	}
	return "", CodeToolNotFound, fmt.Errorf("no executor for tool %q", step.Tool)
}

// runCommand executes a bounded shell command and captures its combined
// output. Exceeding the class timeout kills the process and reports a
// timeout status.
func (r *Runner) runCommand(ctx context.Context, command string) (string, string, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	output, err := cmd.CombinedOutput()

	if cmdCtx.Err() == context.DeadlineExceeded {
		return string(output), CodeTimeout,
			fmt.Errorf("command exceeded %s timeout", r.cfg.CommandTimeout)
	}
	if ctx.Err() != nil {
		return string(output), CodeInterrupted, fmt.Errorf("command interrupted: %w", ctx.Err())
	}
	if err != nil {
		return string(output), CodeCommandFailed, fmt.Errorf("command failed: %w", err)
	}
	return string(output), "", nil
}

// -- network dispatch --

// runNetwork holds the exclusive browser session for the duration of a
// browser step; release happens on every exit path including panics.
func (r *Runner) runNetwork(ctx context.Context, step schemas.Step) (string, string, error) {
	args := stepArgs{step}

	if step.Tool == "fetch_url" {
		url, err := args.str("url")
		if err != nil {
			return "", CodeBadArgument, err
		}
		return r.fetchURL(ctx, url)
	}

	if r.session == nil {
		return "", CodeBrowser, errors.New("browser session is not available")
	}
	if err := r.session.Acquire(ctx); err != nil {
		return "", CodeBrowser, err
	}
	defer r.session.Release()

	switch step.Tool {
	case "browse_navigate":
		url, err := args.str("url")
		if err != nil {
			return "", CodeBadArgument, err
		}
		if err := r.session.Navigate(ctx, url); err != nil {
			return "", CodeBrowser, err
		}
		return "navigated to " + url, "", nil

	case "browse_click":
		sel, err := args.str("selector")
		if err != nil {
			return "", CodeBadArgument, err
		}
		if err := r.session.Click(ctx, sel); err != nil {
			return "", CodeBrowser, err
		}
		return "clicked " + sel, "", nil

	case "browse_type":
		sel, err := args.str("selector")
		if err != nil {
			return "", CodeBadArgument, err
		}
		text, err := args.str("text")
		if err != nil {
			return "", CodeBadArgument, err
		}
		if err := r.session.Type(ctx, sel, text); err != nil {
			return "", CodeBrowser, err
		}
		return "typed into " + sel, "", nil

	case "browse_content":
		content, err := r.session.Content(ctx)
		if err != nil {
			return "", CodeBrowser, err
		}
		return content, "", nil

	case "browse_screenshot":
		path, err := args.str("path")
		if err != nil {
			return "", CodeBadArgument, err
		}
		if err := r.session.Screenshot(ctx, path); err != nil {
			return "", CodeBrowser, err
		}
		return "screenshot saved to " + path, "", nil

	case "browse_eval":
		expr, err := args.str("expression")
		if err != nil {
			return "", CodeBadArgument, err
		}
		result, err := r.session.Eval(ctx, expr)
		if err != nil {
			return "", CodeBrowser, err
		}
		return result, "", nil
	}
	return "", CodeToolNotFound, fmt.Errorf("no executor for tool %q", step.Tool)
}

func (r *Runner) fetchURL(ctx context.Context, url string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", CodeBadArgument, fmt.Errorf("build request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", CodeNetwork, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", CodeNetwork, fmt.Errorf("read body of %s: %w", url, err)
	}
	if resp.StatusCode >= 400 {
		return string(body), CodeNetwork, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	return string(body), "", nil
}

// -- helpers --

type stepArgs struct {
	step schemas.Step
}

func (a stepArgs) str(name string) (string, error) {
	v, ok := a.step.Args[name].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing or invalid %q argument", name)
	}
	return v, nil
}

func (a stepArgs) optString(name string) string {
	v, _ := a.step.Args[name].(string)
	return v
}

func (a stepArgs) integer(name string) (int, error) {
	switch v := a.step.Args[name].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("missing or invalid %q argument", name)
	}
}

func codeIf(err error, code string) string {
	if err == nil {
		return ""
	}
	return code
}

func (r *Runner) truncate(s string) string {
	if r.outputLimit <= 0 || len(s) <= r.outputLimit {
		return s
	}
	// Back off to a rune boundary so the cut never splits a UTF-8
	// sequence.
	cut := r.outputLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... [output truncated]"
}
