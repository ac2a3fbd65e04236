// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xops-dev/taskpilot/api/schemas"
	"github.com/xops-dev/taskpilot/internal/browser"
	"github.com/xops-dev/taskpilot/internal/config"
	"github.com/xops-dev/taskpilot/internal/llmclient"
	"github.com/xops-dev/taskpilot/internal/loop"
	"github.com/xops-dev/taskpilot/internal/observability"
	"github.com/xops-dev/taskpilot/internal/planner"
	"github.com/xops-dev/taskpilot/internal/reasoning"
	"github.com/xops-dev/taskpilot/internal/registry"
	"github.com/xops-dev/taskpilot/internal/runner"
	"github.com/xops-dev/taskpilot/internal/safety"
	"github.com/xops-dev/taskpilot/internal/store"
)

// summaryTail is how many trailing audit records are echoed to the
// operator at the end of a run.
const summaryTail = 5

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [goal...]",
		Short: "Executes a natural-language goal autonomously",
		Args:  cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their viper keys so command-line values override
			// the config file and environment with the right precedence.
			if err := viper.BindPFlag("llm.endpoint", cmd.Flags().Lookup("endpoint")); err != nil {
				return err
			}
			if err := viper.BindPFlag("safety.session_consent", cmd.Flags().Lookup("session-consent")); err != nil {
				return err
			}
			return viper.BindPFlag("browser.headless", cmd.Flags().Lookup("headless"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return fmt.Errorf("failed to finalize config: %w", err)
			}

			maxSteps, _ := cmd.Flags().GetInt("max-steps")
			noConfirm, _ := cmd.Flags().GetBool("yes")
			modelHint, _ := cmd.Flags().GetString("model")

			goal := schemas.Goal{
				ID:          uuid.New().String(),
				Text:        strings.Join(args, " "),
				MaxSteps:    maxSteps,
				NoConfirm:   noConfirm,
				ModelHint:   modelHint,
				SubmittedAt: time.Now(),
			}

			logger.Info("Starting new goal run",
				zap.String("goal_id", goal.ID),
				zap.String("goal", goal.Text),
				zap.Bool("no_confirm", goal.NoConfirm),
				zap.String("model", cfg.LLM.Model),
			)

			components, err := initializeRunComponents(cfg, goal, logger)
			if err != nil {
				if components != nil {
					components.Shutdown()
				}
				return fmt.Errorf("failed to initialize agent components: %w", err)
			}
			defer components.Shutdown()

			summary, err := components.Controller.Run(ctx, goal)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Warn("Run aborted gracefully", zap.String("goal_id", goal.ID))
					return fmt.Errorf("run aborted by user signal")
				}
				logger.Error("Run failed", zap.Error(err), zap.String("goal_id", goal.ID))
				return err
			}

			printSummary(cmd, summary)
			if summary.Class == schemas.RunFatal {
				return fmt.Errorf("run terminated: %s", summary.Reason)
			}
			return nil
		},
	}

	runCmd.Flags().IntP("max-steps", "n", 0, "Hard cap on the step budget. 0 lets the reasoning engine decide.")
	runCmd.Flags().BoolP("yes", "y", false, "Skip confirmations for this run. Each skipped prompt is recorded as a warning.")
	runCmd.Flags().StringP("model", "m", "", "Inference model override for this run.")
	runCmd.Flags().String("endpoint", "", "Inference backend endpoint. (Overrides config/env)")
	runCmd.Flags().Bool("session-consent", false, "A single yes approves all later confirm-tier steps. (Overrides config/env)")
	runCmd.Flags().Bool("headless", true, "Run the browser headless. (Overrides config/env)")

	return runCmd
}

// runComponents holds the initialized services for one goal run.
type runComponents struct {
	Store      *store.Store
	Processes  *runner.ProcessRegistry
	Browser    *browser.Session
	Controller *loop.Controller
}

// Shutdown releases everything the run held open. The controller's own
// cleanup stops processes and the browser at end of run; this is the
// backstop for initialization failures and double-closes are safe.
func (rc *runComponents) Shutdown() {
	if rc.Processes != nil {
		rc.Processes.StopAll()
	}
	if rc.Browser != nil {
		rc.Browser.Close()
	}
	if rc.Store != nil {
		if err := rc.Store.Close(); err != nil {
			observability.GetLogger().Warn("Error closing store", zap.Error(err))
		}
	}
}

// initializeRunComponents handles dependency injection for a run.
func initializeRunComponents(cfg *config.Config, goal schemas.Goal, logger *zap.Logger) (*runComponents, error) {
	components := &runComponents{}

	// 1. Knowledge and audit store
	st, err := store.New(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	components.Store = st

	// 2. Tool registry and safety gate
	reg := registry.New(logger)
	gate := safety.NewGate(cfg.Safety, confirmationChannel(), logger)

	// 3. Inference backend
	client, err := llmclient.NewOllamaClient(cfg.LLM, goal.ModelHint, logger)
	if err != nil {
		return components, fmt.Errorf("failed to initialize inference client: %w", err)
	}

	// 4. Reasoning engine and step proposer
	engine := reasoning.NewEngine(cfg.Reasoning, st, logger)
	proposer := planner.NewProposer(client, reg, cfg.Reasoning, logger)

	// 5. Execution runner with its process registry and browser session
	procs := runner.NewProcessRegistry(cfg.Runner.StopGrace, logger)
	session := browser.NewSession(cfg.Browser, logger)
	components.Processes = procs
	components.Browser = session
	exec := runner.New(cfg.Runner, cfg.Safety.OutputLimit, procs, session, st, logger)

	// 6. Loop controller
	cleanup := func() {
		procs.StopAll()
		session.Close()
	}
	components.Controller = loop.NewController(engine, proposer, gate, exec, reg, st,
		cfg.Reasoning, cfg.Store, cleanup, logger)

	return components, nil
}

// printSummary writes the terminal report to the command's stdout.
func printSummary(cmd *cobra.Command, summary schemas.RunSummary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nRun %s: %s\n", summary.RunID, summary.Class)
	if summary.Reason != "" {
		fmt.Fprintf(out, "Reason: %s\n", summary.Reason)
	}
	fmt.Fprintf(out, "Strategy: %s (budget %d), %d steps in %s\n",
		summary.Strategy.Kind, summary.Strategy.StepBudget, summary.Steps,
		summary.FinishedAt.Sub(summary.StartedAt).Round(time.Millisecond))

	records := summary.Records
	if len(records) > summaryTail {
		fmt.Fprintf(out, "Last %d steps:\n", summaryTail)
		records = records[len(records)-summaryTail:]
	} else if len(records) > 0 {
		fmt.Fprintln(out, "Steps:")
	}
	for _, rec := range records {
		line := fmt.Sprintf("  %2d. %-18s %s", rec.Seq, rec.Step.Tool, rec.Result.Status)
		if rec.Result.ErrorCode != "" {
			line += fmt.Sprintf(" (%s)", rec.Result.ErrorCode)
		}
		fmt.Fprintln(out, line)
	}
}
