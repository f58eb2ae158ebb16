// Package main implements the taskflow CLI, a thin driver for the
// task-workflow orchestration layer: it runs a task description
// through analysis, PRD generation, approval, and batched execution
// against a taskflow backend over NATS.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskflow/internal/backend"
	"github.com/fyrsmithlabs/taskflow/internal/config"
	"github.com/fyrsmithlabs/taskflow/internal/logging"
	"github.com/fyrsmithlabs/taskflow/internal/task"
	"github.com/fyrsmithlabs/taskflow/internal/transcript"
	"github.com/fyrsmithlabs/taskflow/internal/workflow"
)

var (
	configPath string
	reviewOnly bool

	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "taskflow",
	Short:   "Task-workflow orchestration client",
	Long:    `taskflow drives a task description through the backend workflow: strategy analysis, optional clarification interview, PRD generation and review, and batched story execution with quality gates.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/taskflow/config.yaml)")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run [description]",
	Short: "Run a task workflow end to end",
	Long: `Run a task description through the full workflow.

Examples:
  # Analyze, generate a PRD, approve it, and execute
  taskflow run "Add a CSV export endpoint to the billing service"

  # Stop after PRD generation and print the PRD
  taskflow run --review-only "Add a CSV export endpoint"`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkflow,
}

func init() {
	runCmd.Flags().BoolVar(&reviewOnly, "review-only", false, "stop after PRD generation and print the PRD")
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	nc, err := nats.Connect(cfg.Backend.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to backend at %s: %w", cfg.Backend.URL, err)
	}
	defer nc.Drain() //nolint:errcheck

	client := backend.NewNATSClient(nc, cfg.Backend.CommandPrefix, cfg.Backend.RequestTimeout.Duration(), log)
	stream := backend.NewStream(nc, cfg.Backend.ProgressSubject, log)

	emitter := transcript.NewEmitter()
	enc := json.NewEncoder(os.Stdout)
	emitter.OnAppend(func(card transcript.Card) {
		enc.Encode(card) //nolint:errcheck
	})

	// The CLI has no card responder, so the interactive configuration
	// and interview phases are skipped regardless of config.
	machine := workflow.NewMachine(client, stream, emitter, workflow.Settings{
		SkipConfiguration: true,
		InterviewEnabled:  false,
		GenerateDesignDoc: cfg.Workflow.GenerateDesignDoc,
		PollInterval:      cfg.Workflow.PollInterval.Duration(),
		Prd: backend.PrdOptions{
			Provider:         cfg.Workflow.Provider,
			Model:            cfg.Workflow.Model,
			BaseURL:          cfg.Workflow.BaseURL,
			MaxContextTokens: cfg.Workflow.MaxContextTokens,
		},
		Approve: backend.ApproveOptions{
			Provider: cfg.Workflow.Provider,
			Model:    cfg.Workflow.Model,
			BaseURL:  cfg.Workflow.BaseURL,
		},
	}, log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := machine.Start(ctx, args[0]); err != nil {
		return fmt.Errorf("workflow failed to start: %w", err)
	}

	if reviewOnly {
		if prd := machine.Prd(); prd != nil {
			enc.Encode(prd) //nolint:errcheck
		}
		return exitMode(machine)
	}

	if machine.Phase() == task.PhaseReviewingPrd {
		if err := machine.ApprovePrd(ctx, nil); err != nil {
			exitMode(machine) //nolint:errcheck
			return fmt.Errorf("prd approval failed: %w", err)
		}
	}

	phase, err := waitTerminal(ctx, machine)
	if err != nil {
		return err
	}
	if err := exitMode(machine); err != nil {
		return err
	}
	if phase == task.PhaseFailed {
		state := machine.ExecutionState()
		return fmt.Errorf("execution failed: %d of %d stories failed",
			state.FailedCount(), len(state.StoryStatuses))
	}
	return nil
}

// waitTerminal blocks until the machine reaches a terminal phase or
// ctx is cancelled. Cancellation cancels any running execution before
// returning.
func waitTerminal(ctx context.Context, machine *workflow.Machine) (task.Phase, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if machine.Phase() == task.PhaseExecuting {
				// The signal context is done; use a fresh one for the
				// cancel and exit round trips.
				if err := machine.CancelExecution(context.Background()); err != nil {
					return task.PhaseCancelled, err
				}
			}
			if err := exitMode(machine); err != nil {
				return task.PhaseCancelled, err
			}
			return task.PhaseCancelled, ctx.Err()
		case <-ticker.C:
			if phase := machine.Phase(); phase.Terminal() {
				return phase, nil
			}
		}
	}
}

// exitMode leaves task mode, tolerating the machine already being
// idle.
func exitMode(machine *workflow.Machine) error {
	if machine.Session() == nil {
		return nil
	}
	if err := machine.Exit(context.Background()); err != nil && !errors.Is(err, workflow.ErrNoActiveSession) {
		return err
	}
	return nil
}
