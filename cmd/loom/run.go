package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loomstage/loom/internal/config"
	"github.com/loomstage/loom/internal/git"
	"github.com/loomstage/loom/internal/graph"
	"github.com/loomstage/loom/internal/logging"
	"github.com/loomstage/loom/internal/model"
	"github.com/loomstage/loom/internal/orchestrator"
	"github.com/loomstage/loom/internal/session"
	"github.com/loomstage/loom/internal/store"
	"github.com/loomstage/loom/internal/worktree"
)

var (
	manualFlag  bool
	backendFlag string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the bound plan until every stage is terminal",
	Long: `Run the orchestration loop: recover persisted state, start ready
stages up to the parallelism limit, monitor sessions, verify and merge
completed work, and repeat.

Ctrl-C detaches the orchestrator without killing agent sessions; a later
run adopts the sessions that are still alive.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&manualFlag, "manual", false, "print spawn instructions instead of launching agents")
	runCmd.Flags().StringVar(&backendFlag, "backend", "", "session backend: native or multiplexer (default from config)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	projectRoot, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	cfg, err := config.Load(projectRoot)
	if err != nil {
		return fmt.Errorf("load config: %w\n\nRun 'loom init <plan.md>' first if .work/ does not exist", err)
	}
	if manualFlag {
		cfg.ManualMode = true
	}
	if backendFlag != "" {
		cfg.SessionBackend = backendFlag
	}

	st, err := store.Open(filepath.Join(projectRoot, ".work"))
	if err != nil {
		return err
	}

	stages, err := st.ListStages()
	if err != nil {
		return fmt.Errorf("list stages: %w\n\nRun 'loom init <plan.md>' to materialize stage files", err)
	}
	if len(stages) == 0 {
		return errors.New("no stage files in .work/stages/; run 'loom init <plan.md>' first")
	}

	g := graph.New()
	if err := g.Build(stages); err != nil {
		return fmt.Errorf("build stage graph: %w", err)
	}

	runner := git.NewRunner(projectRoot)
	wm, err := worktree.NewManager(projectRoot, runner)
	if err != nil {
		return err
	}

	backend, err := pickBackend(cfg)
	if err != nil {
		return err
	}

	drv := orchestrator.New(projectRoot, orchestrator.Deps{
		Config:    cfg,
		Store:     st,
		Graph:     g,
		Git:       runner,
		Worktrees: wm,
		Backend:   backend,
		Log:       logging.New(),
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	if err := drv.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return nil
}

func pickBackend(cfg *config.Config) (session.Backend, error) {
	switch cfg.SessionBackend {
	case string(model.BackendNativeTerminal), "native":
		return session.NewNativeTerminalBackend(cfg.AgentCommand)
	default:
		return session.NewMultiplexerBackend(cfg.AgentCommand), nil
	}
}
