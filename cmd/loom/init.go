package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loomstage/loom/internal/config"
	"github.com/loomstage/loom/internal/graph"
	"github.com/loomstage/loom/internal/plan"
	"github.com/loomstage/loom/internal/store"
)

var baseBranchFlag string

var initCmd = &cobra.Command{
	Use:   "init <plan.md>",
	Short: "Initialize .work/ from a plan document",
	Long: `Parse the plan document's stage table, materialize one stage file per
row under .work/stages/ (prefixed with topological depth), and write the
plan binding into .work/config.toml.`,
	Args: cobra.ExactArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&baseBranchFlag, "base-branch", "", "integration branch completed stages merge into (default: repository default branch)")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	projectRoot, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	planPath, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	p, err := plan.Load(planPath)
	if err != nil {
		return err
	}

	stages := p.ToStages()
	g := graph.New()
	if err := g.Build(stages); err != nil {
		return fmt.Errorf("plan is not a valid DAG: %w", err)
	}

	st, err := store.Open(filepath.Join(projectRoot, ".work"))
	if err != nil {
		return err
	}
	for _, stage := range stages {
		if err := st.SaveStage(stage, g.Level(stage.ID)); err != nil {
			return err
		}
	}

	cfg, err := config.Load(projectRoot)
	if err != nil {
		return err
	}
	cfg.Plan.SourcePath = planPath
	cfg.Plan.PlanID = p.ID
	cfg.Plan.PlanName = p.Name
	if baseBranchFlag != "" {
		cfg.Plan.BaseBranch = baseBranchFlag
	}
	if err := config.Save(projectRoot, cfg); err != nil {
		return err
	}

	fmt.Printf("Initialized %d stages from %s\n", len(stages), filepath.Base(planPath))
	fmt.Println("Run 'loom run' to start execution.")
	return nil
}
