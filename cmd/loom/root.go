package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Parallel stage orchestrator for agent-driven development",
	Long: `Loom executes a plan of interdependent stages with autonomous coding
agents. Each stage runs in its own git worktree on a dedicated branch;
each completed branch is merged back to the base branch once it passes
verification, which is what makes its dependents ready.

Available commands:
  run     Execute the bound plan until every stage is terminal
  status  Show each stage's current state
  init    Initialize .work/ from a plan document

Use "loom [command] --help" for more information about a command.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
