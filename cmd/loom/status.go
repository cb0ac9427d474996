package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/loomstage/loom/internal/model"
	"github.com/loomstage/loom/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show each stage's current state",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

func statusStyle(status model.StageStatus) lipgloss.Style {
	switch status {
	case model.StatusCompleted:
		return okStyle
	case model.StatusExecuting, model.StatusQueued:
		return warnStyle
	case model.StatusBlocked, model.StatusMergeConflict, model.StatusMergeBlocked, model.StatusCompletedWithFails:
		return errStyle
	default:
		return dimStyle
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	projectRoot, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	workDir := filepath.Join(projectRoot, ".work")
	if _, err := os.Stat(workDir); os.IsNotExist(err) {
		fmt.Println("No .work/ directory. Run 'loom init <plan.md>' to get started.")
		return nil
	}

	st, err := store.Open(workDir)
	if err != nil {
		return err
	}
	stages, err := st.ListStages()
	if err != nil {
		return err
	}
	if len(stages) == 0 {
		fmt.Println("No stages. Run 'loom init <plan.md>' to materialize a plan.")
		return nil
	}

	sort.Slice(stages, func(i, j int) bool { return stages[i].ID < stages[j].ID })

	fmt.Println(headerStyle.Render(fmt.Sprintf("%-24s %-24s %-8s %s", "STAGE", "STATUS", "MERGED", "DETAIL")))
	for _, s := range stages {
		merged := "-"
		if s.Merged {
			merged = "yes"
		}
		detail := detailFor(s)
		line := fmt.Sprintf("%-24s %-24s %-8s %s",
			s.ID, statusStyle(s.Status).Render(string(s.Status)), merged, detail)
		fmt.Println(line)
	}
	return nil
}

func detailFor(s *model.Stage) string {
	switch {
	case s.Held:
		return "held"
	case s.Status == model.StatusBlocked && s.FailureInfo != nil:
		detail := string(s.FailureInfo.FailureType)
		if len(s.FailureInfo.Evidence) > 0 {
			detail += ": " + strings.Join(s.FailureInfo.Evidence, "; ")
		}
		return detail
	case s.Status == model.StatusWaitingForDeps:
		return "deps: " + strings.Join(s.Dependencies, ", ")
	case s.Status == model.StatusExecuting && s.Session != "":
		return "session " + s.Session
	default:
		return ""
	}
}
