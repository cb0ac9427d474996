package handoff

import (
	"fmt"
	"strings"
	"time"
)

// escapeCell makes a string safe inside a Markdown table row.
func escapeCell(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\n", " "), "|", "\\|")
}

// RenderProse renders the fixed-structure prose fallback document for
// agents or operators who want the handoff readable without tooling.
func RenderProse(h *HandoffV2) string {
	var b strings.Builder

	b.WriteString("# Session Handoff\n\n")
	b.WriteString("## Metadata\n\n")
	fmt.Fprintf(&b, "- Session: %s\n", h.SessionID)
	fmt.Fprintf(&b, "- Stage: %s\n", h.StageID)
	fmt.Fprintf(&b, "- Context used: %.0f%%\n", h.ContextPercent)
	if h.Branch != "" {
		fmt.Fprintf(&b, "- Branch: %s\n", h.Branch)
	}
	fmt.Fprintf(&b, "- Generated: %s\n\n", time.Now().UTC().Format(time.RFC3339))

	b.WriteString("## Goals\n\n")
	if len(h.NextActions) > 0 {
		b.WriteString("The next session should pick up with the actions listed under Next Steps.\n\n")
	} else {
		b.WriteString("No outstanding goals were recorded.\n\n")
	}

	b.WriteString("## Completed Work\n\n")
	if len(h.CompletedTasks) > 0 {
		b.WriteString("| Task | Files |\n|---|---|\n")
		for _, t := range h.CompletedTasks {
			fmt.Fprintf(&b, "| %s | %s |\n", escapeCell(t.Description), escapeCell(strings.Join(t.Files, ", ")))
		}
		b.WriteString("\n")
	} else {
		b.WriteString("None recorded.\n\n")
	}

	b.WriteString("## Key Decisions\n\n")
	if len(h.KeyDecisions) > 0 {
		b.WriteString("| Decision | Rationale |\n|---|---|\n")
		for _, d := range h.KeyDecisions {
			fmt.Fprintf(&b, "| %s | %s |\n", escapeCell(d.Decision), escapeCell(d.Rationale))
		}
		b.WriteString("\n")
	} else {
		b.WriteString("None recorded.\n\n")
	}

	b.WriteString("## Current State\n\n")
	if len(h.Commits) > 0 {
		b.WriteString("Commits made this session:\n\n")
		for _, c := range h.Commits {
			fmt.Fprintf(&b, "- `%s` %s\n", c.Hash, c.Message)
		}
		b.WriteString("\n")
	}
	if len(h.UncommittedFiles) > 0 {
		b.WriteString("Uncommitted files:\n\n")
		for _, f := range h.UncommittedFiles {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
		b.WriteString("\n")
	}
	if len(h.Commits) == 0 && len(h.UncommittedFiles) == 0 {
		b.WriteString("Working tree state was not recorded.\n\n")
	}

	b.WriteString("## Next Steps\n\n")
	for i, a := range h.NextActions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, a)
	}
	if len(h.NextActions) == 0 {
		b.WriteString("None recorded.\n")
	}
	b.WriteString("\n")

	b.WriteString("## Learnings\n\n")
	for _, f := range h.DiscoveredFacts {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	for _, q := range h.OpenQuestions {
		fmt.Fprintf(&b, "- Open question: %s\n", q)
	}
	if len(h.DiscoveredFacts) == 0 && len(h.OpenQuestions) == 0 {
		b.WriteString("None recorded.\n")
	}

	return b.String()
}
