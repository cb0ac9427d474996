// Package signal renders the self-contained Markdown assignment document
// an agent reads at launch: everything it needs to start work on a stage
// is embedded inline, no external paths required.
package signal

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/loomstage/loom/internal/model"
)

// DependencyInfo is one dependency's status and published outputs, as
// shown in the Dependencies section.
type DependencyInfo struct {
	Name    string
	Status  string
	Outputs map[string]string
}

// GitHistoryInfo is the optional Git History section's content.
type GitHistoryInfo struct {
	Branch            string
	Base              string
	RecentCommits     []string
	UncommittedFiles  []string
}

// Input collects everything Generate needs to build a document for one
// session/stage pairing.
type Input struct {
	SessionID     string
	Stage         *model.Stage
	SourceBranch  string
	TargetBranch  string
	WorktreePath  string
	ProjectRoot   string
	PlanID        string
	PlanOverview  string
	Dependencies  []DependencyInfo
	Handoff       string // pre-rendered, embedded verbatim between <handoff> tags
	KnowledgeSummary string
	GitHistory    *GitHistoryInfo
}

// Generator builds signal documents.
type Generator struct{}

// New returns a Generator.
func New() *Generator {
	return &Generator{}
}

var knownVars = map[string]func(in Input) string{
	"${WORKTREE}":     func(in Input) string { return in.WorktreePath },
	"${PROJECT_ROOT}": func(in Input) string { return in.ProjectRoot },
	"${STAGE_ID}":     func(in Input) string { return in.Stage.ID },
}

var varPattern = regexp.MustCompile(`\$\{[A-Za-z_]+\}`)

// substitute replaces known ${VAR} references with their value, leaving
// any unrecognized ${VAR} verbatim.
func substitute(text string, in Input) string {
	return varPattern.ReplaceAllStringFunc(text, func(match string) string {
		if fn, ok := knownVars[match]; ok {
			return fn(in)
		}
		return match
	})
}

// Generate renders the full signal document for in.
func (g *Generator) Generate(in Input) string {
	var b strings.Builder

	writeHeader(&b, in)
	writeWorktreeContext(&b, in)
	writeExecutionRules(&b)
	writeTarget(&b, in)
	writeStageContext(&b, in)
	writePlanOverview(&b, in)
	writeDependencies(&b, in)
	writeHandoff(&b, in)
	writeKnowledgeSummary(&b, in)
	writeImmediateTasks(&b, in)
	writeAcceptance(&b, in)
	writeFiles(&b, in)
	writeGitHistory(&b, in)

	return substitute(b.String(), in)
}

func writeHeader(b *strings.Builder, in Input) {
	fmt.Fprintf(b, "# Assignment: %s\n\n", in.Stage.ID)
	fmt.Fprintf(b, "- Session: %s\n", in.SessionID)
	fmt.Fprintf(b, "- Stage: %s\n", in.Stage.ID)
	fmt.Fprintf(b, "- Source branch: %s\n", in.SourceBranch)
	fmt.Fprintf(b, "- Target branch: %s\n", in.TargetBranch)
	fmt.Fprintf(b, "- Worktree path: %s\n\n", in.WorktreePath)
}

func writeWorktreeContext(b *strings.Builder, in Input) {
	b.WriteString("## Worktree Context\n\n")
	fmt.Fprintf(b, "You are working in an isolated git worktree at `${WORKTREE}`, checked out from `%s`. ", in.SourceBranch)
	b.WriteString("Changes here do not affect the main checkout or any other stage's worktree until this branch is merged.\n\n")
}

func writeExecutionRules(b *strings.Builder) {
	b.WriteString("## Execution Rules\n\n")
	b.WriteString("- Commit your work before exiting; uncommitted changes are not picked up at merge time.\n")
	b.WriteString("- All acceptance criteria below must pass before the stage is considered complete.\n")
	b.WriteString("- Stay within the file globs listed below unless the work genuinely requires touching more.\n")
	b.WriteString("- Do not modify files under `.work/` other than through the documented signal/handoff mechanism.\n\n")
}

func writeTarget(b *strings.Builder, in Input) {
	b.WriteString("## Target\n\n")
	fmt.Fprintf(b, "- Stage ID: `${STAGE_ID}`\n")
	fmt.Fprintf(b, "- Plan ID: %s\n\n", in.PlanID)
}

func writeStageContext(b *strings.Builder, in Input) {
	b.WriteString("## Stage Context\n\n")
	fmt.Fprintf(b, "**%s**\n\n", in.Stage.Name)
	if in.Stage.Description != "" {
		fmt.Fprintf(b, "%s\n\n", in.Stage.Description)
	}
}

func writePlanOverview(b *strings.Builder, in Input) {
	if strings.TrimSpace(in.PlanOverview) == "" {
		return
	}
	b.WriteString("## Plan Overview\n\n")
	fmt.Fprintf(b, "%s\n\n", strings.TrimSpace(in.PlanOverview))
}

func writeDependencies(b *strings.Builder, in Input) {
	if len(in.Dependencies) == 0 {
		return
	}
	b.WriteString("## Dependencies\n\n")
	for _, dep := range in.Dependencies {
		fmt.Fprintf(b, "- **%s** (%s)\n", dep.Name, dep.Status)
		for k, v := range dep.Outputs {
			fmt.Fprintf(b, "  - `%s`: %s\n", k, v)
		}
	}
	b.WriteString("\n")
}

func writeHandoff(b *strings.Builder, in Input) {
	if strings.TrimSpace(in.Handoff) == "" {
		return
	}
	b.WriteString("## Previous Session Handoff\n\n")
	b.WriteString("<handoff>\n")
	b.WriteString(strings.TrimSpace(in.Handoff))
	b.WriteString("\n</handoff>\n\n")
}

func writeKnowledgeSummary(b *strings.Builder, in Input) {
	if strings.TrimSpace(in.KnowledgeSummary) == "" {
		return
	}
	b.WriteString("## Knowledge Summary\n\n")
	fmt.Fprintf(b, "%s\n\n", strings.TrimSpace(in.KnowledgeSummary))
}

var listItemPattern = regexp.MustCompile(`(?m)^\s*(?:[-*]|\d+[.)])\s+.+$`)

func writeImmediateTasks(b *strings.Builder, in Input) {
	b.WriteString("## Immediate Tasks\n\n")
	if matches := listItemPattern.FindAllString(in.Stage.Description, -1); len(matches) > 0 {
		for _, m := range matches {
			fmt.Fprintf(b, "%s\n", strings.TrimSpace(m))
		}
	} else {
		b.WriteString("1. Review acceptance criteria\n")
		b.WriteString("2. Implement required changes\n")
		b.WriteString("3. Verify acceptance criteria are met\n")
	}
	b.WriteString("\n")
}

func writeAcceptance(b *strings.Builder, in Input) {
	b.WriteString("## Acceptance Criteria\n\n")
	for _, c := range in.Stage.Acceptance {
		fmt.Fprintf(b, "- [ ] %s\n", c)
	}
	b.WriteString("\n")
}

func writeFiles(b *strings.Builder, in Input) {
	if len(in.Stage.Files) == 0 {
		return
	}
	b.WriteString("## Files to Modify\n\n")
	for _, f := range in.Stage.Files {
		fmt.Fprintf(b, "- `%s`\n", f)
	}
	b.WriteString("\n")
}

func writeGitHistory(b *strings.Builder, in Input) {
	if in.GitHistory == nil {
		return
	}
	h := in.GitHistory
	b.WriteString("## Git History\n\n")
	fmt.Fprintf(b, "- Branch: %s (base: %s)\n", h.Branch, h.Base)
	if len(h.RecentCommits) > 0 {
		b.WriteString("- Recent commits:\n")
		for _, c := range h.RecentCommits {
			fmt.Fprintf(b, "  - %s\n", c)
		}
	}
	if len(h.UncommittedFiles) > 0 {
		b.WriteString("- Uncommitted changes:\n")
		for _, f := range h.UncommittedFiles {
			fmt.Fprintf(b, "  - `%s`\n", f)
		}
	}
	b.WriteString("\n")
}
