package signal

import (
	"fmt"
	"strings"
)

// MergeInput collects what GenerateMerge needs to brief a
// merge-resolution session.
type MergeInput struct {
	SessionID        string
	StageID          string
	SourceBranch     string
	TargetBranch     string
	ProjectRoot      string
	ConflictingFiles []string
}

// GenerateMerge renders the assignment document for a merge-resolution
// session: it runs in the project root mid-merge, with the conflict
// markers already in the working tree.
func (g *Generator) GenerateMerge(in MergeInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Merge Resolution: %s\n\n", in.StageID)
	fmt.Fprintf(&b, "- Session: %s\n", in.SessionID)
	fmt.Fprintf(&b, "- Stage: %s\n", in.StageID)
	fmt.Fprintf(&b, "- Source branch: %s\n", in.SourceBranch)
	fmt.Fprintf(&b, "- Target branch: %s\n\n", in.TargetBranch)

	b.WriteString("## Situation\n\n")
	fmt.Fprintf(&b, "Merging `%s` into `%s` stopped on content conflicts. ", in.SourceBranch, in.TargetBranch)
	b.WriteString("The merge is still in progress in the main checkout; conflict markers are present in the files below.\n\n")

	b.WriteString("## Conflicting Files\n\n")
	for _, f := range in.ConflictingFiles {
		fmt.Fprintf(&b, "- `%s`\n", f)
	}
	b.WriteString("\n")

	b.WriteString("## Resolution Steps\n\n")
	b.WriteString("1. Inspect each conflicting file and resolve the markers, keeping both branches' intent.\n")
	b.WriteString("2. Stage the resolved files:\n\n")
	fmt.Fprintf(&b, "   ```\n   git add %s\n   ```\n\n", strings.Join(in.ConflictingFiles, " "))
	b.WriteString("3. Complete the merge:\n\n")
	fmt.Fprintf(&b, "   ```\n   git commit --no-edit\n   ```\n\n")
	b.WriteString("4. Verify the tree still builds and the stage's acceptance criteria still pass.\n")
	b.WriteString("5. Exit. Do not push; the orchestrator picks up from the merge commit.\n")

	return b.String()
}
