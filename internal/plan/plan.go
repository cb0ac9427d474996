// Package plan reads the user-authored plan document: a Markdown file
// with an Overview section (kept as prose for signal generation) and a
// machine-readable stage table. It also applies the filename lifecycle
// prefixes that mark a plan in progress or done.
package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"github.com/loomstage/loom/internal/errs"
	"github.com/loomstage/loom/internal/model"
)

// StageDef is one row of the plan's stage table.
type StageDef struct {
	ID           string
	Name         string
	Dependencies []string
	Acceptance   []string
	Files        []string
	StageType    string
	Description  string
}

// Plan is the parsed plan document.
type Plan struct {
	ID       string
	Name     string
	Path     string
	Overview string
	Stages   []StageDef
}

// ToStages materializes the plan's stage definitions as model stages with
// defaults applied, ready to persist as stage files.
func (p *Plan) ToStages() []*model.Stage {
	out := make([]*model.Stage, 0, len(p.Stages))
	for _, def := range p.Stages {
		st := model.NewStage(def.ID, def.Name)
		st.Description = def.Description
		st.Dependencies = def.Dependencies
		st.Acceptance = def.Acceptance
		st.Files = def.Files
		if def.StageType != "" {
			st.StageType = model.StageType(def.StageType)
		}
		out = append(out, st)
	}
	return out
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.Table))

// Load parses the plan document at path.
func Load(path string) (*Plan, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: plan %s", errs.ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: read plan %s: %v", errs.ErrInfrastructure, path, err)
	}

	doc := markdown.Parser().Parse(text.NewReader(source))

	p := &Plan{
		ID:   planIDFromPath(path),
		Path: path,
	}
	p.Name = firstHeading(doc, source)
	if p.Name == "" {
		p.Name = p.ID
	}
	p.Overview = extractOverview(doc, source)

	table := firstTable(doc)
	if table == nil {
		return nil, fmt.Errorf("%w: plan %s has no stage table", errs.ErrMalformed, path)
	}
	stages, err := parseStageTable(table, source)
	if err != nil {
		return nil, fmt.Errorf("%w: plan %s: %v", errs.ErrMalformed, path, err)
	}
	p.Stages = stages
	return p, nil
}

// planIDFromPath slugs the filename, stripping lifecycle prefixes so the
// id is stable across IN_PROGRESS-/DONE- renames.
func planIDFromPath(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	base = strings.TrimPrefix(base, InProgressPrefix)
	base = strings.TrimPrefix(base, DonePrefix)
	return base
}

func firstHeading(doc ast.Node, source []byte) string {
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*ast.Heading); ok && h.Level == 1 {
			return string(h.Text(source))
		}
	}
	return ""
}

// extractOverview collects the raw prose between the "Overview" heading
// and the next heading or the stage table, whichever comes first.
func extractOverview(doc ast.Node, source []byte) string {
	var b strings.Builder
	inOverview := false
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*ast.Heading); ok {
			if strings.EqualFold(strings.TrimSpace(string(h.Text(source))), "overview") {
				inOverview = true
				continue
			}
			if inOverview {
				break
			}
			continue
		}
		if !inOverview {
			continue
		}
		if _, ok := n.(*east.Table); ok {
			break
		}
		writeBlockText(&b, n, source)
	}
	return strings.TrimSpace(b.String())
}

func writeBlockText(b *strings.Builder, n ast.Node, source []byte) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(source))
	}
	if lines.Len() > 0 {
		b.WriteString("\n\n")
		return
	}
	// Container blocks (lists) keep their text on children.
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		writeBlockText(b, c, source)
	}
}

func firstTable(doc ast.Node) *east.Table {
	var found *east.Table
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, ok := n.(*east.Table); ok {
			found = t
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return found
}

func cellTexts(row ast.Node, source []byte) []string {
	var out []string
	for c := row.FirstChild(); c != nil; c = c.NextSibling() {
		// Read the cell's raw source so inline markup, such as the ** of a
		// file glob, is kept verbatim instead of being parsed as emphasis.
		var b strings.Builder
		lines := c.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			b.Write(seg.Value(source))
		}
		out = append(out, strings.TrimSpace(b.String()))
	}
	return out
}

// parseStageTable reads the stage table. Recognized columns (by header,
// case-insensitive): id, name/stage, dependencies/deps, acceptance,
// files, type, description. Unknown columns are ignored.
func parseStageTable(table *east.Table, source []byte) ([]StageDef, error) {
	var header []string
	var stages []StageDef

	for row := table.FirstChild(); row != nil; row = row.NextSibling() {
		if _, ok := row.(*east.TableHeader); ok {
			header = cellTexts(row, source)
			continue
		}
		if _, ok := row.(*east.TableRow); !ok {
			continue
		}
		if header == nil {
			return nil, fmt.Errorf("stage table has no header row")
		}

		cells := cellTexts(row, source)
		def := StageDef{}
		for i, col := range header {
			if i >= len(cells) {
				break
			}
			val := cells[i]
			switch strings.ToLower(col) {
			case "id":
				def.ID = val
			case "name", "stage":
				def.Name = val
			case "dependencies", "deps", "depends on":
				def.Dependencies = splitList(val)
			case "acceptance":
				def.Acceptance = splitCommands(val)
			case "files":
				def.Files = splitList(val)
			case "type", "stage_type":
				def.StageType = strings.ToLower(val)
			case "description":
				def.Description = val
			}
		}
		if def.ID == "" {
			return nil, fmt.Errorf("stage table row missing id: %v", cells)
		}
		if def.Name == "" {
			def.Name = def.ID
		}
		stages = append(stages, def)
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("stage table has no rows")
	}
	return stages, nil
}

// splitList splits a comma-separated cell, stripping backticks and the
// common "none"/"-" placeholders.
func splitList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" || strings.EqualFold(s, "none") {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.Trim(strings.TrimSpace(part), "`")
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// splitCommands splits a cell of ;-separated shell commands.
func splitCommands(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" || strings.EqualFold(s, "none") {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ";") {
		part = strings.Trim(strings.TrimSpace(part), "`")
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
