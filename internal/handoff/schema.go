// Package handoff generates and parses the continuation documents a
// session leaves behind when it ends without finishing its stage: a
// versioned typed schema preferred, with a prose-Markdown fallback for
// agents that cannot produce the structured form.
package handoff

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// SchemaVersion is the current typed handoff document version.
const SchemaVersion = 2

// FileRef points at a file (optionally a line range) with a short purpose.
type FileRef struct {
	Path    string  `yaml:"path"`
	Lines   *[2]int `yaml:"lines,omitempty"`
	Purpose string  `yaml:"purpose,omitempty"`
}

// CompletedTask records one finished piece of work and the files it touched.
type CompletedTask struct {
	Description string   `yaml:"description"`
	Files       []string `yaml:"files,omitempty"`
}

// KeyDecision records a decision the next session should not re-litigate.
type KeyDecision struct {
	Decision  string `yaml:"decision"`
	Rationale string `yaml:"rationale,omitempty"`
}

// CommitRef identifies a commit made during the session.
type CommitRef struct {
	Hash    string `yaml:"hash"`
	Message string `yaml:"message,omitempty"`
}

// HandoffV2 is the typed handoff document.
type HandoffV2 struct {
	Version        int     `yaml:"version"`
	SessionID      string  `yaml:"session_id"`
	StageID        string  `yaml:"stage_id"`
	ContextPercent float64 `yaml:"context_percent"`

	CompletedTasks  []CompletedTask `yaml:"completed_tasks,omitempty"`
	KeyDecisions    []KeyDecision   `yaml:"key_decisions,omitempty"`
	DiscoveredFacts []string        `yaml:"discovered_facts,omitempty"`
	OpenQuestions   []string        `yaml:"open_questions,omitempty"`
	NextActions     []string        `yaml:"next_actions,omitempty"`

	Branch           string      `yaml:"branch,omitempty"`
	Commits          []CommitRef `yaml:"commits,omitempty"`
	UncommittedFiles []string    `yaml:"uncommitted_files,omitempty"`
	FilesRead        []FileRef   `yaml:"files_read,omitempty"`
	FilesModified    []FileRef   `yaml:"files_modified,omitempty"`
}

// Validate checks the document's invariants before it is written.
func (h *HandoffV2) Validate() error {
	if h.Version != SchemaVersion {
		return fmt.Errorf("handoff version %d, expected %d", h.Version, SchemaVersion)
	}
	if h.SessionID == "" {
		return fmt.Errorf("handoff missing session_id")
	}
	if h.StageID == "" {
		return fmt.Errorf("handoff missing stage_id")
	}
	if h.ContextPercent < 0 || h.ContextPercent > 100 {
		return fmt.Errorf("handoff context_percent %.1f out of range [0, 100]", h.ContextPercent)
	}
	return nil
}

// Marshal renders the typed document as a YAML-frontmatter Markdown file,
// so the same file is both machine-parseable and human-readable.
func (h *HandoffV2) Marshal() ([]byte, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	body, err := yaml.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode handoff: %w", err)
	}
	doc := append([]byte("---\n"), body...)
	doc = append(doc, []byte("---\n\n# Session Handoff\n\nStructured handoff for stage `"+h.StageID+"`. See frontmatter for machine-readable state.\n")...)
	return doc, nil
}
