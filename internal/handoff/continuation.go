package handoff

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/loomstage/loom/internal/errs"
	"github.com/loomstage/loom/internal/model"
	"github.com/loomstage/loom/internal/store"
)

// Service writes handoff documents and assembles continuation bundles.
type Service struct {
	store       *store.Store
	projectRoot string
}

// NewService returns a Service persisting through st, reconstructing
// worktree paths under projectRoot when a stage doesn't record one.
func NewService(st *store.Store, projectRoot string) *Service {
	return &Service{store: st, projectRoot: projectRoot}
}

// Generate writes a typed handoff for stage/session into the next
// sequence slot, returning the path written.
func (s *Service) Generate(h *HandoffV2) (string, error) {
	doc, err := h.Marshal()
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrMalformed, err)
	}
	return s.store.WriteHandoff(h.StageID, doc)
}

// GenerateProse writes a prose handoff document verbatim into the next
// sequence slot for stageID.
func (s *Service) GenerateProse(stageID, content string) (string, error) {
	return s.store.WriteHandoff(stageID, []byte(content))
}

// Continuation is everything needed to resume a stage in a new session.
type Continuation struct {
	Stage          *model.Stage
	HandoffPath    string // empty when no handoff exists
	HandoffContent string // raw content, embedded into the next signal
	Parsed         Parsed
	WorktreePath   string
}

// PrepareContinuation loads stageID, resolves its latest handoff (if
// any), and locates its worktree, reconstructing the conventional path
// when the stage file doesn't record one.
func (s *Service) PrepareContinuation(stageID string) (*Continuation, error) {
	stage, err := s.store.LoadStage(stageID)
	if err != nil {
		return nil, err
	}

	c := &Continuation{Stage: stage}

	if path, content, ok := s.latestHandoff(stageID); ok {
		c.HandoffPath = path
		c.HandoffContent = content
		c.Parsed = ParseHandoff(content)
	}

	c.WorktreePath = stage.Worktree
	if c.WorktreePath == "" && !stage.IsKnowledgeStage() {
		c.WorktreePath = filepath.Join(s.projectRoot, ".worktrees", stageID)
	}
	return c, nil
}

// latestHandoff returns the newest handoff document for stageID. Sequence
// numbers are monotonic, so the latest is one below the next free slot.
func (s *Service) latestHandoff(stageID string) (path, content string, ok bool) {
	next, err := s.store.NextHandoffSeq(stageID)
	if err != nil || next <= 1 {
		return "", "", false
	}
	for seq := next - 1; seq >= 1; seq-- {
		p := s.store.HandoffPath(stageID, seq)
		raw, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue // intermediate files may have been deleted
			}
			return "", "", false
		}
		return p, string(raw), true
	}
	return "", "", false
}
