// Package model defines the typed entities persisted by the store:
// stages, sessions, worktrees, and their nested value types. Fields carry
// yaml tags so they round-trip through frontmatter unchanged.
package model

import (
	"time"

	"github.com/loomstage/loom/internal/statemachine"
)

// StageStatus is the stage lifecycle state. The enum and its validated
// transition table live in the statemachine package; this alias keeps
// call sites reading model.StageStatus.
type StageStatus = statemachine.StageStatus

const (
	StatusWaitingForDeps     = statemachine.WaitingForDeps
	StatusQueued             = statemachine.Queued
	StatusExecuting          = statemachine.Executing
	StatusWaitingForInput    = statemachine.WaitingForInput
	StatusNeedsHandoff       = statemachine.NeedsHandoff
	StatusCompleted          = statemachine.Completed
	StatusBlocked            = statemachine.Blocked
	StatusMergeConflict      = statemachine.MergeConflict
	StatusCompletedWithFails = statemachine.CompletedWithFails
	StatusMergeBlocked       = statemachine.MergeBlocked
	StatusSkipped            = statemachine.Skipped
	StatusNeedsHumanReview   = statemachine.NeedsHumanReview
)

// StageType distinguishes worktree-isolated stages from ones that run
// directly in the project root.
type StageType string

const (
	StageStandard         StageType = "standard"
	StageKnowledge        StageType = "knowledge"
	StageIntegrationVerify StageType = "integration_verify"
)

// FailureType classifies why a stage landed in Blocked, for retry
// eligibility during recovery (§4.10).
type FailureType string

const (
	FailureSessionCrash   FailureType = "session_crash"
	FailureTimeout        FailureType = "timeout"
	FailureInfrastructure FailureType = "infrastructure"
	FailureOther          FailureType = "other"
)

// Output is a single key/value fact a stage publishes for dependents.
type Output struct {
	Key           string `yaml:"key"`
	Value         string `yaml:"value"`
	OriginStageID string `yaml:"origin_stage_id"`
}

// FailureInfo records the evidence behind a Blocked transition.
type FailureInfo struct {
	FailureType FailureType `yaml:"failure_type"`
	DetectedAt  time.Time   `yaml:"detected_at"`
	Evidence    []string    `yaml:"evidence,omitempty"`
}

// Stage is the central entity: a unit of work with dependencies,
// acceptance criteria, and its own branch/worktree.
type Stage struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	Status StageStatus `yaml:"status"`

	Dependencies  []string `yaml:"dependencies,omitempty"`
	Acceptance    []string `yaml:"acceptance,omitempty"`
	Setup         []string `yaml:"setup,omitempty"`
	Files         []string `yaml:"files,omitempty"`
	ParallelGroup string   `yaml:"parallel_group,omitempty"`
	Held          bool     `yaml:"held"`
	AutoMerge     *bool    `yaml:"auto_merge,omitempty"`
	WorkingDir    string   `yaml:"working_dir,omitempty"`
	StageType     StageType `yaml:"stage_type,omitempty"`

	Worktree string `yaml:"worktree,omitempty"`
	Session  string `yaml:"session,omitempty"`

	ResolvedBase   string   `yaml:"resolved_base,omitempty"`
	BaseBranch     string   `yaml:"base_branch,omitempty"`
	BaseMergedFrom []string `yaml:"base_merged_from,omitempty"`

	Outputs []Output `yaml:"outputs,omitempty"`

	Merged          bool       `yaml:"merged"`
	MergeConflict   bool       `yaml:"merge_conflict"`
	CompletedCommit string     `yaml:"completed_commit,omitempty"`
	CompletedAt     *time.Time `yaml:"completed_at,omitempty"`
	StartedAt       *time.Time `yaml:"started_at,omitempty"`
	AttemptStartedAt *time.Time `yaml:"attempt_started_at,omitempty"`
	DurationSecs    float64    `yaml:"duration_secs,omitempty"`
	ExecutionSecs   float64    `yaml:"execution_secs,omitempty"`

	RetryCount     int          `yaml:"retry_count"`
	MaxRetries     int          `yaml:"max_retries"`
	FixAttempts    int          `yaml:"fix_attempts"`
	MaxFixAttempts int          `yaml:"max_fix_attempts"`
	LastFailureAt  *time.Time   `yaml:"last_failure_at,omitempty"`
	FailureInfo    *FailureInfo `yaml:"failure_info,omitempty"`

	CloseReason  string `yaml:"close_reason,omitempty"`
	ReviewReason string `yaml:"review_reason,omitempty"`

	// Goal-backward verification fields: opaque lists carried through
	// persistence for the verification runner and any external tooling
	// that interprets them; the orchestrator never inspects these.
	Truths        []string `yaml:"truths,omitempty"`
	Artifacts     []string `yaml:"artifacts,omitempty"`
	Wiring        []string `yaml:"wiring,omitempty"`
	TruthChecks   []string `yaml:"truth_checks,omitempty"`
	WiringTests   []string `yaml:"wiring_tests,omitempty"`
	DeadCodeCheck []string `yaml:"dead_code_check,omitempty"`

	CreatedAt time.Time `yaml:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at"`

	// Extra preserves unknown frontmatter keys so forward/backward
	// compatible rewrites never drop fields this build doesn't know about.
	Extra map[string]any `yaml:"-"`
}

// AutoMergeEnabled reports whether progressive merge should run for this
// stage. auto_merge unset is treated as true per §4.1.
func (s *Stage) AutoMergeEnabled() bool {
	return s.AutoMerge == nil || *s.AutoMerge
}

// HasAnyGoalChecks reports whether any goal-backward verification field is
// populated.
func (s *Stage) HasAnyGoalChecks() bool {
	return len(s.Truths) > 0 || len(s.Artifacts) > 0 || len(s.Wiring) > 0 ||
		len(s.TruthChecks) > 0 || len(s.WiringTests) > 0 || len(s.DeadCodeCheck) > 0
}

// IsKnowledgeStage reports whether this stage should run in the project
// root with no worktree. Only an explicit stage_type of Knowledge skips
// worktree isolation; ids or names that merely mention knowledge do not.
func (s *Stage) IsKnowledgeStage() bool {
	return s.StageType == StageKnowledge
}

// SetOutput upserts a key/value output, enforcing key uniqueness per §3.
func (s *Stage) SetOutput(key, value, originStageID string) {
	for i := range s.Outputs {
		if s.Outputs[i].Key == key {
			s.Outputs[i].Value = value
			s.Outputs[i].OriginStageID = originStageID
			return
		}
	}
	s.Outputs = append(s.Outputs, Output{Key: key, Value: value, OriginStageID: originStageID})
}

// GetOutput returns the value for key and whether it was found.
func (s *Stage) GetOutput(key string) (string, bool) {
	for _, o := range s.Outputs {
		if o.Key == key {
			return o.Value, true
		}
	}
	return "", false
}

// HasOutput reports whether key is set.
func (s *Stage) HasOutput(key string) bool {
	_, ok := s.GetOutput(key)
	return ok
}

// RemoveOutput deletes the output with the given key, if present.
func (s *Stage) RemoveOutput(key string) {
	for i := range s.Outputs {
		if s.Outputs[i].Key == key {
			s.Outputs = append(s.Outputs[:i], s.Outputs[i+1:]...)
			return
		}
	}
}

// DefaultMaxRetries is the §3 default for Stage.MaxRetries.
const DefaultMaxRetries = 3

// DefaultMaxFixAttempts is the §3 default for Stage.MaxFixAttempts.
const DefaultMaxFixAttempts = 3

// NewStage builds a Stage with the §4.1 boolean/retry defaults applied.
func NewStage(id, name string) *Stage {
	now := time.Now().UTC()
	return &Stage{
		ID:             id,
		Name:           name,
		Status:         StatusWaitingForDeps,
		MaxRetries:     DefaultMaxRetries,
		MaxFixAttempts: DefaultMaxFixAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
