package model

import (
	"time"

	"github.com/loomstage/loom/internal/statemachine"
)

func (s *Stage) transition(to StageStatus) error {
	if err := statemachine.Transition(s.Status, to); err != nil {
		return err
	}
	if s.Status == StatusExecuting && to != StatusExecuting {
		s.AccumulateExecutionSecs()
	}
	s.Status = to
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// TryMarkWaitingForDeps resets the stage to WaitingForDeps (manual reset).
func (s *Stage) TryMarkWaitingForDeps() error {
	return s.transition(StatusWaitingForDeps)
}

// RecordFailure stores failure evidence and bumps the retry counter so
// recovery can judge retry eligibility and backoff.
func (s *Stage) RecordFailure(ft FailureType, evidence ...string) {
	now := time.Now().UTC()
	s.RetryCount++
	s.LastFailureAt = &now
	s.FailureInfo = &FailureInfo{
		FailureType: ft,
		DetectedAt:  now,
		Evidence:    evidence,
	}
	s.UpdatedAt = now
}

// EffectiveMaxRetries returns MaxRetries, defaulting to DefaultMaxRetries
// when unset.
func (s *Stage) EffectiveMaxRetries() int {
	if s.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return s.MaxRetries
}

// CanRetry reports whether the stage has retry budget remaining.
func (s *Stage) CanRetry() bool {
	return s.RetryCount < s.EffectiveMaxRetries()
}

// TryMarkQueued moves the stage to Queued.
func (s *Stage) TryMarkQueued() error {
	return s.transition(StatusQueued)
}

// TryMarkExecuting moves the stage to Executing, recording StartedAt only
// on first execution so retries preserve the original start time.
func (s *Stage) TryMarkExecuting() error {
	if err := s.transition(StatusExecuting); err != nil {
		return err
	}
	if s.StartedAt == nil {
		now := time.Now().UTC()
		s.StartedAt = &now
	}
	now := time.Now().UTC()
	s.AttemptStartedAt = &now
	return nil
}

// TryMarkWaitingForInput moves the stage to WaitingForInput.
func (s *Stage) TryMarkWaitingForInput() error {
	return s.transition(StatusWaitingForInput)
}

// TryMarkNeedsHandoff moves the stage to NeedsHandoff.
func (s *Stage) TryMarkNeedsHandoff() error {
	return s.transition(StatusNeedsHandoff)
}

// TryComplete moves the stage to Completed, recording CompletedAt, an
// optional CloseReason, and DurationSecs measured from StartedAt.
func (s *Stage) TryComplete(reason string) error {
	if err := s.transition(StatusCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	s.CompletedAt = &now
	s.CloseReason = reason
	if s.StartedAt != nil {
		s.DurationSecs = now.Sub(*s.StartedAt).Seconds()
	}
	return nil
}

// TryMarkBlocked moves the stage to Blocked.
func (s *Stage) TryMarkBlocked() error {
	return s.transition(StatusBlocked)
}

// TryMarkSkipped moves the stage to Skipped, recording an optional reason.
func (s *Stage) TryMarkSkipped(reason string) error {
	if err := s.transition(StatusSkipped); err != nil {
		return err
	}
	s.CloseReason = reason
	return nil
}

// TryMarkMergeConflict moves the stage to MergeConflict and sets the
// MergeConflict flag so recovery and status reporting can find it.
func (s *Stage) TryMarkMergeConflict() error {
	if err := s.transition(StatusMergeConflict); err != nil {
		return err
	}
	s.MergeConflict = true
	return nil
}

// TryCompleteMerge resolves a MergeConflict stage back to Completed with
// Merged set, clearing MergeConflict and recomputing DurationSecs as in
// TryComplete. The transition table has no MergeBlocked -> Completed
// edge, so a MergeBlocked stage is rejected.
func (s *Stage) TryCompleteMerge() error {
	if err := s.transition(StatusCompleted); err != nil {
		return err
	}
	s.MergeConflict = false
	s.Merged = true
	now := time.Now().UTC()
	s.CompletedAt = &now
	if s.StartedAt != nil {
		s.DurationSecs = now.Sub(*s.StartedAt).Seconds()
	}
	return nil
}

// TryCompleteWithFailures moves the stage to CompletedWithFailures: the
// stage ran but its acceptance criteria did not pass.
func (s *Stage) TryCompleteWithFailures() error {
	return s.transition(StatusCompletedWithFails)
}

// TryMarkMergeBlocked moves the stage to MergeBlocked: the merge itself
// errored, as opposed to producing a content conflict.
func (s *Stage) TryMarkMergeBlocked() error {
	return s.transition(StatusMergeBlocked)
}

// TryRequestHumanReview moves the stage to NeedsHumanReview, recording why.
func (s *Stage) TryRequestHumanReview(reason string) error {
	if err := s.transition(StatusNeedsHumanReview); err != nil {
		return err
	}
	s.ReviewReason = reason
	return nil
}

// TryApproveReview resumes execution after a human review, clearing the
// recorded reason.
func (s *Stage) TryApproveReview() error {
	if err := s.transition(StatusExecuting); err != nil {
		return err
	}
	s.ReviewReason = ""
	return nil
}

// TryForceCompleteReview force-completes a stage that was in human review.
func (s *Stage) TryForceCompleteReview() error {
	if err := s.transition(StatusCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	s.CompletedAt = &now
	if s.StartedAt != nil {
		s.DurationSecs = now.Sub(*s.StartedAt).Seconds()
	}
	return nil
}

// TryRejectReview blocks a stage whose human review was rejected.
func (s *Stage) TryRejectReview(reason string) error {
	if err := s.transition(StatusBlocked); err != nil {
		return err
	}
	s.ReviewReason = reason
	return nil
}

// IncrementFixAttempts bumps the fix attempt counter and returns the new
// count.
func (s *Stage) IncrementFixAttempts() int {
	s.FixAttempts++
	s.UpdatedAt = time.Now().UTC()
	return s.FixAttempts
}

// EffectiveMaxFixAttempts returns MaxFixAttempts, defaulting to
// DefaultMaxFixAttempts when unset.
func (s *Stage) EffectiveMaxFixAttempts() int {
	if s.MaxFixAttempts <= 0 {
		return DefaultMaxFixAttempts
	}
	return s.MaxFixAttempts
}

// IsAtFixLimit reports whether FixAttempts has reached the effective max.
func (s *Stage) IsAtFixLimit() bool {
	return s.FixAttempts >= s.EffectiveMaxFixAttempts()
}

// Hold sets Held, idempotently.
func (s *Stage) Hold() {
	if !s.Held {
		s.Held = true
		s.UpdatedAt = time.Now().UTC()
	}
}

// Release clears Held, idempotently.
func (s *Stage) Release() {
	if s.Held {
		s.Held = false
		s.UpdatedAt = time.Now().UTC()
	}
}

// AccumulateExecutionSecs adds elapsed wall time since AttemptStartedAt to
// ExecutionSecs. transition calls it on every move out of Executing,
// completions included, so a stage that is resumed multiple times reports
// total time actually executing.
func (s *Stage) AccumulateExecutionSecs() {
	if s.AttemptStartedAt == nil {
		return
	}
	s.ExecutionSecs += time.Since(*s.AttemptStartedAt).Seconds()
	s.AttemptStartedAt = nil
}
