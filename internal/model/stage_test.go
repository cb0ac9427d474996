package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executingStage(t *testing.T) *Stage {
	t.Helper()
	st := NewStage("api", "Build the API")
	require.NoError(t, st.TryMarkQueued())
	require.NoError(t, st.TryMarkExecuting())
	return st
}

func TestTryMarkExecuting_SetsStartedAtOnce(t *testing.T) {
	st := executingStage(t)
	require.NotNil(t, st.StartedAt)
	require.NotNil(t, st.AttemptStartedAt)
	first := *st.StartedAt

	// Fail, retry: the original start time survives.
	require.NoError(t, st.TryCompleteWithFailures())
	require.NoError(t, st.TryMarkExecuting())
	assert.Equal(t, first, *st.StartedAt)
}

func TestTryComplete_SetsDuration(t *testing.T) {
	st := executingStage(t)
	earlier := time.Now().UTC().Add(-90 * time.Second)
	st.StartedAt = &earlier

	require.NoError(t, st.TryComplete("done"))
	require.NotNil(t, st.CompletedAt)
	assert.InDelta(t, st.CompletedAt.Sub(*st.StartedAt).Seconds(), st.DurationSecs, 0.001)
	assert.Equal(t, "done", st.CloseReason)
}

func TestTransitionOutOfExecuting_AccumulatesExecutionSecs(t *testing.T) {
	st := executingStage(t)
	earlier := time.Now().UTC().Add(-30 * time.Second)
	st.AttemptStartedAt = &earlier

	require.NoError(t, st.TryMarkWaitingForInput())
	assert.Nil(t, st.AttemptStartedAt)
	assert.GreaterOrEqual(t, st.ExecutionSecs, 29.0)
}

func TestExecutionSecs_AccumulatesAcrossIntervals(t *testing.T) {
	st := executingStage(t)
	earlier := time.Now().UTC().Add(-10 * time.Second)
	st.AttemptStartedAt = &earlier
	require.NoError(t, st.TryMarkWaitingForInput())
	first := st.ExecutionSecs

	require.NoError(t, st.transition(StatusExecuting))
	earlier = time.Now().UTC().Add(-5 * time.Second)
	st.AttemptStartedAt = &earlier
	require.NoError(t, st.TryComplete(""))
	assert.Greater(t, st.ExecutionSecs, first)
}

func TestTryMarkMergeConflict_SetsFlag(t *testing.T) {
	st := executingStage(t)
	require.NoError(t, st.TryComplete(""))
	require.NoError(t, st.TryMarkMergeConflict())
	assert.True(t, st.MergeConflict)
	assert.Equal(t, StatusMergeConflict, st.Status)
}

func TestTryCompleteMerge_ClearsConflictAndMarksMerged(t *testing.T) {
	st := executingStage(t)
	require.NoError(t, st.TryComplete(""))
	require.NoError(t, st.TryMarkMergeConflict())

	require.NoError(t, st.TryCompleteMerge())
	assert.False(t, st.MergeConflict)
	assert.True(t, st.Merged)
	assert.Equal(t, StatusCompleted, st.Status)
	require.NotNil(t, st.CompletedAt)
}

func TestInvalidTransition_LeavesStageUntouched(t *testing.T) {
	st := NewStage("api", "Build the API")
	err := st.TryMarkExecuting()
	require.Error(t, err)
	assert.Equal(t, StatusWaitingForDeps, st.Status)
	assert.Nil(t, st.StartedAt)
}

func TestOutputs_KeyUniqueness(t *testing.T) {
	st := NewStage("api", "Build the API")
	st.SetOutput("port", "8080", "api")
	st.SetOutput("schema", "v2", "api")
	st.SetOutput("port", "9090", "api") // upsert, not append

	assert.Len(t, st.Outputs, 2)
	v, ok := st.GetOutput("port")
	require.True(t, ok)
	assert.Equal(t, "9090", v)

	keys := map[string]bool{}
	for _, o := range st.Outputs {
		assert.False(t, keys[o.Key], "duplicate output key %s", o.Key)
		keys[o.Key] = true
	}

	st.RemoveOutput("port")
	assert.False(t, st.HasOutput("port"))
}

func TestAutoMergeEnabled_DefaultsTrue(t *testing.T) {
	st := NewStage("api", "Build the API")
	assert.True(t, st.AutoMergeEnabled())

	off := false
	st.AutoMerge = &off
	assert.False(t, st.AutoMergeEnabled())
}

func TestRecordFailure_BumpsRetryCount(t *testing.T) {
	st := NewStage("api", "Build the API")
	st.RecordFailure(FailureSessionCrash, "pid gone")

	assert.Equal(t, 1, st.RetryCount)
	require.NotNil(t, st.FailureInfo)
	assert.Equal(t, FailureSessionCrash, st.FailureInfo.FailureType)
	require.NotNil(t, st.LastFailureAt)
	assert.True(t, st.CanRetry())

	st.RetryCount = st.EffectiveMaxRetries()
	assert.False(t, st.CanRetry())
}

func TestFixAttemptLimit(t *testing.T) {
	st := NewStage("api", "Build the API")
	assert.False(t, st.IsAtFixLimit())
	for i := 0; i < DefaultMaxFixAttempts; i++ {
		st.IncrementFixAttempts()
	}
	assert.True(t, st.IsAtFixLimit())
}

func TestHoldRelease(t *testing.T) {
	st := NewStage("api", "Build the API")
	st.Hold()
	assert.True(t, st.Held)
	st.Release()
	assert.False(t, st.Held)
}

func TestIsKnowledgeStage(t *testing.T) {
	tests := []struct {
		name  string
		stage *Stage
		want  bool
	}{
		{"explicit type", &Stage{StageType: StageKnowledge}, true},
		{"standard", &Stage{ID: "api", Name: "Build API", StageType: StageStandard}, false},
		{"integration verify keeps its worktree", &Stage{StageType: StageIntegrationVerify}, false},
		{"substring alone does not reclassify", &Stage{ID: "fix-knowledge-base-parser", Name: "Knowledge sweep"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.stage.IsKnowledgeStage())
		})
	}
}

func TestSessionContextPercent(t *testing.T) {
	s := &Session{ContextTokens: 130000, ContextLimit: 200000}
	assert.InDelta(t, 65.0, s.ContextPercent(), 0.001)

	s = &Session{ContextTokens: 5000}
	assert.Zero(t, s.ContextPercent())
}

func TestSessionIsMergeSession(t *testing.T) {
	assert.True(t, (&Session{SessionType: SessionMerge}).IsMergeSession())
	assert.False(t, (&Session{SessionType: SessionNormal}).IsMergeSession())
	assert.False(t, (&Session{}).IsMergeSession())
}
