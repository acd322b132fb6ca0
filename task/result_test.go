package task

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusTimedOut.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestNewCompletedResult(t *testing.T) {
	res := NewCompletedResult("analyzer.analyze_text", map[string]any{"sentiment": "neutral"}, "done")
	require.NoError(t, res.Validate())
	assert.True(t, res.Completed)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Empty(t, res.ErrorCode)
}

func TestNewFailedResult_StatusMapping(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want Status
	}{
		{CodeNotFound, StatusFailed},
		{CodeInternal, StatusFailed},
		{CodeTimeout, StatusTimedOut},
		{CodeCancelled, StatusCancelled},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			res := NewFailedResult("svc.method", tt.code, errors.New("boom"))
			require.NoError(t, res.Validate())
			assert.False(t, res.Completed)
			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, tt.code, res.ErrorCode)
			assert.Equal(t, "boom", res.ErrorMessage)
			assert.NotEmpty(t, res.Message)
		})
	}
}

func TestStepResult_ValidateInvariants(t *testing.T) {
	// Incomplete terminal failure without error code is rejected.
	res := &StepResult{Step: "s", Completed: false, Status: StatusFailed}
	assert.Error(t, res.Validate())

	// Completed result must carry completed status.
	res = &StepResult{Step: "s", Completed: true, Status: StatusFailed, ErrorCode: CodeInternal}
	assert.Error(t, res.Validate())

	res = &StepResult{Completed: true, Status: StatusCompleted}
	assert.Error(t, res.Validate(), "step name is required")
}

func TestStepResult_RoundTrip(t *testing.T) {
	res := NewFailedResult("svc.m", CodeRateLimited, errors.New("rate limit exceeded"))

	data, err := json.Marshal(res)
	require.NoError(t, err)

	var restored StepResult
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.Equal(t, *res, restored)
}

func TestStep_Validate(t *testing.T) {
	s := &Step{Type: StepTask, Params: map[string]any{"task": "a.b"}}
	assert.NoError(t, s.Validate())

	s = &Step{}
	assert.Error(t, s.Validate())

	s = &Step{Type: StepType("loop")}
	assert.Error(t, s.Validate())
}

func TestStep_UnmarshalNormalisesParams(t *testing.T) {
	var s Step
	require.NoError(t, json.Unmarshal([]byte(`{"step_type":"sequence"}`), &s))
	require.NotNil(t, s.Params)
	assert.Empty(t, s.Params)
}
