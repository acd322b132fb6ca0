package task

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() *Request {
	return &Request{
		TaskName: "analyze",
		UserID:   "u1",
		TaskID:   "t1",
		Mode:     "nlp",
		Service:  "analyzer",
	}
}

func TestRequest_Validate(t *testing.T) {
	require.NoError(t, validRequest().Validate())

	req := validRequest()
	req.TaskName = ""
	assert.Error(t, req.Validate())

	req = validRequest()
	req.UserID = ""
	assert.Error(t, req.Validate())

	req = validRequest()
	req.TaskID = ""
	assert.Error(t, req.Validate())

	req = validRequest()
	req.Mode = ""
	assert.Error(t, req.Validate())

	req = validRequest()
	req.Service = ""
	assert.Error(t, req.Validate())
}

func TestRequest_ValidateWithSteps(t *testing.T) {
	// Multi-step requests do not require mode/service at the top level.
	req := &Request{
		TaskName: "pipeline",
		UserID:   "u1",
		TaskID:   "t1",
		Steps: []Step{
			{Type: StepTask, Params: map[string]any{"task": "analyzer.analyze_text"}},
		},
	}
	require.NoError(t, req.Validate())

	req.Steps = append(req.Steps, Step{Type: StepType("loop")})
	err := req.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "steps[1]")
}

func TestRequest_SchemaAndRegistration(t *testing.T) {
	req := validRequest()
	assert.Equal(t, "task", req.Schema().Domain)
	assert.Equal(t, "request", req.Schema().Category)
	assert.Equal(t, "v1", req.Schema().Version)
}

func TestParseRequest_Raw(t *testing.T) {
	data, err := json.Marshal(validRequest())
	require.NoError(t, err)

	req, err := ParseRequest(data)
	require.NoError(t, err)
	assert.Equal(t, "analyze", req.TaskName)
	assert.Equal(t, "u1", req.UserID)
}

func TestParseRequest_Enveloped(t *testing.T) {
	payload, err := json.Marshal(validRequest())
	require.NoError(t, err)

	env, err := json.Marshal(map[string]any{
		"id":      "msg-1",
		"source":  "broker",
		"payload": json.RawMessage(payload),
	})
	require.NoError(t, err)

	req, err := ParseRequest(env)
	require.NoError(t, err)
	assert.Equal(t, "t1", req.TaskID)
}

func TestParseRequest_Invalid(t *testing.T) {
	_, err := ParseRequest([]byte(`not json`))
	assert.Error(t, err)

	_, err = ParseRequest([]byte(`{"task_name":"x"}`))
	assert.Error(t, err)
}

func TestTaskContextOrNew(t *testing.T) {
	req := validRequest()
	tctx, err := req.TaskContextOrNew()
	require.NoError(t, err)
	assert.Equal(t, "u1", tctx.UserID)
	assert.Equal(t, "t1", tctx.TaskID)

	existing, err := NewTaskContext("u2", "t2", "s2", nil)
	require.NoError(t, err)
	req.Context = existing
	tctx, err = req.TaskContextOrNew()
	require.NoError(t, err)
	assert.Same(t, existing, tctx)

	req.Context = &TaskContext{}
	_, err = req.TaskContextOrNew()
	assert.Error(t, err)
}
