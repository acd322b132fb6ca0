package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopworks/taskmesh/registry"
	"github.com/loopworks/taskmesh/task"
)

type fixtureService struct{}

func (fixtureService) Handlers() map[string]registry.HandlerFunc {
	return map[string]registry.HandlerFunc{
		"greet": func(_ context.Context, input json.RawMessage, _ *task.TaskContext) (any, error) {
			var in struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, task.WithCode(task.CodeInvalidParams, err)
			}
			return "hello " + in.Name, nil
		},
		"flaky": func(context.Context, json.RawMessage, *task.TaskContext) (any, error) {
			return nil, task.Errorf(task.CodeUnavailable, "backend down")
		},
		"boom": func(context.Context, json.RawMessage, *task.TaskContext) (any, error) {
			panic("unexpected state")
		},
	}
}

type sinkService struct{}

func (sinkService) Handlers() map[string]registry.HandlerFunc {
	return map[string]registry.HandlerFunc{}
}

func (sinkService) ExecuteTask(_ context.Context, method string, _ json.RawMessage, _ *task.TaskContext) (any, error) {
	return "sink:" + method, nil
}

func newDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register("nlp", "fixture", func() (registry.Service, error) {
		return fixtureService{}, nil
	}))
	require.NoError(t, reg.Register("nlp", "catchall", func() (registry.Service, error) {
		return sinkService{}, nil
	}))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(reg, logger)
}

func TestDispatch_NamedHandler(t *testing.T) {
	d := newDispatcher(t)

	result, err := d.Dispatch(context.Background(), "nlp", "fixture", "greet",
		json.RawMessage(`{"name":"ada"}`), nil)
	require.NoError(t, err)
	assert.Equal(t, "hello ada", result)
}

func TestDispatch_SinkFallback(t *testing.T) {
	d := newDispatcher(t)

	result, err := d.Dispatch(context.Background(), "nlp", "catchall", "anything", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "sink:anything", result)
}

func TestDispatch_UnknownService(t *testing.T) {
	d := newDispatcher(t)

	_, err := d.Dispatch(context.Background(), "nlp", "missing", "greet", nil, nil)
	require.Error(t, err)
	assert.Equal(t, task.CodeNotFound, task.Classify(err))
	assert.True(t, errors.Is(err, registry.ErrServiceNotFound))
}

func TestDispatch_UnknownMethodWithoutSink(t *testing.T) {
	d := newDispatcher(t)

	_, err := d.Dispatch(context.Background(), "nlp", "fixture", "missing", nil, nil)
	require.Error(t, err)
	assert.Equal(t, task.CodeNotFound, task.Classify(err))
	assert.Contains(t, err.Error(), "fixture.missing")
}

func TestDispatch_PanicBecomesInternalError(t *testing.T) {
	d := newDispatcher(t)

	result, err := d.Dispatch(context.Background(), "nlp", "fixture", "boom", nil, nil)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, task.CodeInternal, task.Classify(err))
	assert.Contains(t, err.Error(), "fixture.boom")
}

func TestDispatch_HandlerErrorKeepsClassification(t *testing.T) {
	d := newDispatcher(t)

	_, err := d.Dispatch(context.Background(), "nlp", "fixture", "flaky", nil, nil)
	require.Error(t, err)
	assert.Equal(t, task.CodeUnavailable, task.Classify(err))
	assert.True(t, task.IsRetryable(err))
	assert.Contains(t, err.Error(), "fixture.flaky")
}

func TestDispatch_InvalidParams(t *testing.T) {
	d := newDispatcher(t)

	_, err := d.Dispatch(context.Background(), "nlp", "fixture", "greet",
		json.RawMessage(`not json`), nil)
	require.Error(t, err)
	assert.Equal(t, task.CodeInvalidParams, task.Classify(err))
}
