package textanalyzer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/loopworks/taskmesh/registry"
	"github.com/loopworks/taskmesh/task"
)

func analyze(t *testing.T, text string) map[string]any {
	t.Helper()

	svc := New()
	input, _ := json.Marshal(map[string]string{"text": text})
	out, err := svc.Handlers()["analyze_text"](context.Background(), input, nil)
	if err != nil {
		t.Fatalf("analyze_text(%q) error = %v", text, err)
	}
	result, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("analyze_text(%q) = %T, want map", text, out)
	}
	return result
}

func TestAnalyzeText_Sentiment(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"the weather is here", "neutral"},
		{"what a great and wonderful day", "positive"},
		{"this is terrible, I hate it", "negative"},
		{"good but also bad", "neutral"},
	}

	for _, tt := range tests {
		if got := analyze(t, tt.text)["sentiment"]; got != tt.want {
			t.Errorf("analyze_text(%q) sentiment = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestAnalyzeText_RequiresText(t *testing.T) {
	svc := New()

	_, err := svc.Handlers()["analyze_text"](context.Background(), json.RawMessage(`{}`), nil)
	if err == nil {
		t.Fatal("analyze_text({}) succeeded, want error")
	}

	var coded *task.CodedError
	if !errors.As(err, &coded) || coded.Code != task.CodeInvalidParams {
		t.Errorf("error = %v, want INVALID_PARAMS", err)
	}
}

func TestWordCount(t *testing.T) {
	svc := New()

	input, _ := json.Marshal(map[string]string{"text": "one two three"})
	out, err := svc.Handlers()["word_count"](context.Background(), input, nil)
	if err != nil {
		t.Fatalf("word_count() error = %v", err)
	}
	result := out.(map[string]any)
	if result["words"] != 3 {
		t.Errorf("words = %v, want 3", result["words"])
	}
}

func TestInit_RegistersInDefaultRegistry(t *testing.T) {
	svc, err := registry.Get(Mode, Name)
	if err != nil {
		t.Fatalf("Get(%s, %s) error = %v", Mode, Name, err)
	}
	if _, ok := svc.Handlers()["analyze_text"]; !ok {
		t.Error("registered service missing analyze_text handler")
	}
}
