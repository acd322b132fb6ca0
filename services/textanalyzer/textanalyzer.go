// Package textanalyzer is a small built-in service used to exercise the
// dispatch path end to end. It registers under the assistant mode.
package textanalyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loopworks/taskmesh/registry"
	"github.com/loopworks/taskmesh/task"
)

const (
	// Mode and Name locate the service in the registry.
	Mode = "assistant"
	Name = "textanalyzer"
)

func init() {
	if err := registry.Register(Mode, Name, func() (registry.Service, error) {
		return New(), nil
	}); err != nil {
		panic(fmt.Sprintf("register %s/%s: %v", Mode, Name, err))
	}
}

// Service analyzes short texts with a small sentiment lexicon.
type Service struct {
	positive map[string]struct{}
	negative map[string]struct{}
}

// New creates the service.
func New() *Service {
	return &Service{
		positive: wordSet("good", "great", "excellent", "love", "happy", "wonderful", "fantastic", "nice"),
		negative: wordSet("bad", "terrible", "awful", "hate", "sad", "horrible", "broken", "angry"),
	}
}

// Handlers implements registry.Service.
func (s *Service) Handlers() map[string]registry.HandlerFunc {
	return map[string]registry.HandlerFunc{
		"analyze_text": s.analyzeText,
		"word_count":   s.wordCount,
	}
}

type textInput struct {
	Text string `json:"text"`
}

func decodeText(input json.RawMessage) (string, error) {
	var in textInput
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return "", task.Errorf(task.CodeInvalidParams, "decode input: %v", err)
		}
	}
	if in.Text == "" {
		return "", task.Errorf(task.CodeInvalidParams, "text is required")
	}
	return in.Text, nil
}

// analyzeText scores the text against the lexicon. Texts with no scoring
// words are neutral.
func (s *Service) analyzeText(_ context.Context, input json.RawMessage, _ *task.TaskContext) (any, error) {
	text, err := decodeText(input)
	if err != nil {
		return nil, err
	}

	score := 0
	words := tokenize(text)
	for _, w := range words {
		if _, ok := s.positive[w]; ok {
			score++
		}
		if _, ok := s.negative[w]; ok {
			score--
		}
	}

	sentiment := "neutral"
	switch {
	case score > 0:
		sentiment = "positive"
	case score < 0:
		sentiment = "negative"
	}

	return map[string]any{
		"sentiment": sentiment,
		"score":     score,
		"words":     len(words),
	}, nil
}

func (s *Service) wordCount(_ context.Context, input json.RawMessage, _ *task.TaskContext) (any, error) {
	text, err := decodeText(input)
	if err != nil {
		return nil, err
	}
	return map[string]any{"words": len(tokenize(text))}, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}

func wordSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
