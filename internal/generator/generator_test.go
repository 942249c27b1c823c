package generator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/quarry-dev/quarry/internal/conversation"
	"github.com/quarry-dev/quarry/internal/llm"
)

// mockChatter records calls and replays canned responses.
type mockChatter struct {
	response string
	err      error
	messages []llm.Message
	calls    int
}

func (m *mockChatter) Chat(ctx context.Context, model string, messages []llm.Message) (string, error) {
	m.calls++
	m.messages = messages
	return m.response, m.err
}

func (m *mockChatter) ChatJSON(ctx context.Context, model string, messages []llm.Message) (string, error) {
	return m.Chat(ctx, model, messages)
}

func TestGenerateParsesCandidate(t *testing.T) {
	mock := &mockChatter{response: `{"query": " SELECT region, SUM(revenue) FROM ds_sales GROUP BY region ", "explanation": "revenue per region", "confidence": "HIGH"}`}
	g := NewGenerator(mock, "test-model")

	cand, err := g.Generate(context.Background(), "revenue by region", "schema", nil, "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if cand.Query != "SELECT region, SUM(revenue) FROM ds_sales GROUP BY region" {
		t.Errorf("Query = %q, want trimmed statement", cand.Query)
	}
	if cand.Explanation != "revenue per region" {
		t.Errorf("Explanation = %q", cand.Explanation)
	}
	if cand.Confidence != ConfidenceHigh {
		t.Errorf("Confidence = %q, want high", cand.Confidence)
	}
}

func TestGenerateStripsCodeFences(t *testing.T) {
	mock := &mockChatter{response: "```json\n{\"query\": \"SELECT 1\", \"explanation\": \"\", \"confidence\": \"low\"}\n```"}
	g := NewGenerator(mock, "test-model")

	cand, err := g.Generate(context.Background(), "t", "schema", nil, "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if cand.Query != "SELECT 1" {
		t.Errorf("Query = %q, want SELECT 1", cand.Query)
	}
}

func TestGenerateMalformedOutput(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"not json", "here is your query: SELECT 1"},
		{"empty query", `{"query": "  ", "explanation": "x", "confidence": "high"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGenerator(&mockChatter{response: tt.response}, "test-model")
			_, err := g.Generate(context.Background(), "t", "schema", nil, "")
			var genErr *GenerationError
			if !errors.As(err, &genErr) {
				t.Fatalf("err = %v, want *GenerationError", err)
			}
			if genErr.Raw != tt.response {
				t.Errorf("Raw = %q, want the model output preserved", genErr.Raw)
			}
		})
	}
}

func TestGenerateClientError(t *testing.T) {
	g := NewGenerator(&mockChatter{err: errors.New("connection refused")}, "test-model")

	_, err := g.Generate(context.Background(), "t", "schema", nil, "")
	if err == nil {
		t.Fatal("expected error")
	}
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		t.Error("transport errors must not be wrapped as GenerationError")
	}
}

func TestGeneratePromptCarriesHintAndHistory(t *testing.T) {
	mock := &mockChatter{response: `{"query": "SELECT 1", "explanation": "", "confidence": "high"}`}
	g := NewGenerator(mock, "test-model")

	history := []conversation.Message{
		{Role: "user", Content: "earlier question"},
		{Role: "assistant", Content: "earlier answer"},
	}
	hint := "Use only the tables listed below."
	if _, err := g.Generate(context.Background(), "the task", "table ds_x", history, hint); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	msgs := mock.messages
	if msgs[0].Role != "system" {
		t.Fatalf("first message role = %q, want system", msgs[0].Role)
	}
	if !strings.Contains(msgs[0].Content, "table ds_x") {
		t.Error("system message missing the schema listing")
	}
	if !strings.Contains(msgs[0].Content, hint) {
		t.Error("system message missing the correction hint")
	}
	if msgs[1].Content != "earlier question" || msgs[2].Content != "earlier answer" {
		t.Errorf("history not forwarded in order: %+v", msgs[1:3])
	}
	last := msgs[len(msgs)-1]
	if last.Role != "user" || last.Content != "the task" {
		t.Errorf("last message = %+v, want the task as user turn", last)
	}
}

func TestRecentHistoryTrims(t *testing.T) {
	var history []conversation.Message
	for i := 0; i < maxHistoryTurns+4; i++ {
		history = append(history, conversation.Message{Role: "user", Content: strings.Repeat("x", i+1)})
	}

	out := recentHistory(history)
	if len(out) != maxHistoryTurns {
		t.Fatalf("got %d messages, want %d", len(out), maxHistoryTurns)
	}
	if out[len(out)-1].Content != history[len(history)-1].Content {
		t.Error("trimming must keep the most recent messages")
	}
}

func TestParseConfidence(t *testing.T) {
	tests := []struct {
		in   string
		want Confidence
	}{
		{"high", ConfidenceHigh},
		{" Medium ", ConfidenceMedium},
		{"LOW", ConfidenceLow},
		{"certain", ConfidenceUnknown},
		{"", ConfidenceUnknown},
	}
	for _, tt := range tests {
		if got := ParseConfidence(tt.in); got != tt.want {
			t.Errorf("ParseConfidence(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"  {\"a\":1}  ", `{"a":1}`},
	}
	for _, tt := range tests {
		if got := stripFences(tt.in); got != tt.want {
			t.Errorf("stripFences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
