// Package generator is the LLM boundary of the pipeline: it turns task
// descriptions into SQL candidates, decomposes complex questions into
// analysis units, and writes the final natural-language summary. It never
// sees raw dataset rows except the bounded samples the summarizer renders.
package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quarry-dev/quarry/internal/conversation"
	"github.com/quarry-dev/quarry/internal/llm"
)

// Chatter is the LLM client surface this package consumes.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []llm.Message) (string, error)
	ChatJSON(ctx context.Context, model string, messages []llm.Message) (string, error)
}

// Confidence is the generator's self-reported confidence label.
type Confidence string

const (
	ConfidenceHigh    Confidence = "high"
	ConfidenceMedium  Confidence = "medium"
	ConfidenceLow     Confidence = "low"
	ConfidenceUnknown Confidence = "unknown"
)

// ParseConfidence maps a free-form label to the closed Confidence set.
func ParseConfidence(s string) Confidence {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return ConfidenceHigh
	case "medium":
		return ConfidenceMedium
	case "low":
		return ConfidenceLow
	default:
		return ConfidenceUnknown
	}
}

// Candidate is one generated query attempt. Immutable once produced.
type Candidate struct {
	Query       string     `json:"query"`
	Explanation string     `json:"explanation"`
	Confidence  Confidence `json:"confidence"`
}

// GenerationError reports malformed output from the underlying model. The
// runner treats it like an execution failure of category Unknown.
type GenerationError struct {
	Raw string
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("malformed generator output: %v", e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Generator produces SQL candidates from task descriptions.
type Generator struct {
	client Chatter
	model  string
}

// NewGenerator creates a Generator using the given chat client and model.
func NewGenerator(client Chatter, model string) *Generator {
	return &Generator{client: client, model: model}
}

// Generate asks the model for a single SQL candidate answering task.
// schemaListing is the live dataset schema; history provides conversation
// continuity; hint, when non-empty, is the correction instruction built
// from the most recent failure.
func (g *Generator) Generate(ctx context.Context, task, schemaListing string, history []conversation.Message, hint string) (Candidate, error) {
	messages := buildGeneratePrompt(task, schemaListing, history, hint)

	raw, err := g.client.ChatJSON(ctx, g.model, messages)
	if err != nil {
		return Candidate{}, fmt.Errorf("generating candidate: %w", err)
	}

	var parsed struct {
		Query       string `json:"query"`
		Explanation string `json:"explanation"`
		Confidence  string `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(stripFences(raw)), &parsed); err != nil {
		return Candidate{}, &GenerationError{Raw: raw, Err: err}
	}
	if strings.TrimSpace(parsed.Query) == "" {
		return Candidate{}, &GenerationError{Raw: raw, Err: fmt.Errorf("empty query field")}
	}

	return Candidate{
		Query:       strings.TrimSpace(parsed.Query),
		Explanation: parsed.Explanation,
		Confidence:  ParseConfidence(parsed.Confidence),
	}, nil
}

// stripFences removes a markdown code fence wrapper if the model added one
// despite JSON mode.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
