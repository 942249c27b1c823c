package generator

import (
	"context"
	"fmt"
	"strings"

	"github.com/quarry-dev/quarry/internal/executor"
)

// ResultSection is one answered sub-question fed into the summary: the
// primary result first, then any additional unit results.
type ResultSection struct {
	Title       string
	Query       string
	Explanation string
	Rows        executor.Rows
}

// Summarizer writes the final natural-language answer from executed
// results.
type Summarizer struct {
	client Chatter
	model  string
}

// NewSummarizer creates a Summarizer using the given chat client and model.
func NewSummarizer(client Chatter, model string) *Summarizer {
	return &Summarizer{client: client, model: model}
}

// Summarize produces a natural-language answer to question grounded in the
// given result sections.
func (s *Summarizer) Summarize(ctx context.Context, question string, sections []ResultSection) (string, error) {
	answer, err := s.client.Chat(ctx, s.model, buildSummaryPrompt(question, sections))
	if err != nil {
		return "", fmt.Errorf("summarizing results: %w", err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", fmt.Errorf("summarizer returned an empty answer")
	}
	return answer, nil
}

// FallbackSummary renders a plain-text answer directly from the primary
// result when the summarizer is unavailable. Presentation is best-effort;
// query correctness is not.
func FallbackSummary(sections []ResultSection) string {
	if len(sections) == 0 {
		return "The query completed but produced no results."
	}
	primary := sections[0]
	var sb strings.Builder
	fmt.Fprintf(&sb, "Query returned %d rows.", primary.Rows.Count())
	if primary.Explanation != "" {
		sb.WriteString(" ")
		sb.WriteString(primary.Explanation)
	}
	if sample := renderRows(primary.Rows, 5); sample != "" {
		sb.WriteString("\n")
		sb.WriteString(sample)
	}
	return sb.String()
}
