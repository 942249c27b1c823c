package generator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quarry-dev/quarry/internal/conversation"
	"github.com/quarry-dev/quarry/internal/executor"
	"github.com/quarry-dev/quarry/internal/llm"
)

const maxHistoryTurns = 10

const generateSystemPrompt = `You are a SQL generation engine for SQLite. Given a schema and an analytical task, produce one query answering it. Your output must be ONLY a single valid JSON object:
{"query": "<one SELECT statement>", "explanation": "<one sentence on what the query computes>", "confidence": "high" | "medium" | "low"}

Rules:
- Exactly one SELECT (or WITH ... SELECT) statement. No INSERT, UPDATE, DELETE, DDL, or multiple statements.
- Use only the tables and columns listed in the schema, spelled exactly as shown.
- Use only SQLite built-in functions.
- Prefer aggregates and GROUP BY over returning raw rows when the task asks for totals, averages, or comparisons.`

const decomposeSystemPromptTemplate = `You are an analysis planner. Given a schema and an analytical question, decide how to answer it. Your output must be ONLY a single valid JSON object:
{"strategy": "single" | "supporting" | "comparative" | "comprehensive", "units": [{"name": "...", "description": "...", "priority": 1-5, "requires_deep_analysis": true|false, "data_filter": {"column": "value"}}]}

Strategies:
- "single": one query answers the question; omit units.
- "supporting": a main analysis plus context analyses that back it up.
- "comparative": parallel analyses of the same measure across segments.
- "comprehensive": a broad question split into complementary angles.

Rules:
- At most %d units. Fewer, sharper units beat many shallow ones.
- Each unit must be independently answerable from the schema alone.
- Priority 1 is the primary unit answering the question most directly.
- data_filter is optional; use it only when a unit restricts to one segment.`

const summarySystemPrompt = `You are a data analyst writing the final answer to the user's question. Base every number strictly on the query results provided. Answer in plain prose, lead with the direct answer, then add supporting detail from the additional results. Do not mention SQL or the queries themselves.`

// buildGeneratePrompt constructs the chat messages for candidate
// generation. The hint, when present, reflects only the most recent failure
// — prior attempts' hints are deliberately discarded to bound prompt
// growth.
func buildGeneratePrompt(task, schemaListing string, history []conversation.Message, hint string) []llm.Message {
	var sb strings.Builder
	sb.WriteString(generateSystemPrompt)
	fmt.Fprintf(&sb, "\n\nSchema:\n%s", schemaListing)
	if hint != "" {
		fmt.Fprintf(&sb, "\nCorrection from the previous attempt:\n%s", hint)
	}

	messages := []llm.Message{
		{Role: "system", Content: sb.String()},
	}
	messages = append(messages, recentHistory(history)...)
	messages = append(messages, llm.Message{Role: "user", Content: task})
	return messages
}

func buildDecomposePrompt(question, schemaListing string, maxUnits int) []llm.Message {
	system := fmt.Sprintf(decomposeSystemPromptTemplate, maxUnits)
	system += fmt.Sprintf("\n\nSchema:\n%s", schemaListing)
	return []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: question},
	}
}

func buildSummaryPrompt(question string, sections []ResultSection) []llm.Message {
	var sb strings.Builder
	for i, sec := range sections {
		label := "Primary result"
		if i > 0 {
			label = fmt.Sprintf("Additional result %d", i)
		}
		fmt.Fprintf(&sb, "[%s: %s]\n", label, sec.Title)
		if sec.Explanation != "" {
			fmt.Fprintf(&sb, "Computed: %s\n", sec.Explanation)
		}
		fmt.Fprintf(&sb, "%s\n\n", renderRows(sec.Rows, 20))
	}

	return []llm.Message{
		{Role: "system", Content: summarySystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Question: %s\n\nResults:\n%s", question, sb.String())},
	}
}

// recentHistory trims conversation history to the last maxHistoryTurns
// messages and converts them to chat messages.
func recentHistory(history []conversation.Message) []llm.Message {
	if len(history) > maxHistoryTurns {
		history = history[len(history)-maxHistoryTurns:]
	}
	out := make([]llm.Message, len(history))
	for i, m := range history {
		out[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// renderRows renders up to limit records as pipe-separated lines, preserving
// column order.
func renderRows(rows executor.Rows, limit int) string {
	if rows.Count() == 0 {
		return "(no rows)"
	}
	var sb strings.Builder
	sb.WriteString(strings.Join(rows.Columns, " | "))
	n := min(rows.Count(), limit)
	for _, rec := range rows.Records[:n] {
		vals := make([]string, len(rows.Columns))
		for i, c := range rows.Columns {
			b, err := json.Marshal(rec[c])
			if err != nil {
				vals[i] = fmt.Sprintf("%v", rec[c])
				continue
			}
			vals[i] = string(b)
		}
		sb.WriteString("\n" + strings.Join(vals, " | "))
	}
	if rows.Count() > limit {
		fmt.Fprintf(&sb, "\n... (%d more rows)", rows.Count()-limit)
	}
	return sb.String()
}
