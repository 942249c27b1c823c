package main

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestColorize(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if result := colorize(colorGreen, "hello"); strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	result := colorize(colorGreen, "hello")
	if !strings.Contains(result, colorGreen) || !strings.Contains(result, colorReset) {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestPrintAnswerDecodesResponse(t *testing.T) {
	raw := json.RawMessage(`{
		"conversation_id": "c1",
		"answer": "East leads.",
		"query": "SELECT region FROM ds_sales",
		"rows": {"columns": ["region"], "records": [{"region": "east"}]},
		"total_units": 2,
		"successful_units": 2
	}`)

	if err := printAnswer(raw); err != nil {
		t.Fatalf("printAnswer: %v", err)
	}

	if err := printAnswer(json.RawMessage(`{`)); err == nil {
		t.Error("expected error for malformed response")
	}
}
