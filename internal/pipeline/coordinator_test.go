package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/quarry-dev/quarry/internal/analyzer"
	"github.com/quarry-dev/quarry/internal/classify"
	"github.com/quarry-dev/quarry/internal/conversation"
	"github.com/quarry-dev/quarry/internal/executor"
	"github.com/quarry-dev/quarry/internal/generator"
	"github.com/quarry-dev/quarry/internal/progress"
	"github.com/quarry-dev/quarry/internal/runner"
	"github.com/quarry-dev/quarry/internal/scheduler"
)

type fakePlanner struct{ plan generator.Plan }

func (f fakePlanner) Decompose(ctx context.Context, question, schemaListing string) generator.Plan {
	return f.plan
}

type fakeRunner struct {
	outcome runner.Outcome
	cand    generator.Candidate
	history []conversation.Message
	task    string
}

func (f *fakeRunner) Run(ctx context.Context, task string, history []conversation.Message, maxAttempts int, events *progress.Stream, unit *progress.UnitRef) (runner.Outcome, generator.Candidate) {
	f.task = task
	f.history = history
	return f.outcome, f.cand
}

type fakeScheduler struct {
	agg *scheduler.Aggregate
	err error
}

func (f fakeScheduler) RunParallel(ctx context.Context, units []generator.Unit, history []conversation.Message, perUnitMaxAttempts int, deadline time.Duration, events *progress.Stream) (*scheduler.Aggregate, error) {
	return f.agg, f.err
}

type fakeSummarizer struct {
	answer string
	err    error
}

func (f fakeSummarizer) Summarize(ctx context.Context, question string, sections []generator.ResultSection) (string, error) {
	return f.answer, f.err
}

type fakeVisualizer struct {
	artifact *analyzer.Artifact
	err      error
}

func (f fakeVisualizer) Analyze(ctx context.Context, title string, rows executor.Rows) (*analyzer.Artifact, error) {
	return f.artifact, f.err
}

type fakeSchema struct {
	listing string
	err     error
}

func (f fakeSchema) Describe() (string, error) { return f.listing, f.err }

func someRows() executor.Rows {
	return executor.Rows{Columns: []string{"n"}, Records: []executor.Row{{"n": int64(7)}}}
}

// collect consumes the stream until the terminal event arrives, then drains
// whatever is left buffered.
func collect(t *testing.T, s *progress.Stream) []progress.Event {
	t.Helper()
	var out []progress.Event
	for {
		select {
		case ev := <-s.Events():
			out = append(out, ev)
			if ev.Terminal() {
				return out
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no terminal event after %d events", len(out))
		}
	}
}

func singlePathCoordinator(run *fakeRunner) (*Coordinator, *conversation.Store) {
	store := conversation.NewStore()
	c := NewCoordinator(
		store,
		fakeSchema{listing: "table ds_sales"},
		fakePlanner{plan: generator.Plan{Strategy: generator.StrategySingle}},
		run,
		fakeScheduler{},
		fakeSummarizer{answer: "the answer"},
		fakeVisualizer{err: errors.New("no chart")},
		Options{},
	)
	return c, store
}

func TestProcessSingleStrategy(t *testing.T) {
	run := &fakeRunner{
		outcome: runner.Outcome{Rows: someRows(), Attempts: 1},
		cand:    generator.Candidate{Query: "SELECT 7", Explanation: "seven"},
	}
	c, store := singlePathCoordinator(run)
	stream := progress.NewStream(context.Background())

	resp, err := c.Process(context.Background(), "how many?", "", stream)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if resp.Answer != "the answer" || resp.Query != "SELECT 7" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.ConversationID == "" {
		t.Error("response missing conversation id")
	}
	if resp.Strategy != generator.StrategySingle {
		t.Errorf("Strategy = %q", resp.Strategy)
	}
	if resp.Chart != nil {
		t.Error("failed visualization must yield no chart, not an error")
	}

	events := collect(t, stream)
	if events[0].Kind != progress.KindStarted {
		t.Errorf("first event = %s, want started", events[0].Kind)
	}
	last := events[len(events)-1]
	if last.Kind != progress.KindCompleted {
		t.Errorf("last event = %s, want completed", last.Kind)
	}
	if last.Response == nil {
		t.Error("completed event missing the response payload")
	}
	terminals := 0
	for _, ev := range events {
		if ev.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("got %d terminal events, want exactly 1", terminals)
	}

	// The conversation log gains the user turn and the assistant answer.
	msgs := store.History(resp.ConversationID)
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("history = %+v", msgs)
	}
	if msgs[1].Metadata["strategy"] != "single" {
		t.Errorf("assistant metadata = %v", msgs[1].Metadata)
	}
}

func TestProcessPassesPriorHistoryOnly(t *testing.T) {
	run := &fakeRunner{
		outcome: runner.Outcome{Rows: someRows(), Attempts: 1},
		cand:    generator.Candidate{Query: "SELECT 7"},
	}
	c, store := singlePathCoordinator(run)
	store.Append("c1", conversation.Message{Role: "user", Content: "earlier"})

	if _, err := c.Process(context.Background(), "follow-up", "c1", progress.NewStream(context.Background())); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(run.history) != 1 || run.history[0].Content != "earlier" {
		t.Errorf("runner history = %+v, want only prior turns", run.history)
	}
	if run.task != "follow-up" {
		t.Errorf("runner task = %q", run.task)
	}
}

func TestProcessSingleFailure(t *testing.T) {
	run := &fakeRunner{
		outcome: runner.Outcome{
			Err:       "no such column: x",
			Category:  classify.SchemaMismatch,
			Exhausted: true,
			Attempts:  3,
		},
		cand: generator.Candidate{Query: "SELECT x"},
	}
	c, _ := singlePathCoordinator(run)
	stream := progress.NewStream(context.Background())

	_, err := c.Process(context.Background(), "q", "", stream)
	if err == nil {
		t.Fatal("expected failure")
	}
	for _, frag := range []string{"after 3 attempts", "schema_mismatch", "no such column: x", "SELECT x"} {
		if !strings.Contains(err.Error(), frag) {
			t.Errorf("error missing %q: %v", frag, err)
		}
	}

	events := collect(t, stream)
	last := events[len(events)-1]
	if last.Kind != progress.KindFailed {
		t.Fatalf("last event = %s, want failed", last.Kind)
	}
	if !last.Retryable {
		t.Error("failed event must be marked retryable")
	}
	if last.Message != err.Error() {
		t.Errorf("failed event message = %q, want the returned error", last.Message)
	}
}

func TestProcessSchemaFailure(t *testing.T) {
	c := NewCoordinator(
		conversation.NewStore(),
		fakeSchema{err: errors.New("no datasets ingested")},
		fakePlanner{},
		&fakeRunner{},
		fakeScheduler{},
		fakeSummarizer{},
		fakeVisualizer{},
		Options{},
	)
	stream := progress.NewStream(context.Background())

	_, err := c.Process(context.Background(), "q", "", stream)
	if err == nil || !strings.Contains(err.Error(), "no datasets ingested") {
		t.Fatalf("err = %v", err)
	}
	events := collect(t, stream)
	if events[len(events)-1].Kind != progress.KindFailed {
		t.Error("expected a terminal failed event")
	}
}

func multiUnitAggregate() *scheduler.Aggregate {
	results := []scheduler.UnitResult{
		{
			Unit:      generator.Unit{Name: "west"},
			UnitIndex: 0,
			Outcome:   runner.Outcome{Rows: someRows(), Attempts: 1},
			Candidate: generator.Candidate{Query: "SELECT west", Explanation: "west side"},
			Artifact:  &analyzer.Artifact{ChartType: "bar"},
		},
		{
			Unit:      generator.Unit{Name: "east"},
			UnitIndex: 1,
			Outcome:   runner.Outcome{Err: "syntax error", Category: classify.Syntax, Exhausted: true},
		},
		{
			Unit:      generator.Unit{Name: "south"},
			UnitIndex: 2,
			Outcome:   runner.Outcome{Rows: someRows(), Attempts: 2},
			Candidate: generator.Candidate{Query: "SELECT south"},
		},
	}
	agg := &scheduler.Aggregate{
		Results:         results,
		Primary:         &results[0],
		Additional:      []scheduler.UnitResult{results[2]},
		Failed:          []scheduler.UnitResult{results[1]},
		TotalUnits:      3,
		SuccessfulUnits: 2,
	}
	return agg
}

func TestProcessMultiUnit(t *testing.T) {
	c := NewCoordinator(
		conversation.NewStore(),
		fakeSchema{listing: "schema"},
		fakePlanner{plan: generator.Plan{
			Strategy: generator.StrategyComparative,
			Units:    []generator.Unit{{Name: "west"}, {Name: "east"}, {Name: "south"}},
		}},
		&fakeRunner{},
		fakeScheduler{agg: multiUnitAggregate()},
		fakeSummarizer{answer: "west leads"},
		fakeVisualizer{},
		Options{},
	)
	stream := progress.NewStream(context.Background())

	resp, err := c.Process(context.Background(), "compare regions", "", stream)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if resp.Strategy != generator.StrategyComparative {
		t.Errorf("Strategy = %q", resp.Strategy)
	}
	if resp.Query != "SELECT west" {
		t.Errorf("Query = %q, want the primary unit's query", resp.Query)
	}
	if resp.TotalUnits != 3 || resp.SuccessfulUnits != 2 {
		t.Errorf("units = %d/%d, want 2/3", resp.SuccessfulUnits, resp.TotalUnits)
	}
	if resp.Chart == nil || resp.Chart.ChartType != "bar" {
		t.Errorf("Chart = %+v, want the primary artifact", resp.Chart)
	}
	if len(resp.Units) != 3 {
		t.Fatalf("got %d unit summaries, want 3", len(resp.Units))
	}
	failed := resp.Units[1]
	if failed.Success || failed.Category != "syntax" || failed.Error == "" {
		t.Errorf("failed unit summary = %+v", failed)
	}

	events := collect(t, stream)
	if events[len(events)-1].Kind != progress.KindCompleted {
		t.Error("expected a terminal completed event")
	}
}

func TestProcessMultiUnitDeadline(t *testing.T) {
	c := NewCoordinator(
		conversation.NewStore(),
		fakeSchema{listing: "schema"},
		fakePlanner{plan: generator.Plan{
			Strategy: generator.StrategyComprehensive,
			Units:    []generator.Unit{{Name: "a"}},
		}},
		&fakeRunner{},
		fakeScheduler{err: scheduler.ErrDeadline},
		fakeSummarizer{},
		fakeVisualizer{},
		Options{},
	)
	stream := progress.NewStream(context.Background())

	_, err := c.Process(context.Background(), "q", "", stream)
	if !errors.Is(err, scheduler.ErrDeadline) {
		// The coordinator rewraps the message; the failed event still exists.
		if err == nil || !strings.Contains(err.Error(), "analysis timed out") {
			t.Fatalf("err = %v, want timeout failure", err)
		}
	}
	events := collect(t, stream)
	if events[len(events)-1].Kind != progress.KindFailed {
		t.Error("expected a terminal failed event")
	}
}

func TestProcessFallbackSummary(t *testing.T) {
	run := &fakeRunner{
		outcome: runner.Outcome{Rows: someRows(), Attempts: 1},
		cand:    generator.Candidate{Query: "SELECT 7", Explanation: "counts things"},
	}
	c := NewCoordinator(
		conversation.NewStore(),
		fakeSchema{listing: "schema"},
		fakePlanner{plan: generator.Plan{Strategy: generator.StrategySingle}},
		run,
		fakeScheduler{},
		fakeSummarizer{err: errors.New("model down")},
		fakeVisualizer{err: errors.New("no chart")},
		Options{},
	)

	resp, err := c.Process(context.Background(), "q", "", progress.NewStream(context.Background()))
	if err != nil {
		t.Fatalf("summarizer failure must not fail the run: %v", err)
	}
	if !strings.Contains(resp.Answer, "1 rows") {
		t.Errorf("Answer = %q, want the fallback rendering", resp.Answer)
	}
}
