// Package pipeline is the top-level entry point for one analytical
// request: it picks the execution strategy, drives the runner or the unit
// scheduler, and assembles the final response.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quarry-dev/quarry/internal/analyzer"
	"github.com/quarry-dev/quarry/internal/conversation"
	"github.com/quarry-dev/quarry/internal/executor"
	"github.com/quarry-dev/quarry/internal/generator"
	"github.com/quarry-dev/quarry/internal/progress"
	"github.com/quarry-dev/quarry/internal/runner"
	"github.com/quarry-dev/quarry/internal/scheduler"
)

// Planner decides the execution strategy for a question.
type Planner interface {
	Decompose(ctx context.Context, question, schemaListing string) generator.Plan
}

// QueryRunner runs the retry loop for a whole-request task.
type QueryRunner interface {
	Run(ctx context.Context, task string, history []conversation.Message, maxAttempts int, events *progress.Stream, unit *progress.UnitRef) (runner.Outcome, generator.Candidate)
}

// UnitScheduler fans a multi-unit plan out and aggregates partial results.
type UnitScheduler interface {
	RunParallel(ctx context.Context, units []generator.Unit, history []conversation.Message, perUnitMaxAttempts int, deadline time.Duration, events *progress.Stream) (*scheduler.Aggregate, error)
}

// Summarizer writes the final natural-language answer.
type Summarizer interface {
	Summarize(ctx context.Context, question string, sections []generator.ResultSection) (string, error)
}

// Visualizer derives a best-effort chart for the single-strategy path.
type Visualizer interface {
	Analyze(ctx context.Context, title string, rows executor.Rows) (*analyzer.Artifact, error)
}

// SchemaSource describes the live dataset schema.
type SchemaSource interface {
	Describe() (string, error)
}

// Options are the per-run budgets.
type Options struct {
	MaxAttempts     int // retry budget for single-strategy runs
	UnitMaxAttempts int // per-unit retry budget
	GlobalDeadline  time.Duration
}

// UnitSummary is the per-unit slice of a multi-unit response.
type UnitSummary struct {
	Name     string             `json:"name"`
	Success  bool               `json:"success"`
	RowCount int                `json:"row_count"`
	Category string             `json:"category,omitempty"`
	Error    string             `json:"error,omitempty"`
	Artifact *analyzer.Artifact `json:"artifact,omitempty"`
}

// Response is the assembled answer for one request.
type Response struct {
	ConversationID  string             `json:"conversation_id"`
	Strategy        generator.Strategy `json:"strategy"`
	Answer          string             `json:"answer"`
	Query           string             `json:"query"`
	Explanation     string             `json:"explanation,omitempty"`
	Rows            executor.Rows      `json:"rows"`
	Chart           *analyzer.Artifact `json:"chart,omitempty"`
	TotalUnits      int                `json:"total_units,omitempty"`
	SuccessfulUnits int                `json:"successful_units,omitempty"`
	Units           []UnitSummary      `json:"units,omitempty"`
}

// Coordinator wires the pipeline together. One Process call owns one run;
// nothing of the run survives it except the conversation's message log.
type Coordinator struct {
	store      *conversation.Store
	schema     SchemaSource
	planner    Planner
	runner     QueryRunner
	scheduler  UnitScheduler
	summarizer Summarizer
	visualizer Visualizer
	opts       Options
}

// NewCoordinator creates a Coordinator over all pipeline collaborators.
func NewCoordinator(store *conversation.Store, schema SchemaSource, planner Planner, run QueryRunner, sched UnitScheduler, summ Summarizer, viz Visualizer, opts Options) *Coordinator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 2
	}
	if opts.UnitMaxAttempts <= 0 {
		opts.UnitMaxAttempts = 2
	}
	if opts.GlobalDeadline <= 0 {
		opts.GlobalDeadline = 60 * time.Second
	}
	return &Coordinator{
		store:      store,
		schema:     schema,
		planner:    planner,
		runner:     run,
		scheduler:  sched,
		summarizer: summ,
		visualizer: viz,
		opts:       opts,
	}
}

// Process answers one question, emitting ordered progress events into
// events and ending the stream with exactly one terminal event. The
// returned Response mirrors the completed event's payload; on failure the
// returned error mirrors the failed event's message. A fresh request always
// starts a fresh run — only conversation history persists between calls.
func (c *Coordinator) Process(ctx context.Context, question, conversationID string, events *progress.Stream) (*Response, error) {
	convo := c.store.GetOrCreate(conversationID)
	history := convo.Messages
	c.store.Append(convo.ID, conversation.Message{Role: "user", Content: question})

	events.Emit(progress.Event{Kind: progress.KindStarted, ConversationID: convo.ID, Message: question})

	schemaListing, err := c.schema.Describe()
	if err != nil {
		return nil, c.fail(events, fmt.Sprintf("cannot answer: %v", err))
	}

	plan := c.planner.Decompose(ctx, question, schemaListing)
	slog.Info("request planned",
		"conversation_id", convo.ID,
		"strategy", plan.Strategy,
		"units", len(plan.Units),
	)

	var resp *Response
	if plan.Strategy == generator.StrategySingle {
		resp, err = c.processSingle(ctx, question, history, events)
	} else {
		resp, err = c.processUnits(ctx, question, plan, history, events)
	}
	if err != nil {
		return nil, c.fail(events, err.Error())
	}

	resp.ConversationID = convo.ID
	resp.Strategy = plan.Strategy

	c.store.Append(convo.ID, conversation.Message{
		Role:     "assistant",
		Content:  resp.Answer,
		Metadata: map[string]string{"strategy": string(plan.Strategy)},
	})

	events.Emit(progress.Event{Kind: progress.KindCompleted, ConversationID: convo.ID, Response: resp})
	return resp, nil
}

func (c *Coordinator) processSingle(ctx context.Context, question string, history []conversation.Message, events *progress.Stream) (*Response, error) {
	outcome, cand := c.runner.Run(ctx, question, history, c.opts.MaxAttempts, events, nil)
	if !outcome.Succeeded() {
		return nil, fmt.Errorf("query failed after %d attempts [%s]: %s (last query: %s)",
			outcome.Attempts, outcome.Category, outcome.Err, cand.Query)
	}

	sections := []generator.ResultSection{{
		Title:       question,
		Query:       cand.Query,
		Explanation: cand.Explanation,
		Rows:        outcome.Rows,
	}}

	// Summary and visualization have no data dependency on each other;
	// the chart is best-effort either way.
	var answer string
	var chart *analyzer.Artifact
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		answer = c.summarize(gCtx, question, sections)
		return nil
	})
	g.Go(func() error {
		art, err := c.visualizer.Analyze(gCtx, question, outcome.Rows)
		if err != nil {
			slog.Debug("visualization skipped", "reason", err)
			return nil
		}
		chart = art
		return nil
	})
	g.Wait()

	return &Response{
		Answer:      answer,
		Query:       cand.Query,
		Explanation: cand.Explanation,
		Rows:        outcome.Rows,
		Chart:       chart,
	}, nil
}

func (c *Coordinator) processUnits(ctx context.Context, question string, plan generator.Plan, history []conversation.Message, events *progress.Stream) (*Response, error) {
	agg, err := c.scheduler.RunParallel(ctx, plan.Units, history, c.opts.UnitMaxAttempts, c.opts.GlobalDeadline, events)
	if err != nil {
		if errors.Is(err, scheduler.ErrDeadline) {
			return nil, fmt.Errorf("analysis timed out: %w", err)
		}
		return nil, err
	}

	primary := agg.Primary
	sections := []generator.ResultSection{{
		Title:       primary.Unit.Name,
		Query:       primary.Candidate.Query,
		Explanation: primary.Candidate.Explanation,
		Rows:        primary.Outcome.Rows,
	}}
	for _, r := range agg.Additional {
		sections = append(sections, generator.ResultSection{
			Title:       r.Unit.Name,
			Query:       r.Candidate.Query,
			Explanation: r.Candidate.Explanation,
			Rows:        r.Outcome.Rows,
		})
	}

	answer := c.summarize(ctx, question, sections)

	resp := &Response{
		Answer:          answer,
		Query:           primary.Candidate.Query,
		Explanation:     primary.Candidate.Explanation,
		Rows:            primary.Outcome.Rows,
		Chart:           primary.Artifact,
		TotalUnits:      agg.TotalUnits,
		SuccessfulUnits: agg.SuccessfulUnits,
	}
	for _, r := range agg.Results {
		resp.Units = append(resp.Units, UnitSummary{
			Name:     r.Unit.Name,
			Success:  r.Outcome.Succeeded(),
			RowCount: r.Outcome.Rows.Count(),
			Category: failureCategory(r.Outcome),
			Error:    r.Outcome.Err,
			Artifact: r.Artifact,
		})
	}
	return resp, nil
}

// summarize asks the summarizer for the final answer, degrading to a plain
// rendering of the primary result when it fails.
func (c *Coordinator) summarize(ctx context.Context, question string, sections []generator.ResultSection) string {
	answer, err := c.summarizer.Summarize(ctx, question, sections)
	if err != nil {
		slog.Warn("summarization failed, using fallback rendering", "error", err)
		return generator.FallbackSummary(sections)
	}
	return answer
}

// fail emits the terminal failed event. Retryable is always true: failures
// here are about transient query correctness, never a structural error.
func (c *Coordinator) fail(events *progress.Stream, msg string) error {
	events.Emit(progress.Event{Kind: progress.KindFailed, Message: msg, Retryable: true})
	return errors.New(msg)
}

func failureCategory(o runner.Outcome) string {
	if o.Succeeded() {
		return ""
	}
	return o.Category.String()
}
