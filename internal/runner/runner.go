// Package runner drives the bounded-retry query loop: generate a candidate,
// execute it, classify the failure, and regenerate with a targeted
// correction hint until it succeeds or the attempt budget is spent.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/quarry-dev/quarry/internal/classify"
	"github.com/quarry-dev/quarry/internal/conversation"
	"github.com/quarry-dev/quarry/internal/executor"
	"github.com/quarry-dev/quarry/internal/generator"
	"github.com/quarry-dev/quarry/internal/progress"
)

// Generator produces a query candidate for one attempt.
type Generator interface {
	Generate(ctx context.Context, task, schemaListing string, history []conversation.Message, hint string) (generator.Candidate, error)
}

// QueryExecutor runs a candidate query against the backend.
type QueryExecutor interface {
	Execute(ctx context.Context, query string) (executor.Rows, error)
}

// SchemaSource describes the live dataset schema for prompts and hints.
type SchemaSource interface {
	Describe() (string, error)
}

// Outcome is the result of one Run: either a result set, or the last
// failure with its classification.
type Outcome struct {
	Rows      executor.Rows
	Err       string // raw failure message; empty on success
	Category  classify.Category
	Exhausted bool // true when the attempt budget ran out
	Attempts  int  // generate/execute cycles performed
}

// Succeeded reports whether the run produced a result set.
func (o Outcome) Succeeded() bool {
	return o.Err == ""
}

// Runner executes the retry state machine.
type Runner struct {
	generator Generator
	executor  QueryExecutor
	schema    SchemaSource
}

// New creates a Runner over the given collaborators.
func New(gen Generator, exec QueryExecutor, schema SchemaSource) *Runner {
	return &Runner{generator: gen, executor: exec, schema: schema}
}

// Run drives generate→execute→classify→regenerate for the task. Attempts
// are strictly sequential; maxAttempts is the retry budget, so the executor
// is exercised at most maxAttempts+1 times. The correction hint always
// reflects only the most recent failure.
//
// events receives candidate_generated, executed, and retry_scheduled
// events, tagged with unit when the task runs as an analysis unit; pass a
// nil stream to run silently. The terminal event for the run is the
// caller's responsibility — Run never emits completed or failed itself, so
// a multi-unit pipeline still ends in exactly one terminal event.
func (r *Runner) Run(ctx context.Context, task string, history []conversation.Message, maxAttempts int, events *progress.Stream, unit *progress.UnitRef) (Outcome, generator.Candidate) {
	var last generator.Candidate

	schemaListing, err := r.schema.Describe()
	if err != nil {
		msg := err.Error()
		return Outcome{Err: msg, Category: classify.Classify(msg), Attempts: 0}, last
	}

	hint := ""
	for attempt := 0; ; attempt++ {
		var rawMsg string
		var category classify.Category

		cand, err := r.generator.Generate(ctx, task, schemaListing, history, hint)
		if err != nil {
			rawMsg, category = classifyGenerationFailure(err)
			slog.Warn("candidate generation failed", "attempt", attempt, "error", err)
		} else {
			last = cand
			r.emit(events, progress.Event{
				Kind:    progress.KindCandidateGenerated,
				Unit:    unit,
				Attempt: attempt,
				Message: cand.Explanation,
			})

			start := time.Now()
			rows, execErr := r.executor.Execute(ctx, cand.Query)
			latency := time.Since(start).Milliseconds()

			if execErr == nil {
				r.emit(events, progress.Event{
					Kind:      progress.KindExecuted,
					Unit:      unit,
					Attempt:   attempt,
					Success:   true,
					RowCount:  rows.Count(),
					LatencyMs: latency,
				})
				return Outcome{Rows: rows, Attempts: attempt + 1}, last
			}

			rawMsg = execErr.Error()
			category = classify.Classify(rawMsg)
			r.emit(events, progress.Event{
				Kind:      progress.KindExecuted,
				Unit:      unit,
				Attempt:   attempt,
				Success:   false,
				LatencyMs: latency,
				Category:  category.String(),
				Message:   rawMsg,
			})
			slog.Debug("candidate execution failed",
				"attempt", attempt,
				"category", category.String(),
				"error", rawMsg,
			)
		}

		if attempt >= maxAttempts {
			return Outcome{
				Err:       rawMsg,
				Category:  category,
				Exhausted: true,
				Attempts:  attempt + 1,
			}, last
		}

		hint = classify.Hint(category, rawMsg, schemaListing)
		r.emit(events, progress.Event{
			Kind:     progress.KindRetryScheduled,
			Unit:     unit,
			Attempt:  attempt + 1,
			Category: category.String(),
		})
	}
}

func (r *Runner) emit(events *progress.Stream, ev progress.Event) {
	if events != nil {
		events.Emit(ev)
	}
}

// classifyGenerationFailure folds generator failures into the execution
// taxonomy: malformed model output counts as Unknown, everything else
// (network, cancellation) classifies by message. Either way the failure is
// retried against the same budget as a semantic one.
func classifyGenerationFailure(err error) (string, classify.Category) {
	var genErr *generator.GenerationError
	if errors.As(err, &genErr) {
		return err.Error(), classify.Unknown
	}
	msg := err.Error()
	return msg, classify.Classify(msg)
}
