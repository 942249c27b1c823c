// Package scheduler fans a decomposed request out into independent
// analysis units, runs them concurrently under one global deadline, and
// aggregates partial successes into a single result.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quarry-dev/quarry/internal/analyzer"
	"github.com/quarry-dev/quarry/internal/conversation"
	"github.com/quarry-dev/quarry/internal/executor"
	"github.com/quarry-dev/quarry/internal/generator"
	"github.com/quarry-dev/quarry/internal/progress"
	"github.com/quarry-dev/quarry/internal/runner"
)

// ErrDeadline reports that the global deadline elapsed before any unit
// completed.
var ErrDeadline = errors.New("global deadline elapsed before any analysis unit completed")

// UnitRunner runs one unit's retry loop.
type UnitRunner interface {
	Run(ctx context.Context, task string, history []conversation.Message, maxAttempts int, events *progress.Stream, unit *progress.UnitRef) (runner.Outcome, generator.Candidate)
}

// UnitAnalyzer derives a best-effort visual artifact from a unit's rows.
type UnitAnalyzer interface {
	Analyze(ctx context.Context, title string, rows executor.Rows) (*analyzer.Artifact, error)
}

// UnitResult is the outcome of one attempted unit. Failed units retain
// their last failure; units cancelled by the deadline produce no UnitResult
// at all.
type UnitResult struct {
	Unit      generator.Unit
	UnitIndex int
	Outcome   runner.Outcome
	Candidate generator.Candidate
	Artifact  *analyzer.Artifact
}

// Aggregate is the merged view over all recorded unit results.
type Aggregate struct {
	Results         []UnitResult // sorted by UnitIndex
	Primary         *UnitResult  // succeeded result with the lowest UnitIndex
	Additional      []UnitResult // remaining succeeded results, by UnitIndex
	Failed          []UnitResult
	TotalUnits      int
	SuccessfulUnits int
}

// Scheduler owns the fan-out. Concurrency is bounded by the decomposition
// step limiting unit count, so no separate semaphore is needed.
type Scheduler struct {
	runner   UnitRunner
	analyzer UnitAnalyzer
}

// New creates a Scheduler over the given unit runner and analyzer.
func New(r UnitRunner, a UnitAnalyzer) *Scheduler {
	return &Scheduler{runner: r, analyzer: a}
}

// RunParallel runs every unit concurrently with individual retry budgets
// and one global deadline. Units still running when the deadline fires are
// cancelled and dropped from the output — absence, not an error object,
// signals timeout; completed units are kept. The run succeeds if at least
// one unit succeeded. When every recorded unit failed, the error combines
// each unit's failure; when the deadline left no results at all, the error
// is ErrDeadline.
func (s *Scheduler) RunParallel(ctx context.Context, units []generator.Unit, history []conversation.Message, perUnitMaxAttempts int, deadline time.Duration, events *progress.Stream) (*Aggregate, error) {
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	col := &collector{}
	var wg sync.WaitGroup
	for i, u := range units {
		wg.Add(1)
		go func(idx int, unit generator.Unit) {
			defer wg.Done()
			s.runUnit(runCtx, idx, unit, history, perUnitMaxAttempts, events, col)
		}(i, u)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timedOut := false
	select {
	case <-done:
	case <-runCtx.Done():
		// Cancellation has already propagated through runCtx to every
		// in-flight generator and executor call; don't wait for the
		// stragglers to notice.
		timedOut = true
	}

	results := col.snapshot()
	return aggregate(units, results, timedOut)
}

// runUnit executes one unit end to end: retry loop, then best-effort
// analysis. Each recorded unit emits exactly one unit_completed event;
// units cancelled before finishing are swallowed silently.
func (s *Scheduler) runUnit(ctx context.Context, idx int, unit generator.Unit, history []conversation.Message, maxAttempts int, events *progress.Stream, col *collector) {
	ref := &progress.UnitRef{Index: idx, Name: unit.Name}
	emit(events, progress.Event{Kind: progress.KindUnitStarted, Unit: ref, Message: unit.Description})

	outcome, cand := s.runner.Run(ctx, unitTask(unit), history, maxAttempts, events, ref)

	if !outcome.Succeeded() && ctx.Err() != nil {
		// Deadline cancellation, not a query failure of its own.
		slog.Debug("unit cancelled by global deadline", "unit", unit.Name, "index", idx)
		return
	}

	res := UnitResult{Unit: unit, UnitIndex: idx, Outcome: outcome, Candidate: cand}

	if outcome.Succeeded() && (unit.RequiresDeepAnalysis || outcome.Rows.Count() > 0) {
		art, err := s.analyzer.Analyze(ctx, unit.Name, outcome.Rows)
		if err != nil {
			// Visualization is best-effort; the unit still succeeded.
			slog.Debug("unit analysis skipped", "unit", unit.Name, "reason", err)
		} else {
			res.Artifact = art
		}
	}

	if col.add(res) {
		emit(events, progress.Event{
			Kind:     progress.KindUnitCompleted,
			Unit:     ref,
			Success:  outcome.Succeeded(),
			RowCount: outcome.Rows.Count(),
			Category: failureCategory(outcome),
			Message:  outcome.Err,
		})
	}
}

func aggregate(units []generator.Unit, results []UnitResult, timedOut bool) (*Aggregate, error) {
	sort.Slice(results, func(i, j int) bool {
		return results[i].UnitIndex < results[j].UnitIndex
	})

	agg := &Aggregate{Results: results, TotalUnits: len(units)}
	for i := range results {
		if results[i].Outcome.Succeeded() {
			if agg.Primary == nil {
				agg.Primary = &results[i]
			} else {
				agg.Additional = append(agg.Additional, results[i])
			}
			agg.SuccessfulUnits++
		} else {
			agg.Failed = append(agg.Failed, results[i])
		}
	}

	if agg.Primary != nil {
		return agg, nil
	}

	if len(results) == 0 {
		if timedOut {
			return nil, ErrDeadline
		}
		return nil, fmt.Errorf("no analysis units were scheduled")
	}

	var parts []string
	for _, r := range agg.Failed {
		parts = append(parts, fmt.Sprintf("unit %q: [%s] %s", r.Unit.Name, r.Outcome.Category, r.Outcome.Err))
	}
	return nil, fmt.Errorf("all %d analysis units failed: %s", len(results), strings.Join(parts, "; "))
}

// unitTask renders a unit as the task description handed to the runner.
func unitTask(u generator.Unit) string {
	var sb strings.Builder
	sb.WriteString(u.Description)
	if len(u.DataFilter) > 0 {
		keys := make([]string, 0, len(u.DataFilter))
		for k := range u.DataFilter {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" Restrict the analysis to rows where")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(" and")
			}
			fmt.Fprintf(&sb, " %s = %q", k, u.DataFilter[k])
		}
		sb.WriteString(".")
	}
	return sb.String()
}

func failureCategory(o runner.Outcome) string {
	if o.Succeeded() {
		return ""
	}
	return o.Category.String()
}

func emit(events *progress.Stream, ev progress.Event) {
	if events != nil {
		events.Emit(ev)
	}
}

// collector gathers unit results until the scheduler snapshots it; late
// additions from cancelled stragglers are discarded.
type collector struct {
	mu      sync.Mutex
	closed  bool
	results []UnitResult
}

// add records a result, returning false once the collector is closed.
func (c *collector) add(r UnitResult) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.results = append(c.results, r)
	return true
}

func (c *collector) snapshot() []UnitResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	out := make([]UnitResult, len(c.results))
	copy(out, c.results)
	return out
}
