// Package analyzer derives a visual artifact from a unit's result rows.
// Artifacts are presentation enrichment: any failure here is swallowed by
// the scheduler and the unit still counts as succeeded.
package analyzer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quarry-dev/quarry/internal/executor"
)

const maxChartPoints = 50

// Point is one labelled value in a chart series.
type Point struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// Artifact is a renderable chart derived from a result set.
type Artifact struct {
	ChartType string  `json:"chart_type"` // bar, line, or pie
	Title     string  `json:"title"`
	XField    string  `json:"x_field"`
	YField    string  `json:"y_field"`
	Points    []Point `json:"points"`
}

// Analyzer picks a chart shape from a result set's columns and values.
type Analyzer struct{}

// New creates an Analyzer.
func New() *Analyzer {
	return &Analyzer{}
}

// Analyze builds a chart artifact for the rows, titled after the unit. It
// returns an error when the result has no chartable shape; callers treat
// that as "no artifact", never as a unit failure.
func (a *Analyzer) Analyze(ctx context.Context, title string, rows executor.Rows) (*Artifact, error) {
	if rows.Count() == 0 {
		return nil, fmt.Errorf("no rows to chart")
	}

	yField := firstNumericColumn(rows)
	if yField == "" {
		return nil, fmt.Errorf("no numeric column to chart")
	}
	xField := labelColumn(rows, yField)

	if rows.Count() == 1 && xField == "" {
		return nil, fmt.Errorf("single scalar result does not need a chart")
	}

	points := make([]Point, 0, min(rows.Count(), maxChartPoints))
	allNonNegative := true
	for i, rec := range rows.Records {
		if i >= maxChartPoints {
			break
		}
		v, ok := asFloat(rec[yField])
		if !ok {
			continue
		}
		label := fmt.Sprintf("%d", i+1)
		if xField != "" {
			label = fmt.Sprintf("%v", rec[xField])
		}
		if v < 0 {
			allNonNegative = false
		}
		points = append(points, Point{Label: label, Value: v})
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("no plottable values in column %s", yField)
	}

	return &Artifact{
		ChartType: pickChartType(xField, points, allNonNegative),
		Title:     title,
		XField:    xField,
		YField:    yField,
		Points:    points,
	}, nil
}

// pickChartType chooses line for temporal labels, pie for a handful of
// non-negative shares, bar otherwise.
func pickChartType(xField string, points []Point, allNonNegative bool) string {
	if isTemporal(xField, points) {
		return "line"
	}
	if len(points) <= 6 && allNonNegative {
		return "pie"
	}
	return "bar"
}

func isTemporal(xField string, points []Point) bool {
	name := strings.ToLower(xField)
	for _, frag := range []string{"date", "time", "month", "year", "week", "day"} {
		if strings.Contains(name, frag) {
			return true
		}
	}
	if len(points) == 0 {
		return false
	}
	for _, layout := range []string{"2006-01-02", "2006-01", time.RFC3339} {
		if _, err := time.Parse(layout, points[0].Label); err == nil {
			return true
		}
	}
	return false
}

func firstNumericColumn(rows executor.Rows) string {
	for _, col := range rows.Columns {
		if _, ok := asFloat(rows.Records[0][col]); ok {
			return col
		}
	}
	return ""
}

func labelColumn(rows executor.Rows, yField string) string {
	for _, col := range rows.Columns {
		if col != yField {
			return col
		}
	}
	return ""
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
