// Package progress carries the ordered lifecycle event stream a pipeline
// run emits back to its caller.
package progress

// Kind identifies a lifecycle event. The set is closed; transports render
// the tag verbatim.
type Kind string

const (
	KindStarted            Kind = "started"
	KindCandidateGenerated Kind = "candidate_generated"
	KindExecuted           Kind = "executed"
	KindRetryScheduled     Kind = "retry_scheduled"
	KindUnitStarted        Kind = "unit_started"
	KindUnitCompleted      Kind = "unit_completed"
	KindCompleted          Kind = "completed"
	KindFailed             Kind = "failed"
)

// UnitRef identifies the analysis unit an event belongs to.
type UnitRef struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// Event is one lifecycle event. Fields beyond Kind are populated per kind;
// unset fields are omitted on the wire.
type Event struct {
	Kind           Kind     `json:"type"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Unit           *UnitRef `json:"unit,omitempty"`
	Attempt        int      `json:"attempt,omitempty"`
	Category       string   `json:"category,omitempty"`
	Success        bool     `json:"success,omitempty"`
	RowCount       int      `json:"row_count,omitempty"`
	LatencyMs      int64    `json:"latency_ms,omitempty"`
	Message        string   `json:"message,omitempty"`
	Retryable      bool     `json:"retryable,omitempty"`
	Response       any      `json:"response,omitempty"`
}

// Terminal reports whether this event ends the stream. Exactly one terminal
// event is emitted per pipeline run.
func (e Event) Terminal() bool {
	return e.Kind == KindCompleted || e.Kind == KindFailed
}
