package observe

import "time"

type Kind string

type Status string

const (
	KindRun      Kind = "run"
	KindSnapshot Kind = "snapshot"
	KindDelta    Kind = "delta"
	KindResync   Kind = "resync"
	KindCustom   Kind = "custom"
)

const (
	StatusApplied  Status = "applied"
	StatusRejected Status = "rejected"
	StatusStarted  Status = "started"
	StatusEnded    Status = "ended"
)

// Event is a structured diagnostics record emitted by the synchronization
// core. It is the unit both the journal and the OTel bridge consume.
type Event struct {
	ID         string         `json:"id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	RunID      string         `json:"runId,omitempty"`
	Kind       Kind           `json:"kind"`
	Status     Status         `json:"status,omitempty"`
	EventType  string         `json:"eventType,omitempty"`
	OpCount    int            `json:"opCount,omitempty"`
	Error      string         `json:"error,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Kind == "" {
		e.Kind = KindCustom
	}
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
}
