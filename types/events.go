package types

// EventType identifies a protocol event family on the wire.
type EventType string

const (
	EventStateSnapshot EventType = "STATE_SNAPSHOT"
	EventStateDelta    EventType = "STATE_DELTA"

	// Pass-through families. The state core never interprets these; they
	// are listed so hosts can route them without string literals.
	EventRunStarted         EventType = "RUN_STARTED"
	EventRunFinished        EventType = "RUN_FINISHED"
	EventRunError           EventType = "RUN_ERROR"
	EventTextMessageStart   EventType = "TEXT_MESSAGE_START"
	EventTextMessageContent EventType = "TEXT_MESSAGE_CONTENT"
	EventTextMessageEnd     EventType = "TEXT_MESSAGE_END"
	EventToolCallStart      EventType = "TOOL_CALL_START"
	EventToolCallArgs       EventType = "TOOL_CALL_ARGS"
	EventToolCallEnd        EventType = "TOOL_CALL_END"
	EventRaw                EventType = "RAW"
	EventCustom             EventType = "CUSTOM"
)

// StateSnapshotEvent carries a complete replacement state document.
type StateSnapshotEvent struct {
	Type     EventType `json:"type"`
	Snapshot any       `json:"snapshot"`
}

// StateDeltaEvent carries an ordered JSON Patch sequence to apply to the
// current state document.
type StateDeltaEvent struct {
	Type  EventType        `json:"type"`
	Delta []PatchOperation `json:"delta"`
}
