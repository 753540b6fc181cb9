package sse

import "encoding/json"

// Event payload kinds carried in data lines. Decode attempts each known
// shape in order and falls back to Unparsed; it never fails, so one garbled
// frame cannot take down a stream.
const (
	TypeConnection  = "connection"
	TypeRunState    = "task_run.state"
	TypeGroupStatus = "task_group_status"
)

// ConnectionEvent is the handshake frame sent when a stream opens.
type ConnectionEvent struct {
	Type        string `json:"type"`
	Status      string `json:"status"`
	TaskGroupID string `json:"taskgroup_id"`
}

// RunState describes one run inside a RunStateEvent.
type RunState struct {
	RunID    string `json:"run_id"`
	Status   string `json:"status"`
	IsActive bool   `json:"is_active"`
}

// RunStateEvent reports per-run progress. Output is present only when the
// emitter had the result at hand; a completed run without an output requires
// a follow-up result fetch.
type RunStateEvent struct {
	Type   string                     `json:"type"`
	Run    RunState                   `json:"run"`
	Output map[string]json.RawMessage `json:"output,omitempty"`
}

// GroupStatusEvent reports aggregate task-group state. IsActive=false is the
// terminal signal for the whole group.
type GroupStatusEvent struct {
	Type   string      `json:"type"`
	Status GroupStatus `json:"status"`
}

// GroupStatus is the status body of a GroupStatusEvent.
type GroupStatus struct {
	IsActive bool `json:"is_active"`
}

// UnparsedEvent carries a payload that matched no known shape.
type UnparsedEvent struct {
	Raw []byte
}

// Decode classifies a data payload into one of the typed events above. The
// returned value is *ConnectionEvent, *RunStateEvent, *GroupStatusEvent, or
// *UnparsedEvent.
func Decode(data []byte) any {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return &UnparsedEvent{Raw: data}
	}
	switch probe.Type {
	case TypeConnection:
		var ev ConnectionEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return &UnparsedEvent{Raw: data}
		}
		return &ev
	case TypeRunState:
		var ev RunStateEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return &UnparsedEvent{Raw: data}
		}
		return &ev
	case TypeGroupStatus:
		var ev GroupStatusEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return &UnparsedEvent{Raw: data}
		}
		return &ev
	default:
		return &UnparsedEvent{Raw: data}
	}
}
