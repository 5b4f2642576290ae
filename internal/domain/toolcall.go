package domain

import "time"

// ToolStatus is the resolution state of a ToolCall.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolSucceeded ToolStatus = "succeeded"
	ToolFailed    ToolStatus = "failed"
	ToolTimedOut  ToolStatus = "timed_out"
)

// Tool failure reasons shared by the dispatcher, escalation rules and prompts.
const (
	ReasonInvalidArguments = "invalid_arguments"
	ReasonUnknownTool      = "unknown_tool"
	ReasonNotFound         = "not_found"
	ReasonTimeout          = "timeout"
	ReasonUpstream         = "upstream_error"
	ReasonBusy             = "busy"
)

// ToolCall records one invocation of an external lookup.
type ToolCall struct {
	Name     string         `json:"name"`
	Args     map[string]any `json:"args,omitempty"`
	Status   ToolStatus     `json:"status"`
	Result   map[string]any `json:"result,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Latency  time.Duration  `json:"latency"`
	Attempts int            `json:"attempts"`
}

// Resolved reports whether the call has left the pending state.
func (c ToolCall) Resolved() bool {
	return c.Status != "" && c.Status != ToolPending
}

// Unavailable reports whether the call produced no usable data because of a
// transport problem (timeout or upstream failure), as opposed to a definite
// answer such as not_found.
func (c ToolCall) Unavailable() bool {
	if c.Status == ToolTimedOut {
		return true
	}
	return c.Status == ToolFailed && (c.Reason == ReasonUpstream || c.Reason == ReasonBusy)
}
