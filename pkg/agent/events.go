// Package agent drives an external coding-agent CLI and relays its
// streaming output as a typed event stream.
//
// The driver is transport-only: it spawns the CLI in streaming-JSON
// mode, decodes each NDJSON line into one event of the union below, and
// leaves interpretation (prompting, scoring, plan approval) to callers.
package agent

import "github.com/codeready-toolchain/polish/pkg/models"

// Event is one item of an agent stream. The concrete types below form
// a closed union; Type returns the wire name used when an event is
// forwarded to subscribers.
type Event interface {
	Type() string
	agentEvent()
}

// TextEvent carries an increment of assistant prose.
type TextEvent struct {
	Text string `json:"text"`
}

func (TextEvent) Type() string { return "text" }
func (TextEvent) agentEvent()  {}

// ThinkingEvent carries extended-reasoning text. Only emitted when the
// underlying model exposes it.
type ThinkingEvent struct {
	Text string `json:"text"`
}

func (ThinkingEvent) Type() string { return "thinking" }
func (ThinkingEvent) agentEvent()  {}

// ToolStartEvent fires when the agent begins a tool call.
type ToolStartEvent struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Display string `json:"display,omitempty"`
}

func (ToolStartEvent) Type() string { return "tool_start" }
func (ToolStartEvent) agentEvent()  {}

// ToolDoneEvent fires when a tool call finishes.
type ToolDoneEvent struct {
	ID         string `json:"id"`
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

func (ToolDoneEvent) Type() string { return "tool_done" }
func (ToolDoneEvent) agentEvent()  {}

// PlanEvent carries a structured plan produced during a planning turn.
// When the agent emits several, the last one wins.
type PlanEvent struct {
	Plan models.Plan `json:"plan"`
}

func (PlanEvent) Type() string { return "plan" }
func (PlanEvent) agentEvent()  {}

// PlanMessageEvent carries conversational text of the planning
// dialogue, distinct from the plan itself.
type PlanMessageEvent struct {
	Text string `json:"text"`
}

func (PlanMessageEvent) Type() string { return "plan_message" }
func (PlanMessageEvent) agentEvent()  {}

// Sub-agent lifecycle kinds.
const (
	SubAgentStarted = "started"
	SubAgentDone    = "done"
)

// SubAgentEvent reports a delegated sub-agent task starting or
// finishing. Kind is one of SubAgentStarted or SubAgentDone.
type SubAgentEvent struct {
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func (e SubAgentEvent) Type() string { return "sub_agent_" + e.Kind }
func (SubAgentEvent) agentEvent()    {}

// DoneEvent terminates a successful stream.
type DoneEvent struct {
	Result     string `json:"result,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

func (DoneEvent) Type() string { return "done" }
func (DoneEvent) agentEvent()  {}

// ErrorEvent terminates a failed stream.
type ErrorEvent struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (ErrorEvent) Type() string { return "error" }
func (ErrorEvent) agentEvent()  {}

// CancelledEvent terminates a stream cut short by the caller.
type CancelledEvent struct{}

func (CancelledEvent) Type() string { return "cancelled" }
func (CancelledEvent) agentEvent()  {}
