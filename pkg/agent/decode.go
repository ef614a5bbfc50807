package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/codeready-toolchain/polish/pkg/models"
)

// Tool names with driver-level meaning in the CLI's stream.
const (
	toolExitPlan = "ExitPlanMode"
	toolSubAgent = "Task"
)

// decoder turns NDJSON lines into events. It is stateful: tool start
// times feed tool_done durations, and sub-agent tool IDs reroute their
// results to sub_agent_done.
//
// Two line families are understood. The assistant/user/result family is
// what the default CLI emits in streaming-JSON mode; the flat tagged
// family ({"type":"text",...}, {"type":"plan",...}) lets any other
// binary drive the engine with a trivial printf protocol. Lines that
// parse as neither are logged and skipped; one stray diagnostic line
// must not kill a run.
type decoder struct {
	toolStart map[string]time.Time
	subAgents map[string]string
	now       func() time.Time
}

func newDecoder() *decoder {
	return &decoder{
		toolStart: make(map[string]time.Time),
		subAgents: make(map[string]string),
		now:       time.Now,
	}
}

// envelope sniffs the discriminator of a line.
type envelope struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
}

// Decode maps one line to zero or more events.
func (d *decoder) Decode(line []byte) []Event {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		slog.Warn("Skipping undecodable agent line",
			"error", err,
			"line", truncateForLog(line))
		return nil
	}

	switch env.Type {
	case "assistant":
		return d.decodeAssistant(line)
	case "user":
		return d.decodeUser(line)
	case "result":
		return d.decodeResult(line, env.Subtype)
	case "system":
		// init/handshake chatter; useful in logs, silent on the stream.
		slog.Debug("Agent system message", "subtype", env.Subtype)
		return nil
	case "text":
		return decodeTagged(line, func(p taggedPayload) Event { return TextEvent{Text: p.Text} })
	case "thinking":
		return decodeTagged(line, func(p taggedPayload) Event { return ThinkingEvent{Text: p.Text} })
	case "tool_start":
		return d.decodeTaggedToolStart(line)
	case "tool_done":
		return d.decodeTaggedToolDone(line)
	case "plan":
		return decodeTaggedPlan(line)
	case "plan_message":
		return decodeTagged(line, func(p taggedPayload) Event { return PlanMessageEvent{Text: p.Text} })
	case "sub_agent_started":
		return decodeTagged(line, func(p taggedPayload) Event {
			return SubAgentEvent{Kind: SubAgentStarted, ID: p.ID, Name: p.Name, Detail: p.Detail}
		})
	case "sub_agent_done":
		return decodeTagged(line, func(p taggedPayload) Event {
			return SubAgentEvent{Kind: SubAgentDone, ID: p.ID, Name: p.Name, Detail: p.Detail}
		})
	case "done":
		return decodeTagged(line, func(p taggedPayload) Event {
			return DoneEvent{Result: p.Result, DurationMS: p.DurationMS}
		})
	case "error":
		return decodeTagged(line, func(p taggedPayload) Event {
			return ErrorEvent{Message: p.Message, Code: p.Code, Retryable: p.Retryable}
		})
	}

	slog.Debug("Ignoring unknown agent line type", "type", env.Type)
	return nil
}

// contentBlock is one element of an assistant or user message.
type contentBlock struct {
	Type string `json:"type"`

	// text / thinking
	Text     string `json:"text"`
	Thinking string `json:"thinking"`

	// tool_use
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`

	// tool_result
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type streamMessage struct {
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

func (d *decoder) decodeAssistant(line []byte) []Event {
	var msg streamMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		slog.Warn("Skipping malformed assistant message", "error", err)
		return nil
	}

	var events []Event
	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				events = append(events, TextEvent{Text: block.Text})
			}
		case "thinking":
			if block.Thinking != "" {
				events = append(events, ThinkingEvent{Text: block.Thinking})
			}
		case "tool_use":
			events = append(events, d.decodeToolUse(block)...)
		}
	}
	return events
}

func (d *decoder) decodeToolUse(block contentBlock) []Event {
	switch block.Name {
	case toolExitPlan:
		var input struct {
			Plan string `json:"plan"`
		}
		_ = json.Unmarshal(block.Input, &input)
		return []Event{PlanEvent{Plan: parsePlan(input.Plan)}}

	case toolSubAgent:
		var input struct {
			Description string `json:"description"`
			Prompt      string `json:"prompt"`
		}
		_ = json.Unmarshal(block.Input, &input)
		d.subAgents[block.ID] = input.Description
		return []Event{SubAgentEvent{
			Kind:   SubAgentStarted,
			ID:     block.ID,
			Name:   input.Description,
			Detail: input.Prompt,
		}}
	}

	d.toolStart[block.ID] = d.now()
	return []Event{ToolStartEvent{
		ID:      block.ID,
		Name:    block.Name,
		Display: toolDisplay(block.Name, block.Input),
	}}
}

func (d *decoder) decodeUser(line []byte) []Event {
	var msg streamMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		slog.Warn("Skipping malformed user message", "error", err)
		return nil
	}

	var events []Event
	for _, block := range msg.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		output := flattenContent(block.Content)

		if name, ok := d.subAgents[block.ToolUseID]; ok {
			delete(d.subAgents, block.ToolUseID)
			events = append(events, SubAgentEvent{
				Kind:   SubAgentDone,
				ID:     block.ToolUseID,
				Name:   name,
				Detail: output,
			})
			continue
		}

		done := ToolDoneEvent{
			ID:      block.ToolUseID,
			Success: !block.IsError,
		}
		if block.IsError {
			done.Error = output
		} else {
			done.Output = output
		}
		if started, ok := d.toolStart[block.ToolUseID]; ok {
			delete(d.toolStart, block.ToolUseID)
			done.DurationMS = d.now().Sub(started).Milliseconds()
		}
		events = append(events, done)
	}
	return events
}

func (d *decoder) decodeResult(line []byte, subtype string) []Event {
	var msg struct {
		Result     string `json:"result"`
		IsError    bool   `json:"is_error"`
		DurationMS int64  `json:"duration_ms"`
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		slog.Warn("Skipping malformed result message", "error", err)
		return nil
	}

	if msg.IsError || strings.HasPrefix(subtype, "error") {
		message := msg.Result
		if message == "" {
			message = "agent reported failure: " + subtype
		}
		return []Event{ErrorEvent{Message: message, Code: subtype}}
	}
	return []Event{DoneEvent{Result: msg.Result, DurationMS: msg.DurationMS}}
}

// taggedPayload is the flat line form: type plus the union of fields
// any tagged event can carry.
type taggedPayload struct {
	Text       string `json:"text"`
	ID         string `json:"id"`
	Name       string `json:"name"`
	Display    string `json:"display"`
	Detail     string `json:"detail"`
	Success    *bool  `json:"success"`
	Output     string `json:"output"`
	Error      string `json:"error"`
	Result     string `json:"result"`
	Message    string `json:"message"`
	Code       string `json:"code"`
	Retryable  bool   `json:"retryable"`
	DurationMS int64  `json:"duration_ms"`
}

func decodeTagged(line []byte, build func(taggedPayload) Event) []Event {
	var p taggedPayload
	if err := json.Unmarshal(line, &p); err != nil {
		slog.Warn("Skipping malformed tagged line", "error", err)
		return nil
	}
	return []Event{build(p)}
}

func (d *decoder) decodeTaggedToolStart(line []byte) []Event {
	return decodeTagged(line, func(p taggedPayload) Event {
		d.toolStart[p.ID] = d.now()
		return ToolStartEvent{ID: p.ID, Name: p.Name, Display: p.Display}
	})
}

func (d *decoder) decodeTaggedToolDone(line []byte) []Event {
	return decodeTagged(line, func(p taggedPayload) Event {
		ev := ToolDoneEvent{
			ID:         p.ID,
			Success:    p.Success == nil || *p.Success,
			Output:     p.Output,
			Error:      p.Error,
			DurationMS: p.DurationMS,
		}
		if started, ok := d.toolStart[p.ID]; ok && ev.DurationMS == 0 {
			delete(d.toolStart, p.ID)
			ev.DurationMS = d.now().Sub(started).Milliseconds()
		}
		return ev
	})
}

func decodeTaggedPlan(line []byte) []Event {
	var p struct {
		Plan models.Plan `json:"plan"`
	}
	if err := json.Unmarshal(line, &p); err != nil {
		slog.Warn("Skipping malformed plan line", "error", err)
		return nil
	}
	return []Event{PlanEvent{Plan: p.Plan}}
}

var fencedJSON = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")

// parsePlan extracts a structured plan from the CLI's plan text. Plans
// arrive either as a JSON document (when the planning prompt asked for
// one), as markdown with an embedded JSON fence, or as plain markdown
// that becomes a summary-only plan.
func parsePlan(text string) models.Plan {
	text = strings.TrimSpace(text)

	var plan models.Plan
	if err := json.Unmarshal([]byte(text), &plan); err == nil && (plan.Summary != "" || len(plan.Steps) > 0) {
		return plan
	}

	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		if err := json.Unmarshal([]byte(m[1]), &plan); err == nil && len(plan.Steps) > 0 {
			if plan.Summary == "" {
				plan.Summary = strings.TrimSpace(strings.Replace(text, m[0], "", 1))
			}
			return plan
		}
	}

	return models.Plan{Summary: text}
}

// toolDisplay renders a short human label for a tool call.
func toolDisplay(name string, input json.RawMessage) string {
	var fields map[string]any
	if err := json.Unmarshal(input, &fields); err != nil {
		return name
	}
	for _, key := range []string{"command", "file_path", "path", "pattern", "url", "query", "description"} {
		if v, ok := fields[key].(string); ok && v != "" {
			return fmt.Sprintf("%s(%s)", name, truncateDisplay(v))
		}
	}
	return name
}

const maxDisplayLen = 120

func truncateDisplay(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > maxDisplayLen {
		return s[:maxDisplayLen] + "…"
	}
	return s
}

// flattenContent renders a tool_result content field, which is either a
// bare string or a list of typed blocks.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}

	return string(raw)
}

func truncateForLog(line []byte) string {
	const max = 200
	if len(line) > max {
		return string(line[:max]) + "…"
	}
	return string(line)
}
