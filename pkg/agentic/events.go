package agentic

import (
	"time"

	"github.com/iurislab/relator/pkg/research"
)

// EventType tags a stream event. The set is closed; consumers switch on it
// and ignore payload fields the type does not use.
type EventType string

const (
	// EventIteration opens one planner round.
	EventIteration EventType = "agent_iteration"

	// EventThinking carries planner prose produced alongside tool calls or
	// as the final answer.
	EventThinking EventType = "agent_thinking"

	// EventToolCall announces one tool invocation with its arguments.
	EventToolCall EventType = "agent_tool_call"

	// EventToolResult carries the bounded text a tool returned to the
	// planner, flagged when the tool failed.
	EventToolResult EventType = "agent_tool_result"

	// EventSource surfaces each newly collected source once, as it arrives.
	EventSource EventType = "provider_source"

	// EventAskUser pauses the run: the consumer answers on the request's
	// input channel.
	EventAskUser EventType = "agent_ask_user"

	// EventStudyToken streams one text fragment of a study section.
	EventStudyToken EventType = "study_token"

	// EventMergeDone carries the final deduplicated, boost-ranked sources.
	EventMergeDone EventType = "merge_done"

	// EventStudyDone carries the assembled study text and closes the run.
	EventStudyDone EventType = "study_done"

	// EventError reports a terminal failure; it is the last event before
	// the channel closes.
	EventError EventType = "error"
)

// Event is one entry in the run stream. Type decides which payload fields
// are set.
type Event struct {
	Type      EventType `json:"type"`
	At        time.Time `json:"at"`
	Iteration int       `json:"iteration,omitempty"`

	Text      string         `json:"text,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	CallID    string         `json:"call_id,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Section   string         `json:"section,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	ElapsedMS int64          `json:"elapsed_ms,omitempty"`

	Source  *research.Source  `json:"source,omitempty"`
	Sources []research.Source `json:"sources,omitempty"`

	Err string `json:"error,omitempty"`
}
