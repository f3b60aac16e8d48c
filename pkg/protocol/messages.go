// Package protocol defines the WebSocket message types exchanged between
// agent clients and the server.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tellurhq/tellur/pkg/executor"
)

// MessageType identifies the kind of message sent over the WebSocket connection.
type MessageType string

const (
	// Client → Server
	TypeQuery    MessageType = "query"
	TypeToolCall MessageType = "tool_call"
	TypeBatch    MessageType = "tool_batch"
	TypePipeline MessageType = "pipeline"
	TypePing     MessageType = "ping"

	// Server → Client
	TypeSessionAck     MessageType = "session_ack"
	TypeResult         MessageType = "result"
	TypeBatchResult    MessageType = "batch_result"
	TypePipelineResult MessageType = "pipeline_result"
	TypeError          MessageType = "error"
	TypePong           MessageType = "pong"
)

// Error codes carried by ErrorMessage.
const (
	CodeRateLimited        = "rate_limited"
	CodeToolNotFound       = "tool_not_found"
	CodeInvalidMessage     = "invalid_message"
	CodePlannerUnavailable = "planner_unavailable"
)

// Envelope is the first-pass parse of any WebSocket message.
// We read the "type" field to determine which concrete type to unmarshal into.
type Envelope struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id,omitempty"` // client correlation ID, echoed in replies
}

// --- Client → Server messages ---

// QueryMessage asks the server to plan and execute tools for a natural
// language query.
type QueryMessage struct {
	Type  MessageType `json:"type"`
	ID    string      `json:"id,omitempty"`
	Query string      `json:"query"`
}

// ToolCallMessage invokes a single named tool.
type ToolCallMessage struct {
	Type         MessageType    `json:"type"`
	ID           string         `json:"id,omitempty"`
	Tool         string         `json:"tool"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	NoCache      bool           `json:"no_cache,omitempty"`
	ForceRefresh bool           `json:"force_refresh,omitempty"`
}

// BatchMessage invokes several distinct tools concurrently.
type BatchMessage struct {
	Type  MessageType     `json:"type"`
	ID    string          `json:"id,omitempty"`
	Calls []executor.Call `json:"calls"`
}

// PipelineMessage runs tool steps sequentially, feeding mapped outputs of
// earlier steps into the arguments of later ones.
type PipelineMessage struct {
	Type  MessageType     `json:"type"`
	ID    string          `json:"id,omitempty"`
	Steps []executor.Step `json:"steps"`
}

// PingMessage is a client keepalive.
type PingMessage struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id,omitempty"`
}

// --- Server → Client messages ---

// SessionAckMessage is sent once after the connection is accepted.
type SessionAckMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Tools     []string    `json:"tools,omitempty"`
}

// ResultMessage carries a single tool result (for tool_call and query).
type ResultMessage struct {
	Type   MessageType     `json:"type"`
	ID     string          `json:"id,omitempty"`
	Tool   string          `json:"tool,omitempty"`
	Result executor.Result `json:"result"`
}

// BatchResultMessage carries the per-tool results of a batch.
type BatchResultMessage struct {
	Type    MessageType                `json:"type"`
	ID      string                     `json:"id,omitempty"`
	Results map[string]executor.Result `json:"results"`
}

// PipelineResultMessage carries the executed steps of a pipeline, in order.
// A halted pipeline returns the steps that ran, the failing one last.
type PipelineResultMessage struct {
	Type  MessageType           `json:"type"`
	ID    string                `json:"id,omitempty"`
	Steps []executor.StepResult `json:"steps"`
}

// ErrorMessage reports a request-level failure (as opposed to a tool-level
// failure, which travels inside a Result).
type ErrorMessage struct {
	Type  MessageType `json:"type"`
	ID    string      `json:"id,omitempty"`
	Code  string      `json:"code"`
	Error string      `json:"error"`
}

// PongMessage answers a PingMessage.
type PongMessage struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id,omitempty"`
}

// ParseClientMessage reads a raw WebSocket message from a client and returns
// the typed message. It first parses the envelope to determine the type,
// then unmarshals into the concrete struct.
func ParseClientMessage(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing message envelope: %w", err)
	}

	switch env.Type {
	case TypeQuery:
		var msg QueryMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parsing query message: %w", err)
		}
		if msg.Query == "" {
			return nil, fmt.Errorf("query message missing query text")
		}
		return msg, nil

	case TypeToolCall:
		var msg ToolCallMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parsing tool_call message: %w", err)
		}
		if msg.Tool == "" {
			return nil, fmt.Errorf("tool_call message missing tool name")
		}
		return msg, nil

	case TypeBatch:
		var msg BatchMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parsing tool_batch message: %w", err)
		}
		if len(msg.Calls) == 0 {
			return nil, fmt.Errorf("tool_batch message has no calls")
		}
		return msg, nil

	case TypePipeline:
		var msg PipelineMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parsing pipeline message: %w", err)
		}
		if len(msg.Steps) == 0 {
			return nil, fmt.Errorf("pipeline message has no steps")
		}
		return msg, nil

	case TypePing:
		var msg PingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("parsing ping message: %w", err)
		}
		return msg, nil

	default:
		return nil, fmt.Errorf("unknown message type: %q", env.Type)
	}
}
