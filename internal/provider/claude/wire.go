package claude

import (
	"encoding/json"
	"strings"

	"github.com/stoneforge-ai/stoneforge/internal/provider"
)

// Message types on the Claude Code CLI stream-json protocol.
const (
	messageTypeSystem         = "system"
	messageTypeAssistant      = "assistant"
	messageTypeUser           = "user"
	messageTypeResult         = "result"
	messageTypeControlRequest = "control_request"
)

// Control request subtypes.
const (
	subtypeInit      = "init"
	subtypeInterrupt = "interrupt"
)

// cliMessage is one line of Claude Code CLI stdout. The message type
// determines which fields are populated.
type cliMessage struct {
	Type string `json:"type"`

	// For system messages.
	SessionID string `json:"session_id,omitempty"`
	Subtype   string `json:"subtype,omitempty"`

	// For assistant and user messages.
	Message *assistantMessage `json:"message,omitempty"`

	// For result messages. Result can be either a string (the final
	// text or an error message) or an object.
	Result            json.RawMessage `json:"result,omitempty"`
	IsError           bool            `json:"is_error,omitempty"`
	DurationMS        int64           `json:"duration_ms,omitempty"`
	NumTurns          int             `json:"num_turns,omitempty"`
	TotalInputTokens  int64           `json:"total_input_tokens,omitempty"`
	TotalOutputTokens int64           `json:"total_output_tokens,omitempty"`
	Usage             *usage          `json:"usage,omitempty"`
}

// assistantMessage contains the assistant's response content.
type assistantMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content,omitempty"`
	Model   string         `json:"model,omitempty"`
	Usage   *usage         `json:"usage,omitempty"`
}

// contentBlock is a block of content in an assistant or user message.
type contentBlock struct {
	Type string `json:"type"`

	// For text blocks.
	Text string `json:"text,omitempty"`

	// For thinking blocks.
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks.
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// usage contains token usage counters.
type usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// resultString returns the Result field when it is a JSON string.
func (m *cliMessage) resultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// sdkControlRequest is a control request sent to Claude Code CLI over
// stdin, used for interrupts.
type sdkControlRequest struct {
	Type      string                `json:"type"`
	RequestID string                `json:"request_id"`
	Request   sdkControlRequestBody `json:"request"`
}

type sdkControlRequestBody struct {
	Subtype string `json:"subtype"`
}

// userMessage is sent over stdin to provide a prompt.
type userMessage struct {
	Type    string          `json:"type"`
	Message userMessageBody `json:"message"`
}

type userMessageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// translate maps one CLI stdout line onto zero or more agent messages.
// Assistant messages fan out per content block so consumers see text,
// tool_use and tool_result as distinct messages.
func translate(msg *cliMessage, raw []byte) []*provider.AgentMessage {
	switch msg.Type {
	case messageTypeSystem:
		if msg.Subtype != subtypeInit {
			return nil
		}
		return []*provider.AgentMessage{{
			Type:      provider.MessageSystem,
			Subtype:   provider.SubtypeInit,
			SessionID: msg.SessionID,
			Raw:       raw,
		}}

	case messageTypeAssistant, messageTypeUser:
		if msg.Message == nil {
			return nil
		}
		return translateBlocks(msg.Message.Content, raw)

	case messageTypeResult:
		out := &provider.AgentMessage{
			Type:       provider.MessageResult,
			Subtype:    msg.Subtype,
			IsError:    msg.IsError,
			DurationMS: msg.DurationMS,
			Raw:        raw,
		}
		if msg.IsError {
			out.ErrMessage = msg.resultString()
			if looksLikeUnknownSession(out.ErrMessage) {
				out.Subtype = provider.SubtypeSessionNotFound
			}
		} else {
			out.Text = msg.resultString()
		}
		if msg.TotalInputTokens > 0 || msg.TotalOutputTokens > 0 {
			out.Usage = &provider.Usage{
				InputTokens:  msg.TotalInputTokens,
				OutputTokens: msg.TotalOutputTokens,
			}
		} else if msg.Usage != nil {
			out.Usage = &provider.Usage{
				InputTokens:  msg.Usage.InputTokens,
				OutputTokens: msg.Usage.OutputTokens,
			}
		}
		return []*provider.AgentMessage{out}
	}

	return nil
}

func translateBlocks(blocks []contentBlock, raw []byte) []*provider.AgentMessage {
	var out []*provider.AgentMessage
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			out = append(out, &provider.AgentMessage{
				Type: provider.MessageAssistant,
				Text: block.Text,
				Raw:  raw,
			})
		case "tool_use":
			out = append(out, &provider.AgentMessage{
				Type:      provider.MessageToolUse,
				ToolName:  block.Name,
				ToolInput: block.Input,
				ToolUseID: block.ID,
				Raw:       raw,
			})
		case "tool_result":
			out = append(out, &provider.AgentMessage{
				Type:      provider.MessageToolResult,
				ToolUseID: block.ToolUseID,
				Content:   block.Content,
				IsError:   block.IsError,
				Raw:       raw,
			})
		}
	}
	return out
}

// looksLikeUnknownSession reports whether an error result indicates a
// resume against a session the CLI no longer knows.
func looksLikeUnknownSession(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "no conversation found") ||
		strings.Contains(lower, "session not found") ||
		strings.Contains(lower, "unknown session")
}
