// Package llm wraps gollm behind a small provider-agnostic client used to
// stream assistant responses.
package llm

import "strings"

// Role identifies who produced a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one turn of provider-facing chat.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SystemMessage creates a system ChatMessage.
func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: text}
}

// UserMessage creates a user ChatMessage.
func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: text}
}

// AssistantMessage creates an assistant ChatMessage.
func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: text}
}

// Request is the input to Complete and Stream.
type Request struct {
	Model       string        `json:"model,omitempty"`
	Provider    string        `json:"provider,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// SystemText returns the concatenated system-role content of the request.
func (r Request) SystemText() string {
	var sb strings.Builder
	for _, m := range r.Messages {
		if m.Role == RoleSystem {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(m.Content)
		}
	}
	return sb.String()
}

// Response is the output of Complete.
type Response struct {
	Model    string `json:"model"`
	Provider string `json:"provider"`
	Text     string `json:"text"`
}

// StreamEvent is a single unit of a streaming response. Token carries
// text; a non-nil Err terminates the stream.
type StreamEvent struct {
	Token string
	Err   error
}
