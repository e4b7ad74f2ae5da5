// Package message defines the unit of exchange between the model, the
// executor, and the caller. A Message is an immutable value: once produced
// it is appended to a conversation or streamed to a caller, never mutated.
package message

import (
	"fmt"
	"strconv"
	"strings"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleComputer  Role = "computer"
)

// Type identifies the payload kind.
type Type string

const (
	TypeMessage      Type = "message"
	TypeCode         Type = "code"
	TypeConsole      Type = "console"
	TypeImage        Type = "image"
	TypeConfirmation Type = "confirmation"
)

// Format values for console messages. A code message's Format carries the
// language name instead; an image message's Format carries the encoding.
const (
	FormatOutput     = "output"
	FormatActiveLine = "active_line"
	FormatError      = "error"
)

// ActiveLineEnd is the terminal active_line sentinel marking the end of a
// successful execution.
const ActiveLineEnd = "end_of_execution"

// ErrorKind classifies a terminal console error so callers and the model
// can tell a timeout apart from a runtime fault.
type ErrorKind string

const (
	ErrorExecution   ErrorKind = "execution"
	ErrorTimeout     ErrorKind = "timeout"
	ErrorCancelled   ErrorKind = "cancelled"
	ErrorUnsupported ErrorKind = "unsupported_language"
)

// Message is the unit of exchange.
type Message struct {
	Role    Role   `json:"role"`
	Type    Type   `json:"type"`
	Format  string `json:"format,omitempty"`
	Content string `json:"content"`
}

// UserText creates a plain user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Type: TypeMessage, Content: text}
}

// AssistantText creates a plain assistant message.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Type: TypeMessage, Content: text}
}

// AssistantCode creates an assistant code message. Format always names the
// language the block was fenced with.
func AssistantCode(language, code string) Message {
	return Message{Role: RoleAssistant, Type: TypeCode, Format: language, Content: code}
}

// ConsoleOutput creates a computer console message carrying an output chunk.
func ConsoleOutput(text string) Message {
	return Message{Role: RoleComputer, Type: TypeConsole, Format: FormatOutput, Content: text}
}

// ActiveLine creates a marker for the source line currently executing.
func ActiveLine(line int) Message {
	return Message{Role: RoleComputer, Type: TypeConsole, Format: FormatActiveLine, Content: strconv.Itoa(line)}
}

// EndOfExecution creates the terminal sentinel for a successful execution.
func EndOfExecution() Message {
	return Message{Role: RoleComputer, Type: TypeConsole, Format: FormatActiveLine, Content: ActiveLineEnd}
}

// ConsoleError creates a terminal error message. The kind is encoded into
// the content so it survives serialization; ErrorKindOf recovers it.
func ConsoleError(kind ErrorKind, detail string) Message {
	return Message{
		Role:    RoleComputer,
		Type:    TypeConsole,
		Format:  FormatError,
		Content: fmt.Sprintf("[%s] %s", kind, detail),
	}
}

// IsConsole reports whether m is a computer console message.
func (m Message) IsConsole() bool {
	return m.Role == RoleComputer && m.Type == TypeConsole
}

// IsError reports whether m is a terminal console error.
func (m Message) IsError() bool {
	return m.IsConsole() && m.Format == FormatError
}

// IsEndOfExecution reports whether m is the terminal success sentinel.
func (m Message) IsEndOfExecution() bool {
	return m.IsConsole() && m.Format == FormatActiveLine && m.Content == ActiveLineEnd
}

// IsTerminal reports whether m ends an execution stream, normally or not.
func (m Message) IsTerminal() bool {
	return m.IsError() || m.IsEndOfExecution()
}

// ActiveLineNumber returns the line number carried by an active_line marker.
// The second return is false for non-markers and for the terminal sentinel.
func (m Message) ActiveLineNumber() (int, bool) {
	if !m.IsConsole() || m.Format != FormatActiveLine || m.Content == ActiveLineEnd {
		return 0, false
	}
	n, err := strconv.Atoi(m.Content)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ErrorKindOf recovers the ErrorKind from a terminal error message.
// It returns ErrorExecution for error messages without a recognizable tag.
func (m Message) ErrorKindOf() (ErrorKind, bool) {
	if !m.IsError() {
		return "", false
	}
	if strings.HasPrefix(m.Content, "[") {
		if end := strings.Index(m.Content, "]"); end > 1 {
			return ErrorKind(m.Content[1:end]), true
		}
	}
	return ErrorExecution, true
}
