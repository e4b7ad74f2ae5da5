package agent

import (
	"sync"

	"github.com/google/uuid"

	"github.com/interloop/interloop/message"
)

// Conversation is an append-only transcript shared between the loop, the
// model, and the execution sessions keyed off its ID.
type Conversation struct {
	id string

	mu       sync.Mutex
	messages []message.Message
}

// NewConversation creates an empty conversation with a fresh ID.
func NewConversation() *Conversation {
	return &Conversation{id: uuid.New().String()}
}

// NewConversationWithID creates an empty conversation with the given ID.
// Useful when the caller manages conversation identity, e.g. resuming.
func NewConversationWithID(id string) *Conversation {
	return &Conversation{id: id}
}

// ID returns the conversation's stable identifier.
func (c *Conversation) ID() string {
	return c.id
}

// Append adds messages to the end of the transcript.
func (c *Conversation) Append(msgs ...message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msgs...)
}

// Messages returns a copy of the transcript.
func (c *Conversation) Messages() []message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]message.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages in the transcript.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}
