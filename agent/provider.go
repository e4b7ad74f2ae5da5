package agent

import (
	"context"

	"github.com/interloop/interloop/llm"
	"github.com/interloop/interloop/message"
)

// Fragment is one unit of streamed model output. Exactly one of Text or
// Err is meaningful; a non-nil Err terminates the stream.
type Fragment struct {
	Text string
	Err  error
}

// Provider streams assistant output for a conversation transcript. The
// returned channel is closed when the response is complete or after an
// error fragment.
type Provider interface {
	Stream(ctx context.Context, msgs []message.Message) (<-chan Fragment, error)
}

// LLMProvider adapts an llm.Client to the Provider interface, rendering
// the transcript into chat form.
type LLMProvider struct {
	client *llm.Client
}

// NewLLMProvider wraps client as a Provider.
func NewLLMProvider(client *llm.Client) *LLMProvider {
	return &LLMProvider{client: client}
}

// Stream renders msgs into a chat request and streams the completion.
func (p *LLMProvider) Stream(ctx context.Context, msgs []message.Message) (<-chan Fragment, error) {
	req := llm.Request{Messages: renderChat(msgs)}
	events, err := p.client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan Fragment)
	go func() {
		defer close(out)
		for ev := range events {
			if ev.Err != nil {
				select {
				case out <- Fragment{Err: ev.Err}:
				case <-ctx.Done():
				}
				return
			}
			if ev.Token == "" {
				continue
			}
			select {
			case out <- Fragment{Text: ev.Token}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// renderChat flattens the transcript into provider chat messages. Code
// blocks are re-fenced so the model sees what it originally wrote, and
// computer output is presented as user-role context.
func renderChat(msgs []message.Message) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		var role llm.Role
		switch m.Role {
		case message.RoleAssistant:
			role = llm.RoleAssistant
		default:
			role = llm.RoleUser
		}

		content := m.Content
		switch {
		case m.Type == message.TypeCode:
			content = "```" + m.Format + "\n" + m.Content + "\n```"
		case m.Role == message.RoleComputer:
			content = "Output:\n" + m.Content
		}

		// Merge consecutive same-role messages so providers that reject
		// back-to-back turns still accept the transcript.
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n" + content
			continue
		}
		out = append(out, llm.ChatMessage{Role: role, Content: content})
	}
	return out
}
