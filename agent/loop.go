package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/interloop/interloop/executor"
	"github.com/interloop/interloop/logs"
	"github.com/interloop/interloop/message"
)

// Outcome classifies how a turn ended.
type Outcome string

const (
	// OutcomeDone means the model finished a response with no code block.
	OutcomeDone Outcome = "done"
	// OutcomeMaxIterations means the iteration cap was reached before the
	// model stopped producing code.
	OutcomeMaxIterations Outcome = "max_iterations"
	// OutcomeFailed means the provider or a session startup failed.
	OutcomeFailed Outcome = "failed"
	// OutcomeCancelled means the caller's context was cancelled.
	OutcomeCancelled Outcome = "cancelled"
)

// Executor runs one code block and streams its output. Satisfied by
// executor.Supervisor.
type Executor interface {
	Execute(ctx context.Context, req executor.Request) (<-chan message.Message, error)
}

// LoopConfig controls a Loop's behavior.
type LoopConfig struct {
	// MaxIterations caps the number of code executions per turn.
	MaxIterations int
	// ExecTimeout is the inactivity window for each execution.
	ExecTimeout time.Duration
	// TruncateChars caps console output in the model's view of the
	// transcript. The transcript itself is never truncated.
	TruncateChars int
	// OnMessage, if set, is called with each message as it is produced.
	OnMessage func(message.Message)
	// Logger defaults to logs.Default().
	Logger *slog.Logger
}

// DefaultLoopConfig returns the standard configuration.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations: 10,
		ExecTimeout:   2 * time.Minute,
		TruncateChars: 12000,
	}
}

// Turn is the result of one Loop.Run call.
type Turn struct {
	messages []message.Message
	outcome  Outcome
	err      error
}

// Messages returns everything produced during the turn, in order.
func (t *Turn) Messages() []message.Message { return t.messages }

// Outcome returns how the turn ended.
func (t *Turn) Outcome() Outcome { return t.outcome }

// Err returns the error for a failed turn, nil otherwise.
func (t *Turn) Err() error { return t.err }

// Loop drives the model/execute cycle: stream a response, detect the
// first complete code block, run it, feed the output back, repeat until
// the model responds without code or a limit is hit.
type Loop struct {
	provider Provider
	exec     Executor
	cfg      LoopConfig
	logger   *slog.Logger
}

// NewLoop creates a Loop.
func NewLoop(provider Provider, exec Executor, cfg LoopConfig) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = logs.Default()
	}
	return &Loop{provider: provider, exec: exec, cfg: cfg, logger: logger}
}

// Run appends input to the conversation and drives the turn to completion.
func (l *Loop) Run(ctx context.Context, conv *Conversation, input string) *Turn {
	turn := &Turn{outcome: OutcomeDone}
	conv.Append(message.UserText(input))

	for iteration := 0; ; iteration++ {
		if ctx.Err() != nil {
			turn.outcome = OutcomeCancelled
			return turn
		}

		block, err := l.streamResponse(ctx, conv, turn)
		if err != nil {
			if ctx.Err() != nil {
				turn.outcome = OutcomeCancelled
				return turn
			}
			l.logger.Error("provider stream failed", "error", err)
			turn.outcome = OutcomeFailed
			turn.err = err
			return turn
		}
		if block == nil {
			turn.outcome = OutcomeDone
			return turn
		}

		if iteration >= l.cfg.MaxIterations {
			l.logger.Warn("iteration cap reached",
				"conversation", conv.ID(), "max", l.cfg.MaxIterations)
			turn.outcome = OutcomeMaxIterations
			return turn
		}

		cancelled, err := l.execute(ctx, conv, turn, *block)
		if err != nil {
			turn.outcome = OutcomeFailed
			turn.err = err
			return turn
		}
		if cancelled {
			turn.outcome = OutcomeCancelled
			return turn
		}
	}
}

// streamResponse streams one model response, returning the first complete
// code block if the model produced one. Generation stops as soon as a
// block completes; whatever the model would have said afterwards is never
// requested.
func (l *Loop) streamResponse(ctx context.Context, conv *Conversation, turn *Turn) (*CodeBlock, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	frags, err := l.provider.Stream(streamCtx, modelView(conv.Messages(), l.cfg.TruncateChars))
	if err != nil {
		return nil, err
	}

	det := NewDetector()
	var text strings.Builder
	var block *CodeBlock

	for frag := range frags {
		if frag.Err != nil {
			return nil, frag.Err
		}
		t, blocks := det.Feed(frag.Text)
		text.WriteString(t)
		if len(blocks) > 0 {
			block = &blocks[0]
			cancel()
			break
		}
	}

	if block == nil {
		text.WriteString(det.Flush())
	}
	if text.Len() > 0 {
		l.emit(conv, turn, message.AssistantText(text.String()))
	}
	if block != nil {
		lang := executor.NormalizeLanguage(block.Language)
		block.Language = lang
		l.emit(conv, turn, message.AssistantCode(lang, block.Code))
	}
	return block, nil
}

// execute runs one block and feeds its output into the conversation. The
// returned bool reports whether the execution ended in cancellation.
func (l *Loop) execute(ctx context.Context, conv *Conversation, turn *Turn, block CodeBlock) (bool, error) {
	l.logger.Debug("executing block",
		"conversation", conv.ID(), "language", block.Language, "bytes", len(block.Code))

	msgs, err := l.exec.Execute(ctx, executor.Request{
		ConversationID: conv.ID(),
		Language:       block.Language,
		Code:           block.Code,
		Timeout:        l.cfg.ExecTimeout,
	})
	if err != nil {
		l.logger.Error("session startup failed",
			"language", block.Language, "error", err)
		return false, err
	}

	cancelled := false
	for m := range msgs {
		if kind, ok := m.ErrorKindOf(); ok && kind == message.ErrorCancelled {
			cancelled = true
		}
		if _, ok := m.ActiveLineNumber(); ok || m.IsEndOfExecution() {
			// Line markers are for display only; they never enter the
			// transcript.
			l.observe(turn, m)
			continue
		}
		l.emit(conv, turn, m)
	}
	return cancelled || ctx.Err() != nil, nil
}

// emit appends a message to the conversation and records it on the turn.
func (l *Loop) emit(conv *Conversation, turn *Turn, m message.Message) {
	conv.Append(m)
	l.observe(turn, m)
}

func (l *Loop) observe(turn *Turn, m message.Message) {
	turn.messages = append(turn.messages, m)
	if l.cfg.OnMessage != nil {
		l.cfg.OnMessage(m)
	}
}

// modelView returns the transcript as the model should see it: active-line
// noise is already absent, and long console output is shortened so a
// pathological run cannot blow the context window.
func modelView(msgs []message.Message, maxChars int) []message.Message {
	out := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.IsConsole() && m.Format == message.FormatOutput {
			m.Content = TruncateConsole(m.Content, maxChars)
		}
		out = append(out, m)
	}
	return out
}
