package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/interloop/interloop/logs"
	"github.com/interloop/interloop/message"
)

// Request is the input to one supervised execution. Timeout is an
// inactivity window: the execution is force-stopped if no new output
// arrives within it. Zero means no timeout.
type Request struct {
	ConversationID string
	Language       string
	Code           string
	Timeout        time.Duration
}

// terminalSendGrace bounds how long the pump waits for a caller to accept
// the final message of an abandoned stream before dropping it, so the
// session gate is not held forever.
const terminalSendGrace = 30 * time.Second

// Supervisor runs code blocks through the right session and owns the
// cross-cutting rules every execution shares: per-session serialization
// (via the registry gate), inactivity timeouts, external cancellation, and
// normalization of runtime faults into terminal console messages.
type Supervisor struct {
	registry      *Registry
	logger        *slog.Logger
	terminalGrace time.Duration
}

// NewSupervisor creates a Supervisor over the given registry. A nil logger
// falls back to the shared default.
func NewSupervisor(registry *Registry, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = logs.Default()
	}
	return &Supervisor{registry: registry, logger: logger, terminalGrace: terminalSendGrace}
}

// Registry returns the registry this supervisor executes against.
func (s *Supervisor) Registry() *Registry { return s.registry }

// Execute runs the request and returns its message stream. The only error
// return is a *StartupError (the runtime could not be acquired, nothing
// ran); every other failure — unsupported language, runtime fault, timeout,
// cancellation — arrives in-band as a terminal error message so the
// model-facing stream stays uniform.
//
// Cancellation wins races with output: once the context is cancelled, the
// terminal cancelled message is the last message emitted, even if the
// runtime had buffered output pending.
//
// Callers must drain the returned stream until it closes, even after
// cancelling the context. An abandoned stream holds the session gate until
// the terminal send gives up.
func (s *Supervisor) Execute(ctx context.Context, req Request) (<-chan message.Message, error) {
	language := NormalizeLanguage(req.Language)

	sess, release, err := s.registry.Checkout(ctx, req.ConversationID, language)
	if err != nil {
		if _, ok := err.(*UnsupportedLanguageError); ok {
			s.logger.Warn("unsupported language requested", "language", req.Language)
			return singleMessage(message.ConsoleError(message.ErrorUnsupported, err.Error())), nil
		}
		// Context cancelled while waiting for the session gate.
		return singleMessage(message.ConsoleError(message.ErrorCancelled, "execution cancelled")), nil
	}

	if !sess.Alive() {
		if err := sess.Start(); err != nil {
			release()
			s.logger.Error("session start failed", "language", language, "error", err)
			return nil, err
		}
	}

	runCtx, runCancel := context.WithCancel(ctx)
	inner, err := sess.Run(runCtx, req.Code)
	if err != nil {
		runCancel()
		release()
		s.logger.Error("session run failed", "language", language, "error", err)
		return singleMessage(message.ConsoleError(message.ErrorExecution, err.Error())), nil
	}

	s.logger.Debug("execution started",
		"conversation", req.ConversationID, "language", language, "timeout", req.Timeout)

	out := make(chan message.Message)
	go func() {
		defer close(out)
		defer release()
		defer runCancel()

		var watchdog *time.Timer
		var expired <-chan time.Time
		if req.Timeout > 0 {
			watchdog = time.NewTimer(req.Timeout)
			defer watchdog.Stop()
			expired = watchdog.C
		}

		for {
			// Cancellation is checked first so it deterministically beats
			// any output that is already buffered.
			if ctx.Err() != nil {
				s.stopSession(sess, language)
				s.sendTerminal(out, message.ConsoleError(message.ErrorCancelled, "execution cancelled"))
				return
			}

			select {
			case <-ctx.Done():
				s.stopSession(sess, language)
				s.sendTerminal(out, message.ConsoleError(message.ErrorCancelled, "execution cancelled"))
				return

			case <-expired:
				s.stopSession(sess, language)
				s.logger.Warn("execution timed out", "language", language, "timeout", req.Timeout)
				s.sendTerminal(out, message.ConsoleError(message.ErrorTimeout,
					"no output within "+req.Timeout.String()))
				return

			case m, ok := <-inner:
				if !ok {
					// Stream exhausted without a terminal message means the
					// session gave up abnormally; normalize.
					s.sendTerminal(out, message.ConsoleError(message.ErrorExecution, "execution ended without result"))
					return
				}
				if watchdog != nil {
					if !watchdog.Stop() {
						<-watchdog.C
					}
					watchdog.Reset(req.Timeout)
				}
				select {
				case out <- m:
				case <-ctx.Done():
					s.stopSession(sess, language)
					s.sendTerminal(out, message.ConsoleError(message.ErrorCancelled, "execution cancelled"))
					return
				}
				if m.IsTerminal() {
					return
				}
			}
		}
	}()
	return out, nil
}

// sendTerminal delivers the last message of a stream. If the caller has
// walked away instead of draining, the send gives up after the grace
// period so the pump goroutine and the session gate are reclaimed.
func (s *Supervisor) sendTerminal(out chan<- message.Message, m message.Message) {
	select {
	case out <- m:
	case <-time.After(s.terminalGrace):
		s.logger.Warn("terminal message dropped, stream abandoned", "content", m.Content)
	}
}

func (s *Supervisor) stopSession(sess Session, language string) {
	if err := sess.Stop(); err != nil {
		s.logger.Error("session stop failed", "language", language, "error", err)
	}
}

// singleMessage returns a closed stream carrying exactly one message.
func singleMessage(m message.Message) <-chan message.Message {
	ch := make(chan message.Message, 1)
	ch <- m
	close(ch)
	return ch
}
