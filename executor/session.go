// Package executor runs code blocks against persistent, stateful language
// sessions and streams results back as console messages.
//
// Three session families implement the same contract:
//
//   - ShellSession: one long-lived shell process; command completion is
//     detected through sentinel tokens written to the merged output stream.
//   - StarlarkSession: an embedded interpreter with persistent globals and
//     cooperative cancellation.
//   - SubprocessSession: a fresh process per run; session state is limited
//     to the working directory and environment overlay.
//
// Sessions are owned by a Registry keyed by (conversation, language), and
// all execution flows through the Supervisor, which enforces timeouts,
// cancellation, and error normalization.
package executor

import (
	"context"

	"github.com/interloop/interloop/message"
)

// Session is one persistent execution environment for a single language.
//
// Run produces a lazy, finite, non-restartable stream: zero or more output
// chunks and active-line markers, then exactly one terminal message (the
// end-of-execution sentinel or a console error), after which the channel
// closes. Output chunks preserve the relative order in which the runtime
// produced them across stdout and stderr.
//
// At most one Run may be in flight per session; the Registry enforces this
// by serializing checkouts, not the session itself.
type Session interface {
	// Language returns the identifier this session executes.
	Language() string

	// Start acquires the underlying runtime. It returns a *StartupError if
	// the runtime binary or engine is unavailable.
	Start() error

	// Run submits code for execution and returns the result stream. The
	// context cancels the execution but the terminal message for a
	// cancellation is emitted by the caller (the Supervisor), not the
	// session.
	Run(ctx context.Context, code string) (<-chan message.Message, error)

	// Stop interrupts any in-flight execution and tears the runtime down,
	// force-terminating after a grace period. It is idempotent and never
	// fails on a dead runtime.
	Stop() error

	// Alive reports whether the runtime is usable.
	Alive() bool
}
