package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/interloop/interloop/message"
)

// StarlarkSession is the embedded-interpreter session family. The
// interpreter lives in-process: globals persist across runs, print output
// streams as it is produced, and Stop cancels the running thread
// cooperatively.
type StarlarkSession struct {
	mu      sync.Mutex
	globals starlark.StringDict
	thread  *starlark.Thread
	alive   bool
	runSeq  int
}

// NewStarlarkSession creates an embedded Starlark session.
func NewStarlarkSession() *StarlarkSession {
	return &StarlarkSession{}
}

func (s *StarlarkSession) Language() string { return "starlark" }

// Start initializes the persistent globals. It cannot fail: the engine is
// compiled in.
func (s *StarlarkSession) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.globals == nil {
		s.globals = make(starlark.StringDict)
	}
	s.alive = true
	return nil
}

// fileOptions enables the non-default language features a REPL-style
// session needs: top-level control flow, reassignment, while, and set.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// Run executes code against the persistent globals. Bindings introduced by
// this run are merged back so the next run observes them.
func (s *StarlarkSession) Run(ctx context.Context, code string) (<-chan message.Message, error) {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return nil, fmt.Errorf("starlark session is not running")
	}
	s.runSeq++
	name := fmt.Sprintf("<exec_%d>", s.runSeq)
	predeclared := make(starlark.StringDict, len(s.globals))
	for k, v := range s.globals {
		predeclared[k] = v
	}
	s.mu.Unlock()

	out := make(chan message.Message, 16)

	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			select {
			case out <- message.ConsoleOutput(msg + "\n"):
			case <-ctx.Done():
			}
		},
	}

	s.mu.Lock()
	s.thread = thread
	s.mu.Unlock()

	execDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel("interrupted")
		case <-execDone:
		}
	}()

	go func() {
		defer close(out)
		defer close(execDone)

		globals, err := starlark.ExecFileOptions(fileOptions, thread, name, code, predeclared)

		s.mu.Lock()
		s.thread = nil
		// Stop may have cleared the state while this run was in flight;
		// the partial bindings are discarded with it.
		if s.globals != nil {
			for k, v := range globals {
				s.globals[k] = v
			}
		}
		s.mu.Unlock()

		if err != nil {
			if ctx.Err() != nil {
				// The Supervisor owns the terminal message for cancellation.
				return
			}
			detail := err.Error()
			var evalErr *starlark.EvalError
			if errors.As(err, &evalErr) {
				detail = evalErr.Backtrace()
			}
			select {
			case out <- message.ConsoleError(message.ErrorExecution, detail):
			case <-ctx.Done():
			}
			return
		}

		select {
		case out <- message.EndOfExecution():
		case <-ctx.Done():
		}
	}()

	return out, nil
}

// Stop cancels any in-flight execution and discards the session state.
func (s *StarlarkSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.thread != nil {
		s.thread.Cancel("interrupted")
		s.thread = nil
	}
	s.alive = false
	s.globals = nil
	return nil
}

// Alive reports whether the session accepts runs.
func (s *StarlarkSession) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}
