package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/interloop/interloop/message"
)

// RuntimeSpec describes how to invoke a one-shot interpreter.
type RuntimeSpec struct {
	Language string
	Command  string
	// Args precede the code argument, e.g. ["-u", "-c"] for python3.
	Args []string
}

// SubprocessSession is the one-shot session family: every Run spawns a
// fresh interpreter process, so live interpreter memory does not persist.
// What does persist across runs is the working directory and any
// environment overlay, which is all the session state this family has.
type SubprocessSession struct {
	spec    RuntimeSpec
	workdir string
	env     map[string]string

	mu    sync.Mutex
	path  string
	cur   *exec.Cmd
	done  chan struct{}
	alive bool
}

// NewSubprocessSession creates a one-shot session for the given runtime.
func NewSubprocessSession(spec RuntimeSpec, workdir string) *SubprocessSession {
	return &SubprocessSession{
		spec:    spec,
		workdir: workdir,
		env:     make(map[string]string),
	}
}

// NewPythonSession creates a one-shot python3 session. The -u flag keeps
// output unbuffered so chunks stream as they are produced.
func NewPythonSession(workdir string) *SubprocessSession {
	return NewSubprocessSession(RuntimeSpec{
		Language: "python",
		Command:  "python3",
		Args:     []string{"-u", "-c"},
	}, workdir)
}

// NewNodeSession creates a one-shot node session.
func NewNodeSession(workdir string) *SubprocessSession {
	return NewSubprocessSession(RuntimeSpec{
		Language: "javascript",
		Command:  "node",
		Args:     []string{"-e"},
	}, workdir)
}

func (s *SubprocessSession) Language() string { return s.spec.Language }

// SetEnv adds an environment override that applies to every subsequent run.
func (s *SubprocessSession) SetEnv(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env[key] = value
}

// Start verifies the interpreter binary is available.
func (s *SubprocessSession) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alive {
		return nil
	}
	path, err := exec.LookPath(s.spec.Command)
	if err != nil {
		return &StartupError{Language: s.spec.Language, Cause: err}
	}
	s.path = path
	s.alive = true
	return nil
}

// Run spawns a fresh interpreter process for the code and streams its
// merged output. stderr is additionally captured so an abnormal exit can
// report the diagnostic verbatim.
func (s *SubprocessSession) Run(ctx context.Context, code string) (<-chan message.Message, error) {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s session is not running", s.spec.Language)
	}
	path := s.path
	env := os.Environ()
	for k, v := range s.env {
		env = append(env, k+"="+v)
	}
	s.mu.Unlock()

	cmd := exec.Command(path, append(append([]string{}, s.spec.Args...), code)...)
	cmd.Dir = s.workdir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%s session pipe: %w", s.spec.Language, err)
	}

	var stderrBuf lockedBuffer
	cmd.Stdout = outW
	cmd.Stderr = io.MultiWriter(outW, &stderrBuf)

	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("%s session spawn: %w", s.spec.Language, err)
	}
	outW.Close()

	done := make(chan struct{})
	s.mu.Lock()
	s.cur = cmd
	s.done = done
	s.mu.Unlock()

	out := make(chan message.Message, 16)
	go func() {
		defer close(out)

		send := func(m message.Message) bool {
			select {
			case out <- m:
				return true
			case <-ctx.Done():
				return false
			}
		}

		go func() {
			select {
			case <-ctx.Done():
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			case <-done:
			}
		}()

		scanner := bufio.NewScanner(outR)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if !send(message.ConsoleOutput(scanner.Text() + "\n")) {
				break
			}
		}
		outR.Close()

		waitErr := cmd.Wait()
		close(done)
		s.mu.Lock()
		s.cur = nil
		s.done = nil
		s.mu.Unlock()

		if ctx.Err() != nil {
			// The Supervisor owns the terminal message for cancellation.
			return
		}
		if waitErr != nil {
			detail := strings.TrimRight(stderrBuf.String(), "\n")
			if detail == "" {
				detail = waitErr.Error()
			}
			send(message.ConsoleError(message.ErrorExecution, detail))
			return
		}
		send(message.EndOfExecution())
	}()
	return out, nil
}

// Stop kills any in-flight process. The session itself stays single-shot,
// so there is no long-lived runtime to tear down beyond that.
func (s *SubprocessSession) Stop() error {
	s.mu.Lock()
	cmd := s.cur
	done := s.done
	s.alive = false
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGINT)
	select {
	case <-done:
	case <-time.After(stopGracePeriod):
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	return nil
}

// Alive reports whether the session accepts runs.
func (s *SubprocessSession) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

// lockedBuffer is a concurrency-safe bytes.Buffer; stderr writes race with
// the reader goroutine taking the final snapshot.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
