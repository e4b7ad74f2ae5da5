package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/interloop/interloop/message"
)

// stopGracePeriod is how long Stop waits for the runtime to acknowledge an
// interrupt before force-terminating it.
const stopGracePeriod = 2 * time.Second

// ShellSession is the persistent-process session family: one long-lived
// shell that keeps variables, functions, and the working directory across
// runs. Command completion is detected with sentinel tokens echoed to the
// output stream, and per-line echo markers drive active-line reporting.
//
// Marker tokens are salted with a session-unique UUID so ordinary command
// output cannot collide with them. Code that deliberately prints its own
// wrapped script could still forge a marker; that residual risk is accepted.
type ShellSession struct {
	workdir    string
	lineMarker string
	endMarker  string

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string
	done  chan struct{}
	alive bool
}

// NewShellSession creates a shell session rooted at workdir. The runtime is
// not spawned until Start.
func NewShellSession(workdir string) *ShellSession {
	salt := uuid.New().String()
	return &ShellSession{
		workdir:    workdir,
		lineMarker: "##active_line_" + salt + "_",
		endMarker:  "##end_of_execution_" + salt + "_",
	}
}

func (s *ShellSession) Language() string { return "shell" }

// Start spawns the shell process. stdout and stderr share a single pipe so
// the relative order of interleaved output is preserved.
func (s *ShellSession) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alive {
		return nil
	}

	shellPath, err := exec.LookPath("bash")
	if err != nil {
		if shellPath, err = exec.LookPath("sh"); err != nil {
			return &StartupError{Language: "shell", Cause: err}
		}
	}

	cmd := exec.Command(shellPath)
	cmd.Dir = s.workdir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &StartupError{Language: "shell", Cause: err}
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return &StartupError{Language: "shell", Cause: err}
	}
	cmd.Stdout = outW
	cmd.Stderr = outW

	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		return &StartupError{Language: "shell", Cause: err}
	}
	// The child holds its own copy of the write end; closing ours lets the
	// reader observe EOF when the shell exits.
	outW.Close()

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		defer outR.Close()
		scanner := bufio.NewScanner(outR)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	s.cmd = cmd
	s.stdin = stdin
	s.lines = lines
	s.done = done
	s.alive = true
	return nil
}

// Run writes the instrumented code to the shell and streams the results.
func (s *ShellSession) Run(ctx context.Context, code string) (<-chan message.Message, error) {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return nil, fmt.Errorf("shell session is not running")
	}
	stdin := s.stdin
	lines := s.lines
	s.mu.Unlock()

	if _, err := io.WriteString(stdin, s.instrument(code)); err != nil {
		s.markDead()
		return nil, fmt.Errorf("shell session write: %w", err)
	}

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

		var tail tailBuffer
		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-lines:
				if !ok {
					s.markDead()
					send(message.ConsoleError(message.ErrorExecution, "shell exited unexpectedly\n"+tail.String()))
					return
				}
				switch {
				case strings.HasPrefix(line, s.lineMarker):
					if n, err := strconv.Atoi(strings.TrimPrefix(line, s.lineMarker)); err == nil {
						if !send(message.ActiveLine(n)) {
							return
						}
					}
				case strings.HasPrefix(line, s.endMarker):
					status, _ := strconv.Atoi(strings.TrimPrefix(line, s.endMarker))
					if status != 0 {
						send(message.ConsoleError(message.ErrorExecution,
							fmt.Sprintf("exit status %d\n%s", status, tail.String())))
					} else {
						send(message.EndOfExecution())
					}
					return
				default:
					tail.Write(line + "\n")
					if !send(message.ConsoleOutput(line + "\n")) {
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// instrument interleaves active-line echo markers with the code and appends
// the end-of-execution sentinel carrying the exit status. Only scripts of
// standalone simple commands can be split per line; anything that carries a
// construct across lines runs uninstrumented except for the sentinel.
func (s *ShellSession) instrument(code string) string {
	var b strings.Builder
	plain := !instrumentable(code)
	for i, line := range strings.Split(code, "\n") {
		if !plain && strings.TrimSpace(line) != "" && !strings.HasPrefix(strings.TrimSpace(line), "#") {
			fmt.Fprintf(&b, "echo \"%s%d\"\n", s.lineMarker, i+1)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "echo \"%s$?\"\n", s.endMarker)
	return b.String()
}

// compoundWords are the reserved words that open or continue a shell
// compound command spanning multiple lines. An echo injected between the
// list and its do/then is a syntax error that would kill the session.
var compoundWords = map[string]bool{
	"for": true, "while": true, "until": true, "select": true,
	"if": true, "then": true, "elif": true, "else": true, "fi": true,
	"do": true, "done": true, "case": true, "esac": true,
	"function": true,
}

// instrumentable reports whether per-line markers can be injected without
// changing the script's meaning.
func instrumentable(code string) bool {
	if strings.Contains(code, "<<") || strings.Contains(code, "\\\n") {
		return false
	}
	if spansQuotedNewline(code) {
		return false
	}
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if compoundWords[strings.Fields(trimmed)[0]] {
			return false
		}
		switch {
		case strings.HasSuffix(trimmed, "{"),
			strings.HasSuffix(trimmed, "("),
			strings.HasSuffix(trimmed, "|"),
			strings.HasSuffix(trimmed, "&&"),
			strings.HasSuffix(trimmed, "||"),
			strings.HasSuffix(trimmed, ";"):
			return false
		}
	}
	return true
}

// spansQuotedNewline reports whether a quoted string crosses a line break
// or is left open at the end of the script.
func spansQuotedNewline(code string) bool {
	var quote byte
	escaped := false
	for i := 0; i < len(code); i++ {
		c := code[i]
		if escaped {
			escaped = false
			continue
		}
		switch quote {
		case '\'':
			switch c {
			case '\'':
				quote = 0
			case '\n':
				return true
			}
		case '"':
			switch c {
			case '\\':
				escaped = true
			case '"':
				quote = 0
			case '\n':
				return true
			}
		default:
			switch c {
			case '\\':
				escaped = true
			case '\'', '"':
				quote = c
			}
		}
	}
	return quote != 0
}

// Stop interrupts the shell's process group, then force-kills it if it does
// not exit within the grace period. Safe to call repeatedly and on a dead
// runtime.
func (s *ShellSession) Stop() error {
	s.mu.Lock()
	cmd := s.cmd
	done := s.done
	wasAlive := s.alive
	s.alive = false
	if s.stdin != nil {
		s.stdin.Close()
	}
	s.mu.Unlock()

	if !wasAlive || cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGINT)
	select {
	case <-done:
	case <-time.After(stopGracePeriod):
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
	}
	return nil
}

// Alive reports whether the shell process is usable.
func (s *ShellSession) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

func (s *ShellSession) markDead() {
	s.mu.Lock()
	s.alive = false
	s.mu.Unlock()
}

// tailBuffer keeps the most recent output for error reporting.
type tailBuffer struct {
	buf strings.Builder
}

const tailLimit = 4096

func (t *tailBuffer) Write(s string) {
	t.buf.WriteString(s)
	if t.buf.Len() > tailLimit {
		trimmed := t.buf.String()
		t.buf.Reset()
		t.buf.WriteString(trimmed[len(trimmed)-tailLimit:])
	}
}

func (t *tailBuffer) String() string { return t.buf.String() }
