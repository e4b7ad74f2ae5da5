package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/interloop/interloop/executor"
	"github.com/interloop/interloop/message"
)

// scriptedProvider plays back canned fragment sequences, one per Stream
// call, and records the transcript it was shown.
type scriptedProvider struct {
	mu        sync.Mutex
	responses [][]string
	calls     int
	seen      [][]message.Message
	err       error
}

func (p *scriptedProvider) Stream(ctx context.Context, msgs []message.Message) (<-chan Fragment, error) {
	p.mu.Lock()
	p.seen = append(p.seen, msgs)
	idx := p.calls
	p.calls++
	p.mu.Unlock()

	ch := make(chan Fragment, 16)
	go func() {
		defer close(ch)
		if p.err != nil {
			ch <- Fragment{Err: p.err}
			return
		}
		if idx >= len(p.responses) {
			return
		}
		for _, f := range p.responses[idx] {
			select {
			case ch <- Fragment{Text: f}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// scriptedExec plays back canned execution results and records requests.
type scriptedExec struct {
	mu       sync.Mutex
	requests []executor.Request
	results  [][]message.Message
	err      error
}

func (e *scriptedExec) Execute(ctx context.Context, req executor.Request) (<-chan message.Message, error) {
	e.mu.Lock()
	idx := len(e.requests)
	e.requests = append(e.requests, req)
	e.mu.Unlock()

	if e.err != nil {
		return nil, e.err
	}

	msgs := []message.Message{message.EndOfExecution()}
	if idx < len(e.results) {
		msgs = e.results[idx]
	}
	ch := make(chan message.Message, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return ch, nil
}

func (e *scriptedExec) requestCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

func testConfig() LoopConfig {
	cfg := DefaultLoopConfig()
	cfg.MaxIterations = 5
	return cfg
}

// visible filters out display-only line markers.
func visible(msgs []message.Message) []message.Message {
	var out []message.Message
	for _, m := range msgs {
		if m.Format == message.FormatActiveLine {
			continue
		}
		out = append(out, m)
	}
	return out
}

func TestLoopCodeThenAnswer(t *testing.T) {
	provider := &scriptedProvider{responses: [][]string{
		{"Let me compute that.\n", "```python\nprint(2 + 2)\n```"},
		{"The answer is 4."},
	}}
	exec := &scriptedExec{results: [][]message.Message{
		{message.ConsoleOutput("4\n"), message.EndOfExecution()},
	}}
	loop := NewLoop(provider, exec, testConfig())

	conv := NewConversation()
	turn := loop.Run(context.Background(), conv, "What is 2 + 2?")

	if turn.Outcome() != OutcomeDone {
		t.Fatalf("expected done, got %v (%v)", turn.Outcome(), turn.Err())
	}

	msgs := visible(turn.Messages())
	if len(msgs) != 4 {
		t.Fatalf("expected 4 visible messages, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].Role != message.RoleAssistant || msgs[0].Content != "Let me compute that.\n" {
		t.Errorf("unexpected first message: %+v", msgs[0])
	}
	if msgs[1].Type != message.TypeCode || msgs[1].Format != "python" || msgs[1].Content != "print(2 + 2)" {
		t.Errorf("unexpected code message: %+v", msgs[1])
	}
	if !msgs[2].IsConsole() || msgs[2].Content != "4\n" {
		t.Errorf("unexpected console message: %+v", msgs[2])
	}
	if msgs[3].Content != "The answer is 4." {
		t.Errorf("unexpected final message: %+v", msgs[3])
	}

	// Transcript: user, assistant text, code, output, assistant text.
	if conv.Len() != 5 {
		t.Errorf("expected 5 transcript messages, got %d", conv.Len())
	}
	if exec.requestCount() != 1 {
		t.Errorf("expected 1 execution, got %d", exec.requestCount())
	}
}

func TestLoopNoCodeIsDone(t *testing.T) {
	provider := &scriptedProvider{responses: [][]string{
		{"Just ", "an answer."},
	}}
	exec := &scriptedExec{}
	loop := NewLoop(provider, exec, testConfig())

	turn := loop.Run(context.Background(), NewConversation(), "hi")

	if turn.Outcome() != OutcomeDone {
		t.Fatalf("expected done, got %v", turn.Outcome())
	}
	msgs := turn.Messages()
	if len(msgs) != 1 || msgs[0].Content != "Just an answer." {
		t.Errorf("expected one accumulated text message, got %+v", msgs)
	}
	if exec.requestCount() != 0 {
		t.Errorf("expected no executions, got %d", exec.requestCount())
	}
}

func TestLoopStopsAfterFirstBlock(t *testing.T) {
	provider := &scriptedProvider{responses: [][]string{
		{"```python\nfirst\n```\nignored\n```python\nsecond\n```"},
		{"done"},
	}}
	exec := &scriptedExec{}
	loop := NewLoop(provider, exec, testConfig())

	turn := loop.Run(context.Background(), NewConversation(), "go")

	if turn.Outcome() != OutcomeDone {
		t.Fatalf("expected done, got %v", turn.Outcome())
	}
	if exec.requestCount() != 1 {
		t.Fatalf("expected exactly 1 execution, got %d", exec.requestCount())
	}
	if exec.requests[0].Code != "first" {
		t.Errorf("expected only the first block to run, got %q", exec.requests[0].Code)
	}
}

func TestLoopNormalizesBlockLanguage(t *testing.T) {
	provider := &scriptedProvider{responses: [][]string{
		{"```py\nprint(1)\n```"},
		{"ok"},
	}}
	exec := &scriptedExec{}
	loop := NewLoop(provider, exec, testConfig())

	loop.Run(context.Background(), NewConversation(), "go")

	if exec.requests[0].Language != "python" {
		t.Errorf("expected normalized language, got %q", exec.requests[0].Language)
	}
}

func TestLoopMaxIterations(t *testing.T) {
	// The model never stops producing code.
	var responses [][]string
	for i := 0; i < 10; i++ {
		responses = append(responses, []string{"```python\nprint(1)\n```"})
	}
	provider := &scriptedProvider{responses: responses}
	exec := &scriptedExec{}

	cfg := testConfig()
	cfg.MaxIterations = 3
	loop := NewLoop(provider, exec, cfg)

	turn := loop.Run(context.Background(), NewConversation(), "go")

	if turn.Outcome() != OutcomeMaxIterations {
		t.Fatalf("expected max_iterations, got %v", turn.Outcome())
	}
	if exec.requestCount() != 3 {
		t.Errorf("expected exactly 3 executions, got %d", exec.requestCount())
	}
}

func TestLoopProviderErrorFailsTurn(t *testing.T) {
	wantErr := errors.New("provider unreachable")
	provider := &scriptedProvider{err: wantErr}
	loop := NewLoop(provider, &scriptedExec{}, testConfig())

	turn := loop.Run(context.Background(), NewConversation(), "go")

	if turn.Outcome() != OutcomeFailed {
		t.Fatalf("expected failed, got %v", turn.Outcome())
	}
	if !errors.Is(turn.Err(), wantErr) {
		t.Errorf("expected the provider error, got %v", turn.Err())
	}
}

func TestLoopStartupErrorFailsTurn(t *testing.T) {
	provider := &scriptedProvider{responses: [][]string{
		{"```python\nprint(1)\n```"},
	}}
	startErr := &executor.StartupError{Language: "python", Cause: errors.New("no interpreter")}
	exec := &scriptedExec{err: startErr}
	loop := NewLoop(provider, exec, testConfig())

	turn := loop.Run(context.Background(), NewConversation(), "go")

	if turn.Outcome() != OutcomeFailed {
		t.Fatalf("expected failed, got %v", turn.Outcome())
	}
	var se *executor.StartupError
	if !errors.As(turn.Err(), &se) {
		t.Errorf("expected *StartupError, got %T", turn.Err())
	}
}

func TestLoopCancelledExecutionEndsTurn(t *testing.T) {
	provider := &scriptedProvider{responses: [][]string{
		{"```python\nprint(1)\n```"},
		{"should never be requested"},
	}}
	exec := &scriptedExec{results: [][]message.Message{
		{message.ConsoleError(message.ErrorCancelled, "execution cancelled")},
	}}
	loop := NewLoop(provider, exec, testConfig())

	turn := loop.Run(context.Background(), NewConversation(), "go")

	if turn.Outcome() != OutcomeCancelled {
		t.Fatalf("expected cancelled, got %v", turn.Outcome())
	}
	if provider.callCount() != 1 {
		t.Errorf("cancelled turn must not call the model again, got %d calls", provider.callCount())
	}
}

func TestLoopExecutionErrorFedBack(t *testing.T) {
	provider := &scriptedProvider{responses: [][]string{
		{"```python\n1/0\n```"},
		{"That failed, sorry."},
	}}
	exec := &scriptedExec{results: [][]message.Message{
		{message.ConsoleError(message.ErrorExecution, "ZeroDivisionError")},
	}}
	loop := NewLoop(provider, exec, testConfig())

	turn := loop.Run(context.Background(), NewConversation(), "go")

	// An execution error is feedback, not a turn failure.
	if turn.Outcome() != OutcomeDone {
		t.Fatalf("expected done, got %v (%v)", turn.Outcome(), turn.Err())
	}

	// The second model call must have seen the error message.
	second := provider.seen[1]
	var sawError bool
	for _, m := range second {
		if kind, ok := m.ErrorKindOf(); ok && kind == message.ErrorExecution {
			sawError = true
		}
	}
	if !sawError {
		t.Error("expected the execution error in the model's view")
	}
}

func TestLoopTruncatesModelViewOnly(t *testing.T) {
	long := strings.Repeat("x", 5000)
	provider := &scriptedProvider{responses: [][]string{
		{"```python\nprint('x' * 5000)\n```"},
		{"big"},
	}}
	exec := &scriptedExec{results: [][]message.Message{
		{message.ConsoleOutput(long), message.EndOfExecution()},
	}}

	cfg := testConfig()
	cfg.TruncateChars = 100
	loop := NewLoop(provider, exec, cfg)

	conv := NewConversation()
	loop.Run(context.Background(), conv, "go")

	// The transcript keeps the full output.
	var full bool
	for _, m := range conv.Messages() {
		if m.IsConsole() && len(m.Content) == len(long) {
			full = true
		}
	}
	if !full {
		t.Error("expected the transcript to keep untruncated output")
	}

	// The model's view is shortened.
	second := provider.seen[1]
	for _, m := range second {
		if m.IsConsole() && m.Format == message.FormatOutput {
			if len(m.Content) >= len(long) {
				t.Error("expected the model view to be truncated")
			}
			if !strings.Contains(m.Content, "[WARNING: Output was truncated") {
				t.Error("expected a truncation notice in the model view")
			}
		}
	}
}

func TestLoopOnMessageStreams(t *testing.T) {
	provider := &scriptedProvider{responses: [][]string{
		{"```python\nprint(1)\n```"},
		{"ok"},
	}}
	exec := &scriptedExec{results: [][]message.Message{
		{message.ActiveLine(1), message.ConsoleOutput("1\n"), message.EndOfExecution()},
	}}

	var streamed []message.Message
	cfg := testConfig()
	cfg.OnMessage = func(m message.Message) { streamed = append(streamed, m) }
	loop := NewLoop(provider, exec, cfg)

	turn := loop.Run(context.Background(), NewConversation(), "go")

	if len(streamed) != len(turn.Messages()) {
		t.Errorf("expected every message streamed, got %d of %d",
			len(streamed), len(turn.Messages()))
	}

	// Line markers reach the stream but never the transcript.
	var sawMarker bool
	for _, m := range streamed {
		if _, ok := m.ActiveLineNumber(); ok {
			sawMarker = true
		}
	}
	if !sawMarker {
		t.Error("expected the active-line marker in the stream")
	}
}

func TestLoopUnterminatedBlockIsText(t *testing.T) {
	provider := &scriptedProvider{responses: [][]string{
		{"```python\nprint(1)"},
	}}
	exec := &scriptedExec{}
	loop := NewLoop(provider, exec, testConfig())

	turn := loop.Run(context.Background(), NewConversation(), "go")

	if turn.Outcome() != OutcomeDone {
		t.Fatalf("expected done, got %v", turn.Outcome())
	}
	if exec.requestCount() != 0 {
		t.Errorf("an unterminated block must not execute, got %d runs", exec.requestCount())
	}
	msgs := turn.Messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0].Content, "print(1)") {
		t.Errorf("expected the partial block as text, got %+v", msgs)
	}
}

func TestConversationAppendAndCopy(t *testing.T) {
	conv := NewConversation()
	if conv.ID() == "" {
		t.Error("expected a generated conversation ID")
	}

	conv.Append(message.UserText("a"), message.AssistantText("b"))
	got := conv.Messages()
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}

	// Mutating the copy must not affect the transcript.
	got[0].Content = "mutated"
	if conv.Messages()[0].Content != "a" {
		t.Error("Messages must return an independent copy")
	}
}

func TestTruncateConsole(t *testing.T) {
	if got := TruncateConsole("short", 100); got != "short" {
		t.Errorf("short output must pass through, got %q", got)
	}
	if got := TruncateConsole("anything", 0); got != "anything" {
		t.Errorf("zero limit disables truncation, got %q", got)
	}

	long := strings.Repeat("a", 300)
	got := TruncateConsole(long, 100)
	if len(got) >= len(long) {
		t.Error("expected truncated output to be shorter")
	}
	if !strings.HasPrefix(got, strings.Repeat("a", 50)) || !strings.HasSuffix(got, strings.Repeat("a", 50)) {
		t.Error("expected head and tail preserved")
	}
	if !strings.Contains(got, "200 characters were removed") {
		t.Errorf("expected removal count in notice, got %q", got)
	}
}
