package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/interloop/interloop/message"
)

// fakeSession is a controllable Session for registry and supervisor tests.
type fakeSession struct {
	mu       sync.Mutex
	language string
	started  bool
	stops    int
	startErr error
	run      func(ctx context.Context, code string) (<-chan message.Message, error)
}

func (f *fakeSession) Language() string { return f.language }

func (f *fakeSession) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeSession) Run(ctx context.Context, code string) (<-chan message.Message, error) {
	if f.run != nil {
		return f.run(ctx, code)
	}
	ch := make(chan message.Message, 1)
	ch <- message.EndOfExecution()
	close(ch)
	return ch, nil
}

func (f *fakeSession) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	f.stops++
	return nil
}

func (f *fakeSession) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *fakeSession) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func newFakeRegistry(language string) (*Registry, *[]*fakeSession) {
	r := NewRegistry()
	created := &[]*fakeSession{}
	var mu sync.Mutex
	r.RegisterFactory(language, func() Session {
		s := &fakeSession{language: language}
		mu.Lock()
		*created = append(*created, s)
		mu.Unlock()
		return s
	})
	return r, created
}

func TestRegistryLazyCreation(t *testing.T) {
	r, created := newFakeRegistry("python")

	if len(*created) != 0 {
		t.Fatalf("expected no sessions before first use, got %d", len(*created))
	}

	s1, err := r.GetOrCreate("conv-1", "python")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s2, err := r.GetOrCreate("conv-1", "python")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s1 != s2 {
		t.Error("expected the same session instance for repeated lookups")
	}
	if len(*created) != 1 {
		t.Errorf("expected 1 session created, got %d", len(*created))
	}
}

func TestRegistryAliasesShareSession(t *testing.T) {
	r, created := newFakeRegistry("python")

	s1, err := r.GetOrCreate("conv-1", "py")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s2, err := r.GetOrCreate("conv-1", "python3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s1 != s2 {
		t.Error("expected aliases to resolve to the same session")
	}
	if len(*created) != 1 {
		t.Errorf("expected 1 session created, got %d", len(*created))
	}
}

func TestRegistryKeysAreIndependent(t *testing.T) {
	r, _ := newFakeRegistry("python")
	r.RegisterFactory("shell", func() Session { return &fakeSession{language: "shell"} })

	a, _ := r.GetOrCreate("conv-1", "python")
	b, _ := r.GetOrCreate("conv-2", "python")
	c, _ := r.GetOrCreate("conv-1", "shell")

	if a == b {
		t.Error("different conversations must not share sessions")
	}
	if a == c {
		t.Error("different languages must not share sessions")
	}
}

func TestRegistryUnsupportedLanguage(t *testing.T) {
	r, _ := newFakeRegistry("python")

	_, err := r.GetOrCreate("conv-1", "fortran")
	if err == nil {
		t.Fatal("expected error for unregistered language")
	}
	if _, ok := err.(*UnsupportedLanguageError); !ok {
		t.Errorf("expected *UnsupportedLanguageError, got %T", err)
	}
}

func TestRegistryConcurrentGetOrCreate(t *testing.T) {
	r, created := newFakeRegistry("python")

	const n = 16
	sessions := make([]Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.GetOrCreate("conv-1", "python")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if sessions[i] != sessions[0] {
			t.Fatal("concurrent lookups observed different instances")
		}
	}
	if len(*created) != 1 {
		t.Errorf("expected exactly 1 session created, got %d", len(*created))
	}
}

func TestRegistryCheckoutSerializes(t *testing.T) {
	r, _ := newFakeRegistry("python")

	_, release, err := r.Checkout(context.Background(), "conv-1", "python")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		_, release2, err := r.Checkout(context.Background(), "conv-1", "python")
		if err != nil {
			t.Errorf("unexpected error: %v", err)
			return
		}
		close(acquired)
		release2()
	}()

	select {
	case <-acquired:
		t.Fatal("second checkout acquired while first still held")
	case <-time.After(50 * time.Millisecond):
	}

	release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second checkout never acquired after release")
	}
}

func TestRegistryCheckoutAbortsOnCancel(t *testing.T) {
	r, _ := newFakeRegistry("python")

	_, release, err := r.Checkout(context.Background(), "conv-1", "python")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := r.Checkout(ctx, "conv-1", "python")
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected checkout to abort on cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("checkout did not abort on cancellation")
	}
}

func TestRegistryResetEvicts(t *testing.T) {
	r, created := newFakeRegistry("python")

	s1, _ := r.GetOrCreate("conv-1", "python")
	if err := s1.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := r.Reset("conv-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if (*created)[0].stopCount() != 1 {
		t.Error("expected evicted session to be stopped")
	}

	s2, _ := r.GetOrCreate("conv-1", "python")
	if s1 == s2 {
		t.Error("expected a fresh session after reset")
	}
}

func TestRegistryResetByLanguage(t *testing.T) {
	r, _ := newFakeRegistry("python")
	r.RegisterFactory("shell", func() Session { return &fakeSession{language: "shell"} })

	py, _ := r.GetOrCreate("conv-1", "python")
	sh, _ := r.GetOrCreate("conv-1", "shell")

	if err := r.Reset("conv-1", "py"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	py2, _ := r.GetOrCreate("conv-1", "python")
	sh2, _ := r.GetOrCreate("conv-1", "shell")
	if py == py2 {
		t.Error("expected python session to be evicted")
	}
	if sh != sh2 {
		t.Error("expected shell session to survive a python-only reset")
	}
}

func TestRegistryResetWaitsForActiveRun(t *testing.T) {
	r, _ := newFakeRegistry("python")

	_, release, err := r.Checkout(context.Background(), "conv-1", "python")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = r.Reset("conv-1")
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("reset completed while a run still held the session")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reset never completed after release")
	}
}

func TestNormalizeLanguage(t *testing.T) {
	cases := map[string]string{
		"py":       "python",
		"python3":  "python",
		"python":   "python",
		"js":       "javascript",
		"node":     "javascript",
		"bash":     "shell",
		"zsh":      "shell",
		"sh":       "shell",
		"starlark": "starlark",
		"fortran":  "fortran",
	}
	for in, want := range cases {
		if got := NormalizeLanguage(in); got != want {
			t.Errorf("NormalizeLanguage(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDefaultRegistryLanguages(t *testing.T) {
	r := NewDefaultRegistry(t.TempDir())
	want := []string{"javascript", "python", "shell", "starlark"}
	got := r.Languages()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
