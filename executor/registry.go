package executor

import (
	"context"
	"sort"
	"sync"
)

// Factory builds a new, unstarted Session for one language.
type Factory func() Session

// languageAliases maps the fence tags models commonly emit onto registered
// language identifiers.
var languageAliases = map[string]string{
	"py":      "python",
	"python3": "python",
	"js":      "javascript",
	"node":    "javascript",
	"sh":      "shell",
	"bash":    "shell",
	"zsh":     "shell",
}

// NormalizeLanguage resolves a language identifier or common alias to its
// canonical form.
func NormalizeLanguage(language string) string {
	if canonical, ok := languageAliases[language]; ok {
		return canonical
	}
	return language
}

// entry pairs a session with its run gate. The gate (capacity 1) serializes
// runs and teardowns: whoever holds it has exclusive use of the session.
type entry struct {
	session Session
	gate    chan struct{}
}

type sessionKey struct {
	conversation string
	language     string
}

// Registry owns every live session, keyed by (conversation, language).
// Sessions are created lazily on first use and live until the conversation
// ends or an explicit reset evicts them.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	sessions  map[sessionKey]*entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		sessions:  make(map[sessionKey]*entry),
	}
}

// NewDefaultRegistry creates a Registry with the built-in runtimes
// registered: shell, python, javascript, and starlark.
func NewDefaultRegistry(workdir string) *Registry {
	r := NewRegistry()
	r.RegisterFactory("shell", func() Session { return NewShellSession(workdir) })
	r.RegisterFactory("python", func() Session { return NewPythonSession(workdir) })
	r.RegisterFactory("javascript", func() Session { return NewNodeSession(workdir) })
	r.RegisterFactory("starlark", func() Session { return NewStarlarkSession() })
	return r
}

// RegisterFactory registers or replaces the session factory for a language.
func (r *Registry) RegisterFactory(language string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[language] = factory
}

// Languages returns the registered language identifiers, sorted.
func (r *Registry) Languages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.factories))
	for lang := range r.factories {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// GetOrCreate returns the session for (conversationID, language), creating
// it on first use. Concurrent calls for the same key observe the same
// instance. It returns an *UnsupportedLanguageError for unregistered
// languages.
func (r *Registry) GetOrCreate(conversationID, language string) (Session, error) {
	e, err := r.getOrCreateEntry(conversationID, language)
	if err != nil {
		return nil, err
	}
	return e.session, nil
}

func (r *Registry) getOrCreateEntry(conversationID, language string) (*entry, error) {
	language = NormalizeLanguage(language)

	r.mu.Lock()
	defer r.mu.Unlock()

	key := sessionKey{conversation: conversationID, language: language}
	if e, ok := r.sessions[key]; ok {
		return e, nil
	}

	factory, ok := r.factories[language]
	if !ok {
		return nil, &UnsupportedLanguageError{Language: language}
	}

	e := &entry{
		session: factory(),
		gate:    make(chan struct{}, 1),
	}
	r.sessions[key] = e
	return e, nil
}

// Checkout returns the session for the key with exclusive use. The release
// function must be called when the run is over. Checkout blocks while
// another run or a teardown holds the session, and aborts if the context is
// cancelled while waiting.
func (r *Registry) Checkout(ctx context.Context, conversationID, language string) (Session, func(), error) {
	e, err := r.getOrCreateEntry(conversationID, language)
	if err != nil {
		return nil, nil, err
	}

	select {
	case e.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() { <-e.gate })
	}
	return e.session, release, nil
}

// Reset stops and evicts sessions for a conversation. With no languages it
// resets every session the conversation owns; otherwise only the named
// ones. It waits for in-flight runs to release before tearing down, so a
// session is never destroyed underneath an active execution.
func (r *Registry) Reset(conversationID string, languages ...string) error {
	targets := r.takeEntries(conversationID, languages)

	var firstErr error
	for _, e := range targets {
		// Hold the gate through teardown: new runs block until eviction is
		// complete and then find no session, recreating fresh state.
		e.gate <- struct{}{}
		if err := e.session.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		<-e.gate
	}
	return firstErr
}

// Close tears down every session owned by the conversation. Called when
// the conversation ends.
func (r *Registry) Close(conversationID string) error {
	return r.Reset(conversationID)
}

// takeEntries removes matching entries from the map and returns them.
func (r *Registry) takeEntries(conversationID string, languages []string) []*entry {
	normalized := make(map[string]bool, len(languages))
	for _, lang := range languages {
		normalized[NormalizeLanguage(lang)] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*entry
	for key, e := range r.sessions {
		if key.conversation != conversationID {
			continue
		}
		if len(normalized) > 0 && !normalized[key.language] {
			continue
		}
		out = append(out, e)
		delete(r.sessions, key)
	}
	return out
}
