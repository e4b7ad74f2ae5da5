package executor

import "fmt"

// StartupError indicates a language runtime could not be acquired, for
// example because the interpreter binary is not installed. It aborts the
// request before any code runs and is never converted into an in-band
// console message.
type StartupError struct {
	Language string
	Cause    error
}

func (e *StartupError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("failed to start %s runtime: %v", e.Language, e.Cause)
	}
	return fmt.Sprintf("failed to start %s runtime", e.Language)
}

func (e *StartupError) Unwrap() error {
	return e.Cause
}

// UnsupportedLanguageError indicates a language identifier with no
// registered session factory.
type UnsupportedLanguageError struct {
	Language string
}

func (e *UnsupportedLanguageError) Error() string {
	return fmt.Sprintf("unsupported language: %s", e.Language)
}
