package command

import (
	"errors"
	"fmt"
)

// ErrExit is returned by a handler to end the command loop. It is not a failure.
var ErrExit = errors.New("exit requested")

// ConfigurationError is returned when a command cannot be registered.
// It indicates a programming error in the command table and is fatal at startup.
type ConfigurationError struct {
	Command string
	// Key is the alias or name that collided.
	Key string
	// Existing is the command that already owns Key.
	Existing string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("registering command %q: %q is already used for command %q", e.Command, e.Key, e.Existing)
}

// UnknownCommandError is returned by Dispatch when the command token resolves to nothing.
type UnknownCommandError struct {
	Token string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("Unknown command %s", e.Token)
}

// ExecutionError wraps any failure of a handler other than ErrExit and UserError.
type ExecutionError struct {
	Command string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("Error executing command %s: %s", e.Command, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// UserError is a failure meant to be shown to the operator as-is, such as a missing argument.
type UserError struct {
	Message string
}

func (e *UserError) Error() string { return e.Message }

// Errorf builds a UserError.
func Errorf(format string, args ...any) error {
	return &UserError{Message: fmt.Sprintf(format, args...)}
}
