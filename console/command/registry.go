// Package command maps typed command lines onto handlers.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Handler runs a command. The registry that dispatched it is passed explicitly so that
// handlers such as "help" can inspect the command table without global state.
type Handler func(ctx context.Context, reg *Registry, args []string) error

// Command describes a console command. Commands are never mutated after registration.
type Command struct {
	Name        string
	Aliases     []string
	Usage       string
	Description string
	Handler     Handler
}

// UsageHint returns Usage, falling back to the command name.
func (c *Command) UsageHint() string {
	if c.Usage != "" {
		return c.Usage
	}
	return c.Name
}

type Registry struct {
	mut      sync.RWMutex
	commands map[string]*Command
	aliases  map[string]string
	order    []*Command
}

func NewRegistry() *Registry {
	return &Registry{
		commands: map[string]*Command{},
		aliases:  map[string]string{},
	}
}

// Register adds a command. It fails with a *ConfigurationError if the name is taken or an
// alias is already bound to another command, in which case the registry is left unchanged.
func (r *Registry) Register(cmd *Command) error {
	if cmd == nil || cmd.Name == "" {
		return errors.New("registering command: command has no name")
	}
	if cmd.Handler == nil {
		return fmt.Errorf("registering command %q: no handler", cmd.Name)
	}

	r.mut.Lock()
	defer r.mut.Unlock()

	if _, ok := r.commands[cmd.Name]; ok {
		return &ConfigurationError{Command: cmd.Name, Key: cmd.Name, Existing: cmd.Name}
	}
	if existing, ok := r.aliases[cmd.Name]; ok {
		return &ConfigurationError{Command: cmd.Name, Key: cmd.Name, Existing: existing}
	}
	seen := map[string]bool{}
	for _, alias := range cmd.Aliases {
		if existing, ok := r.aliases[alias]; ok {
			return &ConfigurationError{Command: cmd.Name, Key: alias, Existing: existing}
		}
		if _, ok := r.commands[alias]; ok {
			return &ConfigurationError{Command: cmd.Name, Key: alias, Existing: alias}
		}
		if seen[alias] {
			return &ConfigurationError{Command: cmd.Name, Key: alias, Existing: cmd.Name}
		}
		seen[alias] = true
	}

	r.commands[cmd.Name] = cmd
	for _, alias := range cmd.Aliases {
		r.aliases[alias] = cmd.Name
	}
	r.order = append(r.order, cmd)
	return nil
}

// MustRegister registers each command and panics on the first failure.
func (r *Registry) MustRegister(cmds ...*Command) {
	for _, cmd := range cmds {
		if err := r.Register(cmd); err != nil {
			panic(err)
		}
	}
}

// Resolve looks a token up as an alias first and then as a command name.
func (r *Registry) Resolve(token string) (*Command, bool) {
	r.mut.RLock()
	defer r.mut.RUnlock()
	name := token
	if canonical, ok := r.aliases[token]; ok {
		name = canonical
	}
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Commands returns the registered commands in registration order.
func (r *Registry) Commands() []*Command {
	r.mut.RLock()
	defer r.mut.RUnlock()
	out := make([]*Command, len(r.order))
	copy(out, r.order)
	return out
}

// Dispatch parses a command line and runs the matching handler.
// Blank lines are ignored. ErrExit and *UserError pass through unchanged;
// any other handler failure, including a panic, is returned as an *ExecutionError.
func (r *Registry) Dispatch(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	token, args := fields[0], fields[1:]

	cmd, ok := r.Resolve(token)
	if !ok {
		return &UnknownCommandError{Token: token}
	}

	err := r.invoke(ctx, cmd, args)
	if err == nil {
		return nil
	}
	var userErr *UserError
	if errors.Is(err, ErrExit) || errors.As(err, &userErr) {
		return err
	}
	return &ExecutionError{Command: cmd.Name, Err: err}
}

func (r *Registry) invoke(ctx context.Context, cmd *Command, args []string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return cmd.Handler(ctx, r, args)
}
