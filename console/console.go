/*
Package console is the operator-facing side of imet. It reads command lines, dispatches them
through a command.Registry and renders the agent's answers.

All output goes through the Console so that lines written from the session's goroutines,
such as a lost-connection warning, never interleave with command output.
*/
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/guseggert/imet/client"
	"github.com/guseggert/imet/console/command"
	"github.com/guseggert/imet/sample"
	"go.uber.org/zap"
)

const banner = `
  imet  remote control console
  ----------------------------
`

var (
	green  = color.New(color.FgGreen)
	red    = color.New(color.FgRed)
	yellow = color.New(color.FgYellow)
	cyan   = color.New(color.FgCyan)
)

type Console struct {
	log *zap.SugaredLogger

	session   *client.Session
	registry  *command.Registry
	catalogue *sample.Catalogue
	template  string

	connectTimeout time.Duration
	sessionOpts    []client.Option
	startup        []string
	historyFile    string

	in  io.Reader
	out io.Writer

	rl        *readline.Instance
	closeOnce sync.Once
	// inputErr is sticky once input has ended
	inputErr    error
	interactive atomic.Bool

	outMut sync.Mutex
}

type Option func(c *Console)

func WithLogger(l *zap.Logger) Option {
	return func(c *Console) {
		c.log = l.Named("console").Sugar()
		c.sessionOpts = append(c.sessionOpts, client.WithLogger(l))
	}
}

// WithInput reads command lines from r instead of the terminal. Line editing is off then.
func WithInput(r io.Reader) Option {
	return func(c *Console) {
		c.in = r
	}
}

func WithOutput(w io.Writer) Option {
	return func(c *Console) {
		c.out = w
	}
}

// WithSamplesDir sets the local sample directory used by create and upload.
func WithSamplesDir(dir string) Option {
	return func(c *Console) {
		c.catalogue = sample.NewCatalogue(dir)
	}
}

// WithTemplate sets the text new samples are rendered from.
func WithTemplate(tmpl string) Option {
	return func(c *Console) {
		c.template = tmpl
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(c *Console) {
		c.connectTimeout = d
	}
}

// WithStartupCommands sets command lines run after the banner, before reading input.
func WithStartupCommands(lines ...string) Option {
	return func(c *Console) {
		c.startup = append(c.startup, lines...)
	}
}

func WithSessionOptions(opts ...client.Option) Option {
	return func(c *Console) {
		c.sessionOpts = append(c.sessionOpts, opts...)
	}
}

// WithHistoryFile keeps the line history in path across runs.
func WithHistoryFile(path string) Option {
	return func(c *Console) {
		c.historyFile = path
	}
}

// New builds a console with the built-in commands registered.
func New(opts ...Option) (*Console, error) {
	c := &Console{
		log:            zap.NewNop().Sugar(),
		registry:       command.NewRegistry(),
		catalogue:      sample.NewCatalogue("samples"),
		template:       sample.DefaultTemplate,
		connectTimeout: 10 * time.Second,
		in:             os.Stdin,
		out:            os.Stdout,
	}
	for _, o := range opts {
		o(c)
	}
	c.session = client.NewSession(append(c.sessionOpts, client.WithOnLost(c.onLost))...)
	c.registry.MustRegister(c.builtins()...)

	cfg := &readline.Config{
		Prompt:          c.promptText(),
		HistoryFile:     c.historyFile,
		InterruptPrompt: "^C",
		AutoComplete:    completer{c: c},
	}
	custom := false
	// os.Stdin is left to readline so that Close can interrupt a pending read
	if c.in != os.Stdin {
		cfg.Stdin = io.NopCloser(c.in)
		custom = true
	}
	if c.out != os.Stdout {
		cfg.Stdout = c.out
		cfg.Stderr = c.out
		custom = true
	}
	if custom {
		cfg.FuncIsTerminal = func() bool { return false }
		cfg.FuncMakeRaw = func() error { return nil }
		cfg.FuncExitRaw = func() error { return nil }
	}
	rl, err := readline.NewEx(cfg)
	if err != nil {
		return nil, fmt.Errorf("setting up line editor: %w", err)
	}
	c.rl = rl
	return c, nil
}

// Session returns the console's connection to the agent.
func (c *Console) Session() *client.Session {
	return c.session
}

// Registry returns the console's command table.
func (c *Console) Registry() *command.Registry {
	return c.registry
}

// Close releases the line editor. Run closes it on return.
func (c *Console) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.rl.Close() })
	return err
}

// Run prints the banner and processes command lines until exit, end of input, Ctrl-C on an
// empty line or ctx is done. Any open connection is closed on return.
func (c *Console) Run(ctx context.Context) error {
	defer c.session.Disconnect()
	defer func() {
		// after cancellation nextLine has already started closing
		if ctx.Err() == nil {
			_ = c.Close()
		}
	}()

	c.printf(cyan, "%s", banner)
	c.Println("Type 'help' for a list of commands.")
	for _, line := range c.startup {
		if c.Exec(ctx, line) {
			return nil
		}
	}

	for {
		line, err := c.nextLine(ctx, c.promptText())
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, io.EOF), errors.Is(err, readline.ErrInterrupt):
			return nil
		case err != nil:
			return err
		}
		if c.Exec(ctx, line) {
			return nil
		}
	}
}

// Exec dispatches one line and reports the outcome. It returns true when the line asked the
// console to exit.
func (c *Console) Exec(ctx context.Context, line string) bool {
	err := c.registry.Dispatch(ctx, line)
	return c.report(err)
}

func (c *Console) report(err error) (exit bool) {
	if err == nil {
		return false
	}
	if errors.Is(err, command.ErrExit) {
		return true
	}

	var (
		transportErr *client.TransportError
		unknownErr   *command.UnknownCommandError
		userErr      *command.UserError
	)
	switch {
	case errors.As(err, &transportErr):
		c.Warn("Connection problem: %s", transportErr)
		c.session.Disconnect()
		c.Warn("Session reset, use 'connect' to reconnect")
	case errors.As(err, &unknownErr):
		c.Error("%s (type 'help' for a list of commands)", unknownErr)
	case errors.As(err, &userErr):
		c.Error("%s", userErr.Message)
	default:
		c.log.Debugw("command failed", "Error", err)
		c.Error("%s", err)
	}
	return false
}

func (c *Console) onLost(addr string, err error) {
	c.log.Debugw("connection lost", "Addr", addr, "Error", err)
	if !c.interactive.Load() {
		c.rl.SetPrompt(c.promptText())
	}
	// written through the line editor, which redraws the pending prompt after it
	c.Warn("Connection to %s lost: %s", addr, err)
}

type readResult struct {
	line string
	err  error
}

// nextLine reads one line under prompt. The main loop and interactive mode share it.
// It returns io.EOF once input has ended and readline.ErrInterrupt for Ctrl-C on an empty
// line; Ctrl-C on a partly typed line discards it and yields an empty line.
func (c *Console) nextLine(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.inputErr != nil {
		return "", c.inputErr
	}
	c.rl.SetPrompt(prompt)

	res := make(chan readResult, 1)
	go func() {
		line, err := c.rl.Readline()
		res <- readResult{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		// unblocks the pending Readline
		go c.Close()
		return "", ctx.Err()
	case r := <-res:
		switch {
		case r.err == nil:
			return r.line, nil
		case errors.Is(r.err, readline.ErrInterrupt):
			if r.line != "" {
				return "", nil
			}
			return "", r.err
		default:
			c.inputErr = r.err
			return "", r.err
		}
	}
}

func (c *Console) promptText() string {
	if addr := c.session.Addr(); addr != "" && c.session.Connected() {
		return cyan.Sprintf("imet (%s) > ", addr)
	}
	return cyan.Sprint("imet > ")
}

// write sends s to the output in one piece, so the line editor redraws the prompt once.
func (c *Console) write(s string) {
	c.outMut.Lock()
	defer c.outMut.Unlock()
	if _, err := io.WriteString(c.rl.Stdout(), s); err != nil {
		c.log.Debugf("writing output: %s", err)
	}
}

func (c *Console) printf(col *color.Color, format string, args ...any) {
	c.write(col.Sprintf(format, args...))
}

func (c *Console) line(prefix string, col *color.Color, format string, args ...any) {
	c.write(col.Sprint(prefix) + fmt.Sprintf(format, args...) + "\n")
}

// Success prints a "[+]" line.
func (c *Console) Success(format string, args ...any) { c.line("[+] ", green, format, args...) }

// Error prints a "[-]" line.
func (c *Console) Error(format string, args ...any) { c.line("[-] ", red, format, args...) }

// Warn prints a "[!]" line.
func (c *Console) Warn(format string, args ...any) { c.line("[!] ", yellow, format, args...) }

func (c *Console) Println(args ...any) {
	c.write(fmt.Sprintln(args...))
}

// Print writes text as-is, adding a trailing newline if it lacks one.
func (c *Console) Print(text string) {
	if text == "" {
		return
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	c.write(text)
}

// Table prints rows under a header, with aligned columns.
func (c *Console) Table(header []string, rows [][]string) {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 2, 0, 3, ' ', 0)
	rule := make([]string, len(header))
	for i, h := range header {
		rule[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(w, strings.Join(header, "\t"))
	fmt.Fprintln(w, strings.Join(rule, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
	c.write(b.String())
}
