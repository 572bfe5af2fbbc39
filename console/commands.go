package console

import (
	"context"
	"errors"
	"strings"

	"github.com/chzyer/readline"
	"github.com/guseggert/imet/client"
	"github.com/guseggert/imet/console/command"
	"github.com/guseggert/imet/envelope"
	"github.com/guseggert/imet/sample"
)

func (c *Console) builtins() []*command.Command {
	return []*command.Command{
		{
			Name:        "help",
			Aliases:     []string{"?"},
			Usage:       "help [command]",
			Description: "Show the available commands",
			Handler:     c.help,
		},
		{
			Name:        "exit",
			Aliases:     []string{"quit", "q"},
			Description: "Leave the console",
			Handler: func(ctx context.Context, reg *command.Registry, args []string) error {
				return command.ErrExit
			},
		},
		{
			Name:        "connect",
			Aliases:     []string{"c", "conn"},
			Usage:       "connect <host:port>",
			Description: "Connect to an agent",
			Handler:     c.connect,
		},
		{
			Name:        "disconnect",
			Aliases:     []string{"d"},
			Description: "Close the connection to the agent",
			Handler:     c.disconnect,
		},
		{
			Name:        "samples",
			Aliases:     []string{"list", "ls"},
			Usage:       "samples [terms...]",
			Description: "List the agent's samples, optionally filtered",
			Handler:     c.samples,
		},
		{
			Name:        "create",
			Aliases:     []string{"new", "+"},
			Usage:       "create <name> [description...]",
			Description: "Create a local sample from the template",
			Handler:     c.create,
		},
		{
			Name:        "upload",
			Aliases:     []string{"up"},
			Usage:       "upload <name>",
			Description: "Upload a local sample to the agent",
			Handler:     c.upload,
		},
		{
			Name:        "send",
			Aliases:     []string{"s"},
			Usage:       "send <message...>",
			Description: "Send a message the agent echoes back",
			Handler:     c.send,
		},
		{
			Name:        "emulate",
			Aliases:     []string{"run", "e"},
			Usage:       "emulate <name>",
			Description: "Run a sample on the agent",
			Handler:     c.emulate,
		},
		{
			Name:        "complete",
			Aliases:     []string{"tab"},
			Usage:       "complete <text>",
			Description: "Ask the agent to complete a partial command",
			Handler:     c.complete,
		},
		{
			Name:        "interactive",
			Aliases:     []string{"i"},
			Description: "Run commands on the agent line by line until 'exit'",
			Handler:     c.runInteractive,
		},
	}
}

func usage(reg *command.Registry, name string) error {
	cmd, ok := reg.Resolve(name)
	if !ok {
		return command.Errorf("Usage: %s", name)
	}
	return command.Errorf("Usage: %s", cmd.UsageHint())
}

// request sends req on the session. Failure envelopes from the agent are returned as
// UserErrors so they are shown verbatim.
func (c *Console) request(ctx context.Context, req envelope.Envelope) (envelope.Envelope, error) {
	if !c.session.Connected() {
		return nil, command.Errorf("Not connected, use 'connect <host:port>' first")
	}
	resp, err := c.session.Request(ctx, req)
	if errors.Is(err, client.ErrNotConnected) {
		return nil, command.Errorf("Not connected, use 'connect <host:port>' first")
	}
	if err != nil {
		return nil, err
	}
	if resp.Failed() {
		return nil, command.Errorf("%s", resp.Err())
	}
	return resp, nil
}

func (c *Console) help(ctx context.Context, reg *command.Registry, args []string) error {
	if len(args) > 0 {
		cmd, ok := reg.Resolve(args[0])
		if !ok {
			return &command.UnknownCommandError{Token: args[0]}
		}
		c.Println(cmd.UsageHint())
		if len(cmd.Aliases) > 0 {
			c.Println("  aliases: " + strings.Join(cmd.Aliases, ", "))
		}
		c.Println("  " + cmd.Description)
		return nil
	}

	var rows [][]string
	for _, cmd := range reg.Commands() {
		rows = append(rows, []string{cmd.UsageHint(), strings.Join(cmd.Aliases, ", "), cmd.Description})
	}
	c.Table([]string{"Command", "Aliases", "Description"}, rows)
	return nil
}

func (c *Console) connect(ctx context.Context, reg *command.Registry, args []string) error {
	if len(args) != 1 {
		return usage(reg, "connect")
	}
	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	if err := c.session.Connect(ctx, args[0]); err != nil {
		var transportErr *client.TransportError
		if errors.As(err, &transportErr) {
			return command.Errorf("Unable to connect to %s: %s", args[0], transportErr.Err)
		}
		return err
	}
	c.Success("Connected to %s", args[0])
	return nil
}

func (c *Console) disconnect(ctx context.Context, reg *command.Registry, args []string) error {
	addr := c.session.Addr()
	if addr == "" {
		c.Warn("Not connected")
		return nil
	}
	c.session.Disconnect()
	c.Success("Disconnected from %s", addr)
	return nil
}

func (c *Console) samples(ctx context.Context, reg *command.Registry, args []string) error {
	req := envelope.New(envelope.ActionSamples)
	if len(args) > 0 {
		req.With(envelope.FieldSearch, args)
	}
	resp, err := c.request(ctx, req)
	if err != nil {
		return err
	}
	pairs := resp.Pairs(envelope.FieldSamples)
	rows := make([][]string, len(pairs))
	for i, p := range pairs {
		rows[i] = []string{p[0], p[1]}
	}
	c.Table([]string{"Name", "Description"}, rows)
	c.Success("%d sample(s)", len(rows))
	return nil
}

func (c *Console) create(ctx context.Context, reg *command.Registry, args []string) error {
	if len(args) < 1 {
		return usage(reg, "create")
	}
	name := sample.NormalizeName(args[0])
	description := strings.Join(args[1:], " ")
	if description == "" {
		description = sample.NoDescription
	}

	path, err := c.catalogue.Path(name)
	if errors.Is(err, sample.ErrInvalidName) {
		return command.Errorf("Invalid sample name %q", args[0])
	}
	if err != nil {
		return err
	}
	if c.catalogue.Exists(name) {
		return command.Errorf("Sample %q already exists at %s", name, path)
	}
	if err := c.catalogue.Write(name, sample.Render(c.template, name, description)); err != nil {
		return err
	}
	c.Success("Created sample %q at %s", name, path)
	return nil
}

func (c *Console) upload(ctx context.Context, reg *command.Registry, args []string) error {
	if len(args) != 1 {
		return usage(reg, "upload")
	}
	text, err := c.catalogue.Read(args[0])
	if errors.Is(err, sample.ErrNotFound) || errors.Is(err, sample.ErrInvalidName) {
		return command.Errorf("No local sample named %q in %s", args[0], c.catalogue.Dir)
	}
	if err != nil {
		return err
	}
	resp, err := c.request(ctx, envelope.New(envelope.ActionUpload).
		With(envelope.FieldSampleName, args[0]).
		With(envelope.FieldScriptContent, text))
	if err != nil {
		return err
	}
	c.Success("%s", resp.String(envelope.FieldMessage))
	return nil
}

func (c *Console) send(ctx context.Context, reg *command.Registry, args []string) error {
	if len(args) == 0 {
		return usage(reg, "send")
	}
	resp, err := c.request(ctx, envelope.New(envelope.ActionEcho).With(envelope.FieldText, strings.Join(args, " ")))
	if err != nil {
		return err
	}
	c.Success("%s", resp.String(envelope.FieldMessage))
	return nil
}

func (c *Console) emulate(ctx context.Context, reg *command.Registry, args []string) error {
	if len(args) != 1 {
		return usage(reg, "emulate")
	}
	resp, err := c.request(ctx, envelope.New(envelope.ActionEmulate).With(envelope.FieldSampleName, args[0]))
	if err != nil {
		return err
	}
	c.Success("%s", resp.String(envelope.FieldMessage))
	c.Print(resp.String(envelope.FieldOutput))
	return nil
}

func (c *Console) complete(ctx context.Context, reg *command.Registry, args []string) error {
	if len(args) == 0 {
		return usage(reg, "complete")
	}
	resp, err := c.request(ctx, envelope.New(envelope.ActionAutocomplete).With(envelope.FieldText, strings.Join(args, " ")))
	if err != nil {
		return err
	}
	matches := resp.Strings(envelope.FieldMatches)
	if len(matches) == 0 {
		c.Warn("No completions")
		return nil
	}
	for _, m := range matches {
		c.Println(m)
	}
	return nil
}

// runInteractive sends each input line to the agent as an execute request until "exit",
// Ctrl-C or end of input. Agent-side failures are reported and the loop continues.
func (c *Console) runInteractive(ctx context.Context, reg *command.Registry, args []string) error {
	if !c.session.Connected() {
		return command.Errorf("Not connected, use 'connect <host:port>' first")
	}
	addr := c.session.Addr()
	c.Success("Interactive mode on %s, type 'exit' to leave", addr)
	c.interactive.Store(true)
	defer c.interactive.Store(false)
	for {
		line, err := c.nextLine(ctx, yellow.Sprintf("%s $ ", addr))
		if errors.Is(err, readline.ErrInterrupt) {
			c.Success("Left interactive mode")
			return nil
		}
		if err != nil {
			// end of input, which the main loop sees on its next read
			return nil
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			c.Success("Left interactive mode")
			return nil
		}

		resp, err := c.request(ctx, envelope.New(envelope.ActionExecute).With(envelope.FieldCommand, line))
		var userErr *command.UserError
		if errors.As(err, &userErr) {
			c.Error("%s", userErr.Message)
			if !c.session.Connected() {
				return nil
			}
			continue
		}
		if err != nil {
			return err
		}
		c.Print(resp.String(envelope.FieldStdout))
		if stderr := resp.String(envelope.FieldStderr); stderr != "" {
			c.printf(red, "%s", stderr)
			if !strings.HasSuffix(stderr, "\n") {
				c.Println()
			}
		}
		if resp.String(envelope.FieldStatus) == envelope.StatusError {
			c.Error("%s", resp.String(envelope.FieldOutput))
		}
	}
}
