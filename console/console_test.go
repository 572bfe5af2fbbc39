package console

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/guseggert/imet/agent"
	"github.com/guseggert/imet/client"
	"github.com/guseggert/imet/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	// assertions match on plain text
	color.NoColor = true
	os.Exit(m.Run())
}

// lockedBuffer lets tests read output that session goroutines may still be writing.
type lockedBuffer struct {
	mut sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.buf.String()
}

type testAgent struct {
	*agent.Agent
	addr      string
	catalogue *sample.Catalogue
}

func startAgent(t *testing.T) *testAgent {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "process_injection.sh"),
		[]byte("# Description: Simple process injection example\necho injecting\n"),
		0o644,
	))
	cat := sample.NewCatalogue(dir)
	a, err := agent.NewAgent(agent.WithLogger(zaptest.NewLogger(t)), agent.WithCatalogue(cat))
	require.NoError(t, err)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = a.Stop() })
	return &testAgent{Agent: a, addr: strings.TrimPrefix(srv.URL, "http://"), catalogue: cat}
}

func newConsole(t *testing.T, script string, opts ...Option) (*Console, *lockedBuffer) {
	t.Helper()
	out := &lockedBuffer{}
	opts = append([]Option{
		WithLogger(zaptest.NewLogger(t)),
		WithInput(strings.NewReader(script)),
		WithOutput(out),
		WithSamplesDir(t.TempDir()),
	}, opts...)
	c, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, out
}

func run(t *testing.T, c *Console) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))
	require.NoError(t, ctx.Err(), "console did not finish")
}

func lines(ls ...string) string {
	return strings.Join(ls, "\n") + "\n"
}

func TestScriptedSession(t *testing.T) {
	a := startAgent(t)
	c, out := newConsole(t, lines(
		"connect "+a.addr,
		"send hello   world",
		"samples inject",
		"run process_injection",
		"emulate missing",
		"bogus",
		"",
		"exit",
	))
	run(t, c)

	text := out.String()
	assert.Contains(t, text, "Connected to "+a.addr)
	assert.Contains(t, text, "Echo: hello world")
	assert.Contains(t, text, "process_injection")
	assert.Contains(t, text, "Simple process injection example")
	assert.Contains(t, text, `Sample "process_injection" executed successfully`)
	assert.Contains(t, text, "injecting")
	assert.Contains(t, text, `Sample "missing" does not exist`)
	assert.Contains(t, text, "Unknown command bogus")

	assert.Equal(t, client.Disconnected, c.Session().State())
	require.Eventually(t, func() bool { return len(a.Connections()) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestCommandsNeedAConnection(t *testing.T) {
	c, out := newConsole(t, lines("send hi", "samples", "emulate x", "interactive", "disconnect", "q"))
	run(t, c)

	text := out.String()
	assert.Equal(t, 4, strings.Count(text, "Not connected, use 'connect <host:port>' first"))
	assert.Contains(t, text, "[!] Not connected")
}

func TestUsageErrors(t *testing.T) {
	c, out := newConsole(t, lines("connect", "upload", "emulate", "create"))
	run(t, c)

	text := out.String()
	assert.Contains(t, text, "Usage: connect <host:port>")
	assert.Contains(t, text, "Usage: upload <name>")
	assert.Contains(t, text, "Usage: emulate <name>")
	assert.Contains(t, text, "Usage: create <name> [description...]")
}

func TestConnectFailureIsReported(t *testing.T) {
	c, out := newConsole(t, lines("connect 127.0.0.1:1", "exit"))
	run(t, c)
	assert.Contains(t, out.String(), "Unable to connect to 127.0.0.1:1")
	assert.Equal(t, client.Disconnected, c.Session().State())
}

func TestCreateAndUpload(t *testing.T) {
	a := startAgent(t)
	localDir := t.TempDir()
	c, out := newConsole(t, lines(
		"create My-Sample does a thing",
		"new my_sample again",
		"connect "+a.addr,
		"upload my_sample",
		"ls thing",
		"upload nothing_here",
		"exit",
	), WithSamplesDir(localDir))
	run(t, c)

	text := out.String()
	assert.Contains(t, text, `Created sample "my_sample"`)
	assert.Contains(t, text, `Sample "my_sample" already exists`)
	assert.Contains(t, text, `Sample "my_sample" uploaded`)
	assert.Contains(t, text, `No local sample named "nothing_here"`)

	local, err := os.ReadFile(filepath.Join(localDir, "my_sample.sh"))
	require.NoError(t, err)
	assert.Contains(t, string(local), "# Description: does a thing")
	assert.Equal(t, "does a thing", sample.Describe(string(local)))

	remote, err := a.catalogue.Read("my_sample")
	require.NoError(t, err)
	assert.Equal(t, string(local), remote)
}

func TestInteractive(t *testing.T) {
	a := startAgent(t)
	c, out := newConsole(t, lines(
		"connect "+a.addr,
		"interactive",
		"echo from-shell",
		"echo oops >&2; exit 3",
		"",
		"exit",
		"send back at the prompt",
		"exit",
	))
	run(t, c)

	text := out.String()
	assert.Contains(t, text, "Interactive mode on "+a.addr)
	assert.Contains(t, text, "from-shell")
	assert.Contains(t, text, "oops")
	assert.Contains(t, text, "exit status 3")
	assert.Contains(t, text, "Left interactive mode")
	assert.Contains(t, text, "Echo: back at the prompt")
}

func TestHelp(t *testing.T) {
	c, out := newConsole(t, lines("help", "? ls", "help nope", "exit"))
	run(t, c)

	text := out.String()
	for _, cmd := range c.Registry().Commands() {
		assert.Contains(t, text, cmd.UsageHint())
	}
	assert.Contains(t, text, "aliases: list, ls")
	assert.Contains(t, text, "Unknown command nope")
}

func TestEndOfInputEndsTheLoop(t *testing.T) {
	c, _ := newConsole(t, lines("help"))
	run(t, c)
}

func TestTransportErrorResetsSession(t *testing.T) {
	a := startAgent(t)
	c, out := newConsole(t, "")
	require.False(t, c.Exec(context.Background(), "connect "+a.addr))
	require.True(t, c.Session().Connected())

	exit := c.report(&client.TransportError{Op: "send", Addr: a.addr, Err: errors.New("broken pipe")})
	assert.False(t, exit)
	assert.Equal(t, client.Disconnected, c.Session().State())
	assert.Contains(t, out.String(), "[!] Connection problem: send "+a.addr+": broken pipe")
	assert.Contains(t, out.String(), "Session reset")
}

func TestLostConnectionWarning(t *testing.T) {
	a := startAgent(t)
	c, out := newConsole(t, "")
	require.False(t, c.Exec(context.Background(), "connect "+a.addr))

	require.NoError(t, a.Stop())

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Connection to "+a.addr+" lost")
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, c.Session().Connected())
	assert.Equal(t, "imet > ", c.promptText())
}

func TestExitAliases(t *testing.T) {
	for _, alias := range []string{"exit", "quit", "q"} {
		c, _ := newConsole(t, "")
		assert.True(t, c.Exec(context.Background(), alias), alias)
	}
}

func TestStartupCommands(t *testing.T) {
	a := startAgent(t)
	c, out := newConsole(t, lines("send after startup", "exit"), WithStartupCommands("connect "+a.addr))
	run(t, c)

	text := out.String()
	banner := strings.Index(text, "remote control console")
	connected := strings.Index(text, "Connected to "+a.addr)
	require.True(t, banner >= 0 && connected > banner, text)
	assert.Contains(t, text, "Echo: after startup")
}

func TestPromptShowsConnection(t *testing.T) {
	a := startAgent(t)
	c, _ := newConsole(t, "")
	assert.Equal(t, "imet > ", c.promptText())

	require.False(t, c.Exec(context.Background(), "connect "+a.addr))
	assert.Equal(t, "imet ("+a.addr+") > ", c.promptText())

	require.False(t, c.Exec(context.Background(), "disconnect"))
	assert.Equal(t, "imet > ", c.promptText())
}

func TestStartupInteractive(t *testing.T) {
	a := startAgent(t)
	c, out := newConsole(t, lines(
		"echo from-startup",
		"exit",
		"send after interactive",
		"exit",
	), WithStartupCommands("connect "+a.addr, "interactive"))
	run(t, c)

	text := out.String()
	assert.Contains(t, text, "from-startup")
	assert.Contains(t, text, "Left interactive mode")
	assert.Contains(t, text, "Echo: after interactive")
}

func TestInteractiveEndsAtEndOfInput(t *testing.T) {
	a := startAgent(t)
	c, out := newConsole(t, lines("connect "+a.addr, "interactive", "echo last"))
	run(t, c)
	assert.Contains(t, out.String(), "last")
}

func TestInterruptLeavesInteractiveMode(t *testing.T) {
	a := startAgent(t)
	// 0x03 is what Ctrl-C sends
	c, out := newConsole(t, lines("connect "+a.addr, "interactive", "\x03send back again", "exit"))
	run(t, c)

	text := out.String()
	assert.Contains(t, text, "Left interactive mode")
	assert.Contains(t, text, "Echo: back again")
}

func TestCommandCompletion(t *testing.T) {
	c, _ := newConsole(t, "")
	cp := completer{c: c}

	cases := []struct {
		line   string
		want   [][]rune
		length int
	}{
		{line: "he", want: [][]rune{[]rune("lp")}, length: 2},
		{line: "e", want: [][]rune{[]rune("xit"), []rune("mulate")}, length: 1},
		{line: "co", want: [][]rune{[]rune("nnect"), []rune("mplete")}, length: 2},
		{line: "zz", want: nil, length: 2},
		{line: "send he", want: nil, length: 0},
	}
	for _, tc := range cases {
		got, length := cp.Do([]rune(tc.line), len([]rune(tc.line)))
		assert.Equal(t, tc.want, got, tc.line)
		assert.Equal(t, tc.length, length, tc.line)
	}
}

func TestInteractiveCompletionAsksTheAgent(t *testing.T) {
	a := startAgent(t)
	c, _ := newConsole(t, "")
	cp := completer{c: c}
	c.interactive.Store(true)

	got, _ := cp.Do([]rune("ech"), 3)
	assert.Nil(t, got, "no completions without a connection")

	require.False(t, c.Exec(context.Background(), "connect "+a.addr))
	got, length := cp.Do([]rune("ech"), 3)
	assert.Contains(t, got, []rune("o"))
	assert.Equal(t, 3, length)

	// only the text before the cursor is completed
	got, _ = cp.Do([]rune("echo hi"), 3)
	assert.Contains(t, got, []rune("o"))
}
