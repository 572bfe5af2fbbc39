package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/guseggert/imet/agent/process"
	"github.com/guseggert/imet/envelope"
	"github.com/guseggert/imet/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	codes  []string
	result process.Result
	err    error
}

func (f *fakeExecutor) Execute(ctx context.Context, code string) (process.Result, error) {
	f.codes = append(f.codes, code)
	return f.result, f.err
}

type fakeCompleter struct{ matches []string }

func (f *fakeCompleter) Complete(ctx context.Context, text string) ([]string, error) {
	return f.matches, nil
}

func newCatalogue(t *testing.T) *sample.Catalogue {
	dir := t.TempDir()
	files := map[string]string{
		"process_injection.sh": "# Description: Simple process injection example\necho injecting\n",
		"enum_processes.sh":    "# Description: Enumerate processes\necho enumerating\n",
	}
	for name, contents := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644))
	}
	return sample.NewCatalogue(dir)
}

var testConn = ConnInfo{ID: "test", RemoteAddr: "127.0.0.1:1"}

// assertNoMixing checks that a response carries either success fields or an error, not both.
func assertNoMixing(t *testing.T, resp envelope.Envelope) {
	t.Helper()
	if !resp.Failed() {
		return
	}
	for k := range resp {
		if k != envelope.FieldAction && k != envelope.FieldError {
			t.Errorf("failure response also carries %q: %v", k, resp)
		}
	}
}

func TestRouteSamplesScenario(t *testing.T) {
	r := &Router{Samples: newCatalogue(t)}
	req := envelope.New(envelope.ActionSamples).With(envelope.FieldSearch, []string{"inject"})

	resp, ok := r.Route(context.Background(), testConn, roundTrip(t, req))
	require.True(t, ok)

	b, err := envelope.Encode(resp)
	require.NoError(t, err)
	decoded, err := envelope.Decode(b)
	require.NoError(t, err)

	assert.Equal(t, envelope.Envelope{
		"action":  "samples",
		"samples": []any{[]any{"process_injection", "Simple process injection example"}},
	}, decoded)
}

func TestRouteSamplesErrors(t *testing.T) {
	r := &Router{Samples: newCatalogue(t)}

	resp, ok := r.Route(context.Background(), testConn, envelope.New(envelope.ActionSamples).With(envelope.FieldSearch, []string{"x", "y"}))
	require.True(t, ok)
	assert.Equal(t, "No samples found matching terms x, y", resp.Err())
	assertNoMixing(t, resp)

	r = &Router{Samples: sample.NewCatalogue(filepath.Join(t.TempDir(), "missing"))}
	resp, _ = r.Route(context.Background(), testConn, envelope.New(envelope.ActionSamples))
	assert.Equal(t, "Samples directory not found", resp.Err())
	assertNoMixing(t, resp)
}

func TestRouteEmulate(t *testing.T) {
	exec := &fakeExecutor{result: process.Result{Status: process.StatusOK, Stdout: "injecting\n"}}
	r := &Router{Samples: newCatalogue(t), Executor: exec}

	t.Run("missing sample", func(t *testing.T) {
		resp, ok := r.Route(context.Background(), testConn, envelope.New(envelope.ActionEmulate).With(envelope.FieldSampleName, "missing"))
		require.True(t, ok)
		assert.Equal(t, `Sample "missing" does not exist`, resp.Err())
		_, hasMessage := resp[envelope.FieldMessage]
		assert.False(t, hasMessage)
		assertNoMixing(t, resp)
	})

	t.Run("no sample name", func(t *testing.T) {
		resp, _ := r.Route(context.Background(), testConn, envelope.New(envelope.ActionEmulate))
		assert.Equal(t, "Sample name not provided", resp.Err())
	})

	t.Run("runs the sample text", func(t *testing.T) {
		resp, ok := r.Route(context.Background(), testConn, envelope.New(envelope.ActionEmulate).With(envelope.FieldSampleName, "Process Injection"))
		require.True(t, ok)
		assert.False(t, resp.Failed())
		assert.Equal(t, `Sample "Process Injection" executed successfully`, resp.String(envelope.FieldMessage))
		assert.Equal(t, "injecting\n", resp.String(envelope.FieldOutput))
		require.NotEmpty(t, exec.codes)
		assert.Contains(t, exec.codes[len(exec.codes)-1], "echo injecting")
	})

	t.Run("failing sample", func(t *testing.T) {
		exec.result = process.Result{Status: process.StatusError, Output: "exit status 1", Stderr: "nope"}
		resp, _ := r.Route(context.Background(), testConn, envelope.New(envelope.ActionEmulate).With(envelope.FieldSampleName, "enum_processes"))
		assert.Contains(t, resp.Err(), "exit status 1")
		assertNoMixing(t, resp)
	})
}

func TestRouteExecute(t *testing.T) {
	exec := &fakeExecutor{result: process.Result{Status: process.StatusOK, Stdout: "hi\n"}}
	r := &Router{Executor: exec}

	resp, ok := r.Route(context.Background(), testConn, envelope.New(envelope.ActionExecute).With(envelope.FieldCommand, "echo hi"))
	require.True(t, ok)
	assert.Equal(t, envelope.Envelope{
		"action": "execute",
		"status": "ok",
		"output": "",
		"stdout": "hi\n",
		"stderr": "",
	}, resp)
	assert.Equal(t, []string{"echo hi"}, exec.codes)

	exec.result = process.Result{Status: process.StatusError, Output: "exit status 2"}
	resp, _ = r.Route(context.Background(), testConn, envelope.New(envelope.ActionExecute).With(envelope.FieldCommand, "false"))
	assert.Equal(t, "error", resp.String(envelope.FieldStatus))
	assert.Equal(t, "exit status 2", resp.String(envelope.FieldOutput))

	exec.err = errors.New("no interpreter")
	resp, _ = r.Route(context.Background(), testConn, envelope.New(envelope.ActionExecute).With(envelope.FieldCommand, "x"))
	assert.Equal(t, "no interpreter", resp.Err())
	assertNoMixing(t, resp)

	resp, _ = r.Route(context.Background(), testConn, envelope.New(envelope.ActionExecute))
	assert.Equal(t, "No command provided", resp.Err())
}

func TestRouteUpload(t *testing.T) {
	cat := newCatalogue(t)
	r := &Router{Samples: cat}

	resp, ok := r.Route(context.Background(), testConn, envelope.New(envelope.ActionUpload).
		With(envelope.FieldSampleName, "New-One").
		With(envelope.FieldScriptContent, "# Description: fresh\necho new\n"))
	require.True(t, ok)
	assert.Equal(t, `Sample "new_one" uploaded`, resp.String(envelope.FieldMessage))

	text, err := cat.Read("new_one")
	require.NoError(t, err)
	assert.Equal(t, "# Description: fresh\necho new\n", text)

	resp, _ = r.Route(context.Background(), testConn, envelope.New(envelope.ActionUpload).With(envelope.FieldSampleName, "empty"))
	assert.Equal(t, "Sample content not provided", resp.Err())

	resp, _ = r.Route(context.Background(), testConn, envelope.New(envelope.ActionUpload).
		With(envelope.FieldSampleName, "../evil").
		With(envelope.FieldScriptContent, "x"))
	assert.True(t, resp.Failed())
	assertNoMixing(t, resp)
}

func TestRouteAutocompleteAndEcho(t *testing.T) {
	r := &Router{Completer: &fakeCompleter{matches: []string{"echo", "eval"}}}

	resp, ok := r.Route(context.Background(), testConn, envelope.New(envelope.ActionAutocomplete).With(envelope.FieldText, "e"))
	require.True(t, ok)
	assert.Equal(t, []string{"echo", "eval"}, resp.Strings(envelope.FieldMatches))

	resp, ok = r.Route(context.Background(), testConn, envelope.New(envelope.ActionEcho).With(envelope.FieldText, "hello"))
	require.True(t, ok)
	assert.Equal(t, "Echo: hello", resp.String(envelope.FieldMessage))
}

func TestRouteUnhandled(t *testing.T) {
	r := &Router{}
	resp, ok := r.Route(context.Background(), testConn, envelope.Envelope{"action": "ipython", "command": "1+1"})
	assert.False(t, ok)
	assert.Nil(t, resp)

	resp, ok = r.Route(context.Background(), testConn, envelope.Envelope{"text": "no action"})
	assert.False(t, ok)
	assert.Nil(t, resp)
}

func TestRouteWithoutBackends(t *testing.T) {
	r := &Router{}
	for _, a := range []envelope.Action{envelope.ActionExecute, envelope.ActionAutocomplete, envelope.ActionSamples, envelope.ActionEmulate, envelope.ActionUpload} {
		resp, ok := r.Route(context.Background(), testConn, envelope.New(a))
		require.True(t, ok, a.String())
		assert.True(t, resp.Failed(), a.String())
		assert.Equal(t, a.String(), resp.ActionName())
	}
}

func roundTrip(t *testing.T, env envelope.Envelope) envelope.Envelope {
	t.Helper()
	b, err := envelope.Encode(env)
	require.NoError(t, err)
	decoded, err := envelope.Decode(b)
	require.NoError(t, err)
	return decoded
}
