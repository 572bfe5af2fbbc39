package envelope

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
	}{
		{
			name: "samples request with search terms",
			env:  Envelope{"action": "samples", "search": []any{"inject", "enum"}},
		},
		{
			name: "execute request",
			env:  Envelope{"action": "execute", "command": "echo hello"},
		},
		{
			name: "samples response",
			env: Envelope{
				"action":  "samples",
				"samples": []any{[]any{"process_injection", "Simple process injection example"}},
			},
		},
		{
			name: "failure response",
			env:  Failure(ActionEmulate, `Sample "missing" does not exist`),
		},
		{
			name: "empty strings survive",
			env:  Envelope{"action": "execute", "status": "ok", "output": "", "stdout": "", "stderr": ""},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b, err := Encode(c.env)
			require.NoError(t, err)

			decoded, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, c.env, decoded)
		})
	}
}

func TestBuiltEnvelopesMatchTheirDecodedCopy(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
	}{
		{name: "search terms", env: New(ActionSamples).With(FieldSearch, []string{"inject"})},
		{
			name: "sample listing",
			env: New(ActionSamples).With(FieldSamples, [][2]string{
				{"enum_processes", "No description"},
				{"process_injection", "Simple process injection example"},
			}),
		},
		{name: "completions", env: New(ActionAutocomplete).With(FieldMatches, []string{"echo", "eval"})},
		{name: "no completions", env: New(ActionAutocomplete).With(FieldMatches, []string{})},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b, err := Encode(c.env)
			require.NoError(t, err)
			decoded, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, c.env, decoded)
		})
	}

	env := New(ActionSamples).With(FieldSamples, [][2]string{{"a", "b"}})
	assert.Equal(t, [][2]string{{"a", "b"}}, env.Pairs(FieldSamples))
	env = New(ActionSamples).With(FieldSearch, []string{"x", "y"})
	assert.Equal(t, []string{"x", "y"}, env.Strings(FieldSearch))
}

func TestEncodeDeterministic(t *testing.T) {
	env := Envelope{"action": "upload", "sample_name": "a", "script_content": "echo a"}
	first, err := Encode(env)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Encode(env)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestDecodeRejectsNonMap(t *testing.T) {
	b, err := cbor.Marshal([]string{"not", "a", "map"})
	require.NoError(t, err)

	_, err = Decode(b)
	require.ErrorIs(t, err, ErrNotAMap)

	_, err = Decode([]byte{0xff, 0x00})
	require.Error(t, err)
}

func TestParseAction(t *testing.T) {
	for _, a := range Actions() {
		assert.Equal(t, a, ParseAction(a.String()))
	}
	assert.Equal(t, ActionUnknown, ParseAction("ipython"))
	assert.Equal(t, ActionUnknown, ParseAction(""))
	assert.Equal(t, ActionSamples, Envelope{"action": "samples"}.Action())
	assert.Equal(t, "bogus", Envelope{"action": "bogus"}.ActionName())
}

func TestAccessors(t *testing.T) {
	b, err := Encode(Envelope{
		"action":  "samples",
		"search":  []string{"a", "b"},
		"samples": [][2]string{{"one", "first"}, {"two", "second"}},
	})
	require.NoError(t, err)
	env, err := Decode(b)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, env.Strings(FieldSearch))
	assert.Equal(t, [][2]string{{"one", "first"}, {"two", "second"}}, env.Pairs(FieldSamples))
	assert.Nil(t, env.Strings("missing"))
	assert.Equal(t, "", env.String("missing"))
	assert.False(t, env.Failed())

	local := New(ActionSamples).With(FieldSamples, [][2]string{{"x", "y"}})
	assert.Equal(t, [][2]string{{"x", "y"}}, local.Pairs(FieldSamples))
}

func TestFailureCarriesOnlyError(t *testing.T) {
	f := Failuref(ActionUpload, "bad %s", "thing")
	assert.True(t, f.Failed())
	assert.Equal(t, "bad thing", f.Err())
	assert.Len(t, f, 2)
}
