/*
Package envelope defines the messages exchanged between the console and the agent.

An envelope is a flat map. Requests carry an "action" field naming the handler plus
action-specific fields; responses echo the action and carry either success fields or an
"error" field, never both. Each envelope travels as one binary WebSocket message holding
a CBOR map encoded with core deterministic encoding, so the same envelope always produces
the same bytes.
*/
package envelope

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Field names used on the wire.
const (
	FieldAction        = "action"
	FieldError         = "error"
	FieldCommand       = "command"
	FieldText          = "text"
	FieldSearch        = "search"
	FieldSampleName    = "sample_name"
	FieldScriptContent = "script_content"
	FieldMessage       = "message"
	FieldStatus        = "status"
	FieldOutput        = "output"
	FieldStdout        = "stdout"
	FieldStderr        = "stderr"
	FieldMatches       = "matches"
	FieldSamples       = "samples"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

var ErrNotAMap = errors.New("envelope is not a CBOR map")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("envelope: CBOR encoder initialization failed: " + err.Error())
	}
	// Nested maps decode as map[string]any rather than CBOR's default map[any]any.
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("envelope: CBOR decoder initialization failed: " + err.Error())
	}
}

// Envelope is one request or response message.
type Envelope map[string]any

// New returns an envelope for the given action.
func New(a Action) Envelope {
	return Envelope{FieldAction: a.String()}
}

// Failure returns a response envelope carrying only the action and an error message.
func Failure(a Action, msg string) Envelope {
	return Envelope{FieldAction: a.String(), FieldError: msg}
}

// Failuref is Failure with formatting.
func Failuref(a Action, format string, args ...any) Envelope {
	return Failure(a, fmt.Sprintf(format, args...))
}

// With sets a field and returns the envelope, for chaining. String lists and pair lists
// are stored in the shape Decode produces, so a built envelope equals its decoded copy.
func (e Envelope) With(key string, value any) Envelope {
	e[key] = wireForm(value)
	return e
}

func wireForm(value any) any {
	switch v := value.(type) {
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case [][2]string:
		out := make([]any, len(v))
		for i, p := range v {
			out[i] = []any{p[0], p[1]}
		}
		return out
	}
	return value
}

// Action returns the parsed action of the envelope.
func (e Envelope) Action() Action {
	return ParseAction(e.ActionName())
}

// ActionName returns the raw action string, which may not be a known action.
func (e Envelope) ActionName() string {
	return e.String(FieldAction)
}

// Err returns the error message of a response, or "" for a successful response.
func (e Envelope) Err() string {
	return e.String(FieldError)
}

// Failed reports whether the response carries an error.
func (e Envelope) Failed() bool {
	return e.Err() != ""
}

// String returns a string field, or "" if absent or not a string.
func (e Envelope) String(key string) string {
	s, _ := e[key].(string)
	return s
}

// Strings returns a list-of-strings field.
// Lists decoded off the wire are []any, lists built locally may be []string; both are accepted.
// Non-string elements are skipped.
func (e Envelope) Strings(key string) []string {
	switch v := e[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Pairs returns a list-of-pairs field such as "samples".
// Elements that are not two-element string lists are skipped.
func (e Envelope) Pairs(key string) [][2]string {
	switch v := e[key].(type) {
	case [][2]string:
		return v
	case [][]string:
		out := make([][2]string, 0, len(v))
		for _, p := range v {
			if len(p) == 2 {
				out = append(out, [2]string{p[0], p[1]})
			}
		}
		return out
	case []any:
		out := make([][2]string, 0, len(v))
		for _, item := range v {
			p, ok := item.([]any)
			if !ok || len(p) != 2 {
				continue
			}
			first, ok1 := p[0].(string)
			second, ok2 := p[1].(string)
			if ok1 && ok2 {
				out = append(out, [2]string{first, second})
			}
		}
		return out
	}
	return nil
}

// Encode serializes the envelope to CBOR.
func Encode(e Envelope) ([]byte, error) {
	b, err := encMode.Marshal(map[string]any(e))
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return b, nil
}

// Decode parses a CBOR map into an envelope.
func Decode(b []byte) (Envelope, error) {
	var v any
	if err := decMode.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotAMap
	}
	return Envelope(m), nil
}
