package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/guseggert/imet/agent/process"
	"github.com/guseggert/imet/envelope"
	"github.com/guseggert/imet/sample"
	"go.uber.org/zap"
)

// Catalogue is the sample store the router consults.
type Catalogue interface {
	List(terms []string) ([]sample.Info, error)
	Read(name string) (string, error)
	Write(name, text string) error
}

// ConnInfo identifies the connection a request arrived on.
type ConnInfo struct {
	ID         string
	RemoteAddr string
}

// Router locates the collaborator for each action and shapes its result into a response.
// It holds no business logic of its own.
type Router struct {
	Log       *zap.SugaredLogger
	Executor  process.Executor
	Completer process.Completer
	Samples   Catalogue
}

// Route handles one request. It returns false when the action has no handler, in which
// case no response is sent. Handler errors come back as failure envelopes.
func (r *Router) Route(ctx context.Context, c ConnInfo, req envelope.Envelope) (envelope.Envelope, bool) {
	action := req.Action()
	var (
		resp envelope.Envelope
		err  error
	)
	switch action {
	case envelope.ActionExecute:
		resp, err = r.execute(ctx, req)
	case envelope.ActionAutocomplete:
		resp, err = r.autocomplete(ctx, req)
	case envelope.ActionSamples:
		resp, err = r.samples(req)
	case envelope.ActionEmulate:
		resp, err = r.emulate(ctx, req)
	case envelope.ActionUpload:
		resp, err = r.upload(req)
	case envelope.ActionEcho:
		resp, err = r.echo(req)
	case envelope.ActionUnknown:
		r.log().Debugw("no handler for action", "Action", req.ActionName(), "Conn", c.ID)
		return nil, false
	default:
		panic(fmt.Sprintf("unhandled action %q", action))
	}
	if err != nil {
		r.log().Debugw("action failed", "Action", action, "Conn", c.ID, "Error", err)
		return envelope.Failure(action, err.Error()), true
	}
	return resp, true
}

func (r *Router) log() *zap.SugaredLogger {
	if r.Log == nil {
		return zap.NewNop().Sugar()
	}
	return r.Log
}

var errNoBackend = errors.New("no backend configured for this action")

func (r *Router) execute(ctx context.Context, req envelope.Envelope) (envelope.Envelope, error) {
	if r.Executor == nil {
		return nil, errNoBackend
	}
	code := req.String(envelope.FieldCommand)
	if code == "" {
		return nil, errors.New("No command provided")
	}
	res, err := r.Executor.Execute(ctx, code)
	if err != nil {
		return nil, err
	}
	status := envelope.StatusOK
	if res.Status != process.StatusOK {
		status = envelope.StatusError
	}
	return envelope.New(envelope.ActionExecute).
		With(envelope.FieldStatus, status).
		With(envelope.FieldOutput, res.Output).
		With(envelope.FieldStdout, res.Stdout).
		With(envelope.FieldStderr, res.Stderr), nil
}

func (r *Router) autocomplete(ctx context.Context, req envelope.Envelope) (envelope.Envelope, error) {
	if r.Completer == nil {
		return nil, errNoBackend
	}
	matches, err := r.Completer.Complete(ctx, req.String(envelope.FieldText))
	if err != nil {
		return nil, err
	}
	if matches == nil {
		matches = []string{}
	}
	return envelope.New(envelope.ActionAutocomplete).With(envelope.FieldMatches, matches), nil
}

func (r *Router) samples(req envelope.Envelope) (envelope.Envelope, error) {
	if r.Samples == nil {
		return nil, errNoBackend
	}
	terms := req.Strings(envelope.FieldSearch)
	infos, err := r.Samples.List(terms)
	if errors.Is(err, sample.ErrNoCatalogue) {
		return nil, errors.New("Samples directory not found")
	}
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		msg := "No samples found"
		if len(terms) > 0 {
			plural := ""
			if len(terms) > 1 {
				plural = "s"
			}
			msg += fmt.Sprintf(" matching term%s %s", plural, strings.Join(terms, ", "))
		}
		return nil, errors.New(msg)
	}
	pairs := make([][2]string, len(infos))
	for i, info := range infos {
		pairs[i] = [2]string{info.Name, info.Description}
	}
	return envelope.New(envelope.ActionSamples).With(envelope.FieldSamples, pairs), nil
}

func (r *Router) emulate(ctx context.Context, req envelope.Envelope) (envelope.Envelope, error) {
	if r.Samples == nil || r.Executor == nil {
		return nil, errNoBackend
	}
	name := req.String(envelope.FieldSampleName)
	if name == "" {
		return nil, errors.New("Sample name not provided")
	}
	text, err := r.Samples.Read(name)
	if errors.Is(err, sample.ErrNotFound) {
		return nil, fmt.Errorf("Sample %q does not exist", name)
	}
	if err != nil {
		return nil, err
	}
	r.log().Infow("running sample", "Sample", name)
	res, err := r.Executor.Execute(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("Error running sample %q: %w", name, err)
	}
	if res.Status != process.StatusOK {
		return nil, fmt.Errorf("Error running sample %q: %s\n%s", name, res.Output, res.Stderr)
	}
	return envelope.New(envelope.ActionEmulate).
		With(envelope.FieldMessage, fmt.Sprintf("Sample %q executed successfully", name)).
		With(envelope.FieldOutput, res.Stdout), nil
}

func (r *Router) upload(req envelope.Envelope) (envelope.Envelope, error) {
	if r.Samples == nil {
		return nil, errNoBackend
	}
	name := req.String(envelope.FieldSampleName)
	if name == "" {
		return nil, errors.New("Sample name not provided")
	}
	content := req.String(envelope.FieldScriptContent)
	if content == "" {
		return nil, errors.New("Sample content not provided")
	}
	if err := r.Samples.Write(name, content); err != nil {
		return nil, err
	}
	return envelope.New(envelope.ActionUpload).
		With(envelope.FieldMessage, fmt.Sprintf("Sample %q uploaded", sample.NormalizeName(name))), nil
}

func (r *Router) echo(req envelope.Envelope) (envelope.Envelope, error) {
	return envelope.New(envelope.ActionEcho).
		With(envelope.FieldMessage, "Echo: "+req.String(envelope.FieldText)), nil
}
