package console

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/guseggert/imet/envelope"
)

// completeTimeout bounds the agent round trip behind a Tab press.
const completeTimeout = 2 * time.Second

// completer serves Tab completion for the line editor. At the console prompt it completes
// command names; in interactive mode it asks the agent to complete the shell input.
type completer struct {
	c *Console
}

func (cp completer) Do(line []rune, pos int) ([][]rune, int) {
	text := string(line[:pos])
	if cp.c.interactive.Load() {
		return cp.c.remoteCompletions(text)
	}
	return cp.c.commandCompletions(text)
}

func (c *Console) commandCompletions(text string) ([][]rune, int) {
	if strings.IndexFunc(text, unicode.IsSpace) >= 0 {
		return nil, 0
	}
	var names []string
	for _, cmd := range c.registry.Commands() {
		names = append(names, cmd.Name)
	}
	return suffixes(text, names)
}

func (c *Console) remoteCompletions(text string) ([][]rune, int) {
	if !c.session.Connected() {
		return nil, 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), completeTimeout)
	defer cancel()
	resp, err := c.session.Request(ctx, envelope.New(envelope.ActionAutocomplete).With(envelope.FieldText, text))
	if err != nil {
		c.log.Debugw("completion request failed", "Error", err)
		return nil, 0
	}
	if resp.Failed() {
		c.log.Debugw("agent could not complete", "Error", resp.Err())
		return nil, 0
	}
	return suffixes(lastWord(text), resp.Strings(envelope.FieldMatches))
}

// suffixes returns what each candidate adds after prefix, and the rune length of prefix.
func suffixes(prefix string, candidates []string) ([][]rune, int) {
	var out [][]rune
	for _, cand := range candidates {
		if strings.HasPrefix(cand, prefix) {
			out = append(out, []rune(cand[len(prefix):]))
		}
	}
	return out, len([]rune(prefix))
}

func lastWord(text string) string {
	i := strings.LastIndexFunc(text, unicode.IsSpace)
	return text[i+1:]
}
