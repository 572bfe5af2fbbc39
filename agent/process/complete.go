package process

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var shellBuiltins = []string{
	"alias", "cd", "echo", "eval", "exec", "exit", "export", "printf",
	"pwd", "read", "set", "shift", "test", "trap", "type", "umask", "unset", "wait",
}

// Complete completes the last word of text. The first word completes against shell builtins
// and executables on PATH; later words complete against file paths relative to WD.
func (s *Shell) Complete(ctx context.Context, text string) ([]string, error) {
	words := strings.Fields(text)
	completingFirst := len(words) == 0 || (len(words) == 1 && !strings.HasSuffix(text, " "))
	prefix := ""
	if len(words) > 0 && !strings.HasSuffix(text, " ") {
		prefix = words[len(words)-1]
	}

	var matches []string
	if completingFirst && !strings.ContainsRune(prefix, filepath.Separator) {
		matches = s.completeCommand(ctx, prefix)
	} else {
		matches = s.completePath(prefix)
	}
	return matches, nil
}

func (s *Shell) completeCommand(ctx context.Context, prefix string) []string {
	seen := map[string]bool{}
	for _, b := range shellBuiltins {
		if strings.HasPrefix(b, prefix) {
			seen[b] = true
		}
	}
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		if ctx.Err() != nil {
			break
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasPrefix(name, prefix) {
				continue
			}
			info, err := e.Info()
			if err != nil || info.Mode()&0o111 == 0 {
				continue
			}
			seen[name] = true
		}
	}
	return sortedKeys(seen)
}

func (s *Shell) completePath(prefix string) []string {
	pattern := prefix + "*"
	if !filepath.IsAbs(prefix) && s.WD != "" {
		pattern = filepath.Join(s.WD, pattern)
	}
	found, err := filepath.Glob(pattern)
	if err != nil {
		return nil
	}
	seen := map[string]bool{}
	for _, f := range found {
		completion := f
		if !filepath.IsAbs(prefix) && s.WD != "" {
			if rel, err := filepath.Rel(s.WD, f); err == nil {
				completion = rel
			}
		}
		if info, err := os.Stat(f); err == nil && info.IsDir() {
			completion += string(filepath.Separator)
		}
		seen[completion] = true
	}
	return sortedKeys(seen)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
