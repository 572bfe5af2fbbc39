/*
Package sample manages a directory of sample scripts.

A sample is a single file in the catalogue directory whose name (minus extension) is the
sample name. Its description is taken from the first line of the form "Description: ..."
anywhere in the file; files without one are described as "N/A". Files whose names start
with "_" are hidden from listings.
*/
package sample

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	DefaultExt         = ".sh"
	NoDescription      = "N/A"
	hiddenPrefix       = "_"
	defaultPermissions = 0o644
)

var (
	ErrNotFound    = errors.New("sample not found")
	ErrInvalidName = errors.New("invalid sample name")
	// ErrNoCatalogue is returned when the catalogue directory does not exist.
	ErrNoCatalogue = errors.New("samples directory not found")
)

var descriptionRE = regexp.MustCompile(`(?m)^\W*Description:[ \t]*(.*?)\s*$`)

// Info is the listing entry for one sample.
type Info struct {
	Name        string
	Description string
}

// Catalogue is a directory-backed set of samples. It is safe for concurrent use as long as
// the directory isn't modified out from under it mid-call.
type Catalogue struct {
	Dir string
	Ext string
}

func NewCatalogue(dir string) *Catalogue {
	return &Catalogue{Dir: dir, Ext: DefaultExt}
}

// NormalizeName lowercases a sample name and replaces spaces and dashes with underscores.
func NormalizeName(name string) string {
	return strings.NewReplacer(" ", "_", "-", "_").Replace(strings.ToLower(strings.TrimSpace(name)))
}

// Describe extracts the description of a sample from its contents.
func Describe(text string) string {
	m := descriptionRE.FindStringSubmatch(text)
	if m == nil || m[1] == "" {
		return NoDescription
	}
	return m[1]
}

func (c *Catalogue) ext() string {
	if c.Ext == "" {
		return DefaultExt
	}
	return c.Ext
}

func (c *Catalogue) path(name string) (string, error) {
	n := NormalizeName(name)
	if n == "" || strings.ContainsAny(n, `/\`) || n == "." || n == ".." || strings.HasPrefix(n, hiddenPrefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(c.Dir, n+c.ext()), nil
}

// List returns the samples whose name or description contains any of the terms,
// case-insensitively. With no terms every sample is returned. Results are sorted by name.
func (c *Catalogue) List(terms []string) ([]Info, error) {
	entries, err := os.ReadDir(c.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoCatalogue
	}
	if err != nil {
		return nil, fmt.Errorf("reading samples directory: %w", err)
	}

	var out []Info
	for _, e := range entries {
		fileName := e.Name()
		if e.IsDir() || strings.HasPrefix(fileName, hiddenPrefix) || filepath.Ext(fileName) != c.ext() {
			continue
		}
		b, err := os.ReadFile(filepath.Join(c.Dir, fileName))
		if err != nil {
			return nil, fmt.Errorf("reading sample %q: %w", fileName, err)
		}
		info := Info{
			Name:        strings.TrimSuffix(fileName, c.ext()),
			Description: Describe(string(b)),
		}
		if matches(info, terms) {
			out = append(out, info)
		}
	}
	return out, nil
}

func matches(info Info, terms []string) bool {
	if len(terms) == 0 {
		return true
	}
	name := strings.ToLower(info.Name)
	desc := strings.ToLower(info.Description)
	for _, term := range terms {
		t := strings.ToLower(term)
		if strings.Contains(name, t) || strings.Contains(desc, t) {
			return true
		}
	}
	return false
}

// Read returns the contents of the named sample, or ErrNotFound.
func (c *Catalogue) Read(name string) (string, error) {
	p, err := c.path(name)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("reading sample %q: %w", name, err)
	}
	return string(b), nil
}

// Write stores text as the named sample, creating the catalogue directory if needed.
func (c *Catalogue) Write(name, text string) error {
	p, err := c.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("creating samples directory: %w", err)
	}
	if err := os.WriteFile(p, []byte(text), defaultPermissions); err != nil {
		return fmt.Errorf("writing sample %q: %w", name, err)
	}
	return nil
}

// Path returns the file that holds the named sample.
func (c *Catalogue) Path(name string) (string, error) {
	return c.path(name)
}

// Exists reports whether the named sample exists.
func (c *Catalogue) Exists(name string) bool {
	p, err := c.path(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}
