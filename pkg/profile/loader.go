package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader fetches profile documents by reference.
type Loader interface {
	Load(ref string) (*Document, error)
}

// DirLoader resolves references against a list of profile directories.
// A reference "dev" matches dev.yaml, dev.yml or dev.md in the first
// directory that has one. References carrying a path separator or a known
// extension are treated as explicit file paths.
type DirLoader struct {
	Dirs []string
}

// NewDirLoader creates a loader over the given directories.
func NewDirLoader(dirs ...string) *DirLoader {
	return &DirLoader{Dirs: dirs}
}

var profileExtensions = []string{".yaml", ".yml", ".md"} //nolint:gochecknoglobals // fixed lookup order

// Load implements Loader.
func (l *DirLoader) Load(ref string) (*Document, error) {
	if isExplicitPath(ref) {
		return loadFile(ref)
	}

	for _, dir := range l.Dirs {
		for _, ext := range profileExtensions {
			path := filepath.Join(dir, ref+ext)
			if _, err := os.Stat(path); err == nil {
				return loadFile(path)
			}
		}
	}
	return nil, fmt.Errorf("profile %q not found in %v", ref, l.Dirs)
}

func isExplicitPath(ref string) bool {
	if strings.ContainsRune(ref, os.PathSeparator) {
		return true
	}
	ext := filepath.Ext(ref)
	for _, known := range profileExtensions {
		if ext == known {
			return true
		}
	}
	return false
}

func loadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile file: %w", err)
	}

	if filepath.Ext(path) == ".md" {
		return parseMarkdown(string(data))
	}
	return parseYAML(data)
}

func parseYAML(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse profile yaml: %w", err)
	}
	return &doc, nil
}

// parseMarkdown splits YAML frontmatter from the markdown body. The
// frontmatter between the leading "---" fences is the profile document;
// the remainder becomes the profile's instructions.
func parseMarkdown(content string) (*Document, error) {
	trimmed := strings.TrimLeft(content, "\uFEFF\n\r ")
	if !strings.HasPrefix(trimmed, "---") {
		return nil, fmt.Errorf("markdown profile missing yaml frontmatter")
	}

	rest := trimmed[3:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, fmt.Errorf("markdown profile frontmatter not terminated")
	}

	front := rest[:end]
	body := rest[end+len("\n---"):]
	// Skip the newline after the closing fence, if any.
	body = strings.TrimPrefix(body, "\r\n")
	body = strings.TrimPrefix(body, "\n")

	doc, err := parseYAML([]byte(front))
	if err != nil {
		return nil, err
	}
	doc.Instructions = strings.TrimSpace(body)
	return doc, nil
}
