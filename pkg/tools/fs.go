package tools

import (
	"fmt"
	"path/filepath"
	"strings"
)

// resolveWorkspacePath joins a model-supplied relative path onto the
// workspace root, rejecting traversal outside the root.
func resolveWorkspacePath(root, path string) (string, error) {
	clean := filepath.Clean(path)
	if filepath.IsAbs(clean) {
		// Absolute paths are allowed only when they already sit inside the root.
		rel, err := filepath.Rel(root, clean)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", fmt.Errorf("path %s is outside the workspace", path)
		}
		return clean, nil
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path cannot contain directory traversal (..)")
	}
	return filepath.Join(root, clean), nil
}
