package tools

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

const defaultListLimit = 500

// ListFilesTool lists workspace files beneath a directory.
type ListFilesTool struct {
	workspaceRoot string
}

// NewListFilesTool creates a new list_files tool rooted at the workspace.
func NewListFilesTool(workspaceRoot string) *ListFilesTool {
	if workspaceRoot == "" {
		workspaceRoot = "."
	}
	return &ListFilesTool{workspaceRoot: workspaceRoot}
}

// Name returns the tool name.
func (t *ListFilesTool) Name() string {
	return ToolListFiles
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *ListFilesTool) PromptDocumentation() string {
	return `- **list_files** - List files under a workspace directory
  - Parameters:
    - path (string, optional): directory to list, relative to workspace root (default: ".")
    - limit (integer, optional): maximum entries to return (default: 500)
  - Recursive; directories are suffixed with "/"
  - Hidden directories (.git, node_modules) are skipped`
}

// Definition returns the tool definition for the model.
func (t *ListFilesTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolListFiles,
		Description: "List files recursively under a workspace directory. Directories are suffixed with '/'.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path": {
					Type:        "string",
					Description: "Directory to list, relative to workspace root. Defaults to the root.",
				},
				"limit": {
					Type:        "integer",
					Description: "Maximum number of entries to return. Defaults to 500.",
				},
			},
		},
	}
}

// skippedDirs are never descended into.
//
//nolint:gochecknoglobals // fixed skip list
var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".venv":        true,
	"__pycache__":  true,
}

// Exec executes the tool with the given arguments.
func (t *ListFilesTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	path := StringArgOrDefault(args, "path", ".")
	limit := IntArgOrDefault(args, "limit", defaultListLimit)
	if limit < 1 {
		limit = defaultListLimit
	}

	fullPath, err := resolveWorkspacePath(t.workspaceRoot, path)
	if err != nil {
		return ErrorResult(err.Error())
	}

	var entries []string
	truncated := false
	walkErr := filepath.WalkDir(fullPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() && skippedDirs[d.Name()] {
			return filepath.SkipDir
		}
		rel, relErr := filepath.Rel(fullPath, p)
		if relErr != nil || rel == "." {
			return nil
		}
		if len(entries) >= limit {
			truncated = true
			return filepath.SkipAll
		}
		if d.IsDir() {
			rel += "/"
		}
		entries = append(entries, rel)
		return nil
	})
	if walkErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return ErrorResult(fmt.Sprintf("cannot list %s: %v", path, walkErr))
	}

	sort.Strings(entries)
	return JSONResult(map[string]any{
		"success":   true,
		"path":      path,
		"entries":   entries,
		"count":     len(entries),
		"truncated": truncated,
		"listing":   strings.Join(entries, "\n"),
	})
}
