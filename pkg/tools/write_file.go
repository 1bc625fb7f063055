package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// WriteFileTool creates or overwrites files inside the workspace.
type WriteFileTool struct {
	workspaceRoot string
	maxSizeBytes  int64
}

// NewWriteFileTool creates a new write_file tool rooted at the workspace.
func NewWriteFileTool(workspaceRoot string, maxSizeBytes int64) *WriteFileTool {
	if maxSizeBytes <= 0 {
		maxSizeBytes = 4 * 1048576 // 4MB
	}
	if workspaceRoot == "" {
		workspaceRoot = "."
	}
	return &WriteFileTool{
		workspaceRoot: workspaceRoot,
		maxSizeBytes:  maxSizeBytes,
	}
}

// Name returns the tool name.
func (t *WriteFileTool) Name() string {
	return ToolWriteFile
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *WriteFileTool) PromptDocumentation() string {
	return `- **write_file** - Create or overwrite a file in the workspace
  - Parameters:
    - path (string, REQUIRED): relative path within workspace
    - content (string, REQUIRED): full file content to write
  - Parent directories are created as needed
  - Overwrites the file if it already exists`
}

// Definition returns the tool definition for the model.
func (t *WriteFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolWriteFile,
		Description: "Create or overwrite a file in the workspace with the given content. Parent directories are created automatically.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path": {
					Type:        "string",
					Description: "Relative path to the file within the workspace",
				},
				"content": {
					Type:        "string",
					Description: "Full content to write to the file",
				},
			},
			Required: []string{"path", "content"},
		},
	}
}

// Exec executes the tool with the given arguments.
func (t *WriteFileTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	path, err := StringArg(args, "path")
	if err != nil {
		return nil, err
	}
	content, ok := args["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content is required and must be a string")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if int64(len(content)) > t.maxSizeBytes {
		return ErrorResult(fmt.Sprintf("content exceeds %d byte limit", t.maxSizeBytes))
	}

	fullPath, err := resolveWorkspacePath(t.workspaceRoot, path)
	if err != nil {
		return ErrorResult(err.Error())
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("cannot create parent directory: %v", err))
	}
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("write failed: %v", err))
	}

	return JSONResult(map[string]any{
		"success": true,
		"path":    path,
		"bytes":   len(content),
	})
}
