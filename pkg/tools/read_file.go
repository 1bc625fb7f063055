package tools

import (
	"bufio"
	"context"
	"fmt"
	"os"
)

const (
	defaultReadLines   = 2000 // Default number of lines to read
	maxLineLength      = 2000 // Truncate lines longer than this
	defaultStartOffset = 1    // 1-based line numbering
)

// ReadFileTool reads file contents from the workspace.
type ReadFileTool struct {
	workspaceRoot string
	maxSizeBytes  int64 // Safety cap on total output bytes
}

// NewReadFileTool creates a new read_file tool rooted at the workspace.
func NewReadFileTool(workspaceRoot string, maxSizeBytes int64) *ReadFileTool {
	if maxSizeBytes <= 0 {
		maxSizeBytes = 1048576 // 1MB
	}
	if workspaceRoot == "" {
		workspaceRoot = "."
	}
	return &ReadFileTool{
		workspaceRoot: workspaceRoot,
		maxSizeBytes:  maxSizeBytes,
	}
}

// Name returns the tool name.
func (t *ReadFileTool) Name() string {
	return ToolReadFile
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *ReadFileTool) PromptDocumentation() string {
	return `- **read_file** - Read contents of a file from the workspace
  - Parameters:
    - path (string, REQUIRED): relative path to file within workspace
    - offset (integer, optional): line number to start from (1-based, default: 1)
    - limit (integer, optional): number of lines to read (default: 2000)
  - Output uses numbered lines (cat -n format)
  - Lines longer than 2000 characters are truncated
  - For large files, use offset and limit to read specific sections`
}

// Definition returns the tool definition for the model.
func (t *ReadFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolReadFile,
		Description: "Read contents of a file from the workspace. Output uses numbered lines. For large files, use offset and limit to read specific sections.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path": {
					Type:        "string",
					Description: "Relative path to file within workspace",
				},
				"offset": {
					Type:        "integer",
					Description: "Line number to start reading from (1-based). Defaults to 1.",
				},
				"limit": {
					Type:        "integer",
					Description: "Number of lines to read. Defaults to 2000.",
				},
			},
			Required: []string{"path"},
		},
	}
}

// Exec executes the tool with the given arguments.
func (t *ReadFileTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	path, err := StringArg(args, "path")
	if err != nil {
		return nil, err
	}

	offset := IntArgOrDefault(args, "offset", defaultStartOffset)
	if offset < 1 {
		offset = defaultStartOffset
	}
	limit := IntArgOrDefault(args, "limit", defaultReadLines)
	if limit < 1 {
		limit = defaultReadLines
	}

	fullPath, err := resolveWorkspacePath(t.workspaceRoot, path)
	if err != nil {
		return ErrorResult(err.Error())
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return ErrorResult(fmt.Sprintf("file not found or not readable: %s (%v)", path, err))
	}
	defer func() { _ = f.Close() }()

	endLine := offset + limit - 1
	var (
		out        []byte
		totalLines int
		truncated  bool
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		totalLines++
		if totalLines < offset {
			continue
		}
		if totalLines > endLine {
			truncated = true
			continue // keep counting for total_lines
		}
		line := scanner.Text()
		if len(line) > maxLineLength {
			line = line[:maxLineLength]
		}
		if int64(len(out)) < t.maxSizeBytes {
			out = append(out, fmt.Sprintf("%6d\t%s\n", totalLines, line)...)
		} else {
			truncated = true
		}
	}
	if err := scanner.Err(); err != nil {
		return ErrorResult(fmt.Sprintf("error reading %s: %v", path, err))
	}

	if int64(len(out)) > t.maxSizeBytes {
		out = out[:t.maxSizeBytes]
		truncated = true
	}

	return JSONResult(map[string]any{
		"success":     true,
		"content":     string(out),
		"path":        path,
		"truncated":   truncated,
		"offset":      offset,
		"limit":       limit,
		"total_lines": totalLines,
	})
}
