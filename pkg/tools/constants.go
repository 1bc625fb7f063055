package tools

// Tool name constants - use these instead of magic strings to prevent typos
// and enable compile-time checking.
const (
	ToolShell     = "shell"
	ToolReadFile  = "read_file"
	ToolWriteFile = "write_file"
	ToolListFiles = "list_files"
	ToolWebFetch  = "web_fetch"
)

// BuiltinNames lists every tool shipped with the host, in mount order.
//
//nolint:gochecknoglobals // fixed catalog listing
var BuiltinNames = []string{
	ToolShell,
	ToolReadFile,
	ToolWriteFile,
	ToolListFiles,
	ToolWebFetch,
}
