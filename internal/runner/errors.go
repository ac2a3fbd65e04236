// File: internal/runner/errors.go
package runner

// Machine-readable error codes attached to failed execution results and
// fed back to the proposer as observations.
const (
	CodeFileIO           = "FILE_IO_ERROR"
	CodeCommandFailed    = "COMMAND_FAILED"
	CodeTimeout          = "EXECUTION_TIMEOUT"
	CodeResourceConflict = "RESOURCE_CONFLICT"
	CodeProcessNotFound  = "PROCESS_NOT_FOUND"
	CodeNetwork          = "NETWORK_ERROR"
	CodeBrowser          = "BROWSER_ERROR"
	CodeBadArgument      = "BAD_ARGUMENT"
	CodeToolNotFound     = "TOOL_NOT_FOUND"
	CodePanic            = "EXECUTOR_PANIC"
	CodeInterrupted      = "INTERRUPTED"
)
