// File: internal/registry/catalog.go
package registry

import "github.com/xops-dev/taskpilot/api/schemas"

// builtinDescriptors is the full tool surface the agent may propose.
// The table is total: any name not present here is rejected at planning
// time, never at execution time.
func builtinDescriptors() []schemas.ToolDescriptor {
	return []schemas.ToolDescriptor{
		// -- Read class --
		{
			Name:        "read_file",
			Description: "Read the contents of a file at the given path.",
			Params: []schemas.ParamSpec{
				{Name: "path", Type: schemas.ParamString, Required: true, Description: "File path to read"},
			},
			Tier:   schemas.TierSafe,
			Effect: schemas.EffectRead,
		},
		{
			Name:        "list_directory",
			Description: "List the entries of a directory.",
			Params: []schemas.ParamSpec{
				{Name: "path", Type: schemas.ParamString, Required: true, Description: "Directory path to list"},
			},
			Tier:   schemas.TierSafe,
			Effect: schemas.EffectRead,
		},
		{
			Name:        "find_files",
			Description: "Find files matching a glob pattern under a directory.",
			Params: []schemas.ParamSpec{
				{Name: "pattern", Type: schemas.ParamString, Required: true, Description: "Glob pattern, e.g. *.go"},
				{Name: "root", Type: schemas.ParamString, Required: false, Description: "Directory to search from (default .)"},
			},
			Tier:   schemas.TierSafe,
			Effect: schemas.EffectRead,
		},
		{
			Name:        "search_in_files",
			Description: "Search files under a directory for a literal text fragment.",
			Params: []schemas.ParamSpec{
				{Name: "query", Type: schemas.ParamString, Required: true, Description: "Text to search for"},
				{Name: "root", Type: schemas.ParamString, Required: false, Description: "Directory to search from (default .)"},
			},
			Tier:   schemas.TierSafe,
			Effect: schemas.EffectRead,
		},
		{
			Name:        "file_info",
			Description: "Report size, mode and modification time of a path.",
			Params: []schemas.ParamSpec{
				{Name: "path", Type: schemas.ParamString, Required: true, Description: "Path to inspect"},
			},
			Tier:   schemas.TierSafe,
			Effect: schemas.EffectRead,
		},
		{
			Name:        "working_directory",
			Description: "Report the current working directory.",
			Tier:        schemas.TierSafe,
			Effect:      schemas.EffectRead,
		},
		{
			Name:        "check_port",
			Description: "Check whether a local TCP port is accepting connections.",
			Params: []schemas.ParamSpec{
				{Name: "port", Type: schemas.ParamInt, Required: true, Description: "TCP port number"},
			},
			Tier:   schemas.TierSafe,
			Effect: schemas.EffectRead,
		},
		{
			Name:        "list_servers",
			Description: "List long-running processes started during this run.",
			Tier:        schemas.TierSafe,
			Effect:      schemas.EffectRead,
		},
		{
			Name:        "server_status",
			Description: "Report whether a tracked process is still alive.",
			Params: []schemas.ParamSpec{
				{Name: "name", Type: schemas.ParamString, Required: true, Description: "Process key from start_server"},
			},
			Tier:   schemas.TierSafe,
			Effect: schemas.EffectRead,
		},
		{
			Name:        "memory_stats",
			Description: "Report knowledge store counters: records, signatures, success rates.",
			Tier:        schemas.TierSafe,
			Effect:      schemas.EffectRead,
		},

		// -- Write class --
		{
			Name:        "write_file",
			Description: "Write content to a file, replacing any existing content.",
			Params: []schemas.ParamSpec{
				{Name: "path", Type: schemas.ParamString, Required: true, Description: "File path to write"},
				{Name: "content", Type: schemas.ParamString, Required: true, Description: "Full new file content"},
			},
			Tier:   schemas.TierConfirm,
			Effect: schemas.EffectWrite,
		},
		{
			Name:        "append_file",
			Description: "Append content to the end of a file, creating it if absent.",
			Params: []schemas.ParamSpec{
				{Name: "path", Type: schemas.ParamString, Required: true, Description: "File path to append to"},
				{Name: "content", Type: schemas.ParamString, Required: true, Description: "Content to append"},
			},
			Tier:   schemas.TierConfirm,
			Effect: schemas.EffectWrite,
		},
		{
			Name:        "create_directory",
			Description: "Create a directory, including missing parents.",
			Params: []schemas.ParamSpec{
				{Name: "path", Type: schemas.ParamString, Required: true, Description: "Directory path to create"},
			},
			Tier:   schemas.TierConfirm,
			Effect: schemas.EffectWrite,
		},
		{
			Name:        "copy_file",
			Description: "Copy a file to a new path.",
			Params: []schemas.ParamSpec{
				{Name: "src", Type: schemas.ParamString, Required: true, Description: "Source path"},
				{Name: "dst", Type: schemas.ParamString, Required: true, Description: "Destination path"},
			},
			Tier:   schemas.TierConfirm,
			Effect: schemas.EffectWrite,
		},
		{
			Name:        "move_file",
			Description: "Move or rename a file.",
			Params: []schemas.ParamSpec{
				{Name: "src", Type: schemas.ParamString, Required: true, Description: "Source path"},
				{Name: "dst", Type: schemas.ParamString, Required: true, Description: "Destination path"},
			},
			Tier:   schemas.TierConfirm,
			Effect: schemas.EffectWrite,
		},
		{
			Name:        "delete_file",
			Description: "Delete a file. Irreversible apart from the pre-deletion backup.",
			Params: []schemas.ParamSpec{
				{Name: "path", Type: schemas.ParamString, Required: true, Description: "File path to delete"},
			},
			Tier:   schemas.TierDangerous,
			Effect: schemas.EffectWrite,
		},

		// -- Process class --
		{
			Name:        "run_command",
			Description: "Run a shell command and capture its combined output.",
			Params: []schemas.ParamSpec{
				{Name: "command", Type: schemas.ParamString, Required: true, Description: "Shell command line"},
			},
			Tier:   schemas.TierConfirm,
			Effect: schemas.EffectProcessSpawn,
		},
		{
			Name:        "start_server",
			Description: "Start a long-running process and track it under a key.",
			Params: []schemas.ParamSpec{
				{Name: "name", Type: schemas.ParamString, Required: true, Description: "Unique key for this process"},
				{Name: "command", Type: schemas.ParamString, Required: true, Description: "Command line to launch"},
			},
			Tier:        schemas.TierConfirm,
			Effect:      schemas.EffectProcessSpawn,
			LongRunning: true,
		},
		{
			Name:        "stop_server",
			Description: "Stop a tracked process, escalating to kill after a grace period.",
			Params: []schemas.ParamSpec{
				{Name: "name", Type: schemas.ParamString, Required: true, Description: "Process key from start_server"},
			},
			Tier:   schemas.TierConfirm,
			Effect: schemas.EffectProcessSpawn,
		},

		// -- Network class --
		{
			Name:        "fetch_url",
			Description: "Fetch a URL over HTTP GET and return the body.",
			Params: []schemas.ParamSpec{
				{Name: "url", Type: schemas.ParamString, Required: true, Description: "Absolute URL to fetch"},
			},
			Tier:   schemas.TierSafe,
			Effect: schemas.EffectNetwork,
		},
		{
			Name:        "browse_navigate",
			Description: "Navigate the shared browser session to a URL.",
			Params: []schemas.ParamSpec{
				{Name: "url", Type: schemas.ParamString, Required: true, Description: "Absolute URL to open"},
			},
			Tier:   schemas.TierSafe,
			Effect: schemas.EffectNetwork,
		},
		{
			Name:        "browse_click",
			Description: "Click an element in the current browser page.",
			Params: []schemas.ParamSpec{
				{Name: "selector", Type: schemas.ParamString, Required: true, Description: "CSS selector of the element"},
			},
			Tier:   schemas.TierSafe,
			Effect: schemas.EffectNetwork,
		},
		{
			Name:        "browse_type",
			Description: "Type text into an element in the current browser page.",
			Params: []schemas.ParamSpec{
				{Name: "selector", Type: schemas.ParamString, Required: true, Description: "CSS selector of the element"},
				{Name: "text", Type: schemas.ParamString, Required: true, Description: "Text to type"},
			},
			Tier:   schemas.TierSafe,
			Effect: schemas.EffectNetwork,
		},
		{
			Name:        "browse_content",
			Description: "Return the visible text content of the current browser page.",
			Tier:        schemas.TierSafe,
			Effect:      schemas.EffectNetwork,
		},
		{
			Name:        "browse_screenshot",
			Description: "Capture a screenshot of the current browser page to a file.",
			Params: []schemas.ParamSpec{
				{Name: "path", Type: schemas.ParamString, Required: true, Description: "PNG output path"},
			},
			Tier:   schemas.TierConfirm,
			Effect: schemas.EffectNetwork,
		},
		{
			Name:        "browse_eval",
			Description: "Evaluate a JavaScript expression in the current browser page.",
			Params: []schemas.ParamSpec{
				{Name: "expression", Type: schemas.ParamString, Required: true, Description: "JavaScript expression"},
			},
			Tier:   schemas.TierConfirm,
			Effect: schemas.EffectNetwork,
		},

		// -- Meta class --
		{
			Name:        "finish",
			Description: "Declare the goal complete and provide a final summary.",
			Params: []schemas.ParamSpec{
				{Name: "summary", Type: schemas.ParamString, Required: false, Description: "Final result summary"},
			},
			Tier:   schemas.TierSafe,
			Effect: schemas.EffectRead,
		},
		{
			Name:        "no_op",
			Description: "Take no action; record a question or clarification request.",
			Params: []schemas.ParamSpec{
				{Name: "reason", Type: schemas.ParamString, Required: false, Description: "Why no action was taken"},
			},
			Tier:   schemas.TierSafe,
			Effect: schemas.EffectRead,
		},
	}
}
