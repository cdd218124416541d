package httpapi

import "github.com/fleetrelay/console/internal/buildinfo"

const (
	mcpServerName                  = "fleetrelay-console"
	pythonExecCapabilityName       = "pythonExec"
	terminalExecCapabilityName     = "terminalExec"
	terminalResourceCapabilityName = "terminalResource"
	computerUseCapabilityName      = "computerUse"

	defaultMCPEchoTimeoutMS = defaultEchoTimeoutMS
	minMCPTaskTimeoutMS     = 1
	defaultMCPTaskTimeoutMS = defaultTaskTimeoutMS
	maxMCPTaskTimeoutMS     = maxTaskTimeoutMS
	minMCPTerminalLeaseSec  = 1
	maxMCPTerminalLeaseSec  = 86400

	mcpEchoToolTitle         = "Echo Message"
	mcpPythonExecToolTitle   = "Python Execute"
	mcpTerminalExecToolTitle = "Terminal Execute"
	mcpComputerUseToolTitle  = "Computer Use"
	mcpReadImageToolTitle    = "Read Image"
)

var mcpServerVersion = buildinfo.Resolve()

type mcpEchoToolInput struct {
	Message   string `json:"message"`
	TimeoutMS *int   `json:"timeout_ms,omitempty"`
}

type mcpEchoToolOutput struct {
	Message string `json:"message"`
}

type mcpPythonExecToolInput struct {
	Code      string `json:"code"`
	TimeoutMS *int   `json:"timeout_ms,omitempty"`
}

type mcpPythonExecToolOutput struct {
	Output   string `json:"output"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

type mcpTerminalExecToolInput struct {
	Command         string `json:"command"`
	SessionID       string `json:"session_id,omitempty"`
	CreateIfMissing bool   `json:"create_if_missing,omitempty"`
	LeaseTTLSec     *int   `json:"lease_ttl_sec,omitempty"`
	TimeoutMS       *int   `json:"timeout_ms,omitempty"`
}

type mcpTerminalExecToolOutput struct {
	SessionID          string `json:"session_id"`
	Created            bool   `json:"created"`
	Stdout             string `json:"stdout"`
	Stderr             string `json:"stderr"`
	ExitCode           int    `json:"exit_code"`
	StdoutTruncated    bool   `json:"stdout_truncated"`
	StderrTruncated    bool   `json:"stderr_truncated"`
	LeaseExpiresUnixMS int64  `json:"lease_expires_unix_ms"`
}

type mcpComputerUseToolInput struct {
	Command   string `json:"command"`
	TimeoutMS *int   `json:"timeout_ms,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type mcpComputerUseToolOutput struct {
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exit_code"`
	StdoutTruncated bool   `json:"stdout_truncated"`
	StderrTruncated bool   `json:"stderr_truncated"`
}

type mcpReadImageToolInput struct {
	SessionID string `json:"session_id"`
	FilePath  string `json:"file_path"`
	TimeoutMS *int   `json:"timeout_ms,omitempty"`
}

type pythonExecPayload struct {
	Code string `json:"code"`
}

var mcpEchoToolDescription = "Echoes the input message exactly as returned by an online worker supporting the echo capability. Use this tool for connectivity checks, request tracing, and latency baselines. Do not use it for code execution, file operations, or long-running work. timeout_ms is an end-to-end dispatch timeout in milliseconds (1-60000, default 5000)."

var mcpPythonExecToolDescription = "Executes Python code in the worker sandbox via the pythonExec capability and returns stdout, stderr, and exit_code. Use this for short, self-contained snippets. Do not use it for long-running jobs or persistent state. timeout_ms is a synchronous execution timeout in milliseconds (1-600000, default 60000). A non-zero exit_code is returned as normal tool output, not as a protocol error."

var mcpTerminalExecToolDescription = "Executes shell commands in a persistent Docker-backed terminal session via the terminalExec capability. Sessions run on fleetrelay default-work-image (ubuntu:24.04), commands are executed with sh -lc, and common tools are preinstalled (python3/pip/venv, git, curl/wget, jq, ripgrep, fd-find, tree, file, zip/unzip, sqlite3). Reuse session_id to preserve filesystem state across calls. create_if_missing controls missing-session behavior. lease_ttl_sec extends session lease within configured bounds. timeout_ms is a synchronous execution timeout in milliseconds (1-600000, default 60000)."

var mcpComputerUseToolDescription = "Executes shell commands directly on the caller-owned worker-sys host OS via /bin/sh -lc. Unlike terminalExec, this tool runs on the bare host without container isolation and is stateless - each invocation is independent with no session persistence. Only one command runs at a time (single concurrency). This tool is account-scoped and requires a user-created worker-sys. timeout_ms is a synchronous execution timeout in milliseconds (1-600000, default 60000). request_id provides idempotency for retries."

var mcpReadImageToolDescription = "Reads a file from an existing terminal session and returns it as inline image content when mime type is image/*. For unsupported mime types, returns a text explanation."

// The schemas below are assembled from small helpers instead of literal
// nested maps; each tool lists only what is distinctive about it.

func strictObjectSchema(required []string, properties map[string]any) map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             required,
		"properties":           properties,
	}
}

func stringSpec(description string) map[string]any {
	spec := map[string]any{"type": "string"}
	if description != "" {
		spec["description"] = description
	}
	return spec
}

func boolSpec(description string, withDefault bool) map[string]any {
	spec := map[string]any{"type": "boolean"}
	if description != "" {
		spec["description"] = description
	}
	if withDefault {
		spec["default"] = false
	}
	return spec
}

func intSpec(description string, minimum int, maximum int) map[string]any {
	spec := map[string]any{
		"type":    "integer",
		"minimum": minimum,
		"maximum": maximum,
	}
	if description != "" {
		spec["description"] = description
	}
	return spec
}

func timeoutSpec(description string, minimum int, maximum int, fallback int) map[string]any {
	spec := intSpec(description, minimum, maximum)
	spec["default"] = fallback
	return spec
}

func taskTimeoutSpec() map[string]any {
	return timeoutSpec(
		"Optional synchronous execution timeout in milliseconds for this tool call.",
		minMCPTaskTimeoutMS, maxMCPTaskTimeoutMS, defaultMCPTaskTimeoutMS,
	)
}

func bareIntSpec() map[string]any  { return map[string]any{"type": "integer"} }
func bareBoolSpec() map[string]any { return map[string]any{"type": "boolean"} }

var mcpEchoInputSchema = strictObjectSchema([]string{"message"}, map[string]any{
	"message": stringSpec("Message to be echoed back unchanged. Empty or whitespace-only values are rejected."),
	"timeout_ms": timeoutSpec(
		"Optional end-to-end dispatch timeout in milliseconds for the echo capability.",
		minEchoTimeoutMS, maxEchoTimeoutMS, defaultMCPEchoTimeoutMS,
	),
})

var mcpEchoOutputSchema = strictObjectSchema([]string{"message"}, map[string]any{
	"message": stringSpec("Echoed message returned by the worker."),
})

var mcpPythonExecInputSchema = strictObjectSchema([]string{"code"}, map[string]any{
	"code":       stringSpec("Python source code to execute in the worker sandbox. Empty or whitespace-only values are rejected."),
	"timeout_ms": taskTimeoutSpec(),
})

var mcpPythonExecOutputSchema = strictObjectSchema([]string{"output", "stderr", "exit_code"}, map[string]any{
	"output": stringSpec("Captured stdout from Python execution."),
	"stderr": stringSpec("Captured stderr from Python execution."),
	"exit_code": func() map[string]any {
		spec := bareIntSpec()
		spec["description"] = "Process exit code from Python execution. Non-zero is reported as normal tool output."
		return spec
	}(),
})

var mcpTerminalExecInputSchema = strictObjectSchema([]string{"command"}, map[string]any{
	"command":           stringSpec("Shell command to run in the session container via sh -lc. Empty or whitespace-only values are rejected."),
	"session_id":        stringSpec("Optional session identifier. Reuse it to keep filesystem state."),
	"create_if_missing": boolSpec("When true and session_id is missing on worker, create the session instead of returning session_not_found.", true),
	"lease_ttl_sec": intSpec(
		"Optional lease duration in seconds for session expiry extension.",
		minMCPTerminalLeaseSec, maxMCPTerminalLeaseSec,
	),
	"timeout_ms": taskTimeoutSpec(),
})

var mcpTerminalExecOutputSchema = strictObjectSchema(
	[]string{"session_id", "created", "stdout", "stderr", "exit_code", "stdout_truncated", "stderr_truncated", "lease_expires_unix_ms"},
	map[string]any{
		"session_id":            stringSpec(""),
		"created":               bareBoolSpec(),
		"stdout":                stringSpec(""),
		"stderr":                stringSpec(""),
		"exit_code":             bareIntSpec(),
		"stdout_truncated":      bareBoolSpec(),
		"stderr_truncated":      bareBoolSpec(),
		"lease_expires_unix_ms": bareIntSpec(),
	},
)

var mcpComputerUseInputSchema = strictObjectSchema([]string{"command"}, map[string]any{
	"command":    stringSpec("Shell command to run on worker-sys host via /bin/sh -lc. Empty or whitespace-only values are rejected."),
	"timeout_ms": taskTimeoutSpec(),
	"request_id": stringSpec("Optional idempotency key scoped to the caller account."),
})

var mcpComputerUseOutputSchema = strictObjectSchema(
	[]string{"stdout", "stderr", "exit_code", "stdout_truncated", "stderr_truncated"},
	map[string]any{
		"stdout":           stringSpec(""),
		"stderr":           stringSpec(""),
		"exit_code":        bareIntSpec(),
		"stdout_truncated": bareBoolSpec(),
		"stderr_truncated": bareBoolSpec(),
	},
)

var mcpReadImageInputSchema = strictObjectSchema([]string{"session_id", "file_path"}, map[string]any{
	"session_id": stringSpec("Terminal session identifier returned by terminalExec."),
	"file_path":  stringSpec("Path to the file in the terminal session filesystem."),
	"timeout_ms": taskTimeoutSpec(),
})
