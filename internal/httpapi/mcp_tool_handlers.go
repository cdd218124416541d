package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fleetrelay/console/internal/controlplane"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func handleMCPEchoTool(ctx context.Context, dispatcher CommandDispatcher, input mcpEchoToolInput) (*mcp.CallToolResult, mcpEchoToolOutput, error) {
	if strings.TrimSpace(input.Message) == "" {
		return nil, mcpEchoToolOutput{}, invalidParamsError("message is required")
	}
	timeoutMS, ok := boundedTimeoutMS(input.TimeoutMS, defaultMCPEchoTimeoutMS, maxEchoTimeoutMS)
	if !ok {
		return nil, mcpEchoToolOutput{}, invalidParamsError("timeout_ms must be between 1 and 60000")
	}
	if dispatcher == nil {
		return nil, mcpEchoToolOutput{}, errors.New("echo command dispatcher is unavailable")
	}

	reply, err := dispatcher.DispatchEcho(ctx, input.Message, time.Duration(timeoutMS)*time.Millisecond)
	if err != nil {
		return nil, mcpEchoToolOutput{}, mapMCPToolEchoError(err)
	}
	return nil, mcpEchoToolOutput{Message: reply}, nil
}

func handleMCPPythonExecTool(ctx context.Context, dispatcher CommandDispatcher, input mcpPythonExecToolInput) (*mcp.CallToolResult, mcpPythonExecToolOutput, error) {
	if strings.TrimSpace(input.Code) == "" {
		return nil, mcpPythonExecToolOutput{}, invalidParamsError("code is required")
	}
	output, err := runToolTask[mcpPythonExecToolOutput](ctx, dispatcher, toolTaskCall{
		capability: pythonExecCapabilityName,
		payload:    pythonExecPayload{Code: input.Code},
		timeoutMS:  input.TimeoutMS,
	})
	return nil, output, err
}

func handleMCPTerminalExecTool(ctx context.Context, dispatcher CommandDispatcher, input mcpTerminalExecToolInput) (*mcp.CallToolResult, mcpTerminalExecToolOutput, error) {
	if strings.TrimSpace(input.Command) == "" {
		return nil, mcpTerminalExecToolOutput{}, invalidParamsError("command is required")
	}
	if input.LeaseTTLSec != nil && *input.LeaseTTLSec < minMCPTerminalLeaseSec {
		return nil, mcpTerminalExecToolOutput{}, invalidParamsError("lease_ttl_sec must be positive")
	}
	output, err := runToolTask[mcpTerminalExecToolOutput](ctx, dispatcher, toolTaskCall{
		capability: terminalExecCapabilityName,
		payload: terminalExecPayload{
			Command:         input.Command,
			SessionID:       strings.TrimSpace(input.SessionID),
			CreateIfMissing: input.CreateIfMissing,
			LeaseTTLSec:     input.LeaseTTLSec,
		},
		timeoutMS: input.TimeoutMS,
	})
	return nil, output, err
}

func handleMCPComputerUseTool(ctx context.Context, dispatcher CommandDispatcher, input mcpComputerUseToolInput) (*mcp.CallToolResult, mcpComputerUseToolOutput, error) {
	if strings.TrimSpace(input.Command) == "" {
		return nil, mcpComputerUseToolOutput{}, invalidParamsError("command is required")
	}
	output, err := runToolTask[mcpComputerUseToolOutput](ctx, dispatcher, toolTaskCall{
		capability: computerUseCapabilityName,
		payload:    computerUsePayload{Command: input.Command},
		timeoutMS:  input.TimeoutMS,
		requestID:  strings.TrimSpace(input.RequestID),
	})
	return nil, output, err
}

// handleMCPReadImageTool is a two-phase terminalResource flow: validate the
// file's mime type first (cheap, no blob), then read only when it really is
// an image. Non-image files come back as a text explanation rather than a
// tool error, so clients can distinguish "wrong kind of file" from failures.
func handleMCPReadImageTool(ctx context.Context, dispatcher CommandDispatcher, input mcpReadImageToolInput) (*mcp.CallToolResult, any, error) {
	sessionID := strings.TrimSpace(input.SessionID)
	if sessionID == "" {
		return nil, nil, invalidParamsError("session_id is required")
	}
	filePath := strings.TrimSpace(input.FilePath)
	if filePath == "" {
		return nil, nil, invalidParamsError("file_path is required")
	}

	resource := func(action string) (mcpTerminalResourceResult, error) {
		return runToolTask[mcpTerminalResourceResult](ctx, dispatcher, toolTaskCall{
			capability: terminalResourceCapabilityName,
			payload: mcpTerminalResourcePayload{
				SessionID: sessionID,
				FilePath:  filePath,
				Action:    action,
			},
			timeoutMS: input.TimeoutMS,
		})
	}

	validated, err := resource("validate")
	if err != nil {
		return nil, nil, err
	}
	if result, refused := refuseNonImage(validated.MIMEType); refused {
		return result, nil, nil
	}

	read, err := resource("read")
	if err != nil {
		return nil, nil, err
	}
	if result, refused := refuseNonImage(read.MIMEType); refused {
		return result, nil, nil
	}

	blob := read.Blob
	if blob == nil {
		blob = []byte{}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.ImageContent{
				MIMEType: normalizeMIME(read.MIMEType),
				Data:     blob,
			},
		},
	}, nil, nil
}

func refuseNonImage(mimeType string) (*mcp.CallToolResult, bool) {
	normalized := normalizeMIME(mimeType)
	if strings.HasPrefix(strings.ToLower(normalized), "image/") {
		return nil, false
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{
				Text: fmt.Sprintf("unsupported mime type: %s; expected image/*", normalized),
			},
		},
	}, true
}

func normalizeMIME(mimeType string) string {
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" {
		return "application/octet-stream"
	}
	return mimeType
}

// mcpTerminalResourcePayload/-Result are the terminalResource wire shapes:
// a session-scoped file probe or read, answered with metadata plus (for
// reads) the raw bytes.
type mcpTerminalResourcePayload struct {
	SessionID string `json:"session_id"`
	FilePath  string `json:"file_path"`
	Action    string `json:"action,omitempty"`
}

type mcpTerminalResourceResult struct {
	SessionID string `json:"session_id"`
	FilePath  string `json:"file_path"`
	MIMEType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	Blob      []byte `json:"blob,omitempty"`
}

// toolTaskCall is one capability invocation made on behalf of an MCP tool.
type toolTaskCall struct {
	capability string
	payload    any
	timeoutMS  *int
	requestID  string
}

// runToolTask is the shared body of every task-backed MCP tool: resolve the
// caller's owner from the request context, submit a sync task, and decode
// the success payload into T. Failures come back as plain errors, which the
// MCP layer renders as tool errors.
func runToolTask[T any](ctx context.Context, dispatcher CommandDispatcher, call toolTaskCall) (T, error) {
	var zero T

	timeoutMS, ok := boundedTimeoutMS(call.timeoutMS, defaultMCPTaskTimeoutMS, maxMCPTaskTimeoutMS)
	if !ok {
		return zero, invalidParamsError("timeout_ms must be between 1 and 600000")
	}
	if dispatcher == nil {
		return zero, errors.New("task dispatcher is unavailable")
	}
	identity, ok := identityFromContext(ctx)
	if !ok {
		return zero, errors.New("request owner is required")
	}

	payloadJSON, err := json.Marshal(call.payload)
	if err != nil {
		return zero, fmt.Errorf("failed to encode %s payload", call.capability)
	}

	result, err := dispatcher.SubmitTask(ctx, controlplane.SubmitTaskRequest{
		Capability: call.capability,
		InputJSON:  payloadJSON,
		Mode:       controlplane.TaskModeSync,
		Timeout:    time.Duration(timeoutMS) * time.Millisecond,
		RequestID:  call.requestID,
		OwnerID:    identity.OwnerID,
	})
	if err != nil {
		return zero, mapMCPToolTaskSubmitError(err)
	}
	if !result.Completed {
		return zero, fmt.Errorf("%s task did not complete", call.capability)
	}

	task := result.Task
	switch task.Status {
	case controlplane.TaskStatusSucceeded:
		decoded := zero
		if err := json.Unmarshal(task.ResultJSON, &decoded); err != nil {
			return zero, fmt.Errorf("invalid %s result payload", call.capability)
		}
		return decoded, nil
	case controlplane.TaskStatusTimeout:
		return zero, errors.New("task timed out")
	case controlplane.TaskStatusCanceled:
		return zero, errors.New("task canceled")
	case controlplane.TaskStatusFailed:
		return zero, formatTaskFailureError(task)
	default:
		return zero, fmt.Errorf("unexpected task status: %s", task.Status)
	}
}
