package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/fleetrelay/console/internal/controlplane"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toolSpec is the declarative half of an MCP tool registration; the typed
// handler is attached at AddTool time since each tool has its own I/O types.
type toolSpec struct {
	name         string
	title        string
	description  string
	inputSchema  map[string]any
	outputSchema map[string]any
	readOnly     bool
	destructive  bool
	openWorld    bool
}

func (spec toolSpec) tool() *mcp.Tool {
	tool := &mcp.Tool{
		Title:       spec.title,
		Name:        spec.name,
		Description: spec.description,
		Annotations: &mcp.ToolAnnotations{
			Title:           spec.title,
			ReadOnlyHint:    spec.readOnly,
			IdempotentHint:  spec.readOnly,
			DestructiveHint: boolPtr(spec.destructive),
			OpenWorldHint:   boolPtr(spec.openWorld),
		},
		InputSchema: mustJSONSchema(spec.inputSchema),
	}
	if spec.outputSchema != nil {
		tool.OutputSchema = mustJSONSchema(spec.outputSchema)
	}
	return tool
}

// mustJSONSchema converts the declarative map[string]any schemas defined in
// mcp_tool_specs.go into the *jsonschema.Schema type the SDK's Tool struct
// requires. It runs when NewMCPHandler builds each tool; the specs are static
// literals, so a conversion failure is a programming error and panics.
func mustJSONSchema(raw map[string]any) *jsonschema.Schema {
	if raw == nil {
		return nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		panic(fmt.Errorf("encode tool schema: %w", err))
	}
	schema := new(jsonschema.Schema)
	if err := json.Unmarshal(encoded, schema); err != nil {
		panic(fmt.Errorf("decode tool schema: %w", err))
	}
	return schema
}

// NewMCPHandler exposes the dispatch surface as MCP tools over streamable
// HTTP. Schemas and descriptions live in mcp_tool_specs.go; per-tool
// behavior lives in mcp_tool_handlers.go.
func NewMCPHandler(dispatcher CommandDispatcher) http.Handler {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    mcpServerName,
		Version: mcpServerVersion,
	}, &mcp.ServerOptions{})

	mcp.AddTool(server, toolSpec{
		name:         "echo",
		title:        mcpEchoToolTitle,
		description:  mcpEchoToolDescription,
		inputSchema:  mcpEchoInputSchema,
		outputSchema: mcpEchoOutputSchema,
		readOnly:     true,
	}.tool(), func(ctx context.Context, _ *mcp.CallToolRequest, input mcpEchoToolInput) (*mcp.CallToolResult, mcpEchoToolOutput, error) {
		return handleMCPEchoTool(ctx, dispatcher, input)
	})

	mcp.AddTool(server, toolSpec{
		name:         "pythonExec",
		title:        mcpPythonExecToolTitle,
		description:  mcpPythonExecToolDescription,
		inputSchema:  mcpPythonExecInputSchema,
		outputSchema: mcpPythonExecOutputSchema,
		destructive:  true,
		openWorld:    true,
	}.tool(), func(ctx context.Context, _ *mcp.CallToolRequest, input mcpPythonExecToolInput) (*mcp.CallToolResult, mcpPythonExecToolOutput, error) {
		return handleMCPPythonExecTool(ctx, dispatcher, input)
	})

	mcp.AddTool(server, toolSpec{
		name:         "terminalExec",
		title:        mcpTerminalExecToolTitle,
		description:  mcpTerminalExecToolDescription,
		inputSchema:  mcpTerminalExecInputSchema,
		outputSchema: mcpTerminalExecOutputSchema,
		destructive:  true,
		openWorld:    true,
	}.tool(), func(ctx context.Context, _ *mcp.CallToolRequest, input mcpTerminalExecToolInput) (*mcp.CallToolResult, mcpTerminalExecToolOutput, error) {
		return handleMCPTerminalExecTool(ctx, dispatcher, input)
	})

	mcp.AddTool(server, toolSpec{
		name:         "computerUse",
		title:        mcpComputerUseToolTitle,
		description:  mcpComputerUseToolDescription,
		inputSchema:  mcpComputerUseInputSchema,
		outputSchema: mcpComputerUseOutputSchema,
		destructive:  true,
		openWorld:    true,
	}.tool(), func(ctx context.Context, _ *mcp.CallToolRequest, input mcpComputerUseToolInput) (*mcp.CallToolResult, mcpComputerUseToolOutput, error) {
		return handleMCPComputerUseTool(ctx, dispatcher, input)
	})

	mcp.AddTool(server, toolSpec{
		name:        "readImage",
		title:       mcpReadImageToolTitle,
		description: mcpReadImageToolDescription,
		inputSchema: mcpReadImageInputSchema,
		openWorld:   true,
	}.tool(), func(ctx context.Context, _ *mcp.CallToolRequest, input mcpReadImageToolInput) (*mcp.CallToolResult, any, error) {
		return handleMCPReadImageTool(ctx, dispatcher, input)
	})

	return mcp.NewStreamableHTTPHandler(func(_ *http.Request) *mcp.Server {
		return server
	}, &mcp.StreamableHTTPOptions{
		Stateless:    true,
		JSONResponse: true,
	})
}

func invalidParamsError(message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		message = "invalid params"
	}
	return errors.New(message)
}

func mapMCPToolEchoError(err error) error {
	var commandErr *controlplane.CommandExecutionError
	switch {
	case errors.Is(err, controlplane.ErrNoWorkerCapacity):
		return errors.New("no online worker capacity for requested capability")
	case errors.Is(err, controlplane.ErrNoEchoWorker):
		return errors.New("no online worker supports echo")
	case errors.Is(err, controlplane.ErrEchoTimeout), errors.Is(err, context.DeadlineExceeded):
		return errors.New("echo command timed out")
	case errors.As(err, &commandErr):
		return errors.New(commandErr.Error())
	default:
		return errors.New("failed to execute echo command")
	}
}

func mapMCPToolTaskSubmitError(err error) error {
	var commandErr *controlplane.CommandExecutionError
	switch {
	case errors.Is(err, controlplane.ErrTaskRequestInProgress):
		return errors.New("task request already in progress")
	case errors.Is(err, controlplane.ErrNoCapabilityWorker):
		return errors.New("no online worker supports requested capability")
	case errors.Is(err, controlplane.ErrNoWorkerCapacity):
		return errors.New("no online worker capacity for requested capability")
	case errors.As(err, &commandErr):
		return errors.New(commandErr.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return errors.New("task timed out")
	case status.Code(err) == codes.InvalidArgument:
		return errors.New(status.Convert(err).Message())
	default:
		return errors.New("failed to submit task")
	}
}

func formatTaskFailureError(task controlplane.TaskSnapshot) error {
	code := strings.TrimSpace(task.ErrorCode)
	message := strings.TrimSpace(task.ErrorMessage)
	switch {
	case code != "" && message != "":
		return errors.New(code + ": " + message)
	case message != "":
		return errors.New(message)
	case code != "":
		return errors.New(code)
	default:
		return errors.New("task failed")
	}
}

func boolPtr(value bool) *bool {
	return &value
}
