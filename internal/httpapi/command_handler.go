package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/fleetrelay/console/internal/controlplane"
	"github.com/gin-gonic/gin"
)

const (
	defaultEchoTimeoutMS = 5000
	minEchoTimeoutMS     = 1
	maxEchoTimeoutMS     = 60000

	terminalExecCapability = "terminalExec"
	computerUseCapability  = "computerUse"

	terminalExecSessionNotFoundCode = "session_not_found"
	terminalExecSessionBusyCode     = "session_busy"
	terminalExecInvalidPayloadCode  = "invalid_payload"
	terminalTaskNoWorkerCode        = "no_worker"
	terminalTaskNoCapacityCode      = "no_capacity"
	terminalTaskTimeoutCode         = "timeout"
)

type EchoDispatcher interface {
	DispatchEcho(ctx context.Context, message string, timeout time.Duration) (string, error)
}

type TaskDispatcher interface {
	SubmitTask(ctx context.Context, req controlplane.SubmitTaskRequest) (controlplane.SubmitTaskResult, error)
	GetTask(taskID string, ownerID string) (controlplane.TaskSnapshot, bool)
	CancelTask(taskID string, ownerID string) (controlplane.TaskSnapshot, error)
}

type CommandDispatcher interface {
	EchoDispatcher
	TaskDispatcher
}

type echoCommandRequest struct {
	Message   string `json:"message"`
	TimeoutMS *int   `json:"timeout_ms,omitempty"`
}

type echoCommandResponse struct {
	Message string `json:"message"`
}

type terminalCommandRequest struct {
	Command         string `json:"command"`
	SessionID       string `json:"session_id,omitempty"`
	CreateIfMissing bool   `json:"create_if_missing,omitempty"`
	LeaseTTLSec     *int   `json:"lease_ttl_sec,omitempty"`
	TimeoutMS       *int   `json:"timeout_ms,omitempty"`
	RequestID       string `json:"request_id,omitempty"`
}

// terminalExecPayload is the task input for terminalExec; the control plane
// rewrites session_id into the owner's namespace before dispatch.
type terminalExecPayload struct {
	Command         string `json:"command"`
	SessionID       string `json:"session_id,omitempty"`
	CreateIfMissing bool   `json:"create_if_missing,omitempty"`
	LeaseTTLSec     *int   `json:"lease_ttl_sec,omitempty"`
}

type terminalCommandResponse struct {
	SessionID          string `json:"session_id"`
	Created            bool   `json:"created"`
	Stdout             string `json:"stdout"`
	Stderr             string `json:"stderr"`
	ExitCode           int    `json:"exit_code"`
	StdoutTruncated    bool   `json:"stdout_truncated"`
	StderrTruncated    bool   `json:"stderr_truncated"`
	LeaseExpiresUnixMS int64  `json:"lease_expires_unix_ms"`
}

type computerUseCommandRequest struct {
	Command   string `json:"command"`
	TimeoutMS *int   `json:"timeout_ms,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type computerUsePayload struct {
	Command string `json:"command"`
}

type computerUseCommandResponse struct {
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exit_code"`
	StdoutTruncated bool   `json:"stdout_truncated"`
	StderrTruncated bool   `json:"stderr_truncated"`
}

func (h *WorkerHandler) EchoCommand(c *gin.Context) {
	if h.dispatcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "echo command dispatcher is unavailable"})
		return
	}

	req := echoCommandRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}
	timeoutMS, ok := boundedTimeoutMS(req.TimeoutMS, defaultEchoTimeoutMS, maxEchoTimeoutMS)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "timeout_ms must be between 1 and 60000"})
		return
	}

	reply, err := h.dispatcher.DispatchEcho(c.Request.Context(), req.Message, time.Duration(timeoutMS)*time.Millisecond)
	if err != nil {
		writeEchoError(c, err)
		return
	}
	c.JSON(http.StatusOK, echoCommandResponse{Message: reply})
}

func writeEchoError(c *gin.Context, err error) {
	var commandErr *controlplane.CommandExecutionError
	switch {
	case errors.Is(err, controlplane.ErrNoWorkerCapacity):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "no online worker capacity for requested capability"})
	case errors.Is(err, controlplane.ErrNoEchoWorker):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no online worker supports echo"})
	case errors.Is(err, controlplane.ErrEchoTimeout), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "echo command timed out"})
	case errors.As(err, &commandErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": commandErr.Error()})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to execute echo command"})
	}
}

func (h *WorkerHandler) TerminalCommand(c *gin.Context) {
	req := terminalCommandRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}

	response := terminalCommandResponse{}
	done := h.runSyncCommand(c, syncCommandCall{
		capability: terminalExecCapability,
		payload: terminalExecPayload{
			Command:         req.Command,
			SessionID:       strings.TrimSpace(req.SessionID),
			CreateIfMissing: req.CreateIfMissing,
			LeaseTTLSec:     req.LeaseTTLSec,
		},
		timeoutMS:    req.TimeoutMS,
		requestID:    req.RequestID,
		failStatus:   terminalFailureStatus,
		failFallback: "terminal command failed",
	}, &response)
	if done {
		c.JSON(http.StatusOK, response)
	}
}

func (h *WorkerHandler) ComputerUseCommand(c *gin.Context) {
	req := computerUseCommandRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}

	response := computerUseCommandResponse{}
	done := h.runSyncCommand(c, syncCommandCall{
		capability:   computerUseCapability,
		payload:      computerUsePayload{Command: req.Command},
		timeoutMS:    req.TimeoutMS,
		requestID:    req.RequestID,
		failStatus:   computerUseFailureStatus,
		failFallback: "computerUse command failed",
	}, &response)
	if done {
		c.JSON(http.StatusOK, response)
	}
}

// syncCommandCall describes one synchronous convenience invocation: which
// capability, its payload, and how a failed task's error code maps to an
// HTTP status.
type syncCommandCall struct {
	capability   string
	payload      any
	timeoutMS    *int
	requestID    string
	failStatus   func(code string) (int, string)
	failFallback string
}

// runSyncCommand submits a sync-mode task for call and decodes a successful
// result into out. It writes every non-success response itself and returns
// false; true means out is populated and the caller owns the 200.
func (h *WorkerHandler) runSyncCommand(c *gin.Context, call syncCommandCall, out any) bool {
	if h.dispatcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task dispatcher is unavailable"})
		return false
	}
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return false
	}
	timeoutMS, ok := boundedTimeoutMS(call.timeoutMS, defaultTaskTimeoutMS, maxTaskTimeoutMS)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "timeout_ms must be between 1 and 600000"})
		return false
	}

	payloadJSON, err := json.Marshal(call.payload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode command payload"})
		return false
	}

	result, err := h.dispatcher.SubmitTask(c.Request.Context(), controlplane.SubmitTaskRequest{
		Capability: call.capability,
		InputJSON:  payloadJSON,
		Mode:       controlplane.TaskModeSync,
		Timeout:    time.Duration(timeoutMS) * time.Millisecond,
		RequestID:  strings.TrimSpace(call.requestID),
		OwnerID:    identity.OwnerID,
	})
	if err != nil {
		h.writeTaskSubmitError(c, err)
		return false
	}
	if !result.Completed {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "task timed out"})
		return false
	}

	task := result.Task
	switch task.Status {
	case controlplane.TaskStatusSucceeded:
		if err := json.Unmarshal(task.ResultJSON, out); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "invalid " + call.capability + " result payload"})
			return false
		}
		return true
	case controlplane.TaskStatusTimeout:
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "task timed out"})
	case controlplane.TaskStatusCanceled:
		c.JSON(http.StatusConflict, gin.H{"error": "task canceled"})
	case controlplane.TaskStatusFailed:
		statusCode, message := call.failStatus(strings.TrimSpace(task.ErrorCode))
		if message == "" {
			message = strings.TrimSpace(task.ErrorMessage)
		}
		if message == "" {
			message = call.failFallback
		}
		c.JSON(statusCode, gin.H{"error": message})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": "unexpected task status"})
	}
	return false
}

// terminalFailureStatus maps a failed terminalExec task's error code to an
// HTTP status. An empty message means "use the task's own error message".
func terminalFailureStatus(code string) (int, string) {
	switch code {
	case terminalExecSessionNotFoundCode:
		return http.StatusNotFound, ""
	case terminalExecSessionBusyCode:
		return http.StatusConflict, ""
	case terminalExecInvalidPayloadCode:
		return http.StatusBadRequest, ""
	case terminalTaskNoWorkerCode:
		return http.StatusServiceUnavailable, "no online worker supports requested capability"
	case terminalTaskNoCapacityCode:
		return http.StatusTooManyRequests, "no online worker capacity for requested capability"
	case terminalTaskTimeoutCode, "deadline_exceeded":
		return http.StatusGatewayTimeout, ""
	default:
		return http.StatusBadGateway, ""
	}
}

func computerUseFailureStatus(code string) (int, string) {
	switch code {
	case terminalTaskNoWorkerCode:
		return http.StatusServiceUnavailable, "no online worker supports requested capability"
	case terminalTaskNoCapacityCode:
		return http.StatusTooManyRequests, "no online worker capacity for requested capability"
	case terminalExecSessionBusyCode:
		return http.StatusConflict, ""
	case terminalExecInvalidPayloadCode:
		return http.StatusBadRequest, ""
	case terminalTaskTimeoutCode, "deadline_exceeded":
		return http.StatusGatewayTimeout, ""
	default:
		return http.StatusBadGateway, ""
	}
}

// boundedTimeoutMS applies the default when unset and enforces [1, max].
func boundedTimeoutMS(requested *int, fallback int, max int) (int, bool) {
	if requested == nil {
		return fallback, true
	}
	if *requested < 1 || *requested > max {
		return 0, false
	}
	return *requested, true
}
