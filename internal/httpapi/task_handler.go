package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/fleetrelay/console/internal/controlplane"
	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultTaskTimeoutMS = 60_000
	maxTaskTimeoutMS     = 600_000
	maxTaskWaitMS        = 60_000
	taskStatusURLPrefix  = "/api/v1/tasks/"
)

type submitTaskRequest struct {
	Capability string          `json:"capability"`
	Input      json.RawMessage `json:"input,omitempty"`
	Mode       string          `json:"mode,omitempty"`
	WaitMS     *int            `json:"wait_ms,omitempty"`
	TimeoutMS  *int            `json:"timeout_ms,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
}

type taskResponse struct {
	TaskID       string          `json:"task_id"`
	RequestID    string          `json:"request_id,omitempty"`
	Capability   string          `json:"capability"`
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	DeadlineAt   time.Time       `json:"deadline_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	StatusURL    string          `json:"status_url,omitempty"`
}

func taskSnapshotResponse(task controlplane.TaskSnapshot) taskResponse {
	response := taskResponse{
		TaskID:       task.TaskID,
		RequestID:    task.RequestID,
		Capability:   task.Capability,
		Status:       string(task.Status),
		ErrorCode:    task.ErrorCode,
		ErrorMessage: task.ErrorMessage,
		CreatedAt:    task.CreatedAt,
		UpdatedAt:    task.UpdatedAt,
		DeadlineAt:   task.DeadlineAt,
		CompletedAt:  task.CompletedAt,
	}
	if len(task.ResultJSON) > 0 {
		response.Result = json.RawMessage(append([]byte(nil), task.ResultJSON...))
	}
	return response
}

// SubmitTask is the generic task-submission endpoint: any capability, any
// JSON input, sync/async/auto wait semantics. A task that is still running
// when the wait budget runs out answers 202 with a status_url to poll.
func (h *WorkerHandler) SubmitTask(c *gin.Context) {
	if h.dispatcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task dispatcher is unavailable"})
		return
	}
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var req submitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Capability) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "capability is required"})
		return
	}

	mode, err := controlplane.ParseTaskMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	timeoutMS := 0
	if req.TimeoutMS != nil {
		timeoutMS = *req.TimeoutMS
		if timeoutMS < 1 || timeoutMS > maxTaskTimeoutMS {
			c.JSON(http.StatusBadRequest, gin.H{"error": "timeout_ms must be between 1 and 600000"})
			return
		}
	}
	waitMS := 0
	if req.WaitMS != nil {
		waitMS = *req.WaitMS
		if waitMS < 1 || waitMS > maxTaskWaitMS {
			c.JSON(http.StatusBadRequest, gin.H{"error": "wait_ms must be between 1 and 60000"})
			return
		}
	}

	result, err := h.dispatcher.SubmitTask(c.Request.Context(), controlplane.SubmitTaskRequest{
		Capability: req.Capability,
		InputJSON:  []byte(req.Input),
		Mode:       mode,
		Wait:       time.Duration(waitMS) * time.Millisecond,
		Timeout:    time.Duration(timeoutMS) * time.Millisecond,
		RequestID:  strings.TrimSpace(req.RequestID),
		OwnerID:    identity.OwnerID,
	})
	if err != nil {
		h.writeTaskSubmitError(c, err)
		return
	}

	response := taskSnapshotResponse(result.Task)
	if result.Completed {
		c.JSON(http.StatusOK, response)
		return
	}
	response.StatusURL = taskStatusURLPrefix + result.Task.TaskID
	c.JSON(http.StatusAccepted, response)
}

func (h *WorkerHandler) GetTask(c *gin.Context) {
	if h.dispatcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task dispatcher is unavailable"})
		return
	}
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	taskID := strings.TrimSpace(c.Param("task_id"))
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_id is required"})
		return
	}

	task, found := h.dispatcher.GetTask(taskID, identity.OwnerID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, taskSnapshotResponse(task))
}

func (h *WorkerHandler) CancelTask(c *gin.Context) {
	if h.dispatcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task dispatcher is unavailable"})
		return
	}
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	taskID := strings.TrimSpace(c.Param("task_id"))
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_id is required"})
		return
	}

	task, err := h.dispatcher.CancelTask(taskID, identity.OwnerID)
	if err != nil {
		switch {
		case errors.Is(err, controlplane.ErrTaskNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		case errors.Is(err, controlplane.ErrTaskTerminal):
			c.JSON(http.StatusConflict, gin.H{
				"error": "task already completed",
				"task":  taskSnapshotResponse(task),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel task"})
		}
		return
	}
	c.JSON(http.StatusOK, taskSnapshotResponse(task))
}

func (h *WorkerHandler) writeTaskSubmitError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, controlplane.ErrTaskRequestInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "task request already in progress"})
	case errors.Is(err, controlplane.ErrNoCapabilityWorker):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no online worker supports requested capability"})
	case errors.Is(err, controlplane.ErrNoWorkerCapacity):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "no online worker capacity for requested capability"})
	case status.Code(err) == codes.InvalidArgument:
		c.JSON(http.StatusBadRequest, gin.H{"error": status.Convert(err).Message()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit task"})
	}
}
