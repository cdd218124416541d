package controlplane

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/fleetrelay/console/internal/persistence/sqlc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	defaultTaskWait            = 1500 * time.Millisecond
	defaultTaskTimeout         = 60 * time.Second
	maxTaskWait                = 60 * time.Second
	maxTaskTimeout             = 10 * time.Minute
	inlineTaskPruneMinInterval = 15 * time.Second
	defaultTaskNoWorkerCode    = "no_worker"
	defaultTaskNoCapacityCode  = "no_capacity"
	defaultTaskCanceledCode    = "canceled"
	defaultTaskTimeoutCode     = "timeout"
	defaultTaskDispatchErrCode = "dispatch_failed"
	defaultTaskPersistErrCode  = "persistence_error"
)

var ErrTaskNotFound = errors.New("task not found")
var ErrTaskTerminal = errors.New("task already completed")
var ErrTaskTransitionNotApplied = errors.New("task state transition was not applied")

// TaskMode controls how long SubmitTask blocks waiting on a result before
// handing back whatever state the task has reached.
type TaskMode string

const (
	TaskModeSync  TaskMode = "sync"
	TaskModeAsync TaskMode = "async"
	TaskModeAuto  TaskMode = "auto"
)

type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusDispatched TaskStatus = "dispatched"
	TaskStatusRunning    TaskStatus = "running"
	TaskStatusSucceeded  TaskStatus = "succeeded"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusTimeout    TaskStatus = "timeout"
	TaskStatusCanceled   TaskStatus = "canceled"
)

type SubmitTaskRequest struct {
	Capability string
	InputJSON  []byte
	Mode       TaskMode
	Wait       time.Duration
	Timeout    time.Duration
	RequestID  string
	OwnerID    string
}

type SubmitTaskResult struct {
	Task      TaskSnapshot
	Completed bool
}

type TaskSnapshot struct {
	TaskID       string
	RequestID    string
	CommandID    string
	Capability   string
	Status       TaskStatus
	ResultJSON   []byte
	ErrorCode    string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeadlineAt   time.Time
	CompletedAt  *time.Time
}

// taskRecord is the live half of a task: the cancellation handle for its
// goroutine and a done channel that closes exactly once, when it reaches a
// terminal state, so waiters don't need to poll persistence.
type taskRecord struct {
	id         string
	ownerID    string
	requestID  string
	status     TaskStatus
	cancel     context.CancelFunc
	cancelOnce sync.Once
	done       chan struct{}
	doneOnce   sync.Once
}

func ParseTaskMode(raw string) (TaskMode, error) {
	trimmed := strings.TrimSpace(strings.ToLower(raw))
	if trimmed == "" {
		return TaskModeAuto, nil
	}
	switch TaskMode(trimmed) {
	case TaskModeSync, TaskModeAsync, TaskModeAuto:
		return TaskMode(trimmed), nil
	default:
		return "", fmt.Errorf("mode must be one of sync|async|auto")
	}
}

// SubmitTask is the task-submission entry point: it validates and scopes
// the request, deduplicates on (owner, request_id) when one is supplied,
// persists a queued task row, and starts the async worker that drives it
// through dispatch to a terminal state — then waits according to mode
// before returning whatever snapshot the task has reached.
func (s *RegistryService) SubmitTask(ctx context.Context, req SubmitTaskRequest) (SubmitTaskResult, error) {
	capability := normalizeCapability(req.Capability)
	if capability == "" {
		return SubmitTaskResult{}, status.Error(codes.InvalidArgument, "capability is required")
	}
	ownerID := normalizeTaskOwnerID(req.OwnerID)
	if ownerID == "" {
		return SubmitTaskResult{}, status.Error(codes.InvalidArgument, "owner_id is required")
	}
	mode, err := ParseTaskMode(string(req.Mode))
	if err != nil {
		return SubmitTaskResult{}, status.Error(codes.InvalidArgument, err.Error())
	}

	inputJSON, err := s.prepareTaskInput(capability, ownerID, req.InputJSON)
	if err != nil {
		return SubmitTaskResult{}, err
	}
	timeout, wait, err := resolveTaskTiming(req.Timeout, req.Wait, mode)
	if err != nil {
		return SubmitTaskResult{}, err
	}

	s.maybePruneExpiredTasks(s.clockFn())

	requestID := strings.TrimSpace(req.RequestID)
	requestKey := taskRequestScopeKey(ownerID, requestID)
	requestReserved := false
	if requestID != "" {
		s.taskIndex.mu.Lock()
		if _, inProgress := s.taskIndex.reservedKeys[requestKey]; inProgress {
			s.taskIndex.mu.Unlock()
			return SubmitTaskResult{}, ErrTaskRequestInProgress
		}
		s.taskIndex.reservedKeys[requestKey] = struct{}{}
		requestReserved = true
		s.taskIndex.mu.Unlock()
		defer func() {
			if requestReserved {
				s.releaseRequestReservation(requestKey)
			}
		}()

		if existing, found := s.getTaskByOwnerAndRequest(ownerID, requestID); found {
			return s.resolveSubmitTaskResult(ctx, existing.taskID, s.getTaskRuntime(existing.taskID), mode, wait)
		}
	}

	if err := s.checkCapabilityAvailability(capability, ownerID); err != nil {
		return SubmitTaskResult{}, err
	}

	taskID, err := s.taskIDGen()
	if err != nil {
		return SubmitTaskResult{}, status.Error(codes.Internal, "failed to create task_id")
	}
	now := s.clockFn()

	if err := s.insertQueuedTask(taskID, ownerID, requestID, capability, inputJSON, now, timeout); err != nil {
		if requestID != "" && isTaskOwnerRequestConflict(err) {
			if existing, found := s.getTaskByOwnerAndRequest(ownerID, requestID); found {
				return s.resolveSubmitTaskResult(ctx, existing.taskID, s.getTaskRuntime(existing.taskID), mode, wait)
			}
		}
		return SubmitTaskResult{}, status.Error(codes.Internal, "failed to create task")
	}

	taskCtx, taskCancel := context.WithTimeout(context.Background(), timeout)
	runtime := &taskRecord{
		id:        taskID,
		ownerID:   ownerID,
		requestID: requestID,
		cancel:    taskCancel,
		done:      make(chan struct{}),
	}
	s.setTaskRuntime(taskID, runtime)
	if requestReserved {
		s.releaseRequestReservation(requestKey)
		requestReserved = false
	}

	go s.executeTask(taskCtx, taskID, ownerID, capability, inputJSON)
	return s.resolveSubmitTaskResult(ctx, taskID, runtime, mode, wait)
}

func taskRequestScopeKey(ownerID string, requestID string) string {
	return ownerID + ownerScopeSeparator + requestID
}

func (s *RegistryService) releaseRequestReservation(requestKey string) {
	s.taskIndex.mu.Lock()
	delete(s.taskIndex.reservedKeys, requestKey)
	s.taskIndex.mu.Unlock()
}

// prepareTaskInput defaults an empty input to "{}", rejects malformed JSON,
// and applies owner-scoping so a task's stored input can't reach past its
// owner's sandbox.
func (s *RegistryService) prepareTaskInput(capability, ownerID string, raw []byte) ([]byte, error) {
	inputJSON := append([]byte(nil), raw...)
	if len(inputJSON) == 0 {
		inputJSON = []byte("{}")
	}
	if !json.Valid(inputJSON) {
		return nil, status.Error(codes.InvalidArgument, "input must be valid JSON")
	}
	return s.scopeTaskInputByOwner(capability, ownerID, inputJSON)
}

// resolveTaskTiming applies defaults and caps to the caller-supplied
// timeout/wait pair, clamping wait to timeout in auto mode so a task never
// reports "still running" past its own deadline.
func resolveTaskTiming(requestedTimeout, requestedWait time.Duration, mode TaskMode) (timeout, wait time.Duration, err error) {
	timeout = requestedTimeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	if timeout > maxTaskTimeout {
		return 0, 0, status.Error(codes.InvalidArgument, "timeout exceeds maximum allowed value")
	}

	wait = requestedWait
	if wait <= 0 {
		wait = defaultTaskWait
	}
	if wait > maxTaskWait {
		return 0, 0, status.Error(codes.InvalidArgument, "wait exceeds maximum allowed value")
	}
	if mode == TaskModeAuto && wait > timeout {
		wait = timeout
	}
	return timeout, wait, nil
}

func (s *RegistryService) insertQueuedTask(taskID, ownerID, requestID, capability string, inputJSON []byte, now time.Time, timeout time.Duration) error {
	queries := s.taskQueries()
	if queries == nil {
		return errors.New("task store is unavailable")
	}
	return queries.InsertTask(context.Background(), sqlc.InsertTaskParams{
		TaskID:            taskID,
		OwnerID:           ownerID,
		RequestID:         requestID,
		Capability:        capability,
		InputJson:         string(inputJSON),
		Status:            string(TaskStatusQueued),
		CommandID:         "",
		ResultJson:        "",
		ErrorCode:         "",
		ErrorMessage:      "",
		CreatedAtUnixMs:   now.UnixMilli(),
		UpdatedAtUnixMs:   now.UnixMilli(),
		DeadlineAtUnixMs:  now.Add(timeout).UnixMilli(),
		CompletedAtUnixMs: 0,
		ExpiresAtUnixMs:   0,
	})
}

func (s *RegistryService) GetTask(taskID string, ownerID string) (TaskSnapshot, bool) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return TaskSnapshot{}, false
	}
	ownerID = normalizeTaskOwnerID(ownerID)
	task, found := s.getTaskByID(taskID)
	if !found || task.ownerID != ownerID {
		return TaskSnapshot{}, false
	}
	return snapshotTask(task), true
}

// CancelTask transitions a non-terminal task to canceled. A task that has
// already reached a terminal state returns ErrTaskTerminal along with its
// final snapshot rather than silently succeeding.
func (s *RegistryService) CancelTask(taskID string, ownerID string) (TaskSnapshot, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return TaskSnapshot{}, ErrTaskNotFound
	}
	ownerID = normalizeTaskOwnerID(ownerID)
	current, found := s.getTaskByID(taskID)
	if !found || current.ownerID != ownerID {
		return TaskSnapshot{}, ErrTaskNotFound
	}
	if isTaskTerminal(current.status) {
		return snapshotTask(current), ErrTaskTerminal
	}

	err := s.finishTask(taskID, TaskStatusCanceled, nil, defaultTaskCanceledCode, "task canceled", s.clockFn())
	if err != nil {
		if errors.Is(err, ErrTaskTransitionNotApplied) {
			latest, found := s.getTaskByID(taskID)
			if !found || latest.ownerID != ownerID {
				return TaskSnapshot{}, ErrTaskNotFound
			}
			if isTaskTerminal(latest.status) {
				return snapshotTask(latest), ErrTaskTerminal
			}
		}
		return TaskSnapshot{}, err
	}

	updated, found := s.getTaskByID(taskID)
	if !found {
		return TaskSnapshot{}, ErrTaskNotFound
	}
	return snapshotTask(updated), nil
}

// resolveSubmitTaskResult decides how long to block before answering a
// submit call: async mode (and an already-terminal task) return the
// current snapshot immediately; sync blocks until the task's done channel
// closes; auto blocks up to wait before doing the same.
func (s *RegistryService) resolveSubmitTaskResult(
	ctx context.Context,
	taskID string,
	runtime *taskRecord,
	mode TaskMode,
	wait time.Duration,
) (SubmitTaskResult, error) {
	if strings.TrimSpace(taskID) == "" {
		return SubmitTaskResult{}, ErrTaskNotFound
	}

	snapshotNow := func() (SubmitTaskResult, error) {
		task, found := s.getTaskByID(taskID)
		if !found {
			return SubmitTaskResult{}, ErrTaskNotFound
		}
		snapshot := snapshotTask(task)
		return SubmitTaskResult{Task: snapshot, Completed: isTaskTerminal(snapshot.Status)}, nil
	}

	snap, err := snapshotNow()
	if err != nil {
		return SubmitTaskResult{}, err
	}
	if mode == TaskModeAsync || snap.Completed {
		return snap, nil
	}

	switch mode {
	case TaskModeSync:
		if err := waitForTaskDone(ctx, runtime, 0); err != nil {
			return SubmitTaskResult{}, err
		}
		return snapshotNow()
	case TaskModeAuto:
		if err := waitForTaskDone(ctx, runtime, wait); err != nil {
			return SubmitTaskResult{}, err
		}
		return snapshotNow()
	default:
		return SubmitTaskResult{}, status.Error(codes.InvalidArgument, "unsupported mode")
	}
}

// waitForTaskDone blocks until runtime.done closes, ctx is canceled, or (for
// a positive budget) budget elapses — whichever comes first. A zero budget
// waits indefinitely for either of the other two.
func waitForTaskDone(ctx context.Context, runtime *taskRecord, budget time.Duration) error {
	if runtime == nil {
		return nil
	}
	if budget <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-runtime.done:
			return nil
		}
	}
	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-runtime.done:
		return nil
	case <-timer.C:
		return nil
	}
}

// executeTask drives one task from dispatched through to a terminal state:
// mark dispatched, dispatch the command (marking running once a command_id
// exists), and record whatever the worker returned — scoped back through
// the owner payload filter — as the task's final result.
func (s *RegistryService) executeTask(ctx context.Context, taskID string, ownerID string, capability string, inputJSON []byte) {
	if err := s.markTaskDispatched(taskID); err != nil {
		s.settleTerminalOutcome(taskID, "mark_dispatched", err)
		return
	}

	var markRunningErr error
	outcome, dispatchErr := s.dispatchCommand(ctx, capability, inputJSON, 0, ownerID, func(commandID string) {
		if err := s.markTaskRunning(taskID, commandID); err != nil {
			markRunningErr = err
			if runtime := s.getTaskRuntime(taskID); runtime != nil && runtime.cancel != nil {
				runtime.cancelOnce.Do(runtime.cancel)
			}
		}
	})
	if markRunningErr != nil {
		s.settleTerminalOutcome(taskID, "mark_running", markRunningErr)
		return
	}
	if dispatchErr != nil {
		s.settleTerminalOutcome(taskID, "finish_error", s.finishTaskWithError(taskID, dispatchErr))
		return
	}
	if outcome.err != nil {
		s.settleTerminalOutcome(taskID, "finish_error", s.finishTaskWithError(taskID, outcome.err))
		return
	}

	resultPayload, completedAt := normalizeTaskOutcome(outcome, s.clockFn())
	scopedResultPayload, ok := s.restoreTaskResultOwnerScope(ownerID, capability, resultPayload)
	if !ok {
		err := s.finishTask(taskID, TaskStatusFailed, nil, taskOwnerScopeInvalidPayloadCode, taskOwnerScopeInvalidPayloadMessage, completedAt)
		s.settleTerminalOutcome(taskID, "finish_invalid_payload", err)
		return
	}

	err := s.finishTask(taskID, TaskStatusSucceeded, scopedResultPayload, "", "", completedAt)
	s.settleTerminalOutcome(taskID, "finish_succeeded", err)
}

// normalizeTaskOutcome turns a raw command outcome into a valid JSON result
// payload (wrapping a bare echo message if that's all there was) and a
// non-zero completion timestamp.
func normalizeTaskOutcome(outcome commandOutcome, fallbackNow time.Time) ([]byte, time.Time) {
	payload := append([]byte(nil), outcome.payloadJSON...)
	if len(payload) == 0 && strings.TrimSpace(outcome.message) != "" {
		payload = buildEchoPayload(outcome.message)
	}
	if !json.Valid(payload) {
		payload = buildEchoPayload(string(payload))
	}

	completedAt := outcome.completedAt
	if completedAt.IsZero() {
		completedAt = fallbackNow
	}
	return payload, completedAt
}

// settleTerminalOutcome is the common tail of every terminal transition in
// executeTask: a transition that simply lost a race (ErrTaskTransitionNotApplied,
// meaning some other path already finished the task) is silently ignored;
// any other error is logged and escalated through failTaskOnPersistenceError
// so the task doesn't get stranded mid-flight.
func (s *RegistryService) settleTerminalOutcome(taskID, stage string, err error) {
	if err == nil || errors.Is(err, ErrTaskTransitionNotApplied) {
		return
	}
	log.Printf("task %s failed at stage %s: %v", taskID, stage, err)
	if failErr := s.failTaskOnPersistenceError(taskID, stage, err); failErr != nil {
		log.Printf("task %s failed to persist persistence_error after %s: %v", taskID, stage, failErr)
	}
}

func (s *RegistryService) markTaskDispatched(taskID string) error {
	if strings.TrimSpace(taskID) == "" {
		return errors.New("task_id is required")
	}
	queries := s.taskQueries()
	if queries == nil {
		return errors.New("task store is unavailable")
	}
	rows, err := queries.MarkTaskDispatched(context.Background(), sqlc.MarkTaskDispatchedParams{
		UpdatedAtUnixMs: s.clockFn().UnixMilli(),
		TaskID:          taskID,
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: task %s transition to dispatched", ErrTaskTransitionNotApplied, taskID)
	}
	return nil
}

func (s *RegistryService) markTaskRunning(taskID string, commandID string) error {
	if strings.TrimSpace(taskID) == "" {
		return errors.New("task_id is required")
	}
	queries := s.taskQueries()
	if queries == nil {
		return errors.New("task store is unavailable")
	}
	rows, err := queries.MarkTaskRunning(context.Background(), sqlc.MarkTaskRunningParams{
		CommandID:       strings.TrimSpace(commandID),
		UpdatedAtUnixMs: s.clockFn().UnixMilli(),
		TaskID:          taskID,
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: task %s transition to running", ErrTaskTransitionNotApplied, taskID)
	}
	return nil
}

// finishTaskWithError maps a dispatch-path error onto the terminal status
// and error code it should produce, covering both sentinel errors raised by
// dispatchCommand/pickSession and a worker's own CommandExecutionError.
func (s *RegistryService) finishTaskWithError(taskID string, err error) error {
	now := s.clockFn()
	var commandErr *CommandExecutionError
	switch {
	case errors.Is(err, ErrNoCapabilityWorker):
		return s.finishTask(taskID, TaskStatusFailed, nil, defaultTaskNoWorkerCode, "no online worker supports capability", now)
	case errors.Is(err, ErrNoWorkerCapacity):
		return s.finishTask(taskID, TaskStatusFailed, nil, defaultTaskNoCapacityCode, "no online worker capacity for capability", now)
	case errors.Is(err, context.DeadlineExceeded):
		return s.finishTask(taskID, TaskStatusTimeout, nil, defaultTaskTimeoutCode, "task timed out", now)
	case errors.Is(err, context.Canceled):
		return s.finishTask(taskID, TaskStatusCanceled, nil, defaultTaskCanceledCode, "task canceled", now)
	case errors.As(err, &commandErr):
		code := strings.TrimSpace(commandErr.Code)
		if code == "" {
			code = defaultTaskDispatchErrCode
		}
		return s.finishTask(taskID, TaskStatusFailed, nil, code, commandErr.Message, now)
	case status.Code(err) == codes.DeadlineExceeded:
		return s.finishTask(taskID, TaskStatusTimeout, nil, defaultTaskTimeoutCode, "task timed out", now)
	default:
		return s.finishTask(taskID, TaskStatusFailed, nil, defaultTaskDispatchErrCode, err.Error(), now)
	}
}

// finishTask applies a terminal transition, conditioned on the task still
// being in a non-terminal status (the sqlc query's WHERE clause enforces
// that; zero affected rows means something else already finished it first).
// The runtime record is always torn down, even on a persistence failure,
// so nothing blocks waiting on a done channel that will never close.
func (s *RegistryService) finishTask(taskID string, statusValue TaskStatus, resultJSON []byte, errorCode string, errorMessage string, completedAt time.Time) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return errors.New("task_id is required")
	}
	if completedAt.IsZero() {
		completedAt = s.clockFn()
	}

	queries := s.taskQueries()
	if queries == nil {
		s.completeTaskRuntime(taskID)
		return errors.New("task store is unavailable")
	}

	rows, err := queries.MarkTaskTerminal(context.Background(), sqlc.MarkTaskTerminalParams{
		Status:            string(statusValue),
		ResultJson:        string(resultJSON),
		ErrorCode:         strings.TrimSpace(errorCode),
		ErrorMessage:      strings.TrimSpace(errorMessage),
		UpdatedAtUnixMs:   completedAt.UnixMilli(),
		CompletedAtUnixMs: completedAt.UnixMilli(),
		ExpiresAtUnixMs:   completedAt.Add(s.taskIndex.retention).UnixMilli(),
		TaskID:            taskID,
	})

	s.completeTaskRuntime(taskID)
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: task %s terminal transition", ErrTaskTransitionNotApplied, taskID)
	}
	return nil
}

// failTaskOnPersistenceError is the last-resort path when a terminal
// transition itself fails to persist: it tries once more to mark the task
// failed with a persistence_error code, and if even that doesn't stick,
// escalates through onPersistenceFailure (panic, in production) since the
// task is now permanently stuck between states.
func (s *RegistryService) failTaskOnPersistenceError(taskID string, stage string, cause error) error {
	stage = strings.TrimSpace(stage)
	if stage == "" {
		stage = "unknown_stage"
	}
	if cause == nil {
		cause = errors.New("unknown persistence error")
	}

	message := fmt.Sprintf("failed to persist task state at %s: %v", stage, cause)
	if err := s.finishTask(taskID, TaskStatusFailed, nil, defaultTaskPersistErrCode, message, s.clockFn()); err != nil {
		critical := fmt.Errorf("task %s persistence fallback failed at %s: original=%w fallback=%v", taskID, stage, cause, err)
		log.Printf("CRITICAL: %v", critical)
		if s.taskIndex.onPersistenceFailure != nil {
			s.taskIndex.onPersistenceFailure(critical)
		}
		return critical
	}
	return nil
}

func (s *RegistryService) closeTaskRuntimeRecord(record *taskRecord) {
	if record == nil {
		return
	}
	if record.cancel != nil {
		cancel := record.cancel
		record.cancel = nil
		record.cancelOnce.Do(cancel)
	}
	record.doneOnce.Do(func() {
		close(record.done)
	})
}

// checkCapabilityAvailability is the admission check SubmitTask runs before
// persisting a queued row: at least one online worker must declare the
// capability and currently have a free inflight slot for it.
func (s *RegistryService) checkCapabilityAvailability(capability string, ownerID string) error {
	nodeIDs := s.listOnlineNodeIDsForCapability(capability, ownerID)
	if len(nodeIDs) == 0 {
		return ErrNoCapabilityWorker
	}
	for _, nodeID := range nodeIDs {
		session := s.getSession(nodeID)
		if session == nil || !session.hasCapability(capability) {
			continue
		}
		if inflight, maxInflight, ok := session.inflightSnapshot(capability); ok && inflight < maxInflight {
			return nil
		}
	}
	return ErrNoWorkerCapacity
}

func (s *RegistryService) pruneExpiredTasks(now time.Time) error {
	queries := s.taskQueries()
	if s == nil || queries == nil {
		return nil
	}
	_, err := queries.DeleteExpiredTerminalTasks(context.Background(), now.UnixMilli())
	return err
}

// maybePruneExpiredTasks runs the expiry sweep at most once per
// inlineTaskPruneMinInterval, using a CAS loop so concurrent submits don't
// all pay for the sweep at once.
func (s *RegistryService) maybePruneExpiredTasks(now time.Time) {
	if s == nil {
		return
	}
	nowMS := now.UnixMilli()
	minIntervalMS := inlineTaskPruneMinInterval.Milliseconds()
	for {
		last := s.taskIndex.lastPruneMs.Load()
		if last > 0 && nowMS-last < minIntervalMS {
			return
		}
		if s.taskIndex.lastPruneMs.CompareAndSwap(last, nowMS) {
			break
		}
	}
	if err := s.pruneExpiredTasks(now); err != nil {
		log.Printf("task prune failed during submit: %v", err)
	}
}

func (s *RegistryService) taskQueries() *sqlc.Queries {
	if s == nil || s.registryStore == nil || s.registryStore.Persistence() == nil {
		return nil
	}
	return s.registryStore.Persistence().Queries
}

// taskStatusCounts reports the number of persisted tasks per status, for
// the metrics collector to expose as a gauge vector.
func (s *RegistryService) taskStatusCounts(ctx context.Context) map[string]int64 {
	queries := s.taskQueries()
	if queries == nil {
		return map[string]int64{}
	}
	rows, err := queries.CountTasksByStatus(ctx)
	if err != nil {
		return map[string]int64{}
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts
}

func (s *RegistryService) getTaskByID(taskID string) (dbTaskSnapshot, bool) {
	queries := s.taskQueries()
	if queries == nil {
		return dbTaskSnapshot{}, false
	}
	task, err := queries.GetTaskByID(context.Background(), taskID)
	if err != nil {
		return dbTaskSnapshot{}, false
	}
	return convertDBTask(task), true
}

func (s *RegistryService) getTaskByOwnerAndRequest(ownerID string, requestID string) (dbTaskSnapshot, bool) {
	queries := s.taskQueries()
	if queries == nil {
		return dbTaskSnapshot{}, false
	}
	task, err := queries.GetTaskByOwnerAndRequest(context.Background(), sqlc.GetTaskByOwnerAndRequestParams{
		OwnerID:   ownerID,
		RequestID: requestID,
	})
	if errors.Is(err, sql.ErrNoRows) {
		return dbTaskSnapshot{}, false
	}
	if err != nil {
		return dbTaskSnapshot{}, false
	}
	return convertDBTask(task), true
}

func (s *RegistryService) setTaskRuntime(taskID string, record *taskRecord) {
	s.taskIndex.mu.Lock()
	s.taskIndex.byID[taskID] = record
	s.taskIndex.mu.Unlock()
}

func (s *RegistryService) getTaskRuntime(taskID string) *taskRecord {
	s.taskIndex.mu.RLock()
	defer s.taskIndex.mu.RUnlock()
	return s.taskIndex.byID[taskID]
}

func (s *RegistryService) completeTaskRuntime(taskID string) {
	s.taskIndex.mu.Lock()
	record := s.taskIndex.byID[taskID]
	delete(s.taskIndex.byID, taskID)
	s.taskIndex.mu.Unlock()
	s.closeTaskRuntimeRecord(record)
}

// dbTaskSnapshot is the raw row shape read back from persistence, before
// it's translated into the public TaskSnapshot.
type dbTaskSnapshot struct {
	taskID       string
	ownerID      string
	requestID    string
	commandID    string
	capability   string
	status       TaskStatus
	resultJSON   []byte
	errorCode    string
	errorMessage string
	createdAt    time.Time
	updatedAt    time.Time
	deadlineAt   time.Time
	completedAt  *time.Time
	expiresAt    time.Time
}

func convertDBTask(task sqlc.Task) dbTaskSnapshot {
	var completedAt *time.Time
	if task.CompletedAtUnixMs > 0 {
		completed := time.UnixMilli(task.CompletedAtUnixMs)
		completedAt = &completed
	}
	return dbTaskSnapshot{
		taskID:       task.TaskID,
		ownerID:      task.OwnerID,
		requestID:    task.RequestID,
		commandID:    task.CommandID,
		capability:   task.Capability,
		status:       TaskStatus(task.Status),
		resultJSON:   []byte(task.ResultJson),
		errorCode:    task.ErrorCode,
		errorMessage: task.ErrorMessage,
		createdAt:    time.UnixMilli(task.CreatedAtUnixMs),
		updatedAt:    time.UnixMilli(task.UpdatedAtUnixMs),
		deadlineAt:   time.UnixMilli(task.DeadlineAtUnixMs),
		completedAt:  completedAt,
		expiresAt:    time.UnixMilli(task.ExpiresAtUnixMs),
	}
}

func snapshotTask(task dbTaskSnapshot) TaskSnapshot {
	return TaskSnapshot{
		TaskID:       task.taskID,
		RequestID:    task.requestID,
		CommandID:    task.commandID,
		Capability:   task.capability,
		Status:       task.status,
		ResultJSON:   append([]byte(nil), task.resultJSON...),
		ErrorCode:    task.errorCode,
		ErrorMessage: task.errorMessage,
		CreatedAt:    task.createdAt,
		UpdatedAt:    task.updatedAt,
		DeadlineAt:   task.deadlineAt,
		CompletedAt:  task.completedAt,
	}
}

func isTaskTerminal(statusValue TaskStatus) bool {
	switch statusValue {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusTimeout, TaskStatusCanceled:
		return true
	default:
		return false
	}
}

// isTaskOwnerRequestConflict reports whether an InsertTask failure was the
// unique (owner_id, request_id) index rejecting a duplicate submit. The
// driver's constraint code is checked first; the message match is kept as a
// fallback for wrapped errors that lost the typed cause.
func isTaskOwnerRequestConflict(err error) bool {
	if err == nil {
		return false
	}
	var driverErr *sqlite.Error
	if errors.As(err, &driverErr) {
		switch driverErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "idx_tasks_owner_request_unique") || strings.Contains(lower, "tasks.owner_id")
}
