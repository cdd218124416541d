package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	registryv1 "github.com/fleetrelay/console/api/registryv1"
	"github.com/fleetrelay/console/internal/registry"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const terminalSessionNotFoundCode = "session_not_found"

// CommandExecutionError is a worker-reported command failure, carrying the
// worker's own error code/message through to callers instead of collapsing
// it to a generic gRPC status.
type CommandExecutionError struct {
	Code    string
	Message string
}

func (e *CommandExecutionError) Error() string {
	if e == nil {
		return "command execution failed"
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	switch {
	case code == "" && message == "":
		return "command execution failed"
	case code == "":
		return message
	case message == "":
		return code
	default:
		return fmt.Sprintf("%s: %s", code, message)
	}
}

// DispatchEcho is the diagnostic round-trip: dispatch an echo command to any
// worker that declares the echo capability and wait for its reply.
func (s *RegistryService) DispatchEcho(ctx context.Context, message string, timeout time.Duration) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", status.Error(codes.InvalidArgument, "message is required")
	}
	if timeout <= 0 {
		timeout = defaultEchoTimeout
	}

	outcome, err := s.dispatchCommand(ctx, echoCapabilityName, buildEchoPayload(message), timeout, "", nil)
	if err != nil {
		switch {
		case errors.Is(err, ErrNoCapabilityWorker):
			return "", ErrNoEchoWorker
		case errors.Is(err, ErrNoWorkerCapacity):
			return "", ErrNoWorkerCapacity
		case errors.Is(err, context.DeadlineExceeded):
			return "", ErrEchoTimeout
		default:
			return "", err
		}
	}
	if outcome.err != nil {
		return "", outcome.err
	}

	if reply, ok := parseEchoPayload(outcome.payloadJSON); ok {
		return reply, nil
	}
	if strings.TrimSpace(outcome.message) != "" {
		return outcome.message, nil
	}
	return "", &CommandExecutionError{Code: "empty_result", Message: "worker returned empty echo result"}
}

// dispatchCommand is the shared path every command-producing call goes
// through: pick a worker (honoring terminal-session stickiness when the
// payload names one), reserve a pending-result slot, push the dispatch
// frame, and block for either a result or the command's own deadline.
func (s *RegistryService) dispatchCommand(
	ctx context.Context,
	capability string,
	payloadJSON []byte,
	timeout time.Duration,
	ownerID string,
	onDispatched func(commandID string),
) (commandOutcome, error) {
	capability = normalizeCapability(capability)
	if capability == "" {
		return commandOutcome{}, status.Error(codes.InvalidArgument, "capability is required")
	}
	if len(payloadJSON) == 0 {
		payloadJSON = []byte("{}")
	}

	commandCtx, cancel := withDispatchDeadline(ctx, timeout)
	defer cancel()

	terminalSessionID := terminalSessionIDFromPayload(capability, payloadJSON)
	session, routeCreated, err := s.pickSessionForDispatch(capability, ownerID, terminalSessionID)
	if err != nil {
		return commandOutcome{}, err
	}
	abortRoute := func() {
		if routeCreated && terminalSessionID != "" {
			s.clearTerminalSessionRoute(terminalSessionID, session.nodeID)
		}
	}

	commandID, err := s.commandIDGen()
	if err != nil {
		session.releaseCapability(capability)
		abortRoute()
		return commandOutcome{}, status.Error(codes.Internal, "failed to create command_id")
	}

	resultCh, err := session.registerPending(commandID, capability)
	if err != nil {
		session.releaseCapability(capability)
		abortRoute()
		return commandOutcome{}, err
	}
	// Always release pending state, even when enqueue succeeds and the caller
	// context is canceled before a worker result arrives.
	defer session.unregisterPending(commandID)

	dispatch := newCommandDispatchFrame(commandID, capability, payloadJSON, commandCtx)
	if err := session.enqueueCommand(commandCtx, dispatch); err != nil {
		abortRoute()
		return commandOutcome{}, translateEnqueueErr(err)
	}
	if onDispatched != nil {
		onDispatched(commandID)
	}

	select {
	case <-commandCtx.Done():
		if errors.Is(commandCtx.Err(), context.DeadlineExceeded) {
			return commandOutcome{}, context.DeadlineExceeded
		}
		return commandOutcome{}, context.Canceled
	case outcome, delivered := <-resultCh:
		if !delivered {
			abortRoute()
			return commandOutcome{}, status.Error(codes.Unavailable, "worker session closed before command result")
		}
		switch {
		case outcome.err == nil && terminalSessionID != "":
			s.bindTerminalSessionRoute(terminalSessionID, session.nodeID, s.clockFn())
		case outcome.err != nil && terminalSessionID != "" && isSessionNotFoundCommandError(outcome.err):
			s.clearTerminalSessionRoute(terminalSessionID, session.nodeID)
		}
		return outcome, nil
	}
}

// withDispatchDeadline derives a context carrying timeout when positive,
// defaultCommandDispatchTimeout when negative, or ctx unmodified when zero.
func withDispatchDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	switch {
	case timeout > 0:
		return context.WithTimeout(ctx, timeout)
	case timeout < 0:
		return context.WithTimeout(ctx, defaultCommandDispatchTimeout)
	default:
		return ctx, func() {}
	}
}

func newCommandDispatchFrame(commandID, capability string, payloadJSON []byte, commandCtx context.Context) *registryv1.ConnectResponse {
	dispatch := &registryv1.ConnectResponse{
		Payload: &registryv1.ConnectResponse_CommandDispatch{
			CommandDispatch: &registryv1.CommandDispatch{
				CommandId:   commandID,
				Capability:  capability,
				PayloadJson: payloadJSON,
			},
		},
	}
	if deadline, ok := commandCtx.Deadline(); ok {
		dispatch.GetCommandDispatch().DeadlineUnixMs = deadline.UnixMilli()
	}
	return dispatch
}

func translateEnqueueErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return context.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return context.Canceled
	}
	if mapped := status.FromContextError(err); mapped.Code() != codes.Unknown {
		return mapped.Err()
	}
	if status.Code(err) != codes.Unknown {
		return err
	}
	return status.Error(codes.Unavailable, "worker session unavailable")
}

// pickSessionForDispatch resolves the worker a command should go to: plain
// capability-based selection when the payload names no terminal session, or
// the session's sticky route (validated, repaired, or freshly reserved)
// otherwise.
func (s *RegistryService) pickSessionForDispatch(capability string, ownerID string, terminalSessionID string) (*workerConn, bool, error) {
	terminalSessionID = strings.TrimSpace(terminalSessionID)
	if terminalSessionID == "" {
		session, err := s.pickSessionForCapability(capability, ownerID)
		return session, false, err
	}

	now := s.clockFn()
	s.maybePruneTerminalSessionRoutes(now)

	nodeID, routed := s.touchTerminalSessionRoute(terminalSessionID, now)
	if !routed {
		return s.tryReserveAndPickTerminalSession(capability, ownerID, terminalSessionID, now)
	}

	session, err := s.pickSessionForNodeAndCapability(nodeID, capability)
	switch {
	case err == nil:
		return session, false, nil
	case errors.Is(err, ErrNoCapabilityWorker):
		s.clearTerminalSessionRoute(terminalSessionID, nodeID)
		return s.tryReserveAndPickTerminalSession(capability, ownerID, terminalSessionID, now)
	default:
		return nil, false, err
	}
}

// tryReserveAndPickTerminalSession handles a terminal session with no live
// (or now-stale) route: pick any capable worker, try to claim the route for
// it, and if a concurrent request beat it to the reservation, follow that
// reservation instead — retrying once more if that winning route turns out
// to already be stale.
func (s *RegistryService) tryReserveAndPickTerminalSession(
	capability string,
	ownerID string,
	terminalSessionID string,
	now time.Time,
) (*workerConn, bool, error) {
	session, err := s.pickSessionForCapability(capability, ownerID)
	if err != nil {
		return nil, false, err
	}
	resolvedNodeID, created := s.reserveTerminalSessionRoute(terminalSessionID, session.nodeID, now)
	if resolvedNodeID == session.nodeID {
		return session, created, nil
	}

	// Another request reserved this session first; follow that route instead.
	session.releaseCapability(capability)
	session, err = s.pickSessionForNodeAndCapability(resolvedNodeID, capability)
	if err == nil {
		return session, false, nil
	}
	if !errors.Is(err, ErrNoCapabilityWorker) {
		return nil, false, err
	}

	// The winning route died before we could use it; clear it and retry once.
	s.clearTerminalSessionRoute(terminalSessionID, resolvedNodeID)
	session, err = s.pickSessionForCapability(capability, ownerID)
	if err != nil {
		return nil, false, err
	}
	resolvedNodeID, created = s.reserveTerminalSessionRoute(terminalSessionID, session.nodeID, now)
	if resolvedNodeID == session.nodeID {
		return session, created, nil
	}

	session.releaseCapability(capability)
	session, err = s.pickSessionForNodeAndCapability(resolvedNodeID, capability)
	return session, false, err
}

func (s *RegistryService) pickSessionForNodeAndCapability(nodeID string, capability string) (*workerConn, error) {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return nil, ErrNoCapabilityWorker
	}
	session := s.getSession(nodeID)
	if session == nil || !session.hasCapability(capability) {
		return nil, ErrNoCapabilityWorker
	}
	if !session.tryAcquireCapability(capability) {
		return nil, ErrNoWorkerCapacity
	}
	return session, nil
}

// dispatchCandidate is one capability-matching worker considered during
// scheduling, ranked by its current inflight count.
type dispatchCandidate struct {
	session  *workerConn
	inflight int
}

// pickSessionForCapability scans online workers advertising capability,
// starting from a rotating offset so load fans out round-robin, and prefers
// whichever candidates currently have the fewest inflight commands before
// falling back to anything else with spare capacity.
func (s *RegistryService) pickSessionForCapability(capability string, ownerID string) (*workerConn, error) {
	nodeIDs := s.listOnlineNodeIDsForCapability(capability, ownerID)
	if len(nodeIDs) == 0 {
		return nil, ErrNoCapabilityWorker
	}

	start := int(atomic.AddUint64(&s.sessions.next, 1) - 1)
	minInflight := int(^uint(0) >> 1)
	preferred := make([]dispatchCandidate, 0, len(nodeIDs))
	fallback := make([]dispatchCandidate, 0, len(nodeIDs))
	sawAnySession := false

	for i := range nodeIDs {
		session := s.getSession(nodeIDs[(start+i)%len(nodeIDs)])
		if session == nil || !session.hasCapability(capability) {
			continue
		}
		sawAnySession = true

		inflight, maxInflight, ok := session.inflightSnapshot(capability)
		if !ok || inflight >= maxInflight {
			continue
		}
		cand := dispatchCandidate{session: session, inflight: inflight}
		switch {
		case inflight < minInflight:
			minInflight = inflight
			fallback = append(fallback, preferred...)
			preferred = append(preferred[:0], cand)
		case inflight == minInflight:
			preferred = append(preferred, cand)
		default:
			fallback = append(fallback, cand)
		}
	}

	if len(preferred) == 0 {
		if sawAnySession {
			return nil, ErrNoWorkerCapacity
		}
		return nil, ErrNoCapabilityWorker
	}

	for _, cand := range preferred {
		if cand.session.tryAcquireCapability(capability) {
			return cand.session, nil
		}
	}
	for _, cand := range fallback {
		if cand.session.tryAcquireCapability(capability) {
			return cand.session, nil
		}
	}
	return nil, ErrNoWorkerCapacity
}

// listOnlineNodeIDsForCapability resolves candidate node ids for a
// dispatch. The computerUse capability is owner-scoped to worker-sys nodes;
// every other capability is open to any online worker that declares it.
func (s *RegistryService) listOnlineNodeIDsForCapability(capability string, ownerID string) []string {
	now := s.clockFn()
	offlineTTL := time.Duration(s.offlineTTLSecs) * time.Second

	if normalizeCapability(capability) != computerUseCapabilityName {
		return s.registryStore.ListOnlineNodeIDsByCapability(capability, now, offlineTTL)
	}
	owner := normalizeTaskOwnerID(ownerID)
	if owner == "" {
		return []string{}
	}
	return s.registryStore.ListOnlineNodeIDsByOwnerTypeAndCapability(owner, registry.WorkerTypeSys, capability, now, offlineTTL)
}

func normalizeCapability(capability string) string {
	return strings.TrimSpace(strings.ToLower(capability))
}

func isSessionNotFoundCommandError(err error) bool {
	var commandErr *CommandExecutionError
	if !errors.As(err, &commandErr) {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(commandErr.Code), terminalSessionNotFoundCode)
}

// terminalSessionIDFromPayload extracts the sticky-routing key from a
// command payload, if that capability's payload shape carries one.
func terminalSessionIDFromPayload(capability string, payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	switch capability {
	case taskCapabilityTerminalExec:
		var decoded terminalExecScopedPayload
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return ""
		}
		return strings.TrimSpace(decoded.SessionID)
	case taskCapabilityTerminalResource:
		var decoded terminalResourceScopedPayload
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return ""
		}
		return strings.TrimSpace(decoded.SessionID)
	default:
		return ""
	}
}

func parseEchoPayload(payload []byte) (string, bool) {
	if len(payload) == 0 {
		return "", false
	}
	var decoded struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", false
	}
	if strings.TrimSpace(decoded.Message) == "" {
		return "", false
	}
	return decoded.Message, true
}

// CapabilityInflightEntry holds the inflight snapshot for a single capability.
type CapabilityInflightEntry struct {
	Name        string
	Inflight    int
	MaxInflight int
}

// WorkerInflightSnapshot holds the inflight snapshot for a single worker.
type WorkerInflightSnapshot struct {
	NodeID       string
	Capabilities []CapabilityInflightEntry
}

// InflightStats returns a point-in-time inflight snapshot for every
// currently connected worker.
func (s *RegistryService) InflightStats() []WorkerInflightSnapshot {
	s.sessions.mu.RLock()
	live := make(map[string]*workerConn, len(s.sessions.byNode))
	for nodeID, session := range s.sessions.byNode {
		live[nodeID] = session
	}
	s.sessions.mu.RUnlock()

	snapshots := make([]WorkerInflightSnapshot, 0, len(live))
	for _, session := range live {
		capSnapshots := session.allCapabilitiesSnapshot()
		entries := make([]CapabilityInflightEntry, len(capSnapshots))
		for i, c := range capSnapshots {
			entries[i] = CapabilityInflightEntry{Name: c.name, Inflight: c.inflight, MaxInflight: c.maxInflight}
		}
		snapshots = append(snapshots, WorkerInflightSnapshot{NodeID: session.nodeID, Capabilities: entries})
	}
	return snapshots
}

func buildEchoPayload(message string) []byte {
	encoded, err := json.Marshal(struct {
		Message string `json:"message"`
	}{Message: message})
	if err != nil {
		return []byte(`{"message":"` + message + `"}`)
	}
	return encoded
}
