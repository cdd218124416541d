package controlplane

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	registryv1 "github.com/fleetrelay/console/api/registryv1"
)

// commandOutcome is what a dispatched command resolves to: either an error
// surfaced by the worker, or a payload (and, for echo, the decoded message).
type commandOutcome struct {
	payloadJSON []byte
	message     string
	err         error
	completedAt time.Time
}

// pendingCommand is the bookkeeping for one in-flight dispatch: the channel
// its caller is blocked reading from, and the capability slot to release
// once it resolves (by result, by session close, or by explicit cancel).
type pendingCommand struct {
	resultCh   chan commandOutcome
	capability string
	closeOnce  sync.Once
}

// sessionCapability is one capability's concurrency budget on a worker:
// how many slots it has and how many are currently claimed.
type sessionCapability struct {
	maxInflight int
	inflight    int
}

// capabilitySnapshot is a read-only view of a sessionCapability for
// reporting (InflightStats etc.) without exposing the live struct.
type capabilitySnapshot struct {
	name        string
	inflight    int
	maxInflight int
}

// workerConn is the server-side handle for one connected worker: its
// capability table, the two outbound queues the writer goroutine drains,
// and the table of commands awaiting a result.
type workerConn struct {
	nodeID    string
	sessionID string

	capabilitiesMu sync.Mutex
	capabilities   map[string]*sessionCapability

	controlOutbound chan *registryv1.ConnectResponse
	commandOutbound chan *registryv1.ConnectResponse
	done            chan struct{}

	pendingMu sync.Mutex
	pending   map[string]*pendingCommand

	closeOnce sync.Once
	closedErr error
}

func newWorkerConn(nodeID string, sessionID string, hello *registryv1.ConnectHello) *workerConn {
	return &workerConn{
		nodeID:          nodeID,
		sessionID:       sessionID,
		capabilities:    capabilitiesFromHello(hello),
		controlOutbound: make(chan *registryv1.ConnectResponse, controlOutboundBufferSize),
		commandOutbound: make(chan *registryv1.ConnectResponse, commandOutboundBufferSize),
		done:            make(chan struct{}),
		pending:         make(map[string]*pendingCommand),
	}
}

func capabilitiesFromHello(hello *registryv1.ConnectHello) map[string]*sessionCapability {
	table := make(map[string]*sessionCapability)
	if hello == nil {
		return table
	}
	for _, declared := range hello.GetCapabilities() {
		if declared == nil {
			continue
		}
		name := normalizeCapability(declared.GetName())
		if name == "" {
			continue
		}
		maxInflight := int(declared.GetMaxInflight())
		if maxInflight <= 0 {
			maxInflight = defaultCapabilityMaxInflight
		}
		table[name] = &sessionCapability{maxInflight: maxInflight}
	}
	return table
}

func (s *workerConn) hasCapability(capability string) bool {
	normalized := normalizeCapability(capability)
	if normalized == "" {
		return false
	}
	s.capabilitiesMu.Lock()
	defer s.capabilitiesMu.Unlock()
	_, ok := s.capabilities[normalized]
	return ok
}

// inflightSnapshot reports a single capability's current usage, defaulting
// an unset max to defaultCapabilityMaxInflight and persisting that default
// so subsequent acquires see the same ceiling.
func (s *workerConn) inflightSnapshot(capability string) (inflight int, max int, ok bool) {
	normalized := normalizeCapability(capability)
	if normalized == "" {
		return 0, 0, false
	}
	s.capabilitiesMu.Lock()
	defer s.capabilitiesMu.Unlock()
	state, found := s.capabilities[normalized]
	if !found || state == nil {
		return 0, 0, false
	}
	if state.maxInflight <= 0 {
		state.maxInflight = defaultCapabilityMaxInflight
	}
	return state.inflight, state.maxInflight, true
}

func (s *workerConn) allCapabilitiesSnapshot() []capabilitySnapshot {
	s.capabilitiesMu.Lock()
	defer s.capabilitiesMu.Unlock()
	snapshots := make([]capabilitySnapshot, 0, len(s.capabilities))
	for name, state := range s.capabilities {
		if state == nil {
			continue
		}
		max := state.maxInflight
		if max <= 0 {
			max = defaultCapabilityMaxInflight
		}
		snapshots = append(snapshots, capabilitySnapshot{name: name, inflight: state.inflight, maxInflight: max})
	}
	return snapshots
}

// tryAcquireCapability claims one inflight slot for capability if the
// worker declares it and has room, reporting the outcome rather than
// blocking — callers move on to the next candidate worker on failure.
func (s *workerConn) tryAcquireCapability(capability string) bool {
	normalized := normalizeCapability(capability)
	if normalized == "" {
		return false
	}
	s.capabilitiesMu.Lock()
	defer s.capabilitiesMu.Unlock()
	state, ok := s.capabilities[normalized]
	if !ok || state == nil {
		return false
	}
	if state.maxInflight <= 0 {
		state.maxInflight = defaultCapabilityMaxInflight
	}
	if state.inflight >= state.maxInflight {
		return false
	}
	state.inflight++
	return true
}

func (s *workerConn) releaseCapability(capability string) {
	normalized := normalizeCapability(capability)
	if normalized == "" {
		return
	}
	s.capabilitiesMu.Lock()
	defer s.capabilitiesMu.Unlock()
	state, ok := s.capabilities[normalized]
	if !ok || state == nil {
		return
	}
	if state.inflight > 0 {
		state.inflight--
	}
}

func (s *workerConn) enqueueControl(ctx context.Context, response *registryv1.ConnectResponse) error {
	return s.enqueue(ctx, s.controlOutbound, response)
}

func (s *workerConn) enqueueCommand(ctx context.Context, response *registryv1.ConnectResponse) error {
	return s.enqueue(ctx, s.commandOutbound, response)
}

// enqueue writes response onto outbound, preferring a "session already
// closed" error over a successful send race and otherwise blocking until
// the send succeeds, the caller's context expires, or the session closes.
func (s *workerConn) enqueue(ctx context.Context, outbound chan<- *registryv1.ConnectResponse, response *registryv1.ConnectResponse) error {
	select {
	case <-s.done:
		return s.sessionError()
	default:
	}

	select {
	case <-s.done:
		return s.sessionError()
	case <-ctx.Done():
		return ctx.Err()
	case outbound <- response:
		return nil
	}
}

// registerPending reserves a result slot for commandID before the command
// is handed to the writer goroutine, so a result racing ahead of dispatch
// bookkeeping still has somewhere to land.
func (s *workerConn) registerPending(commandID string, capability string) (<-chan commandOutcome, error) {
	commandID = strings.TrimSpace(commandID)
	if commandID == "" {
		return nil, errors.New("command_id is required")
	}

	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	select {
	case <-s.done:
		return nil, s.sessionError()
	default:
	}

	resultCh := make(chan commandOutcome, 1)
	s.pending[commandID] = &pendingCommand{
		resultCh:   resultCh,
		capability: normalizeCapability(capability),
	}
	return resultCh, nil
}

// unregisterPending drops a reservation without ever having sent a result.
// dispatchCommand defers it after registerPending, so it runs on every return
// path; it is a no-op once the result has already been delivered.
func (s *workerConn) unregisterPending(commandID string) {
	commandID = strings.TrimSpace(commandID)
	if commandID == "" {
		return
	}

	s.pendingMu.Lock()
	pending, ok := s.pending[commandID]
	if ok {
		delete(s.pending, commandID)
	}
	s.pendingMu.Unlock()
	if !ok || pending == nil {
		return
	}

	s.releaseCapability(pending.capability)
	pending.closeResult(nil)
}

// resolvePending matches an incoming command_result against its pending
// reservation, releases the capability slot it held, and delivers the
// decoded outcome to whichever goroutine is waiting on the result channel.
func (s *workerConn) resolvePending(result *registryv1.CommandResult) {
	if result == nil {
		return
	}
	commandID := strings.TrimSpace(result.GetCommandId())
	if commandID == "" {
		return
	}

	s.pendingMu.Lock()
	pending, ok := s.pending[commandID]
	if ok {
		delete(s.pending, commandID)
	}
	s.pendingMu.Unlock()
	if !ok || pending == nil {
		return
	}
	s.releaseCapability(pending.capability)

	outcome := decodeCommandOutcome(result)
	pending.closeResult(&outcome)
}

func decodeCommandOutcome(result *registryv1.CommandResult) commandOutcome {
	outcome := commandOutcome{}
	switch {
	case result.GetError() != nil:
		commandErr := result.GetError()
		outcome.err = &CommandExecutionError{Code: commandErr.GetCode(), Message: commandErr.GetMessage()}
	case len(result.GetPayloadJson()) > 0:
		payload := result.GetPayloadJson()
		outcome.payloadJSON = append([]byte(nil), payload...)
		if message, ok := parseEchoPayload(payload); ok {
			outcome.message = message
		}
	default:
		outcome.err = &CommandExecutionError{Code: "empty_result", Message: "worker returned empty command result"}
	}

	if result.GetCompletedUnixMs() > 0 {
		outcome.completedAt = time.UnixMilli(result.GetCompletedUnixMs())
	} else {
		outcome.completedAt = time.Now()
	}
	return outcome
}

// close tears the session down exactly once: it marks done, then fails out
// every pending command with err (or a generic close error) so no caller
// blocks on a result that will never arrive.
func (s *workerConn) close(err error) {
	s.closeOnce.Do(func() {
		if err == nil {
			err = errors.New(defaultCloseMessage)
		}
		s.closedErr = err
		close(s.done)

		s.pendingMu.Lock()
		stranded := s.pending
		s.pending = make(map[string]*pendingCommand)
		s.pendingMu.Unlock()

		for _, pending := range stranded {
			if pending == nil {
				continue
			}
			s.releaseCapability(pending.capability)
			outcome := commandOutcome{err: err}
			pending.closeResult(&outcome)
		}
	})
}

func (p *pendingCommand) closeResult(outcome *commandOutcome) {
	if p == nil {
		return
	}
	p.closeOnce.Do(func() {
		if outcome != nil {
			select {
			case p.resultCh <- *outcome:
			default:
			}
		}
		close(p.resultCh)
	})
}

func (s *workerConn) sessionError() error {
	if s.closedErr != nil {
		return s.closedErr
	}
	return errors.New(defaultCloseMessage)
}
