package controlplane

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log"
	"strings"

	registryv1 "github.com/fleetrelay/console/api/registryv1"
	"github.com/fleetrelay/console/internal/registry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Connect is the single worker-facing RPC: a bidi stream that opens with a
// hello frame, runs a credential check, registers the worker's session, and
// then alternates between heartbeats/command results coming in and
// control/command frames going out until either side hangs up.
func (s *RegistryService) Connect(stream grpc.BidiStreamingServer[registryv1.ConnectRequest, registryv1.ConnectResponse]) (retErr error) {
	if err := stream.Context().Err(); err != nil {
		return status.FromContextError(err).Err()
	}

	hello, err := recvHello(stream)
	if err != nil {
		return err
	}
	if err := s.authenticateWorker(hello); err != nil {
		return err
	}
	hello, err = s.resolveHelloByWorkerType(hello)
	if err != nil {
		return err
	}

	session, err := s.admitSession(hello)
	if err != nil {
		return err
	}
	defer func() {
		s.removeSession(session)
		session.close(retErr)
	}()

	writerDone := make(chan error, 1)
	go func() { writerDone <- writerLoop(stream, session) }()

	if err := session.enqueueControl(stream.Context(), newConnectAck(session.sessionID, s.hbIntervalSec)); err != nil {
		return status.Error(codes.Internal, "failed to send connect ack")
	}

	return s.pumpInbound(stream, session, writerDone)
}

// recvHello reads the mandatory first frame of a Connect stream and rejects
// anything other than a well-formed hello.
func recvHello(stream grpc.BidiStreamingServer[registryv1.ConnectRequest, registryv1.ConnectResponse]) (*registryv1.ConnectHello, error) {
	first, err := stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, status.Error(codes.InvalidArgument, "first frame must be hello")
		}
		return nil, mapStreamError(err)
	}
	hello := first.GetHello()
	if err := validateHello(hello); err != nil {
		return nil, err
	}
	return hello, nil
}

// authenticateWorker checks the hello's worker_secret against whatever was
// provisioned for that node_id, using constant-time comparison directly when
// no hasher is configured and the hasher's own comparator otherwise.
func (s *RegistryService) authenticateWorker(hello *registryv1.ConnectHello) error {
	stored, ok := s.getCredential(hello.GetNodeId())
	if !ok {
		return status.Error(codes.Unauthenticated, "unknown worker_id")
	}

	presented := strings.TrimSpace(hello.GetWorkerSecret())
	if presented == "" {
		return status.Error(codes.Unauthenticated, "worker_secret is required")
	}

	s.creds.mu.RLock()
	hasher := s.creds.hasher
	s.creds.mu.RUnlock()

	if hasher != nil {
		if !hasher.Equal(stored, presented) {
			return status.Error(codes.Unauthenticated, "invalid worker credential")
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid worker credential")
	}
	return nil
}

// admitSession mints a session_id, installs the session as the sole live
// connection for its node_id (evicting any predecessor), and persists the
// registration before the caller starts exchanging frames.
func (s *RegistryService) admitSession(hello *registryv1.ConnectHello) (*workerConn, error) {
	sessionID, err := s.sessionIDGen()
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to create session_id")
	}

	session := newWorkerConn(hello.GetNodeId(), sessionID, hello)
	if evicted := s.swapSession(session); evicted != nil {
		evicted.close(status.Error(codes.FailedPrecondition, "session replaced by a newer connection"))
	}

	if err := s.registryStore.Upsert(hello, sessionID, s.clockFn()); err != nil {
		return nil, status.Error(codes.Internal, "failed to persist worker registration")
	}
	return session, nil
}

// pumpInbound is the steady-state loop of Connect: read frames off the
// stream until the peer closes it, the writer goroutine reports a failure,
// or a frame fails validation.
func (s *RegistryService) pumpInbound(
	stream grpc.BidiStreamingServer[registryv1.ConnectRequest, registryv1.ConnectResponse],
	session *workerConn,
	writerDone <-chan error,
) error {
	for {
		select {
		case err := <-writerDone:
			if err == nil {
				return nil
			}
			return mapStreamError(err)
		default:
		}

		req, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return mapStreamError(err)
		}

		switch {
		case req.GetHeartbeat() != nil:
			ackCtx, cancel := context.WithTimeout(stream.Context(), heartbeatAckEnqueueTimeout)
			err := s.handleHeartbeat(ackCtx, session, req.GetHeartbeat())
			cancel()
			if err != nil {
				return err
			}
		case req.GetCommandResult() != nil:
			if err := handleCommandResult(session, req.GetCommandResult()); err != nil {
				return err
			}
		default:
			return status.Error(codes.InvalidArgument, "unsupported frame type")
		}
	}
}

// resolveHelloByWorkerType clamps worker-sys connections to a single
// synthetic computerUse capability regardless of what the worker declared,
// and rejects worker-sys hellos that declare anything else.
func (s *RegistryService) resolveHelloByWorkerType(hello *registryv1.ConnectHello) (*registryv1.ConnectHello, error) {
	if hello == nil {
		return nil, status.Error(codes.InvalidArgument, "hello frame is required")
	}
	if s == nil || s.registryStore == nil {
		return hello, nil
	}
	if s.registryStore.WorkerTypeByNodeID(hello.GetNodeId()) != registry.WorkerTypeSys {
		return hello, nil
	}

	declared := hello.GetCapabilities()
	if len(declared) == 0 {
		return nil, status.Error(codes.PermissionDenied, "worker-sys supports only computerUse capability")
	}
	for _, capability := range declared {
		if capability == nil {
			continue
		}
		if normalizeCapability(capability.GetName()) != computerUseCapabilityName {
			return nil, status.Error(codes.PermissionDenied, "worker-sys supports only computerUse capability")
		}
	}

	return &registryv1.ConnectHello{
		NodeId:       hello.GetNodeId(),
		NodeName:     hello.GetNodeName(),
		ExecutorKind: hello.GetExecutorKind(),
		Labels:       cloneLabels(hello.GetLabels()),
		Version:      hello.GetVersion(),
		WorkerSecret: hello.GetWorkerSecret(),
		Capabilities: []*registryv1.CapabilityDeclaration{
			{Name: computerUseCapabilityDeclared, MaxInflight: 1},
		},
	}, nil
}

func cloneLabels(labels map[string]string) map[string]string {
	cloned := make(map[string]string, len(labels))
	for key, value := range labels {
		cloned[key] = value
	}
	return cloned
}

// handleHeartbeat validates and applies one heartbeat frame: it must name
// the session the connection was admitted under, touching the store's
// last-seen clock, and replies with a heartbeat ack carrying the next
// interval the worker should wait before sending another.
func (s *RegistryService) handleHeartbeat(ctx context.Context, session *workerConn, heartbeat *registryv1.HeartbeatFrame) error {
	if heartbeat == nil {
		return status.Error(codes.InvalidArgument, "heartbeat frame is required")
	}
	if strings.TrimSpace(heartbeat.GetSessionId()) == "" {
		return status.Error(codes.InvalidArgument, "session_id is required")
	}
	if heartbeat.GetNodeId() != session.nodeID {
		return status.Error(codes.InvalidArgument, "node_id mismatch")
	}

	if err := s.registryStore.TouchWithSession(heartbeat.GetNodeId(), heartbeat.GetSessionId(), s.clockFn()); err != nil {
		switch {
		case errors.Is(err, registry.ErrNodeNotFound):
			return status.Error(codes.NotFound, "node not found")
		case errors.Is(err, registry.ErrSessionMismatch):
			return status.Error(codes.FailedPrecondition, "session is outdated")
		default:
			return status.Error(codes.Internal, "failed to update heartbeat")
		}
	}

	if err := session.enqueueControl(ctx, newHeartbeatAck(s.hbIntervalSec)); err != nil {
		return mapStreamError(err)
	}
	return nil
}

func handleCommandResult(session *workerConn, result *registryv1.CommandResult) error {
	if result == nil {
		return status.Error(codes.InvalidArgument, "command_result frame is required")
	}
	if strings.TrimSpace(result.GetCommandId()) == "" {
		return status.Error(codes.InvalidArgument, "command_id is required")
	}
	session.resolvePending(result)
	return nil
}

func validateHello(hello *registryv1.ConnectHello) error {
	if hello == nil {
		return status.Error(codes.InvalidArgument, "hello frame is required")
	}
	return validateNodeID(hello.GetNodeId())
}

func validateNodeID(nodeID string) error {
	if strings.TrimSpace(nodeID) == "" {
		return status.Error(codes.InvalidArgument, "node_id is required")
	}
	if len(nodeID) > maxNodeIDLength {
		return status.Error(codes.InvalidArgument, "node_id is too long")
	}
	return nil
}

// mapStreamError rewrites a plain error into a gRPC status when possible,
// preferring any status already attached and falling back to whatever the
// stream's context error implies (cancelled, deadline exceeded, ...).
func mapStreamError(err error) error {
	if err == nil {
		return nil
	}
	if status.Code(err) != codes.Unknown {
		return err
	}
	if mapped := status.FromContextError(err); mapped.Code() != codes.Unknown {
		return mapped.Err()
	}
	return err
}

func (s *RegistryService) getSession(nodeID string) *workerConn {
	s.sessions.mu.RLock()
	defer s.sessions.mu.RUnlock()
	return s.sessions.byNode[nodeID]
}

// swapSession installs session as the sole connection for its node_id and
// returns whatever connection it replaced, if any.
func (s *RegistryService) swapSession(session *workerConn) *workerConn {
	if session == nil {
		return nil
	}
	s.sessions.mu.Lock()
	replaced := s.sessions.byNode[session.nodeID]
	s.sessions.byNode[session.nodeID] = session
	// Release sessions.mu before touching terminal route tables to avoid lock
	// inversion with dispatch paths that read terminal routes then sessions.
	// This leaves a tiny window where an old route may be observed once.
	s.sessions.mu.Unlock()
	s.clearTerminalSessionRoutesByNode(session.nodeID)
	return replaced
}

// removeSession retires session only if it is still the current connection
// for its node_id — a session that already lost a race to swapSession must
// not clobber its successor's bookkeeping on the way out.
func (s *RegistryService) removeSession(session *workerConn) {
	if session == nil {
		return
	}

	s.sessions.mu.Lock()
	current, ok := s.sessions.byNode[session.nodeID]
	if !ok || current.sessionID != session.sessionID {
		s.sessions.mu.Unlock()
		return
	}
	delete(s.sessions.byNode, session.nodeID)
	// Keep the same lock order as swapSession: sessions first, then route tables.
	// Clearing route mappings outside sessions.mu avoids cross-lock deadlocks.
	s.sessions.mu.Unlock()

	s.clearTerminalSessionRoutesByNode(session.nodeID)
	if s.registryStore == nil {
		return
	}
	if err := s.registryStore.ClearSession(session.nodeID, session.sessionID); err != nil {
		log.Printf(
			"failed to clear worker session by node+session: node_id=%s session_id=%s err=%v",
			session.nodeID, session.sessionID, err,
		)
	}
}

// writerLoop drains a session's two outbound queues onto its gRPC stream.
// Control frames (acks) are polled first on every iteration so they never
// queue behind a backlog of command dispatches.
func writerLoop(stream grpc.BidiStreamingServer[registryv1.ConnectRequest, registryv1.ConnectResponse], session *workerConn) error {
	for {
		select {
		case <-session.done:
			return nil
		case response := <-session.controlOutbound:
			if response != nil {
				if err := stream.Send(response); err != nil {
					return err
				}
			}
			continue
		default:
		}

		select {
		case <-session.done:
			return nil
		case response := <-session.controlOutbound:
			if response != nil {
				if err := stream.Send(response); err != nil {
					return err
				}
			}
		case response := <-session.commandOutbound:
			if response != nil {
				if err := stream.Send(response); err != nil {
					return err
				}
			}
		}
	}
}

func newConnectAck(sessionID string, hbIntervalSec int32) *registryv1.ConnectResponse {
	return &registryv1.ConnectResponse{
		Payload: &registryv1.ConnectResponse_ConnectAck{
			ConnectAck: &registryv1.ConnectAck{
				SessionId:            sessionID,
				HeartbeatIntervalSec: hbIntervalSec,
			},
		},
	}
}

func newHeartbeatAck(hbIntervalSec int32) *registryv1.ConnectResponse {
	return &registryv1.ConnectResponse{
		Payload: &registryv1.ConnectResponse_HeartbeatAck{
			HeartbeatAck: &registryv1.HeartbeatAck{
				HeartbeatIntervalSec: hbIntervalSec,
			},
		},
	}
}
