// Package registryv1 carries the wire types for the worker-facing control
// stream. In a full build these would be produced by protoc from
// registry.proto; they are written out by hand here in the shape
// protoc-gen-go would emit (plain structs, GetXxx accessors, oneof wrapper
// types for ConnectRequest.Payload / ConnectResponse.Payload) so the rest of
// the module can depend on them without a code generation step.
package registryv1

// CapabilityDeclaration advertises one command a worker can execute and how
// many instances of it the worker is willing to run concurrently.
type CapabilityDeclaration struct {
	Name        string
	MaxInflight int32
}

func (c *CapabilityDeclaration) GetName() string {
	if c == nil {
		return ""
	}
	return c.Name
}

func (c *CapabilityDeclaration) GetMaxInflight() int32 {
	if c == nil {
		return 0
	}
	return c.MaxInflight
}

// ConnectHello is the first frame a worker must send on the stream.
// TimestampUnixMs, Nonce, and Signature are carried for older workers that
// still sign their hello; the console authenticates on WorkerSecret alone
// and does not validate them.
type ConnectHello struct {
	NodeId          string
	NodeName        string
	ExecutorKind    string
	Labels          map[string]string
	Version         string
	WorkerSecret    string
	Capabilities    []*CapabilityDeclaration
	TimestampUnixMs int64
	Nonce           string
	Signature       string
}

func (h *ConnectHello) GetNodeId() string {
	if h == nil {
		return ""
	}
	return h.NodeId
}

func (h *ConnectHello) GetNodeName() string {
	if h == nil {
		return ""
	}
	return h.NodeName
}

func (h *ConnectHello) GetExecutorKind() string {
	if h == nil {
		return ""
	}
	return h.ExecutorKind
}

func (h *ConnectHello) GetLabels() map[string]string {
	if h == nil {
		return nil
	}
	return h.Labels
}

func (h *ConnectHello) GetVersion() string {
	if h == nil {
		return ""
	}
	return h.Version
}

func (h *ConnectHello) GetWorkerSecret() string {
	if h == nil {
		return ""
	}
	return h.WorkerSecret
}

func (h *ConnectHello) GetCapabilities() []*CapabilityDeclaration {
	if h == nil {
		return nil
	}
	return h.Capabilities
}

func (h *ConnectHello) GetTimestampUnixMs() int64 {
	if h == nil {
		return 0
	}
	return h.TimestampUnixMs
}

func (h *ConnectHello) GetNonce() string {
	if h == nil {
		return ""
	}
	return h.Nonce
}

func (h *ConnectHello) GetSignature() string {
	if h == nil {
		return ""
	}
	return h.Signature
}

// HeartbeatFrame is sent periodically by a connected worker to keep its
// registry entry alive.
type HeartbeatFrame struct {
	NodeId       string
	SessionId    string
	SentAtUnixMs int64
}

func (f *HeartbeatFrame) GetNodeId() string {
	if f == nil {
		return ""
	}
	return f.NodeId
}

func (f *HeartbeatFrame) GetSessionId() string {
	if f == nil {
		return ""
	}
	return f.SessionId
}

func (f *HeartbeatFrame) GetSentAtUnixMs() int64 {
	if f == nil {
		return 0
	}
	return f.SentAtUnixMs
}

// CommandError describes a failed command execution reported by a worker.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) GetCode() string {
	if e == nil {
		return ""
	}
	return e.Code
}

func (e *CommandError) GetMessage() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// CommandResult carries the outcome of a dispatched command back from a
// worker. Exactly one of Error or PayloadJson is expected to be set.
type CommandResult struct {
	CommandId       string
	Error           *CommandError
	PayloadJson     []byte
	CompletedUnixMs int64
}

func (r *CommandResult) GetCommandId() string {
	if r == nil {
		return ""
	}
	return r.CommandId
}

func (r *CommandResult) GetError() *CommandError {
	if r == nil {
		return nil
	}
	return r.Error
}

func (r *CommandResult) GetPayloadJson() []byte {
	if r == nil {
		return nil
	}
	return r.PayloadJson
}

func (r *CommandResult) GetCompletedUnixMs() int64 {
	if r == nil {
		return 0
	}
	return r.CompletedUnixMs
}

// ConnectRequest is the worker -> console frame. Exactly one Payload field is
// populated per message.
type ConnectRequest struct {
	Payload isConnectRequest_Payload
}

type isConnectRequest_Payload interface {
	isConnectRequestPayload()
}

type ConnectRequest_Hello struct {
	Hello *ConnectHello
}

type ConnectRequest_Heartbeat struct {
	Heartbeat *HeartbeatFrame
}

type ConnectRequest_CommandResult struct {
	CommandResult *CommandResult
}

func (*ConnectRequest_Hello) isConnectRequestPayload()         {}
func (*ConnectRequest_Heartbeat) isConnectRequestPayload()     {}
func (*ConnectRequest_CommandResult) isConnectRequestPayload() {}

func (r *ConnectRequest) GetHello() *ConnectHello {
	if r == nil {
		return nil
	}
	if v, ok := r.Payload.(*ConnectRequest_Hello); ok {
		return v.Hello
	}
	return nil
}

func (r *ConnectRequest) GetHeartbeat() *HeartbeatFrame {
	if r == nil {
		return nil
	}
	if v, ok := r.Payload.(*ConnectRequest_Heartbeat); ok {
		return v.Heartbeat
	}
	return nil
}

func (r *ConnectRequest) GetCommandResult() *CommandResult {
	if r == nil {
		return nil
	}
	if v, ok := r.Payload.(*ConnectRequest_CommandResult); ok {
		return v.CommandResult
	}
	return nil
}

func (r *ConnectRequest) GetPayload() isConnectRequest_Payload {
	if r == nil {
		return nil
	}
	return r.Payload
}

// ConnectAck is sent once a hello frame has been accepted.
type ConnectAck struct {
	SessionId            string
	HeartbeatIntervalSec int32
}

func (a *ConnectAck) GetSessionId() string {
	if a == nil {
		return ""
	}
	return a.SessionId
}

func (a *ConnectAck) GetHeartbeatIntervalSec() int32 {
	if a == nil {
		return 0
	}
	return a.HeartbeatIntervalSec
}

// HeartbeatAck confirms a heartbeat was recorded.
type HeartbeatAck struct {
	HeartbeatIntervalSec int32
}

func (a *HeartbeatAck) GetHeartbeatIntervalSec() int32 {
	if a == nil {
		return 0
	}
	return a.HeartbeatIntervalSec
}

// CommandDispatch routes a capability invocation to the connected worker.
type CommandDispatch struct {
	CommandId      string
	Capability     string
	PayloadJson    []byte
	DeadlineUnixMs int64
}

func (d *CommandDispatch) GetCommandId() string {
	if d == nil {
		return ""
	}
	return d.CommandId
}

func (d *CommandDispatch) GetCapability() string {
	if d == nil {
		return ""
	}
	return d.Capability
}

func (d *CommandDispatch) GetPayloadJson() []byte {
	if d == nil {
		return nil
	}
	return d.PayloadJson
}

func (d *CommandDispatch) GetDeadlineUnixMs() int64 {
	if d == nil {
		return 0
	}
	return d.DeadlineUnixMs
}

// ConnectResponse is the console -> worker frame. Exactly one Payload field
// is populated per message.
type ConnectResponse struct {
	Payload isConnectResponse_Payload
}

type isConnectResponse_Payload interface {
	isConnectResponsePayload()
}

type ConnectResponse_ConnectAck struct {
	ConnectAck *ConnectAck
}

type ConnectResponse_HeartbeatAck struct {
	HeartbeatAck *HeartbeatAck
}

type ConnectResponse_CommandDispatch struct {
	CommandDispatch *CommandDispatch
}

func (*ConnectResponse_ConnectAck) isConnectResponsePayload()      {}
func (*ConnectResponse_HeartbeatAck) isConnectResponsePayload()    {}
func (*ConnectResponse_CommandDispatch) isConnectResponsePayload() {}

func (r *ConnectResponse) GetConnectAck() *ConnectAck {
	if r == nil {
		return nil
	}
	if v, ok := r.Payload.(*ConnectResponse_ConnectAck); ok {
		return v.ConnectAck
	}
	return nil
}

func (r *ConnectResponse) GetHeartbeatAck() *HeartbeatAck {
	if r == nil {
		return nil
	}
	if v, ok := r.Payload.(*ConnectResponse_HeartbeatAck); ok {
		return v.HeartbeatAck
	}
	return nil
}

func (r *ConnectResponse) GetCommandDispatch() *CommandDispatch {
	if r == nil {
		return nil
	}
	if v, ok := r.Payload.(*ConnectResponse_CommandDispatch); ok {
		return v.CommandDispatch
	}
	return nil
}

func (r *ConnectResponse) GetPayload() isConnectResponse_Payload {
	if r == nil {
		return nil
	}
	return r.Payload
}
