package registryv1

import (
	"encoding/json"
	"fmt"
)

// WireCodec serializes the Connect stream frames as JSON. The frame structs
// in this package are maintained by hand rather than generated by protoc, so
// they cannot ride gRPC's default proto codec; every server and client that
// carries this stream must force this codec instead (NewWorkerRegistryServiceClient
// does so on its own calls).
type WireCodec struct{}

func (WireCodec) Name() string { return "json" }

func (WireCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (WireCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

type connectRequestEnvelope struct {
	Hello         *ConnectHello   `json:"hello,omitempty"`
	Heartbeat     *HeartbeatFrame `json:"heartbeat,omitempty"`
	CommandResult *CommandResult  `json:"command_result,omitempty"`
}

func (r *ConnectRequest) MarshalJSON() ([]byte, error) {
	envelope := connectRequestEnvelope{}
	switch payload := r.Payload.(type) {
	case nil:
	case *ConnectRequest_Hello:
		envelope.Hello = payload.Hello
	case *ConnectRequest_Heartbeat:
		envelope.Heartbeat = payload.Heartbeat
	case *ConnectRequest_CommandResult:
		envelope.CommandResult = payload.CommandResult
	default:
		return nil, fmt.Errorf("unknown connect request payload %T", payload)
	}
	return json.Marshal(envelope)
}

func (r *ConnectRequest) UnmarshalJSON(data []byte) error {
	envelope := connectRequestEnvelope{}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}
	switch {
	case envelope.Hello != nil:
		r.Payload = &ConnectRequest_Hello{Hello: envelope.Hello}
	case envelope.Heartbeat != nil:
		r.Payload = &ConnectRequest_Heartbeat{Heartbeat: envelope.Heartbeat}
	case envelope.CommandResult != nil:
		r.Payload = &ConnectRequest_CommandResult{CommandResult: envelope.CommandResult}
	default:
		r.Payload = nil
	}
	return nil
}

type connectResponseEnvelope struct {
	ConnectAck      *ConnectAck      `json:"connect_ack,omitempty"`
	HeartbeatAck    *HeartbeatAck    `json:"heartbeat_ack,omitempty"`
	CommandDispatch *CommandDispatch `json:"command_dispatch,omitempty"`
}

func (r *ConnectResponse) MarshalJSON() ([]byte, error) {
	envelope := connectResponseEnvelope{}
	switch payload := r.Payload.(type) {
	case nil:
	case *ConnectResponse_ConnectAck:
		envelope.ConnectAck = payload.ConnectAck
	case *ConnectResponse_HeartbeatAck:
		envelope.HeartbeatAck = payload.HeartbeatAck
	case *ConnectResponse_CommandDispatch:
		envelope.CommandDispatch = payload.CommandDispatch
	default:
		return nil, fmt.Errorf("unknown connect response payload %T", payload)
	}
	return json.Marshal(envelope)
}

func (r *ConnectResponse) UnmarshalJSON(data []byte) error {
	envelope := connectResponseEnvelope{}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}
	switch {
	case envelope.ConnectAck != nil:
		r.Payload = &ConnectResponse_ConnectAck{ConnectAck: envelope.ConnectAck}
	case envelope.HeartbeatAck != nil:
		r.Payload = &ConnectResponse_HeartbeatAck{HeartbeatAck: envelope.HeartbeatAck}
	case envelope.CommandDispatch != nil:
		r.Payload = &ConnectResponse_CommandDispatch{CommandDispatch: envelope.CommandDispatch}
	default:
		r.Payload = nil
	}
	return nil
}
