package controlplane

import (
	"encoding/json"
	"strings"
)

// Capability names that carry tenant-visible identifiers in their payload
// and therefore need owner scoping before dispatch. Compared
// case-insensitively against a worker's declared capabilities.
const (
	taskCapabilityTerminalExec     = "terminalexec"
	taskCapabilityTerminalResource = "terminalresource"

	// computerUseCapabilityDeclared is the capability name a worker-sys
	// process declares in its hello frame; computerUseCapabilityName is
	// its normalized (lowercased) form used for comparisons everywhere
	// else in the dispatch path.
	computerUseCapabilityDeclared = "computerUse"
	computerUseCapabilityName     = "computeruse"

	taskOwnerScopeInvalidPayloadCode    = "invalid_scoped_payload"
	taskOwnerScopeInvalidPayloadMessage = "result payload could not be re-scoped to the task owner"

	ownerScopeSeparator = ":"
)

// terminalExecScopedPayload is the wire shape dispatched to a worker for the
// terminalExec capability. SessionID is rewritten by scopeTaskInputByOwner
// to carry an owner prefix before it ever reaches a worker, so two owners
// sharing a worker process can never collide on the same terminal session.
type terminalExecScopedPayload struct {
	Command         string `json:"command"`
	SessionID       string `json:"session_id"`
	CreateIfMissing bool   `json:"create_if_missing"`
	LeaseTTLSec     int32  `json:"lease_ttl_sec,omitempty"`
}

// terminalResourceScopedPayload is the wire shape dispatched to a worker for
// the terminalResource capability (reading/writing a file inside an existing
// terminal session). SessionID carries the same owner-prefix scoping as
// terminalExecScopedPayload.
type terminalResourceScopedPayload struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	Action    string `json:"action,omitempty"`
	Content   string `json:"content,omitempty"`
}

func capabilityRequiresOwnerScope(capability string) bool {
	switch normalizeCapability(capability) {
	case taskCapabilityTerminalExec, taskCapabilityTerminalResource:
		return true
	default:
		return false
	}
}

func ownerScopeSessionID(ownerID string, sessionID string) string {
	return ownerID + ownerScopeSeparator + sessionID
}

// unscopeSessionID strips the owner prefix from a worker-visible session id,
// returning ok=false if the prefix does not match ownerID (the payload was
// not scoped to this owner, or was tampered with).
func unscopeSessionID(ownerID string, scopedSessionID string) (string, bool) {
	prefix := ownerID + ownerScopeSeparator
	if !strings.HasPrefix(scopedSessionID, prefix) {
		return "", false
	}
	return strings.TrimPrefix(scopedSessionID, prefix), true
}

// scopeTaskInputByOwner rewrites a task's input_json before dispatch for
// capabilities whose payload carries a tenant-visible session id. Capabilities
// that don't need scoping pass through unchanged.
func (s *RegistryService) scopeTaskInputByOwner(capability string, ownerID string, inputJSON []byte) ([]byte, error) {
	if !capabilityRequiresOwnerScope(capability) {
		return inputJSON, nil
	}

	switch normalizeCapability(capability) {
	case taskCapabilityTerminalExec:
		var payload terminalExecScopedPayload
		if err := json.Unmarshal(inputJSON, &payload); err != nil {
			return nil, err
		}
		// An omitted session id means "start a fresh terminal". The console
		// mints the id so it lands inside the owner's namespace; the worker
		// only ever creates sessions under names the console handed it.
		sessionID := strings.TrimSpace(payload.SessionID)
		if sessionID == "" {
			minted, err := generateUUIDv4()
			if err != nil {
				return nil, err
			}
			sessionID = minted
			payload.CreateIfMissing = true
		}
		payload.SessionID = ownerScopeSessionID(ownerID, sessionID)
		return json.Marshal(payload)
	case taskCapabilityTerminalResource:
		var payload terminalResourceScopedPayload
		if err := json.Unmarshal(inputJSON, &payload); err != nil {
			return nil, err
		}
		payload.SessionID = ownerScopeSessionID(ownerID, strings.TrimSpace(payload.SessionID))
		return json.Marshal(payload)
	default:
		return inputJSON, nil
	}
}

// restoreTaskResultOwnerScope strips the owner prefix a worker echoed back in
// its result payload's session_id field. ok is false when the capability
// needed scoping but the field was missing, malformed, or prefixed with a
// different owner's token — in which case the caller must fail the task
// rather than persist or return the untrusted payload.
func (s *RegistryService) restoreTaskResultOwnerScope(ownerID string, capability string, resultPayload []byte) ([]byte, bool) {
	if !capabilityRequiresOwnerScope(capability) {
		return resultPayload, true
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(resultPayload, &generic); err != nil {
		return nil, false
	}
	rawSessionID, ok := generic["session_id"]
	if !ok {
		return nil, false
	}
	var scopedSessionID string
	if err := json.Unmarshal(rawSessionID, &scopedSessionID); err != nil {
		return nil, false
	}
	unscoped, ok := unscopeSessionID(ownerID, scopedSessionID)
	if !ok {
		return nil, false
	}
	encodedSessionID, err := json.Marshal(unscoped)
	if err != nil {
		return nil, false
	}
	generic["session_id"] = encodedSessionID
	finalPayload, err := json.Marshal(generic)
	if err != nil {
		return nil, false
	}
	return finalPayload, true
}

func normalizeTaskOwnerID(ownerID string) string {
	return strings.TrimSpace(ownerID)
}
