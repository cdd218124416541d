// Package sqlc holds the query layer the rest of the console talks to. It is
// written by hand in the shape sqlc would generate from schema.sql plus a
// queries.sql (no code generator runs in this environment), so each method
// below corresponds to exactly one hand-maintained SQL statement.
package sqlc

type WorkerNode struct {
	NodeID             string
	SessionID          string
	Provisioned        int64
	NodeName           string
	ExecutorKind       string
	Version            string
	RegisteredAtUnixMs int64
	LastSeenAtUnixMs   int64
}

type WorkerCapability struct {
	NodeID         string
	CapabilityName string
	MaxInflight    int64
}

type WorkerLabel struct {
	NodeID     string
	LabelKey   string
	LabelValue string
}

type WorkerCredential struct {
	NodeID          string
	SecretHash      string
	HashAlgo        string
	CreatedAtUnixMs int64
}

type AccessToken struct {
	TokenID         string
	TokenHash       string
	OwnerID         string
	Name            string
	IsAdmin         int64
	CreatedAtUnixMs int64
}

type Task struct {
	TaskID            string
	OwnerID           string
	RequestID         string
	Capability        string
	InputJson         string
	Status            string
	CommandID         string
	ResultJson        string
	ErrorCode         string
	ErrorMessage      string
	CreatedAtUnixMs   int64
	UpdatedAtUnixMs   int64
	DeadlineAtUnixMs  int64
	CompletedAtUnixMs int64
	ExpiresAtUnixMs   int64
}
