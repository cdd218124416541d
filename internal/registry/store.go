// Package registry is the persisted worker directory: node identity,
// declared capabilities, labels, the session currently bound to each node,
// and hashed worker credentials. Every read goes straight to sqlite through
// the shared query layer; the package keeps no cache of its own, so a
// console restart begins from exactly what the database says.
package registry

import (
	"errors"
	"strings"
	"time"

	"github.com/fleetrelay/console/internal/persistence"
	"github.com/fleetrelay/console/internal/persistence/sqlc"
)

var ErrNodeNotFound = errors.New("worker node not found")
var ErrSessionMismatch = errors.New("worker session id mismatch")

type WorkerStatus string

const (
	StatusAll     WorkerStatus = "all"
	StatusOnline  WorkerStatus = "online"
	StatusOffline WorkerStatus = "offline"
)

const (
	LabelOwnerIDKey    = "fr.owner_id"
	LabelWorkerTypeKey = "fr.worker_type"

	WorkerTypeNormal = "normal"
	WorkerTypeSys    = "worker-sys"
)

// CapabilityDeclaration is the persisted form of a worker-declared command.
type CapabilityDeclaration struct {
	Name        string
	MaxInflight int32
}

// ProvisionedWorker seeds a worker node ahead of its first connection, so a
// console-issued credential has a registry row before the process it belongs
// to ever dials in.
type ProvisionedWorker struct {
	NodeID string
	Labels map[string]string
}

type Worker struct {
	NodeID       string
	SessionID    string
	Provisioned  bool
	NodeName     string
	ExecutorKind string
	Capabilities []CapabilityDeclaration
	Labels       map[string]string
	Version      string
	RegisteredAt time.Time
	LastSeenAt   time.Time
}

type WorkerView struct {
	Worker
	Status WorkerStatus
}

type WorkerStats struct {
	Total   int
	Online  int
	Offline int
	Stale   int
}

// Store is the sqlite-backed worker registry.
type Store struct {
	db      *persistence.DB
	queries *sqlc.Queries
}

func NewStoreWithPersistence(db *persistence.DB) *Store {
	return &Store{db: db, queries: db.Queries}
}

// Persistence exposes the underlying DB so the task state machine can run
// its own queries over the same connection and transaction helper.
func (s *Store) Persistence() *persistence.DB {
	if s == nil {
		return nil
	}
	return s.db
}

func (s *Store) ready() bool {
	return s != nil && s.queries != nil
}

// liveness classifies a last-seen timestamp against the offline TTL.
func liveness(lastSeen time.Time, now time.Time, offlineTTL time.Duration) WorkerStatus {
	if now.Sub(lastSeen) > offlineTTL {
		return StatusOffline
	}
	return StatusOnline
}

func foldCapabilityName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func foldWorkerType(workerType string) string {
	return strings.ToLower(strings.TrimSpace(workerType))
}

func workerTypeOf(labels map[string]string) string {
	if labels == nil {
		return ""
	}
	return foldWorkerType(labels[LabelWorkerTypeKey])
}
