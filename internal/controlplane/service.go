package controlplane

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	registryv1 "github.com/fleetrelay/console/api/registryv1"
	"github.com/fleetrelay/console/internal/persistence"
	"github.com/fleetrelay/console/internal/registry"
)

const (
	maxNodeIDLength               = 128
	echoCapabilityName            = "echo"
	defaultEchoTimeout            = 5 * time.Second
	defaultCloseMessage           = "session closed"
	defaultCapabilityMaxInflight  = 4
	maxProvisioningCreateAttempts = 8
	heartbeatAckEnqueueTimeout    = 500 * time.Millisecond
	controlOutboundBufferSize     = 32
	commandOutboundBufferSize     = 128
	defaultTaskRetentionWindow    = 10 * time.Minute
	defaultCommandDispatchTimeout = 60 * time.Second
	defaultTerminalRouteTTL       = 30 * time.Minute
	terminalRoutePruneMinInterval = 1 * time.Minute
)

var ErrNoEchoWorker = errors.New("no online worker supports echo")
var ErrEchoTimeout = errors.New("echo command timed out")
var ErrNoCapabilityWorker = errors.New("no online worker supports capability")
var ErrNoWorkerCapacity = errors.New("no online worker capacity for capability")
var ErrTaskRequestInProgress = errors.New("task request already in progress")

// credentialState is the two-tier worker-credential cache: an in-memory map
// shadowing the persisted credential table, plus whichever hasher turns a
// plaintext secret into the form that was actually stored on disk.
type credentialState struct {
	mu       sync.RWMutex
	cache    map[string]string
	hashAlgo string
	hasher   *persistence.Hasher
}

// sessionRegistry tracks the single live connection permitted per node_id
// and the cursor used to fan dispatches across capability-matching sessions.
type sessionRegistry struct {
	mu     sync.RWMutex
	byNode map[string]*workerConn
	next   uint64
}

// routeTable is the sticky terminal-session -> node mapping: bySession
// answers "where does this terminal live", byNode is its reverse index so a
// disconnecting node can evict its routes in a single pass.
type routeTable struct {
	mu          sync.RWMutex
	bySession   map[string]terminalSessionRoute
	byNode      map[string]map[string]struct{}
	ttl         time.Duration
	lastPruneMs atomic.Int64
}

// taskRuntimeIndex holds the live, non-persisted half of the task state
// machine: the cancel/done handles for tasks still executing, and the
// request-id reservation set that closes the submit-then-insert race.
type taskRuntimeIndex struct {
	mu                   sync.RWMutex
	byID                 map[string]*taskRecord
	reservedKeys         map[string]struct{}
	retention            time.Duration
	lastPruneMs          atomic.Int64
	onPersistenceFailure func(error)
}

// RegistryService implements the worker-facing gRPC stream, the dispatch
// scheduler, and the task state machine over one shared set of in-memory
// indexes plus whatever persistence.DB the caller wires in through store.
type RegistryService struct {
	registryv1.UnimplementedWorkerRegistryServiceServer

	registryStore *registry.Store

	creds credentialState

	hbIntervalSec  int32
	offlineTTLSecs int32

	clockFn      func() time.Time
	sessionIDGen func() (string, error)
	commandIDGen func() (string, error)
	taskIDGen    func() (string, error)

	sessions sessionRegistry
	routes   routeTable

	taskIndex taskRuntimeIndex
}

func NewRegistryService(
	registryStore *registry.Store,
	initialCredentials map[string]string,
	hbIntervalSec int32,
	offlineTTLSecs int32,
	replayWindow time.Duration,
) *RegistryService {
	// replayWindow corresponds to the hello nonce/signature fields on the
	// wire contract. Nothing validates them yet; the value is accepted so a
	// future replay check doesn't change this signature.
	_ = replayWindow

	credentialCopy := make(map[string]string, len(initialCredentials))
	for workerID, secret := range initialCredentials {
		credentialCopy[workerID] = secret
	}

	svc := &RegistryService{
		registryStore:  registryStore,
		hbIntervalSec:  hbIntervalSec,
		offlineTTLSecs: offlineTTLSecs,
		clockFn:        time.Now,
		sessionIDGen:   generateUUIDv4,
		commandIDGen:   generateUUIDv4,
		taskIDGen:      generateUUIDv4,
	}
	svc.creds.cache = credentialCopy
	svc.creds.hashAlgo = "legacy-plain"
	svc.sessions.byNode = make(map[string]*workerConn)
	svc.routes.bySession = make(map[string]terminalSessionRoute)
	svc.routes.byNode = make(map[string]map[string]struct{})
	svc.routes.ttl = defaultTerminalRouteTTL
	svc.taskIndex.byID = make(map[string]*taskRecord)
	svc.taskIndex.reservedKeys = make(map[string]struct{})
	svc.taskIndex.retention = defaultTaskRetentionWindow
	svc.taskIndex.onPersistenceFailure = func(err error) {
		panic(err)
	}
	return svc
}

// SetPersistenceFailureHandler replaces the hook invoked when a task's
// terminal state cannot be persisted even through the persistence_error
// fallback. The default panics: a console that can no longer record task
// outcomes is lying to every submitter still polling it.
func (s *RegistryService) SetPersistenceFailureHandler(handler func(error)) {
	if s == nil || handler == nil {
		return
	}
	s.taskIndex.mu.Lock()
	s.taskIndex.onPersistenceFailure = handler
	s.taskIndex.mu.Unlock()
}

func (s *RegistryService) SetTaskRetention(retention time.Duration) {
	if s == nil || retention <= 0 {
		return
	}
	s.taskIndex.mu.Lock()
	s.taskIndex.retention = retention
	s.taskIndex.mu.Unlock()
}

func (s *RegistryService) PruneExpiredTasks(now time.Time) int {
	if s == nil || s.registryStore == nil || s.registryStore.Persistence() == nil {
		return 0
	}
	removed, err := s.registryStore.Persistence().Queries.DeleteExpiredTerminalTasks(context.Background(), now.UnixMilli())
	if err != nil {
		return 0
	}
	return int(removed)
}
