package controlplane

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fleetrelay/console/internal/persistence"
	"github.com/fleetrelay/console/internal/registry"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var ErrInvalidWorkerType = errors.New("invalid worker type")
var ErrWorkerSysAlreadyExists = errors.New("worker-sys already exists for owner")

const defaultWorkerOwnerID = "system"

// SetHasher swaps in the secret hasher used both to verify hello frames and
// to hash freshly provisioned secrets before they hit persistence. A nil
// hasher reverts to the legacy plaintext comparison path.
func (s *RegistryService) SetHasher(hasher *persistence.Hasher) {
	if s == nil {
		return
	}
	s.creds.mu.Lock()
	defer s.creds.mu.Unlock()
	s.creds.hasher = hasher
	if hasher != nil {
		s.creds.hashAlgo = persistence.HashAlgorithmHMACSHA256
		return
	}
	s.creds.hashAlgo = "legacy-plain"
}

func (s *RegistryService) GetWorkerSecret(nodeID string) (string, bool) {
	secret, ok := s.getCredential(nodeID)
	if !ok || strings.TrimSpace(secret) == "" {
		return "", false
	}
	return secret, true
}

// CreateProvisionedWorker provisions a worker under the default system
// owner; console-ui provisioning flows that need owner scoping should call
// CreateProvisionedWorkerForOwner directly.
func (s *RegistryService) CreateProvisionedWorker(now time.Time, offlineTTL time.Duration) (string, string, error) {
	return s.CreateProvisionedWorkerForOwner(defaultWorkerOwnerID, registry.WorkerTypeNormal, now, offlineTTL)
}

// CreateProvisionedWorkerForOwner mints a fresh node_id/secret pair, seeds a
// registry row for it, and persists the hashed credential — retrying the
// whole attempt on a node_id collision or a credential race, up to
// maxProvisioningCreateAttempts times.
func (s *RegistryService) CreateProvisionedWorkerForOwner(
	ownerID string,
	workerType string,
	now time.Time,
	offlineTTL time.Duration,
) (string, string, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return "", "", errors.New("owner_id is required")
	}
	workerType = normalizeProvisioningWorkerType(workerType)
	if workerType == "" {
		return "", "", ErrInvalidWorkerType
	}
	if workerType == registry.WorkerTypeSys && s.registryStore.CountWorkersByOwnerAndType(ownerID, workerType) > 0 {
		return "", "", ErrWorkerSysAlreadyExists
	}

	for attempt := 0; attempt < maxProvisioningCreateAttempts; attempt++ {
		workerID, workerSecret, err := newProvisioningIdentity()
		if err != nil {
			return "", "", err
		}

		if s.registryStore.SeedProvisionedWorkers([]registry.ProvisionedWorker{
			provisionedWorkerRow(workerID, ownerID, workerType),
		}, now, offlineTTL) != 1 {
			continue
		}

		if workerType == registry.WorkerTypeSys {
			claimed, err := s.registryStore.ClaimWorkerSysOwner(ownerID, workerID, now)
			if err != nil {
				s.registryStore.Delete(workerID)
				return "", "", fmt.Errorf("claim worker-sys owner: %w", err)
			}
			if !claimed {
				s.registryStore.Delete(workerID)
				return "", "", ErrWorkerSysAlreadyExists
			}
		}

		credentialValue, hashAlgo := s.hashProvisionedSecret(workerSecret)
		if !s.putCredentialIfAbsent(workerID, credentialValue) {
			s.registryStore.Delete(workerID)
			continue
		}
		if !s.registryStore.PutCredentialHashIfAbsent(workerID, credentialValue, hashAlgo, now) {
			s.deleteCredential(workerID)
			s.registryStore.Delete(workerID)
			continue
		}

		return workerID, workerSecret, nil
	}
	return "", "", errors.New("failed to allocate unique worker_id")
}

func newProvisioningIdentity() (workerID string, workerSecret string, err error) {
	workerID, err = generateUUIDv4()
	if err != nil {
		return "", "", fmt.Errorf("generate worker_id: %w", err)
	}
	workerSecret, err = generateSecretHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate worker_secret: %w", err)
	}
	return workerID, workerSecret, nil
}

func generateUUIDv4() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// generateSecretHex returns length random bytes hex-encoded, i.e. a secret
// of 2*length characters.
func generateSecretHex(length int) (string, error) {
	if length <= 0 {
		return "", errors.New("length must be positive")
	}
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

func provisionedWorkerRow(workerID, ownerID, workerType string) registry.ProvisionedWorker {
	return registry.ProvisionedWorker{
		NodeID: workerID,
		Labels: map[string]string{
			"source":                    "console-ui",
			registry.LabelOwnerIDKey:   ownerID,
			registry.LabelWorkerTypeKey: workerType,
		},
	}
}

// hashProvisionedSecret applies whatever hasher is currently configured to
// a freshly generated plaintext secret, returning the value to persist
// alongside the algorithm tag it was hashed with.
func (s *RegistryService) hashProvisionedSecret(plaintext string) (value string, algo string) {
	s.creds.mu.RLock()
	hasher := s.creds.hasher
	algo = s.creds.hashAlgo
	s.creds.mu.RUnlock()

	if strings.TrimSpace(algo) == "" {
		algo = "legacy-plain"
	}
	if hasher == nil {
		return plaintext, algo
	}
	return hasher.Hash(plaintext), algo
}

func normalizeProvisioningWorkerType(workerType string) string {
	switch strings.TrimSpace(strings.ToLower(workerType)) {
	case registry.WorkerTypeNormal:
		return registry.WorkerTypeNormal
	case registry.WorkerTypeSys, "sys":
		return registry.WorkerTypeSys
	default:
		return ""
	}
}

// DeleteProvisionedWorker removes a worker's credential and registry row
// (in memory and in persistence) and, if it was connected, tears down its
// live session. Reports whether anything was actually found to delete.
func (s *RegistryService) DeleteProvisionedWorker(nodeID string) bool {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return false
	}

	removedCredential := s.deleteCredential(nodeID)
	removedCredentialRow := s.registryStore.DeleteCredential(nodeID)
	removedNode := s.registryStore.Delete(nodeID)
	if !removedCredential && !removedCredentialRow && !removedNode {
		return false
	}

	s.disconnectWorker(nodeID, "worker credential revoked")
	return true
}

// getCredential resolves a worker's stored secret (or secret hash), reading
// through to persistence on a cache miss and populating the cache so
// subsequent hello frames don't hit the store again.
func (s *RegistryService) getCredential(nodeID string) (string, bool) {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return "", false
	}

	s.creds.mu.RLock()
	cached, ok := s.creds.cache[nodeID]
	s.creds.mu.RUnlock()
	if ok {
		return cached, true
	}
	if s.registryStore == nil {
		return "", false
	}

	stored, exists := s.registryStore.GetCredentialHash(nodeID)
	if !exists {
		return "", false
	}
	s.creds.mu.Lock()
	s.creds.cache[nodeID] = stored
	s.creds.mu.Unlock()
	return stored, true
}

func (s *RegistryService) putCredentialIfAbsent(nodeID string, secret string) bool {
	nodeID = strings.TrimSpace(nodeID)
	secret = strings.TrimSpace(secret)
	if nodeID == "" || secret == "" {
		return false
	}

	s.creds.mu.Lock()
	defer s.creds.mu.Unlock()
	if _, exists := s.creds.cache[nodeID]; exists {
		return false
	}
	s.creds.cache[nodeID] = secret
	return true
}

func (s *RegistryService) deleteCredential(nodeID string) bool {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return false
	}

	s.creds.mu.Lock()
	defer s.creds.mu.Unlock()
	if _, exists := s.creds.cache[nodeID]; !exists {
		return false
	}
	delete(s.creds.cache, nodeID)
	return true
}

// disconnectWorker forcibly evicts a worker's live session (if any) and
// clears its persisted session row, used when a credential is revoked out
// from under an already-connected worker.
func (s *RegistryService) disconnectWorker(nodeID string, reason string) {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return
	}

	s.sessions.mu.Lock()
	session := s.sessions.byNode[nodeID]
	if session != nil {
		delete(s.sessions.byNode, nodeID)
	}
	s.sessions.mu.Unlock()

	if s.registryStore != nil {
		if err := s.registryStore.ClearSessionByNode(nodeID); err != nil {
			log.Printf("failed to clear worker session by node: node_id=%s err=%v", nodeID, err)
		}
	}
	if session != nil {
		session.close(status.Error(codes.PermissionDenied, reason))
	}
}
