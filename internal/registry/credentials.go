package registry

import (
	"context"
	"time"

	"github.com/fleetrelay/console/internal/persistence/sqlc"
)

func (s *Store) GetCredentialHash(nodeID string) (string, bool) {
	if !s.ready() {
		return "", false
	}
	row, err := s.queries.GetCredentialByNodeID(context.Background(), nodeID)
	if err != nil {
		return "", false
	}
	return row.SecretHash, true
}

// PutCredentialHashIfAbsent installs a credential row unless one already
// exists for the node; the bool is the put-if-absent outcome.
func (s *Store) PutCredentialHashIfAbsent(nodeID string, hash string, hashAlgo string, now time.Time) bool {
	if !s.ready() {
		return false
	}
	inserted, err := s.queries.InsertCredentialIfAbsent(context.Background(), sqlc.InsertCredentialIfAbsentParams{
		NodeID:          nodeID,
		SecretHash:      hash,
		HashAlgo:        hashAlgo,
		CreatedAtUnixMs: now.UnixMilli(),
	})
	return err == nil && inserted == 1
}

func (s *Store) DeleteCredential(nodeID string) bool {
	if !s.ready() {
		return false
	}
	deleted, err := s.queries.DeleteCredentialByNodeID(context.Background(), nodeID)
	return err == nil && deleted > 0
}

// ListCredentialHashes loads every persisted credential, keyed by node id.
// Used once at startup to warm the in-process credential cache.
func (s *Store) ListCredentialHashes() map[string]string {
	hashes := map[string]string{}
	if !s.ready() {
		return hashes
	}
	rows, err := s.queries.ListCredentials(context.Background())
	if err != nil {
		return hashes
	}
	for _, row := range rows {
		hashes[row.NodeID] = row.SecretHash
	}
	return hashes
}
