package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	registryv1 "github.com/fleetrelay/console/api/registryv1"
	"github.com/fleetrelay/console/internal/persistence/sqlc"
)

// Upsert records a successful hello: node row, declared capabilities, and
// labels, all replaced atomically under the new session id. A provisioned
// node keeps its console-assigned owner and worker-type labels no matter
// what the hello declared, so a worker cannot relabel itself.
func (s *Store) Upsert(hello *registryv1.ConnectHello, sessionID string, now time.Time) error {
	if s == nil || s.db == nil || s.queries == nil {
		return errors.New("registry store is unavailable")
	}
	if hello == nil {
		return errors.New("connect hello is required")
	}
	nodeID := strings.TrimSpace(hello.GetNodeId())
	if nodeID == "" {
		return errors.New("node_id is required")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session_id is required")
	}

	ctx := context.Background()
	row := sqlc.UpsertWorkerNodeParams{
		NodeID:             nodeID,
		SessionID:          sessionID,
		NodeName:           strings.TrimSpace(hello.GetNodeName()),
		ExecutorKind:       hello.GetExecutorKind(),
		Version:            hello.GetVersion(),
		RegisteredAtUnixMs: now.UnixMilli(),
		LastSeenAtUnixMs:   now.UnixMilli(),
	}
	labels := make(map[string]string, len(hello.GetLabels()))
	for key, value := range hello.GetLabels() {
		labels[key] = value
	}

	prior, err := s.queries.GetWorkerNodeByID(ctx, nodeID)
	switch {
	case err == nil:
		if row.NodeName == "" {
			row.NodeName = prior.NodeName
		}
		if prior.Provisioned != 0 {
			row.Provisioned = 1
			if err := s.pinProvisionedLabels(ctx, nodeID, labels); err != nil {
				return err
			}
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return err
	}

	return s.db.WithTx(ctx, func(q *sqlc.Queries) error {
		if err := q.UpsertWorkerNode(ctx, row); err != nil {
			return err
		}
		if err := replaceCapabilities(ctx, q, nodeID, hello.GetCapabilities()); err != nil {
			return err
		}
		return replaceLabels(ctx, q, nodeID, labels)
	})
}

// pinProvisionedLabels overrides the hello's owner/worker-type labels with
// whatever the provisioned row already carries.
func (s *Store) pinProvisionedLabels(ctx context.Context, nodeID string, labels map[string]string) error {
	stored, err := s.queries.ListWorkerLabelsByNode(ctx, nodeID)
	if err != nil {
		return err
	}
	for _, row := range stored {
		switch row.LabelKey {
		case LabelOwnerIDKey, LabelWorkerTypeKey:
			labels[row.LabelKey] = row.LabelValue
		default:
			if _, declared := labels[row.LabelKey]; !declared {
				labels[row.LabelKey] = row.LabelValue
			}
		}
	}
	return nil
}

func replaceCapabilities(ctx context.Context, q *sqlc.Queries, nodeID string, declared []*registryv1.CapabilityDeclaration) error {
	if err := q.DeleteWorkerCapabilitiesByNode(ctx, nodeID); err != nil {
		return err
	}
	for _, capability := range declared {
		if capability == nil || strings.TrimSpace(capability.GetName()) == "" {
			continue
		}
		if err := q.InsertWorkerCapability(ctx, sqlc.InsertWorkerCapabilityParams{
			NodeID:         nodeID,
			CapabilityName: strings.TrimSpace(capability.GetName()),
			MaxInflight:    int64(capability.GetMaxInflight()),
		}); err != nil {
			return err
		}
	}
	return nil
}

func replaceLabels(ctx context.Context, q *sqlc.Queries, nodeID string, labels map[string]string) error {
	if err := q.DeleteWorkerLabelsByNode(ctx, nodeID); err != nil {
		return err
	}
	for key, value := range labels {
		if err := q.InsertWorkerLabel(ctx, sqlc.InsertWorkerLabelParams{
			NodeID:     nodeID,
			LabelKey:   key,
			LabelValue: value,
		}); err != nil {
			return err
		}
	}
	return nil
}

// SeedProvisionedWorkers inserts placeholder rows for console-issued
// credentials. Seeded nodes get a last-seen timestamp just past the offline
// TTL so they list as offline until their worker actually connects. Returns
// how many rows this call inserted (existing node ids are left alone).
func (s *Store) SeedProvisionedWorkers(workers []ProvisionedWorker, now time.Time, offlineTTL time.Duration) int {
	if s == nil || s.db == nil || len(workers) == 0 {
		return 0
	}

	staleBy := time.Second
	if offlineTTL > 0 {
		staleBy = offlineTTL + time.Second
	}
	seeded := 0
	for _, worker := range workers {
		nodeID := strings.TrimSpace(worker.NodeID)
		if nodeID == "" {
			continue
		}
		if s.seedOne(nodeID, worker.Labels, now, staleBy) {
			seeded++
		}
	}
	return seeded
}

func (s *Store) seedOne(nodeID string, labels map[string]string, now time.Time, staleBy time.Duration) bool {
	ctx := context.Background()
	var inserted int64
	err := s.db.WithTx(ctx, func(q *sqlc.Queries) error {
		rows, err := q.InsertProvisionedWorkerNodeIfAbsent(ctx, sqlc.InsertProvisionedWorkerNodeIfAbsentParams{
			NodeID:             nodeID,
			NodeName:           seedNodeName(nodeID),
			RegisteredAtUnixMs: now.UnixMilli(),
			LastSeenAtUnixMs:   now.Add(-staleBy).UnixMilli(),
		})
		if err != nil || rows == 0 {
			inserted = rows
			return err
		}
		inserted = rows
		for key, value := range labels {
			if err := q.InsertWorkerLabel(ctx, sqlc.InsertWorkerLabelParams{
				NodeID:     nodeID,
				LabelKey:   key,
				LabelValue: value,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return err == nil && inserted == 1
}

func seedNodeName(nodeID string) string {
	short := nodeID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("worker-%s", short)
}

func (s *Store) Delete(nodeID string) bool {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" || !s.ready() {
		return false
	}
	deleted, err := s.queries.DeleteWorkerNodeByID(context.Background(), nodeID)
	return err == nil && deleted > 0
}

// TouchWithSession bumps a node's last-seen clock, but only when the caller
// still holds the node's current session. A zero-row update is classified by
// re-reading the node: gone entirely, or superseded by a newer session.
func (s *Store) TouchWithSession(nodeID string, sessionID string, now time.Time) error {
	if !s.ready() {
		return ErrNodeNotFound
	}
	nodeID, sessionID = strings.TrimSpace(nodeID), strings.TrimSpace(sessionID)

	ctx := context.Background()
	touched, err := s.queries.UpdateWorkerHeartbeatBySession(ctx, sqlc.UpdateWorkerHeartbeatBySessionParams{
		LastSeenAtUnixMs: now.UnixMilli(),
		NodeID:           nodeID,
		SessionID:        sessionID,
	})
	if err != nil {
		return err
	}
	if touched > 0 {
		return nil
	}

	node, err := s.queries.GetWorkerNodeByID(ctx, nodeID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNodeNotFound
	case err != nil:
		return err
	case node.SessionID != sessionID:
		return ErrSessionMismatch
	default:
		// The session matched after all; the update lost a benign race.
		return nil
	}
}

func (s *Store) ClearSession(nodeID string, sessionID string) error {
	if !s.ready() {
		return errors.New("registry store is unavailable")
	}
	_, err := s.queries.ClearWorkerSessionByNodeAndSession(context.Background(), sqlc.ClearWorkerSessionByNodeAndSessionParams{
		NodeID:    strings.TrimSpace(nodeID),
		SessionID: strings.TrimSpace(sessionID),
	})
	return err
}

func (s *Store) ClearSessionByNode(nodeID string) error {
	if !s.ready() {
		return errors.New("registry store is unavailable")
	}
	_, err := s.queries.ClearWorkerSessionByNode(context.Background(), strings.TrimSpace(nodeID))
	return err
}

// PruneOffline drops runtime-registered nodes that have been silent past
// the TTL. Provisioned nodes are never pruned; their rows are the anchor
// for credentials that may not have been used yet.
func (s *Store) PruneOffline(now time.Time, offlineTTL time.Duration) int {
	if !s.ready() {
		return 0
	}
	pruned, err := s.queries.DeleteOfflineRuntimeWorkers(context.Background(), now.Add(-offlineTTL).UnixMilli())
	if err != nil {
		return 0
	}
	return int(pruned)
}

// ClaimWorkerSysOwner is the compare-and-set behind the one-worker-sys-per-
// owner invariant: the first insert for an owner wins, every later claim
// reports false.
func (s *Store) ClaimWorkerSysOwner(ownerID string, nodeID string, now time.Time) (bool, error) {
	ownerID, nodeID = strings.TrimSpace(ownerID), strings.TrimSpace(nodeID)
	if ownerID == "" || nodeID == "" {
		return false, errors.New("owner_id and node_id are required")
	}
	if !s.ready() {
		return false, errors.New("registry store is unavailable")
	}

	claimed, err := s.queries.InsertWorkerSysOwnerClaimIfAbsent(context.Background(), sqlc.InsertWorkerSysOwnerClaimIfAbsentParams{
		OwnerID:         ownerID,
		NodeID:          nodeID,
		ClaimedAtUnixMs: now.UnixMilli(),
	})
	if err != nil {
		return false, err
	}
	return claimed == 1, nil
}
