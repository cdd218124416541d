package registry

import (
	"context"
	"strings"
	"time"

	"github.com/fleetrelay/console/internal/persistence/sqlc"
)

// workerFilter narrows a directory listing; zero value means "everything".
// OwnerID empty disables owner scoping entirely; the worker-type filter
// only applies inside an owner scope.
type workerFilter struct {
	Status     WorkerStatus
	OwnerID    string
	WorkerType string
}

func (f workerFilter) admit(view WorkerView) bool {
	if f.Status != StatusAll && f.Status != view.Status {
		return false
	}
	if f.OwnerID == "" {
		return true
	}
	if strings.TrimSpace(view.Labels[LabelOwnerIDKey]) != f.OwnerID {
		return false
	}
	return f.WorkerType == "" || workerTypeOf(view.Labels) == f.WorkerType
}

func (s *Store) List(status WorkerStatus, page int, pageSize int, now time.Time, offlineTTL time.Duration) ([]WorkerView, int) {
	return s.ListScoped(status, page, pageSize, now, offlineTTL, "", "")
}

func (s *Store) ListScoped(
	status WorkerStatus,
	page int,
	pageSize int,
	now time.Time,
	offlineTTL time.Duration,
	ownerID string,
	workerType string,
) ([]WorkerView, int) {
	views := s.collectViews(workerFilter{
		Status:     status,
		OwnerID:    strings.TrimSpace(ownerID),
		WorkerType: foldWorkerType(workerType),
	}, now, offlineTTL)
	return paginate(views, page, pageSize)
}

func paginate(views []WorkerView, page int, pageSize int) ([]WorkerView, int) {
	total := len(views)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	from := (page - 1) * pageSize
	if from >= total {
		return []WorkerView{}, total
	}
	to := from + pageSize
	if to > total {
		to = total
	}
	return views[from:to], total
}

// collectViews assembles every node row (ordered by registration, then id)
// into WorkerViews, joining in capabilities and labels, and keeps those the
// filter admits.
func (s *Store) collectViews(filter workerFilter, now time.Time, offlineTTL time.Duration) []WorkerView {
	if !s.ready() {
		return []WorkerView{}
	}
	ctx := context.Background()

	nodes, err := s.queries.ListWorkerNodesOrdered(ctx)
	if err != nil {
		return []WorkerView{}
	}
	capabilities, labels, err := s.loadAttachments(ctx)
	if err != nil {
		return []WorkerView{}
	}

	views := make([]WorkerView, 0, len(nodes))
	for _, node := range nodes {
		view := WorkerView{
			Worker: assembleWorker(node, capabilities[node.NodeID], labels[node.NodeID]),
		}
		view.Status = liveness(view.LastSeenAt, now, offlineTTL)
		if filter.admit(view) {
			views = append(views, view)
		}
	}
	return views
}

// loadAttachments reads the capability and label tables once each, bucketed
// by node id, so a listing does not issue per-node queries.
func (s *Store) loadAttachments(ctx context.Context) (map[string][]CapabilityDeclaration, map[string]map[string]string, error) {
	capabilityRows, err := s.queries.ListWorkerCapabilitiesAll(ctx)
	if err != nil {
		return nil, nil, err
	}
	labelRows, err := s.queries.ListWorkerLabelsAll(ctx)
	if err != nil {
		return nil, nil, err
	}

	capabilities := map[string][]CapabilityDeclaration{}
	for _, row := range capabilityRows {
		capabilities[row.NodeID] = append(capabilities[row.NodeID], CapabilityDeclaration{
			Name:        row.CapabilityName,
			MaxInflight: int32(row.MaxInflight),
		})
	}
	labels := map[string]map[string]string{}
	for _, row := range labelRows {
		bucket := labels[row.NodeID]
		if bucket == nil {
			bucket = map[string]string{}
			labels[row.NodeID] = bucket
		}
		bucket[row.LabelKey] = row.LabelValue
	}
	return capabilities, labels, nil
}

func assembleWorker(node sqlc.WorkerNode, capabilities []CapabilityDeclaration, labels map[string]string) Worker {
	if capabilities == nil {
		capabilities = []CapabilityDeclaration{}
	}
	if labels == nil {
		labels = map[string]string{}
	}
	return Worker{
		NodeID:       node.NodeID,
		SessionID:    node.SessionID,
		Provisioned:  node.Provisioned != 0,
		NodeName:     node.NodeName,
		ExecutorKind: node.ExecutorKind,
		Capabilities: capabilities,
		Labels:       labels,
		Version:      node.Version,
		RegisteredAt: time.UnixMilli(node.RegisteredAtUnixMs),
		LastSeenAt:   time.UnixMilli(node.LastSeenAtUnixMs),
	}
}

func (s *Store) GetByNodeID(nodeID string, now time.Time, offlineTTL time.Duration) (WorkerView, bool) {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" || !s.ready() {
		return WorkerView{}, false
	}
	ctx := context.Background()

	node, err := s.queries.GetWorkerNodeByID(ctx, nodeID)
	if err != nil {
		return WorkerView{}, false
	}
	capabilityRows, err := s.queries.ListWorkerCapabilitiesByNode(ctx, nodeID)
	if err != nil {
		return WorkerView{}, false
	}
	capabilities := make([]CapabilityDeclaration, 0, len(capabilityRows))
	for _, row := range capabilityRows {
		capabilities = append(capabilities, CapabilityDeclaration{
			Name:        row.CapabilityName,
			MaxInflight: int32(row.MaxInflight),
		})
	}

	view := WorkerView{Worker: assembleWorker(node, capabilities, s.LabelsByNodeID(nodeID))}
	view.Status = liveness(view.LastSeenAt, now, offlineTTL)
	return view, true
}

func (s *Store) LabelsByNodeID(nodeID string) map[string]string {
	labels := map[string]string{}
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" || !s.ready() {
		return labels
	}
	rows, err := s.queries.ListWorkerLabelsByNode(context.Background(), nodeID)
	if err != nil {
		return labels
	}
	for _, row := range rows {
		labels[row.LabelKey] = row.LabelValue
	}
	return labels
}

func (s *Store) WorkerTypeByNodeID(nodeID string) string {
	return workerTypeOf(s.LabelsByNodeID(nodeID))
}

func (s *Store) Stats(now time.Time, offlineTTL time.Duration, staleAfter time.Duration) WorkerStats {
	return s.StatsScoped(now, offlineTTL, staleAfter, "", "")
}

func (s *Store) StatsScoped(
	now time.Time,
	offlineTTL time.Duration,
	staleAfter time.Duration,
	ownerID string,
	workerType string,
) WorkerStats {
	stats := WorkerStats{}
	views := s.collectViews(workerFilter{
		Status:     StatusAll,
		OwnerID:    strings.TrimSpace(ownerID),
		WorkerType: foldWorkerType(workerType),
	}, now, offlineTTL)
	for _, view := range views {
		stats.Total++
		switch view.Status {
		case StatusOnline:
			stats.Online++
		default:
			stats.Offline++
		}
		if now.Sub(view.LastSeenAt) > staleAfter {
			stats.Stale++
		}
	}
	return stats
}

func (s *Store) ListNodeIDsByOwnerAndType(ownerID string, workerType string) []string {
	ownerID, workerType = strings.TrimSpace(ownerID), foldWorkerType(workerType)
	if ownerID == "" || workerType == "" || !s.ready() {
		return []string{}
	}
	nodeIDs, err := s.queries.ListWorkerNodeIDsByOwnerAndType(context.Background(), sqlc.ListWorkerNodeIDsByOwnerAndTypeParams{
		LabelValue:   ownerID,
		LabelValue_2: workerType,
	})
	if err != nil || nodeIDs == nil {
		return []string{}
	}
	return nodeIDs
}

func (s *Store) CountWorkersByOwnerAndType(ownerID string, workerType string) int {
	ownerID, workerType = strings.TrimSpace(ownerID), foldWorkerType(workerType)
	if ownerID == "" || workerType == "" || !s.ready() {
		return 0
	}
	count, err := s.queries.CountWorkerNodesByOwnerAndType(context.Background(), sqlc.CountWorkerNodesByOwnerAndTypeParams{
		LabelValue:   ownerID,
		LabelValue_2: workerType,
	})
	if err != nil {
		return 0
	}
	return int(count)
}

func (s *Store) ListOnlineNodeIDsByCapability(capability string, now time.Time, offlineTTL time.Duration) []string {
	capability = foldCapabilityName(capability)
	if capability == "" || !s.ready() {
		return []string{}
	}
	nodeIDs, err := s.queries.ListOnlineWorkerNodeIDsByCapability(context.Background(), sqlc.ListOnlineWorkerNodeIDsByCapabilityParams{
		CapabilityName:   capability,
		LastSeenAtUnixMs: now.Add(-offlineTTL).UnixMilli(),
	})
	if err != nil || nodeIDs == nil {
		return []string{}
	}
	return nodeIDs
}

func (s *Store) ListOnlineNodeIDsByOwnerTypeAndCapability(
	ownerID string,
	workerType string,
	capability string,
	now time.Time,
	offlineTTL time.Duration,
) []string {
	ownerID = strings.TrimSpace(ownerID)
	workerType = foldWorkerType(workerType)
	capability = foldCapabilityName(capability)
	if ownerID == "" || workerType == "" || capability == "" || !s.ready() {
		return []string{}
	}
	nodeIDs, err := s.queries.ListOnlineWorkerNodeIDsByOwnerTypeAndCapability(
		context.Background(),
		sqlc.ListOnlineWorkerNodeIDsByOwnerTypeAndCapabilityParams{
			CapabilityName:   capability,
			LabelValue:       ownerID,
			LabelValue_2:     workerType,
			LastSeenAtUnixMs: now.Add(-offlineTTL).UnixMilli(),
		},
	)
	if err != nil || nodeIDs == nil {
		return []string{}
	}
	return nodeIDs
}
