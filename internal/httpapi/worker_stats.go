package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/fleetrelay/console/internal/controlplane"
	"github.com/fleetrelay/console/internal/registry"
	"github.com/gin-gonic/gin"
)

const defaultStaleAfterSec = 30

// InflightStatsProvider is the observability slice of the dispatch engine.
type InflightStatsProvider interface {
	InflightStats() []controlplane.WorkerInflightSnapshot
}

type workerStatsResponse struct {
	Total         int       `json:"total"`
	Online        int       `json:"online"`
	Offline       int       `json:"offline"`
	Stale         int       `json:"stale"`
	StaleAfterSec int       `json:"stale_after_sec"`
	GeneratedAt   time.Time `json:"generated_at"`
}

type capabilityInflightJSON struct {
	Name        string `json:"name"`
	Inflight    int    `json:"inflight"`
	MaxInflight int    `json:"max_inflight"`
}

type workerInflightJSON struct {
	NodeID       string                   `json:"node_id"`
	Capabilities []capabilityInflightJSON `json:"capabilities"`
}

type workerInflightResponse struct {
	Workers     []workerInflightJSON `json:"workers"`
	GeneratedAt time.Time            `json:"generated_at"`
}

func (h *WorkerHandler) WorkerStats(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	staleAfterSec, ok := positiveIntQuery(c, "stale_after_sec", defaultStaleAfterSec)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "stale_after_sec must be a positive integer"})
		return
	}

	now := h.nowFn()
	staleAfter := time.Duration(staleAfterSec) * time.Second
	var stats registry.WorkerStats
	if identity.Admin {
		stats = h.store.Stats(now, h.offlineTTL, staleAfter)
	} else {
		stats = h.store.StatsScoped(now, h.offlineTTL, staleAfter, identity.OwnerID, registry.WorkerTypeSys)
	}

	c.JSON(http.StatusOK, workerStatsResponse{
		Total:         stats.Total,
		Online:        stats.Online,
		Offline:       stats.Offline,
		Stale:         stats.Stale,
		StaleAfterSec: staleAfterSec,
		GeneratedAt:   now,
	})
}

// WorkerInflight reports the live per-capability inflight counters. For a
// non-admin token the snapshot is cut down to the caller's own worker-sys
// nodes, resolved through the persisted label index.
func (h *WorkerHandler) WorkerInflight(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	now := h.nowFn()
	if h.inflightStats == nil {
		c.JSON(http.StatusOK, workerInflightResponse{Workers: []workerInflightJSON{}, GeneratedAt: now})
		return
	}

	visible := func(string) bool { return true }
	if !identity.Admin {
		owned := map[string]struct{}{}
		for _, nodeID := range h.store.ListNodeIDsByOwnerAndType(identity.OwnerID, registry.WorkerTypeSys) {
			owned[strings.TrimSpace(nodeID)] = struct{}{}
		}
		visible = func(nodeID string) bool {
			_, ok := owned[strings.TrimSpace(nodeID)]
			return ok
		}
	}

	workers := []workerInflightJSON{}
	for _, snapshot := range h.inflightStats.InflightStats() {
		if !visible(snapshot.NodeID) {
			continue
		}
		entries := make([]capabilityInflightJSON, len(snapshot.Capabilities))
		for i, capability := range snapshot.Capabilities {
			entries[i] = capabilityInflightJSON(capability)
		}
		workers = append(workers, workerInflightJSON{NodeID: snapshot.NodeID, Capabilities: entries})
	}
	c.JSON(http.StatusOK, workerInflightResponse{Workers: workers, GeneratedAt: now})
}
