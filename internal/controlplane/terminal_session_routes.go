package controlplane

import (
	"strings"
	"time"
)

// terminalSessionRoute is the sticky mapping for one terminal session: which
// node currently owns it, and when it was last touched (for TTL pruning).
type terminalSessionRoute struct {
	NodeID         string
	LastUsedUnixMs int64
}

// indexRouteLocked records sessionID -> nodeID in both the forward
// (bySession) and reverse (byNode) maps. Callers must hold routes.mu.
func (s *RegistryService) indexRouteLocked(sessionID, nodeID string, atUnixMs int64) {
	s.routes.bySession[sessionID] = terminalSessionRoute{NodeID: nodeID, LastUsedUnixMs: atUnixMs}
	index := s.routes.byNode[nodeID]
	if index == nil {
		index = make(map[string]struct{})
		s.routes.byNode[nodeID] = index
	}
	index[sessionID] = struct{}{}
}

// unindexRouteLocked drops sessionID from the reverse index for nodeID,
// pruning the per-node set once it's empty. Callers must hold routes.mu.
func (s *RegistryService) unindexRouteLocked(sessionID, nodeID string) {
	index := s.routes.byNode[nodeID]
	if index == nil {
		return
	}
	delete(index, sessionID)
	if len(index) == 0 {
		delete(s.routes.byNode, nodeID)
	}
}

// bindTerminalSessionRoute unconditionally (re)points a terminal session at
// nodeID, migrating the reverse index off any prior owner.
func (s *RegistryService) bindTerminalSessionRoute(sessionID string, nodeID string, now time.Time) {
	if s == nil {
		return
	}
	sessionID, nodeID = strings.TrimSpace(sessionID), strings.TrimSpace(nodeID)
	if sessionID == "" || nodeID == "" {
		return
	}

	s.routes.mu.Lock()
	defer s.routes.mu.Unlock()
	if prior, exists := s.routes.bySession[sessionID]; exists && prior.NodeID != nodeID {
		s.unindexRouteLocked(sessionID, prior.NodeID)
	}
	s.indexRouteLocked(sessionID, nodeID, routeNowUnixMs(now))
}

// reserveTerminalSessionRoute returns the session's existing route if one
// exists (refreshing its timestamp), or claims preferredNodeID as a brand
// new route. The bool reports whether this call created the route.
func (s *RegistryService) reserveTerminalSessionRoute(sessionID string, preferredNodeID string, now time.Time) (string, bool) {
	if s == nil {
		return "", false
	}
	sessionID, preferredNodeID = strings.TrimSpace(sessionID), strings.TrimSpace(preferredNodeID)
	if sessionID == "" || preferredNodeID == "" {
		return "", false
	}

	nowUnixMs := routeNowUnixMs(now)
	s.routes.mu.Lock()
	defer s.routes.mu.Unlock()

	if existing, exists := s.routes.bySession[sessionID]; exists {
		existing.LastUsedUnixMs = nowUnixMs
		s.routes.bySession[sessionID] = existing
		return existing.NodeID, false
	}

	s.indexRouteLocked(sessionID, preferredNodeID, nowUnixMs)
	return preferredNodeID, true
}

// touchTerminalSessionRoute looks up the node a session is bound to and
// bumps its last-used timestamp so it survives the next TTL prune pass.
func (s *RegistryService) touchTerminalSessionRoute(sessionID string, now time.Time) (string, bool) {
	if s == nil {
		return "", false
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", false
	}

	s.routes.mu.Lock()
	defer s.routes.mu.Unlock()
	route, ok := s.routes.bySession[sessionID]
	if !ok || strings.TrimSpace(route.NodeID) == "" {
		return "", false
	}
	route.LastUsedUnixMs = routeNowUnixMs(now)
	s.routes.bySession[sessionID] = route
	return route.NodeID, true
}

// clearTerminalSessionRoute removes a session's route, optionally only if
// it currently points at expectedNodeID (empty means "any owner").
func (s *RegistryService) clearTerminalSessionRoute(sessionID string, expectedNodeID string) {
	if s == nil {
		return
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return
	}
	expectedNodeID = strings.TrimSpace(expectedNodeID)

	s.routes.mu.Lock()
	defer s.routes.mu.Unlock()
	route, ok := s.routes.bySession[sessionID]
	if !ok {
		return
	}
	if expectedNodeID != "" && route.NodeID != expectedNodeID {
		return
	}
	delete(s.routes.bySession, sessionID)
	s.unindexRouteLocked(sessionID, route.NodeID)
}

// clearTerminalSessionRoutesByNode evicts every route owned by nodeID, used
// when a worker disconnects so its sticky sessions don't dangle.
func (s *RegistryService) clearTerminalSessionRoutesByNode(nodeID string) {
	if s == nil {
		return
	}
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return
	}

	s.routes.mu.Lock()
	defer s.routes.mu.Unlock()
	index := s.routes.byNode[nodeID]
	if index == nil {
		return
	}
	for sessionID := range index {
		if route, ok := s.routes.bySession[sessionID]; ok && route.NodeID == nodeID {
			delete(s.routes.bySession, sessionID)
		}
	}
	delete(s.routes.byNode, nodeID)
}

// pruneExpiredTerminalSessionRoutes deletes every route whose last use falls
// outside routes.ttl and reports how many were removed.
func (s *RegistryService) pruneExpiredTerminalSessionRoutes(now time.Time) int {
	if s == nil || s.routes.ttl <= 0 {
		return 0
	}
	expireBefore := routeNowUnixMs(now) - s.routes.ttl.Milliseconds()

	s.routes.mu.Lock()
	defer s.routes.mu.Unlock()

	removed := 0
	for sessionID, route := range s.routes.bySession {
		if route.LastUsedUnixMs > expireBefore {
			continue
		}
		delete(s.routes.bySession, sessionID)
		s.unindexRouteLocked(sessionID, route.NodeID)
		removed++
	}
	return removed
}

// maybePruneTerminalSessionRoutes runs the TTL sweep at most once per
// terminalRoutePruneMinInterval, using a CAS loop on lastPruneMs so
// concurrent callers don't all pay for the sweep at once.
func (s *RegistryService) maybePruneTerminalSessionRoutes(now time.Time) {
	if s == nil {
		return
	}
	nowUnixMs := routeNowUnixMs(now)
	minIntervalMs := terminalRoutePruneMinInterval.Milliseconds()

	for {
		last := s.routes.lastPruneMs.Load()
		if last > 0 && nowUnixMs-last < minIntervalMs {
			return
		}
		if s.routes.lastPruneMs.CompareAndSwap(last, nowUnixMs) {
			break
		}
	}
	s.pruneExpiredTerminalSessionRoutes(now)
}

func routeNowUnixMs(now time.Time) int64 {
	if now.IsZero() {
		return time.Now().UnixMilli()
	}
	return now.UnixMilli()
}
