package httpapi

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fleetrelay/console/internal/controlplane"
	"github.com/fleetrelay/console/internal/registry"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	maxPageSize                     = 100
	defaultWorkerGRPCHost           = "127.0.0.1"
	defaultWorkerGRPCPort           = "50051"
	startupCommandHeartbeatInterval = 5
	startupCommandHeartbeatJitter   = 20
)

// WorkerProvisioning is the slice of the control plane the worker CRUD
// endpoints need: mint a credentialed worker, or tear one down.
type WorkerProvisioning interface {
	CreateProvisionedWorkerForOwner(ownerID string, workerType string, now time.Time, offlineTTL time.Duration) (string, string, error)
	DeleteProvisionedWorker(nodeID string) bool
}

// WorkerHandler serves the worker directory and provisioning endpoints plus
// the command/task surface in command_handler.go and task_handler.go.
type WorkerHandler struct {
	store           *registry.Store
	offlineTTL      time.Duration
	dispatcher      CommandDispatcher
	provisioning    WorkerProvisioning
	inflightStats   InflightStatsProvider
	consoleGRPCAddr string
	nowFn           func() time.Time
}

func NewWorkerHandler(
	store *registry.Store,
	offlineTTL time.Duration,
	dispatcher CommandDispatcher,
	provisioning WorkerProvisioning,
	inflightStats InflightStatsProvider,
	consoleGRPCAddr string,
) *WorkerHandler {
	return &WorkerHandler{
		store:           store,
		offlineTTL:      offlineTTL,
		dispatcher:      dispatcher,
		provisioning:    provisioning,
		inflightStats:   inflightStats,
		consoleGRPCAddr: strings.TrimSpace(consoleGRPCAddr),
		nowFn:           time.Now,
	}
}

// NewRouter wires the whole HTTP surface. Everything except /metrics sits
// behind bearer-token auth; per-owner scoping happens inside each handler
// from the resolved TokenIdentity.
func NewRouter(handler *WorkerHandler, tokens *AccessTokens) *gin.Engine {
	if tokens == nil {
		panic("access tokens are required")
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.Any("/mcp", tokens.Authenticate(), gin.WrapH(NewMCPHandler(handler.dispatcher)))

	api := router.Group("/api/v1", tokens.Authenticate())

	api.POST("/commands/echo", handler.EchoCommand)
	api.POST("/commands/terminal", handler.TerminalCommand)
	api.POST("/commands/computer-use", handler.ComputerUseCommand)

	api.POST("/tasks", handler.SubmitTask)
	api.GET("/tasks/:task_id", handler.GetTask)
	api.POST("/tasks/:task_id/cancel", handler.CancelTask)

	api.GET("/workers", handler.ListWorkers)
	api.POST("/workers", handler.CreateWorker)
	api.DELETE("/workers/:node_id", handler.DeleteWorker)
	api.GET("/workers/stats", handler.WorkerStats)
	api.GET("/workers/inflight", handler.WorkerInflight)

	api.GET("/tokens", tokens.ListTokens)
	api.POST("/tokens", tokens.MintToken)
	api.DELETE("/tokens/:token_id", tokens.DeleteToken)

	return router
}

type workerItem struct {
	NodeID       string                           `json:"node_id"`
	NodeName     string                           `json:"node_name"`
	ExecutorKind string                           `json:"executor_kind"`
	Capabilities []registry.CapabilityDeclaration `json:"capabilities"`
	Labels       map[string]string                `json:"labels"`
	Version      string                           `json:"version"`
	Status       registry.WorkerStatus            `json:"status"`
	RegisteredAt time.Time                        `json:"registered_at"`
	LastSeenAt   time.Time                        `json:"last_seen_at"`
}

type listWorkersResponse struct {
	Items    []workerItem `json:"items"`
	Total    int          `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
}

type createWorkerRequest struct {
	Type string `json:"type"`
}

type workerStartupCommandResponse struct {
	NodeID  string `json:"node_id"`
	Type    string `json:"type"`
	Command string `json:"command"`
}

// ListWorkers answers the worker directory. Admin tokens see the whole
// fleet; an owner token sees only its own worker-sys nodes.
func (h *WorkerHandler) ListWorkers(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	page, pageSize, ok := pageParams(c)
	if !ok {
		return
	}
	status := registry.WorkerStatus(c.DefaultQuery("status", string(registry.StatusAll)))
	switch status {
	case registry.StatusAll, registry.StatusOnline, registry.StatusOffline:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be one of all|online|offline"})
		return
	}

	var views []registry.WorkerView
	var total int
	if identity.Admin {
		views, total = h.store.List(status, page, pageSize, h.nowFn(), h.offlineTTL)
	} else {
		views, total = h.store.ListScoped(status, page, pageSize, h.nowFn(), h.offlineTTL, identity.OwnerID, registry.WorkerTypeSys)
	}

	items := make([]workerItem, 0, len(views))
	for _, view := range views {
		items = append(items, workerItemOf(view))
	}
	c.JSON(http.StatusOK, listWorkersResponse{
		Items:    items,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

func workerItemOf(view registry.WorkerView) workerItem {
	return workerItem{
		NodeID:       view.NodeID,
		NodeName:     view.NodeName,
		ExecutorKind: view.ExecutorKind,
		Capabilities: view.Capabilities,
		Labels:       view.Labels,
		Version:      view.Version,
		Status:       view.Status,
		RegisteredAt: view.RegisteredAt,
		LastSeenAt:   view.LastSeenAt,
	}
}

// CreateWorker provisions a worker under the caller's owner id. worker-sys
// is open to any token (one per owner, enforced below); normal workers are
// fleet infrastructure and stay admin-only.
func (h *WorkerHandler) CreateWorker(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	if h.provisioning == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "worker provisioning is unavailable"})
		return
	}

	req := createWorkerRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	workerType := strings.ToLower(strings.TrimSpace(req.Type))
	if workerType != registry.WorkerTypeNormal && workerType != registry.WorkerTypeSys {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type must be one of normal|worker-sys"})
		return
	}
	if workerType == registry.WorkerTypeNormal && !identity.Admin {
		c.JSON(http.StatusForbidden, gin.H{"error": "only admin can create normal worker"})
		return
	}

	nodeID, secret, err := h.provisioning.CreateProvisionedWorkerForOwner(identity.OwnerID, workerType, h.nowFn(), h.offlineTTL)
	switch {
	case errors.Is(err, controlplane.ErrWorkerSysAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "worker-sys already exists for current account"})
		return
	case errors.Is(err, controlplane.ErrInvalidWorkerType):
		c.JSON(http.StatusBadRequest, gin.H{"error": "type must be one of normal|worker-sys"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create worker"})
		return
	}

	c.JSON(http.StatusCreated, workerStartupCommandResponse{
		NodeID:  nodeID,
		Type:    workerType,
		Command: h.startupCommand(nodeID, secret, c.Request),
	})
}

func (h *WorkerHandler) DeleteWorker(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	nodeID := strings.TrimSpace(c.Param("node_id"))
	if nodeID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "node_id is required"})
		return
	}
	if h.provisioning == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "worker provisioning is unavailable"})
		return
	}
	if !identity.Admin && !h.ownsWorkerSys(identity.OwnerID, nodeID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "worker not found"})
		return
	}
	if !h.provisioning.DeleteProvisionedWorker(nodeID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "worker not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// ownsWorkerSys reports whether nodeID is the caller's own worker-sys — the
// only kind of worker a non-admin token may touch.
func (h *WorkerHandler) ownsWorkerSys(ownerID string, nodeID string) bool {
	view, found := h.store.GetByNodeID(nodeID, h.nowFn(), h.offlineTTL)
	if !found {
		return false
	}
	if strings.TrimSpace(view.Labels[registry.LabelOwnerIDKey]) != ownerID {
		return false
	}
	return strings.ToLower(strings.TrimSpace(view.Labels[registry.LabelWorkerTypeKey])) == registry.WorkerTypeSys
}

// startupCommand renders the one-line env-var invocation the operator pastes
// onto the worker host. The gRPC host falls back through configured addr,
// then the request's own host, then loopback, so the command points at a
// console address the caller can actually reach.
func (h *WorkerHandler) startupCommand(nodeID string, secret string, req *http.Request) string {
	return fmt.Sprintf(
		"WORKER_CONSOLE_GRPC_TARGET=%s WORKER_ID=%s WORKER_SECRET=%s WORKER_HEARTBEAT_INTERVAL_SEC=%d WORKER_HEARTBEAT_JITTER_PCT=%d ./path-to-binary",
		resolveWorkerGRPCTarget(h.consoleGRPCAddr, req),
		nodeID,
		secret,
		startupCommandHeartbeatInterval,
		startupCommandHeartbeatJitter,
	)
}

func resolveWorkerGRPCTarget(consoleGRPCAddr string, req *http.Request) string {
	host, port := splitConfiguredAddr(strings.TrimSpace(consoleGRPCAddr))
	if port == "" {
		port = defaultWorkerGRPCPort
	}
	if unusableHost(host) {
		host = hostFromRequest(req)
	}
	if unusableHost(host) {
		host = defaultWorkerGRPCHost
	}
	return net.JoinHostPort(host, port)
}

func splitConfiguredAddr(addr string) (host string, port string) {
	switch {
	case addr == "":
		return "", ""
	case strings.HasPrefix(addr, ":"):
		return "", addr[1:]
	}
	if h, p, err := net.SplitHostPort(addr); err == nil {
		return strings.TrimSpace(h), strings.TrimSpace(p)
	}
	if _, err := strconv.Atoi(addr); err == nil {
		return "", addr
	}
	return "", ""
}

func hostFromRequest(req *http.Request) string {
	if req == nil {
		return ""
	}
	raw := strings.TrimSpace(req.Host)
	if raw == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		return strings.TrimSpace(host)
	}
	// Bracketed IPv6 literal without a port.
	if strings.HasPrefix(raw, "[") {
		if end := strings.Index(raw, "]"); end > 0 {
			return strings.TrimSpace(raw[1:end])
		}
	}
	return raw
}

func unusableHost(host string) bool {
	switch strings.TrimSpace(host) {
	case "", "0.0.0.0", "::":
		return true
	default:
		return false
	}
}

func pageParams(c *gin.Context) (page int, pageSize int, ok bool) {
	page, ok = positiveIntQuery(c, "page", 1)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "page must be a positive integer"})
		return 0, 0, false
	}
	pageSize, ok = positiveIntQuery(c, "page_size", 20)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "page_size must be a positive integer"})
		return 0, 0, false
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize, true
}

func positiveIntQuery(c *gin.Context, key string, fallback int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return 0, false
	}
	return value, true
}
