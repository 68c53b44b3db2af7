// Package handlers exposes the local HTTP surface: health, metrics and a
// couple of debug endpoints. Nothing here is part of the sync semantics.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chatsync/internal/repositories"
	"chatsync/internal/telemetry"
)

// StatusHandler serves the debug and health endpoints.
type StatusHandler struct {
	convs   repositories.ConversationRepository
	device  repositories.DeviceStateRepository
	audit   *telemetry.AuditEmitter
	started time.Time
}

// NewStatusHandler constructs a StatusHandler.
func NewStatusHandler(convs repositories.ConversationRepository, device repositories.DeviceStateRepository, audit *telemetry.AuditEmitter) *StatusHandler {
	return &StatusHandler{convs: convs, device: device, audit: audit, started: time.Now()}
}

// Router builds the gin engine with all routes registered.
func (h *StatusHandler) Router(serviceName string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))

	router.GET("/healthz", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	debug := router.Group("/debug")
	debug.GET("/sync-status", h.SyncStatus)
	debug.POST("/audit-test", h.AuditTest)

	return router
}

// Health reports liveness.
func (h *StatusHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(h.started).String(),
	})
}

type conversationStatus struct {
	ID        string     `json:"id"`
	NetworkID string     `json:"network_id,omitempty"`
	Draft     bool       `json:"draft"`
	Unused    bool       `json:"unused"`
	Unread    bool       `json:"unread"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// SyncStatus summarizes every conversation's sync state.
func (h *StatusHandler) SyncStatus(c *gin.Context) {
	convs, err := h.convs.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	statuses := make([]conversationStatus, 0, len(convs))
	drafts := 0
	for _, conv := range convs {
		if conv.Draft() {
			drafts++
		}
		statuses = append(statuses, conversationStatus{
			ID:        conv.ID,
			NetworkID: conv.NetworkID,
			Draft:     conv.Draft(),
			Unused:    conv.Unused,
			Unread:    conv.Unread,
			ExpiresAt: conv.ExpiresAt,
		})
	}

	pending := 0
	if uploads, err := h.device.ListPendingUploads(c.Request.Context()); err == nil {
		pending = len(uploads)
	}

	c.JSON(http.StatusOK, gin.H{
		"conversations":   statuses,
		"drafts":          drafts,
		"pending_uploads": pending,
	})
}

// AuditTest emits a test audit event so the AMQP path can be verified.
func (h *StatusHandler) AuditTest(c *gin.Context) {
	h.audit.Emit(c.Request.Context(), "info", "audit test event", "")
	c.JSON(http.StatusOK, gin.H{"status": "emitted"})
}
