package server

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	realtimeEventReady       = "ready"
	realtimeEventHeartbeat   = "heartbeat"
	realtimeSourceBackend    = "memberreview-backend"
	defaultHeartbeatInterval = 25 * time.Second
)

type realtimeHeartbeat struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// handleEventStream relays review events of the caller's tenant as server-sent events. The
// event name is the envelope type and the data is the envelope itself.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	tenantID := c.GetString(tenantIDContextKey)
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, tenantID)
	defer cleanup()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(realtimeEventReady, gin.H{"tenantId": tenantID})
	c.Writer.Flush()

	h.logger.Debug("realtime stream opened", zap.String("tenant_id", tenantID))
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case envelope, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(envelope.Type, envelope)
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, realtimeHeartbeat{Source: realtimeSourceBackend, Timestamp: tick.UTC()})
			return true
		}
	})
	h.logger.Debug("realtime stream closed", zap.String("tenant_id", tenantID))
}
