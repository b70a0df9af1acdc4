package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchyard/internal/message"
	"go.uber.org/zap"
)

const heartbeatInterval = 15 * time.Second

// responseEvent is the data of one "response" SSE event.
type responseEvent struct {
	UserID    string            `json:"user_id"`
	MessageID int64             `json:"message_id,omitempty"`
	Response  *message.Response `json:"response"`
}

// handleEvents streams responses produced by the dispatcher's workers. Each
// response is delivered to one subscriber.
func (s *server) handleEvents(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
	c.Writer.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	deliveries := make(chan responseEvent)
	go s.relay(ctx, deliveries)

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": s.clock().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case evt, ok := <-deliveries:
			if !ok {
				return
			}
			writeSSE(c.Writer, "response", evt)
			c.Writer.Flush()
		}
	}
}

// relay moves deliveries from the bus to out until ctx is done or the bus
// closes. A delivery taken after the subscriber left goes back on the bus.
func (s *server) relay(ctx context.Context, out chan<- responseEvent) {
	defer close(out)
	for {
		d, ok := s.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		evt := responseEvent{UserID: d.UserID, Response: d.Response}
		if d.Message != nil {
			evt.MessageID = d.Message.ID
		}
		select {
		case out <- evt:
		case <-ctx.Done():
			if !s.bus.PublishOutbound(d) {
				s.log.Warn("response lost on disconnect", zap.String("user", d.UserID))
			}
			return
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := sonic.ConfigStd.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
