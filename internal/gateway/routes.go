package gateway

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchyard/internal/bus"
	"github.com/zulandar/switchyard/internal/dispatch"
	"github.com/zulandar/switchyard/internal/message"
	"go.uber.org/zap"
)

// HeaderCallbackID carries the integration callback id on inbound requests.
const HeaderCallbackID = "X-App-Callback-Id"

const (
	maxBodyBytes         = 1 << 20
	defaultExchangeLimit = 20
	maxExchangeLimit     = 500
)

type server struct {
	handler   Handler
	bus       *bus.Bus
	exchanges ExchangeReader
	clock     func() time.Time
	log       *zap.Logger
}

// registerRoutes sets up all gateway routes on the Gin router.
func registerRoutes(router *gin.Engine, s *server) {
	router.GET("/healthz", s.handleHealth)

	api := router.Group("/api/v1")
	api.POST("/messages", s.handleMessage)
	if s.bus != nil {
		api.POST("/messages/async", s.handleEnqueue)
		api.GET("/events", s.handleEvents)
	}
	if s.exchanges != nil {
		api.GET("/users/:id/exchanges", s.handleExchanges)
	}
}

func (s *server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// readMessage decodes the request body and attaches transport metadata.
func (s *server) readMessage(c *gin.Context) (*message.Message, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body: " + err.Error()})
		return nil, false
	}
	msg, err := message.Parse(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	id := c.GetHeader(HeaderCallbackID)
	if id == "" {
		id = c.Query(message.HeaderCallbackID)
	}
	if id != "" {
		msg.SetHeader(message.HeaderCallbackID, id)
	}
	msg.Timestamp = s.clock()
	return msg, true
}

func (s *server) handleMessage(c *gin.Context) {
	msg, ok := s.readMessage(c)
	if !ok {
		return
	}
	resp, err := s.handler.Handle(c.Request.Context(), msg)
	switch {
	case errors.Is(err, dispatch.ErrSkipped):
		c.Status(http.StatusNoContent)
		return
	case err != nil:
		s.log.Error("gateway: handle message", zap.String("message", msg.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	case resp == nil:
		c.Status(http.StatusNoContent)
		return
	}
	data, err := message.MarshalResponse(resp)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func (s *server) handleEnqueue(c *gin.Context) {
	msg, ok := s.readMessage(c)
	if !ok {
		return
	}
	if !s.bus.PublishInbound(msg) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "inbound queue unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "user_id": msg.UserID()})
}

func (s *server) handleExchanges(c *gin.Context) {
	limit := defaultExchangeLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxExchangeLimit)
	}
	logs, err := s.exchanges.RecentExchanges(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"exchanges": logs})
}
