// Package gateway is the HTTP ingress in front of the dispatcher.
package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchyard/internal/bus"
	"github.com/zulandar/switchyard/internal/message"
	"github.com/zulandar/switchyard/internal/models"
	"go.uber.org/zap"
)

// Handler runs one message synchronously. dispatch.Dispatcher satisfies it.
type Handler interface {
	Handle(ctx context.Context, msg *message.Message) (*message.Response, error)
}

// ExchangeReader lists logged exchanges. userstore.Store satisfies it.
type ExchangeReader interface {
	RecentExchanges(ctx context.Context, userID string, limit int) ([]models.ExchangeLog, error)
}

// StartOpts holds configuration for the gateway server.
type StartOpts struct {
	Handler Handler
	// Bus enables the asynchronous endpoints: queued messages and the
	// response event stream.
	Bus       *bus.Bus
	Exchanges ExchangeReader
	Port      int
	Out       io.Writer
	Clock     func() time.Time
	Logger    *zap.Logger
}

// NewRouter builds the gin engine serving the gateway routes.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.Handler == nil {
		return nil, fmt.Errorf("gateway: handler is required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, &server{
		handler:   opts.Handler,
		bus:       opts.Bus,
		exchanges: opts.Exchanges,
		clock:     opts.Clock,
		log:       opts.Logger,
	})
	return router, nil
}

// Start launches the gateway HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Gateway listening on :%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}
