package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/DeBrosOfficial/muxnet/pkg/config"
	"github.com/DeBrosOfficial/muxnet/pkg/logging"
	"github.com/DeBrosOfficial/muxnet/pkg/pubsub"
)

// Gateway exposes the pubsub muxer to local applications over HTTP and
// WebSocket.
type Gateway struct {
	logger    *logging.ColoredLogger
	cfg       *config.GatewayConfig
	mux       *pubsub.Muxer
	peerID    string
	startedAt time.Time
	server    *http.Server
}

// New creates a gateway over an already running muxer.
func New(logger *logging.ColoredLogger, cfg *config.GatewayConfig, mux *pubsub.Muxer, peerID string) *Gateway {
	return &Gateway{
		logger:    logger,
		cfg:       cfg,
		mux:       mux,
		peerID:    peerID,
		startedAt: time.Now(),
	}
}

// Start begins serving HTTP on the configured listen address. It blocks
// until the server stops.
func (g *Gateway) Start() error {
	g.server = &http.Server{
		Addr:              g.cfg.ListenAddr,
		Handler:           g.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.logger.ComponentInfo(logging.ComponentGateway, "Gateway listening",
		zap.String("addr", g.cfg.ListenAddr))
	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	return g.server.Shutdown(ctx)
}
