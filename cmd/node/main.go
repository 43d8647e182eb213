package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/DeBrosOfficial/muxnet/pkg/config"
	"github.com/DeBrosOfficial/muxnet/pkg/gateway"
	"github.com/DeBrosOfficial/muxnet/pkg/logging"
	"github.com/DeBrosOfficial/muxnet/pkg/node"
)

func main() {
	configPath := flag.String("config", "", "Path to config YAML file (overrides defaults)")
	dataDir := flag.String("data", "", "Data directory (overrides config)")
	p2pPort := flag.Int("p2p-port", 0, "LibP2P listen port (overrides config)")
	gatewayAddr := flag.String("gateway-addr", "", "Gateway listen address (overrides config)")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help {
		flag.Usage()
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFromFile(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	if *dataDir != "" {
		cfg.Node.DataDir = *dataDir
	}
	if *p2pPort != 0 {
		cfg.Node.ListenAddresses = []string{fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", *p2pPort)}
	}
	if *gatewayAddr != "" {
		cfg.Gateway.Enabled = true
		cfg.Gateway.ListenAddr = *gatewayAddr
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
		}
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := node.NewNode(cfg, logger)
	if err != nil {
		logger.ComponentError(logging.ComponentNode, "Failed to create node", zap.Error(err))
		os.Exit(1)
	}
	if err := n.Start(ctx); err != nil {
		logger.ComponentError(logging.ComponentNode, "Failed to start node", zap.Error(err))
		os.Exit(1)
	}

	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		gw = gateway.New(logger, &cfg.Gateway, n.PubSub(), n.PeerID())
		go func() {
			if err := gw.Start(); err != nil {
				logger.ComponentError(logging.ComponentGateway, "Gateway failed", zap.Error(err))
				cancel()
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.ComponentInfo(logging.ComponentNode, "Received signal, shutting down",
			zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	if gw != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := gw.Stop(shutdownCtx); err != nil {
			logger.ComponentWarn(logging.ComponentGateway, "Gateway shutdown failed", zap.Error(err))
		}
		shutdownCancel()
	}
	if err := n.Stop(); err != nil {
		logger.ComponentError(logging.ComponentNode, "Node shutdown failed", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (*logging.ColoredLogger, error) {
	if cfg.Logging.OutputFile != "" {
		return logging.NewFileLogger(logging.ComponentNode, cfg.Logging.OutputFile, cfg.Logging.Colors)
	}
	return logging.NewColoredLogger(logging.ComponentNode, cfg.Logging.Colors)
}
