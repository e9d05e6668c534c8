// Package main provides a command-line driver that connects to a
// simulation shell, starts a board model, builds a JTAG controller on the
// register transport, then stops the model and closes the connection. It
// issues no register or scan operations of its own.
package main

import (
	"flag"
	"log"

	"go.uber.org/zap"

	"github.com/bradfordvt/p2654drv/ate"
	"github.com/bradfordvt/p2654drv/internal/config"
	"github.com/bradfordvt/p2654drv/internal/observability"
	"github.com/bradfordvt/p2654drv/jtag"
)

func main() {
	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting p2654drv",
		zap.String("ate_addr", cfg.Ate.Addr()),
		zap.String("board", cfg.Ate.Board),
	)

	transport := ate.NewTransport(ate.Config{
		Host:           cfg.Ate.Host,
		Port:           cfg.Ate.Port,
		TelnetTimeoutS: int(cfg.Ate.TelnetTimeout.Seconds()),
		ConnectRetry:   cfg.Ate.ConnectRetry,
		SettleDelay:    cfg.Ate.SettleDelay,
	}, logger)

	if err := transport.Connect(); err != nil {
		logger.Fatal("connecting to simulation shell", zap.Error(err))
	}
	defer func() {
		if err := transport.Close(); err != nil {
			logger.Error("closing ate transport", zap.Error(err))
		}
	}()

	if err := transport.Start(cfg.Ate.Board); err != nil {
		logger.Fatal("starting board model", zap.Error(err))
	}
	logger.Info("board model started", zap.String("response", transport.LastResponse()))

	jtagCtl := jtag.NewController(transport, logger)
	jtagCtl.PollBudget = cfg.JTAG.PollBudget

	if err := transport.Stop(); err != nil {
		logger.Error("stopping board model", zap.Error(err))
	}
}
