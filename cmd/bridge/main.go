package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"pdu-bridge/pkg/bridge"
	"pdu-bridge/pkg/config"
	"pdu-bridge/pkg/errors"
	"pdu-bridge/pkg/logger"
)

func main() {
	settings, err := config.Load()
	if err != nil {
		logger.LogError("Configuration error: %v", err)
		os.Exit(1)
	}

	logger.Setup(&settings.Logging)
	logger.LogStartup("Logging initialized with level: %s", settings.Logging.Level)
	logger.LogStartup("PDU MQTT bridge starting")

	manager, err := bridge.New(settings)
	if err != nil {
		if _, ok := err.(*errors.ConfigError); ok {
			logger.LogError("Configuration error: %v", err)
			os.Exit(1)
		}
		logger.LogError("Startup failed: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Run(ctx); err != nil {
		logger.LogError("Bridge exited with error: %v", err)
		os.Exit(2)
	}
	logger.LogInfo("📢 Bye")
}
