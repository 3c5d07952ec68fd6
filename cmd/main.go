package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"vulcanbrownout/internal/clock"
	"vulcanbrownout/internal/config"
	"vulcanbrownout/internal/ha"
	"vulcanbrownout/internal/monitor"
	"vulcanbrownout/internal/server"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const defaultListenAddr = ":8099"
const defaultOptionsFile = "options.yaml"

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	haURL := os.Getenv("HA_URL")
	haToken := os.Getenv("HA_TOKEN")
	listenAddr := os.Getenv("LISTEN_ADDR")
	optionsFile := os.Getenv("OPTIONS_FILE")

	if haURL == "" || haToken == "" {
		logger.Fatal("HA_URL and HA_TOKEN environment variables must be set")
	}
	if listenAddr == "" {
		listenAddr = defaultListenAddr
	}
	if optionsFile == "" {
		optionsFile = defaultOptionsFile
	}

	logger.Info("Starting Vulcan Brownout",
		zap.String("version", monitor.Version),
		zap.String("ha_url", haURL),
		zap.String("listen_addr", listenAddr),
		zap.String("options_file", optionsFile))

	// Create HA client
	client := ha.NewClient(haURL, haToken, logger.Named("ha"))

	// Wire the monitor around the client and the persisted options
	options := config.NewStore(optionsFile, logger.Named("config"))
	mon := monitor.New(client, options, clock.NewRealClock(), logger.Named("monitor"))

	// Connect, discover battery entities and start tracking
	if err := mon.Start(); err != nil {
		logger.Fatal("Failed to start monitor", zap.Error(err))
	}
	defer mon.Stop()

	// Serve the WebSocket command API and health endpoint
	srv := server.NewServer(mon, logger.Named("server"), listenAddr)
	if err := srv.Start(); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Application running. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	<-sigChan

	logger.Info("Shutting down gracefully...")
	if err := srv.Stop(); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}
