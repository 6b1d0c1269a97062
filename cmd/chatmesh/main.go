package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/chatmesh/internal/config"
	"github.com/adred-codev/chatmesh/internal/monitoring"
	"github.com/adred-codev/chatmesh/internal/node"
)

func main() {
	nodeName := flag.String("node", "", "Name of this node in the cluster config (required)")
	configPath := flag.String("config", "servers.json", "Path to the cluster topology file")
	debug := flag.Bool("debug", false, "Force debug logging")
	flag.Parse()

	tuning, err := config.LoadTuning()
	if err != nil {
		fallback := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})
		fallback.Fatal().Err(err).Msg("Invalid tuning configuration")
	}
	if *debug {
		tuning.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  tuning.LogLevel,
		Format: tuning.LogFormat,
	})

	if *nodeName == "" {
		logger.Fatal().Msg("--node is required")
	}

	cluster, err := config.LoadCluster(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load cluster configuration")
	}
	tuning.LogConfig(logger)

	n, err := node.New(node.Options{
		NodeName: *nodeName,
		Cluster:  cluster,
		Tuning:   tuning,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize node")
	}
	if err := n.Run(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start node")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info().Str("signal", s.String()).Msg("Shutdown signal received")

	n.Shutdown()
}
