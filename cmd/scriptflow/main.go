package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"scriptflow/internal/engine"
	"scriptflow/internal/logging"
)

func main() {
	var cfg engine.Config
	flag.StringVar(&cfg.PipelineYml, "pipeline", "pipeline.yml", "pipeline definition (empty runs transport and metrics only)")
	flag.IntVar(&cfg.GRPCPort, "grpc-port", 7070, "gRPC health service port")
	flag.IntVar(&cfg.MetricsPort, "metrics-port", 9100, "metrics and ops HTTP port")
	flag.Parse()

	logging.InitFromEnv()
	log := logging.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := engine.Bootstrap(ctx, cfg)
	if err != nil {
		log.Error("bootstrap", "err", err)
		os.Exit(1)
	}

	if err := e.Run(ctx); err != nil {
		log.Error("engine", "err", err)
		os.Exit(1)
	}
}
