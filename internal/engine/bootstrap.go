package engine

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"scriptflow/internal/logging"
	"scriptflow/internal/pipeline"
	"scriptflow/internal/telemetry"
	"scriptflow/internal/transform"
	"scriptflow/internal/transport"
	"scriptflow/source/kafka"
)

type Config struct {
	GRPCPort    int
	MetricsPort int
	PipelineYml string // optional

	// Registry defaults to the global Prometheus registry.
	Registry *prometheus.Registry
	// Source replaces the pipeline's declared source.
	Source kafka.Adapter
}

func Bootstrap(ctx context.Context, cfg Config) (*Engine, error) {
	// 1. transport server
	srv, err := transport.StartServer(cfg.GRPCPort)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}

	var (
		reg      prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if cfg.Registry != nil {
		reg, gatherer = cfg.Registry, cfg.Registry
	}
	metrics := telemetry.NewMetrics(reg)

	// 2. pipeline runner
	var runner *pipeline.Runner
	if cfg.PipelineYml != "" {
		runner, err = pipeline.Compile(cfg.PipelineYml, pipeline.Options{
			Observer: transform.Observers{metrics, srv.Observer()},
			Source:   cfg.Source,
		})
		if err != nil {
			srv.Stop()
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		runner.OnSkip(metrics.RowSkipped)
		for _, st := range runner.Status().Stages {
			srv.Declare(st.Name)
		}
	}

	// 3. metrics + ops endpoints
	var status telemetry.StatusFunc
	if runner != nil {
		status = func() any { return runner.Status() }
	}
	ops, err := telemetry.Expose(cfg.MetricsPort, telemetry.Router(gatherer, status))
	if err != nil {
		srv.Stop()
		if runner != nil {
			runner.Close()
		}
		return nil, fmt.Errorf("metrics: %w", err)
	}

	logging.L().Info("engine bootstrapped",
		"grpc_port", srv.Port(), "metrics_port", ops.Port(), "pipeline", cfg.PipelineYml)
	return &Engine{
		transport: srv,
		ops:       ops,
		runner:    runner,
	}, nil
}
