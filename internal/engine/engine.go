package engine

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"scriptflow/internal/logging"
	"scriptflow/internal/pipeline"
	"scriptflow/internal/telemetry"
	"scriptflow/internal/transport"
)

const shutdownTimeout = 5 * time.Second

type Engine struct {
	transport *transport.Server
	ops       *telemetry.Server
	runner    *pipeline.Runner
}

func (e *Engine) GRPCPort() int    { return e.transport.Port() }
func (e *Engine) MetricsPort() int { return e.ops.Port() }

// Run serves until ctx is cancelled or the pipeline fails, then stops the
// servers and closes the runner, which kills every script process.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(e.transport.Serve)
	if e.runner != nil {
		g.Go(func() error {
			if err := e.runner.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		e.transport.Stop()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := e.ops.Shutdown(sctx)
		if e.runner != nil {
			err = errors.Join(err, e.runner.Close())
		}
		return err
	})

	e.transport.Ready()
	err := g.Wait()
	logging.L().Info("engine stopped", "err", err)
	return err
}
