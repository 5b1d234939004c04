package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"scriptflow/internal/frame"
	"scriptflow/internal/transport"
	"scriptflow/source/kafka"
)

// blockingSource emits its frames and then waits for cancellation.
type blockingSource struct {
	frames []*frame.Frame
	closed chan struct{}
}

func (s *blockingSource) Configure(kafka.Config) error { return nil }
func (s *blockingSource) Run(ctx context.Context, emit kafka.EmitFunc) error {
	for _, f := range s.frames {
		if err := emit(f); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}
func (s *blockingSource) Close() error { close(s.closed); return nil }

func writePipeline(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"scripts/echo.sh": `while read -r line; do printf '%s\n' "$line"; done`,
		"runtime.yml":     "interpreter: /bin/sh\nscript_dir: scripts\n",
		"pipeline.yml": `
schema_version: v1
script_runtime: runtime.yml
input:
  fields:
    - {name: id, type: bigint}
transformers:
  - name: echo
    script_reference: echo.sh
sinks: [stdout]
`,
	}
	for name, body := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return filepath.Join(dir, "pipeline.yml")
}

func TestEngine_ServesAndStops(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	src := &blockingSource{
		frames: []*frame.Frame{{Value: []byte(`[41]`), Checkpoint: frame.Checkpoint{Topic: "in", Offset: 1}}},
		closed: make(chan struct{}),
	}
	e, err := Bootstrap(context.Background(), Config{
		PipelineYml: writePipeline(t),
		Registry:    prometheus.NewRegistry(),
		Source:      src,
	})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	client, cc, err := transport.Dial(e.GRPCPort())
	if err != nil {
		t.Fatal(err)
	}
	defer cc.Close()

	waitFor(t, func() bool {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: "echo"})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	})
	waitFor(t, func() bool {
		body := get(t, fmt.Sprintf("http://127.0.0.1:%d/metrics", e.MetricsPort()))
		return strings.Contains(body, `scriptflow_rows_transformed_total{stage="echo"} 1`)
	})
	if body := get(t, fmt.Sprintf("http://127.0.0.1:%d/stages", e.MetricsPort())); !strings.Contains(body, `"in[0]"`) {
		t.Fatalf("stages %s", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not stop")
	}
	select {
	case <-src.closed:
	default:
		t.Fatal("source not closed")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func get(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}
