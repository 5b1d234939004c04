package transform

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"scriptflow/internal/exchange"
	"scriptflow/internal/schema"
	"scriptflow/internal/scripterr"
	"scriptflow/internal/scriptsrc"
)

type recorder struct {
	mu                sync.Mutex
	opened, closed    int
	spawned, released int
	transformed       int
	failures          map[string]int
}

func (r *recorder) StageOpened(string) {
	r.mu.Lock()
	r.opened++
	r.mu.Unlock()
}
func (r *recorder) StageClosed(string) {
	r.mu.Lock()
	r.closed++
	r.mu.Unlock()
}
func (r *recorder) ProcessSpawned(string, int) {
	r.mu.Lock()
	r.spawned++
	r.mu.Unlock()
}
func (r *recorder) ProcessReleased(string, int) {
	r.mu.Lock()
	r.released++
	r.mu.Unlock()
}
func (r *recorder) RowTransformed(string, time.Duration) {
	r.mu.Lock()
	r.transformed++
	r.mu.Unlock()
}
func (r *recorder) RowFailed(_ string, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures == nil {
		r.failures = map[string]int{}
	}
	r.failures[kind]++
}

func (r *recorder) counts() (spawned, released int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spawned, r.released
}

var inputSchema = schema.New(
	schema.Column{Name: "a", Type: schema.Int},
	schema.Column{Name: "b", Type: schema.String},
	schema.Column{Name: "c", Type: schema.Int, Nullable: true},
)

func lookPath(t *testing.T, bin string) string {
	t.Helper()
	p, err := exec.LookPath(bin)
	if err != nil {
		t.Skipf("%s not available", bin)
	}
	return p
}

func newShellStage(t *testing.T, script string, mutate func(*ScriptConfig)) (*ScriptStage, *recorder) {
	t.Helper()
	cfg := ScriptConfig{
		Name:        "under-test",
		Interpreter: lookPath(t, "sh"),
		ScriptRef:   "s",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	rec := &recorder{}
	st, err := NewScriptStage(cfg, inputSchema, scriptsrc.Static{"s": script}, rec)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st, rec
}

const echoLoop = `while read line; do echo "$line"; done`

func TestScriptConfig_Validate(t *testing.T) {
	base := ScriptConfig{Name: "x", Interpreter: "python3", ScriptRef: "1"}
	if err := base.Validate(); err != nil {
		t.Fatal(err)
	}
	cases := map[string]func(*ScriptConfig){
		"missing ref":        func(c *ScriptConfig) { c.ScriptRef = " " },
		"missing name":       func(c *ScriptConfig) { c.Name = "" },
		"empty fields":       func(c *ScriptConfig) { c.OutputFields = []schema.Column{} },
		"field without name": func(c *ScriptConfig) { c.OutputFields = []schema.Column{{Type: schema.Int}} },
		"field without type": func(c *ScriptConfig) { c.OutputFields = []schema.Column{{Name: "a"}} },
		"bad mode":           func(c *ScriptConfig) { c.Mode = "batch" },
	}
	for name, mutate := range cases {
		c := base
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestClose_WithoutOpen(t *testing.T) {
	st, rec := newShellStage(t, echoLoop, nil)
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	if s, _ := rec.counts(); s != 0 {
		t.Fatalf("spawned %d processes", s)
	}
	if err := st.Open(context.Background()); !errors.Is(err, scripterr.ErrClosed) {
		t.Fatalf("open after close: %v", err)
	}
}

func TestOpen_EmptyScriptFailsWithoutSpawning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	res, err := scriptsrc.NewHTTPResolver(scriptsrc.HTTPConfig{URLTemplate: srv.URL + "/download/${id}"})
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	st, err := NewScriptStage(ScriptConfig{Name: "empty", Interpreter: lookPath(t, "sh"), ScriptRef: "7"}, inputSchema, res, rec)
	if err != nil {
		t.Fatal(err)
	}
	err = st.Open(context.Background())
	if !errors.Is(err, scripterr.ErrScriptResolution) {
		t.Fatalf("want resolution error, got %v", err)
	}
	if s, _ := rec.counts(); s != 0 {
		t.Fatalf("spawned %d processes", s)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestTransform_Lifecycle(t *testing.T) {
	st, rec := newShellStage(t, echoLoop, nil)
	row := schema.NewRow(int32(1), "a", int32(2))
	if _, err := st.Transform(context.Background(), row); !errors.Is(err, scripterr.ErrNotOpen) {
		t.Fatalf("before open: %v", err)
	}
	ctx := context.Background()
	if err := st.Open(ctx); err != nil {
		t.Fatal(err)
	}
	if err := st.Open(ctx); err != nil {
		t.Fatal(err)
	}
	if s, _ := rec.counts(); s != 1 {
		t.Fatalf("double open spawned %d processes", s)
	}
	if st.State() != Open {
		t.Fatalf("state %v", st.State())
	}
	st.Close()
	if _, err := st.Transform(ctx, row); !errors.Is(err, scripterr.ErrClosed) {
		t.Fatalf("after close: %v", err)
	}
	if s, r := rec.counts(); s != r {
		t.Fatalf("spawned %d, released %d", s, r)
	}
}

func TestTransform_PassthroughKeepsShapeAndMetadata(t *testing.T) {
	for _, mode := range []exchange.Mode{exchange.Persistent, exchange.PerRow} {
		t.Run(string(mode), func(t *testing.T) {
			script := echoLoop
			if mode == exchange.PerRow {
				script = "cat"
			}
			st, _ := newShellStage(t, script, func(c *ScriptConfig) { c.Mode = mode })
			if err := st.Open(context.Background()); err != nil {
				t.Fatal(err)
			}
			in := &schema.Row{Kind: schema.UpdateAfter, TableID: "db.users", Fields: []any{int32(1), "a", nil}}
			out, err := st.Transform(context.Background(), in)
			if err != nil {
				t.Fatal(err)
			}
			if out.Kind != in.Kind || out.TableID != in.TableID {
				t.Fatalf("metadata lost: %v", out)
			}
			if !reflect.DeepEqual(out.Fields, in.Fields) {
				t.Fatalf("fields %#v, want %#v", out.Fields, in.Fields)
			}
			if !reflect.DeepEqual(st.OutputSchema(), inputSchema) {
				t.Fatal("passthrough output schema differs from input")
			}
		})
	}
}

func TestTransform_DeclaredOutputFields(t *testing.T) {
	fields := []schema.Column{
		{Name: "id", Type: schema.BigInt, PrimaryKey: true},
		{Name: "label", Type: schema.String, Nullable: true},
		{Name: "ok", Type: schema.Boolean, DefaultValue: true},
		{Name: "tags", Type: schema.MustParseType("array<string>")},
	}
	st, _ := newShellStage(t, `while read line; do echo '[10, "x", null, ["p", "q"]]'; done`,
		func(c *ScriptConfig) { c.OutputFields = fields })
	if err := st.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := st.OutputSchema().Names(); !reflect.DeepEqual(got, []string{"id", "label", "ok", "tags"}) {
		t.Fatalf("output names %v", got)
	}
	for _, in := range []*schema.Row{
		schema.NewRow(int32(1), "a", int32(2)),
		schema.NewRow(nil, nil, nil),
	} {
		out, err := st.Transform(context.Background(), in)
		if err != nil {
			t.Fatal(err)
		}
		want := []any{int64(10), "x", true, []any{"p", "q"}}
		if !reflect.DeepEqual(out.Fields, want) {
			t.Fatalf("got %#v, want %#v", out.Fields, want)
		}
	}
}

func TestTransform_Failures(t *testing.T) {
	cases := []struct {
		name   string
		script string
		kind   error
		text   string
	}{
		{"exit status", `read line; echo boom; exit 2`, scripterr.ErrScriptExecution, "boom"},
		{"malformed", `while read line; do echo 'this is not json'; done`, scripterr.ErrProtocolFraming, "not json"},
		{"arity", `while read line; do echo '[1]'; done`, scripterr.ErrProtocolFraming, "expected 3 values"},
		{"type", `while read line; do echo '["x", "y", 1]'; done`, scripterr.ErrUnsupportedDataType, `"a"`},
		{"null in non-nullable", `while read line; do echo '[null, "y", 1]'; done`, scripterr.ErrUnsupportedDataType, "non-nullable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st, rec := newShellStage(t, tc.script, nil)
			if err := st.Open(context.Background()); err != nil {
				t.Fatal(err)
			}
			_, err := st.Transform(context.Background(), schema.NewRow(int32(1), "a", int32(2)))
			if !errors.Is(err, scripterr.ErrTransformExecution) || !errors.Is(err, tc.kind) {
				t.Fatalf("want %v inside transform error, got %v", tc.kind, err)
			}
			msg := err.Error()
			for _, want := range []string{"under-test", `[1, "a", 2]`, tc.text} {
				if !strings.Contains(msg, want) {
					t.Fatalf("error %q missing %q", msg, want)
				}
			}
			if err := st.Close(); err != nil {
				t.Fatalf("close after failure: %v", err)
			}
			if len(rec.failures) != 1 {
				t.Fatalf("failures %v", rec.failures)
			}
		})
	}
}

func TestTransform_ArityFailureCarriesResponse(t *testing.T) {
	st, _ := newShellStage(t, `while read line; do echo '[1, "z"]'; done`, nil)
	if err := st.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, err := st.Transform(context.Background(), schema.NewRow(int32(1), "a", int32(2)))
	if !errors.Is(err, scripterr.ErrProtocolFraming) {
		t.Fatalf("want framing error, got %v", err)
	}
	if out := scripterr.OutputOf(err); out != `[1,"z"]` {
		t.Fatalf("output %q", out)
	}
}

func TestTransform_NestedRowMetadataSurvives(t *testing.T) {
	in := schema.New(
		schema.Column{Name: "id", Type: schema.Int},
		schema.Column{Name: "child", Type: schema.MustParseType("row<k string, v int>")},
	)
	rec := &recorder{}
	st, err := NewScriptStage(ScriptConfig{Name: "nested", Interpreter: lookPath(t, "sh"), ScriptRef: "s"},
		in, scriptsrc.Static{"s": echoLoop}, rec)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if err := st.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	row := schema.NewRow(int32(1), &schema.Row{Kind: schema.Delete, TableID: "db.t", Fields: []any{"k1", int32(5)}})
	out, err := st.Transform(context.Background(), row)
	if err != nil {
		t.Fatal(err)
	}
	child := out.Fields[1].(*schema.Row)
	if child.Kind != schema.Delete || child.TableID != "db.t" {
		t.Fatalf("nested row metadata lost: %v", child)
	}
	if !reflect.DeepEqual(out.Fields, row.Fields) {
		t.Fatalf("fields %#v, want %#v", out.Fields, row.Fields)
	}
}

func TestTransform_CloseDuringExchange(t *testing.T) {
	st, _ := newShellStage(t, `read line; sleep 30`, nil)
	if err := st.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	errc := make(chan error, 1)
	go func() {
		_, err := st.Transform(context.Background(), schema.NewRow(int32(1), "a", int32(2)))
		errc <- err
	}()
	time.Sleep(200 * time.Millisecond)
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, scripterr.ErrClosed) {
			t.Fatalf("want closed error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("transform not interrupted by close")
	}
}

const doubler = `
import json, sys

def double(v):
    if isinstance(v, bool) or not isinstance(v, (int, float)):
        return v
    return v * 2

for line in sys.stdin:
    row = json.loads(line)
    print(json.dumps([double(v) for v in row]), flush=True)
`

func TestTransform_PythonDoubler(t *testing.T) {
	py := lookPath(t, "python3")
	for _, mode := range []exchange.Mode{exchange.Persistent, exchange.PerRow} {
		t.Run(string(mode), func(t *testing.T) {
			st, err := NewScriptStage(ScriptConfig{Name: "double", Interpreter: py, ScriptRef: "d", Mode: mode},
				inputSchema, scriptsrc.Static{"d": doubler}, nil)
			if err != nil {
				t.Fatal(err)
			}
			defer st.Close()
			if err := st.Open(context.Background()); err != nil {
				t.Fatal(err)
			}
			out, err := st.Transform(context.Background(), schema.NewRow(int32(1), "a", int32(2)))
			if err != nil {
				t.Fatal(err)
			}
			if want := []any{int32(2), "a", int32(4)}; !reflect.DeepEqual(out.Fields, want) {
				t.Fatalf("got %#v, want %#v", out.Fields, want)
			}
		})
	}
}

func TestInProcessClient(t *testing.T) {
	c := NewInProcessClient("upper", inputSchema, func(_ context.Context, r *schema.Row) (*schema.Row, error) {
		return r.WithFields([]any{r.Fields[0], strings.ToUpper(r.Fields[1].(string)), r.Fields[2]}), nil
	})
	row := schema.NewRow(int32(1), "a", int32(2))
	if _, err := c.Transform(context.Background(), row); !errors.Is(err, scripterr.ErrNotOpen) {
		t.Fatalf("before open: %v", err)
	}
	c.Open(context.Background())
	out, err := c.Transform(context.Background(), row)
	if err != nil || out.Fields[1] != "A" {
		t.Fatalf("got %v, %v", out, err)
	}
	c.Close()
	if _, err := c.Transform(context.Background(), row); !errors.Is(err, scripterr.ErrClosed) {
		t.Fatalf("after close: %v", err)
	}
}
