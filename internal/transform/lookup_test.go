package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"sync"
	"testing"

	"scriptflow/internal/docstore"
	"scriptflow/internal/schema"
	"scriptflow/internal/scripterr"
)

// memFinder serves documents keyed by collection and the rendered filter.
type memFinder struct {
	mu     sync.Mutex
	docs   map[string]any
	err    error
	calls  []string
	closed int
}

func filterKey(collection string, filter []docstore.Match, field string) string {
	return fmt.Sprintf("%s%v.%s", collection, filter, field)
}

func (m *memFinder) FindValue(_ context.Context, collection string, filter []docstore.Match, field string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := filterKey(collection, filter, field)
	m.calls = append(m.calls, k)
	if m.err != nil {
		return nil, m.err
	}
	return m.docs[k], nil
}

func (m *memFinder) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

var ordersSchema = schema.New(
	schema.Column{Name: "id", Type: schema.BigInt},
	schema.Column{Name: "country", Type: schema.String},
	schema.Column{Name: "amount", Type: schema.DecimalType{Precision: 10, Scale: 2}},
)

func lookupConfig() LookupConfig {
	return LookupConfig{
		Name:            "region",
		InputFields:     []string{"country"},
		QueryFields:     []string{"code"},
		Collection:      "countries",
		ProjectionField: "region",
		Output:          schema.Column{Name: "region", Type: schema.String},
	}
}

func newLookup(t *testing.T, cfg LookupConfig, f *memFinder) (*LookupStage, *recorder) {
	t.Helper()
	rec := &recorder{}
	st, err := NewLookupStage(cfg, ordersSchema, func(context.Context) (Finder, error) { return f, nil }, rec)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	return st, rec
}

func mustRat(t *testing.T, s string) *big.Rat {
	t.Helper()
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		t.Fatalf("bad rational %q", s)
	}
	return r
}

func TestLookupConfig_Validate(t *testing.T) {
	if err := lookupConfig().Validate(); err != nil {
		t.Fatal(err)
	}
	cases := map[string]func(*LookupConfig){
		"no name":        func(c *LookupConfig) { c.Name = "" },
		"no input":       func(c *LookupConfig) { c.InputFields = nil; c.QueryFields = nil },
		"pairing":        func(c *LookupConfig) { c.QueryFields = []string{"a", "b"} },
		"no collection":  func(c *LookupConfig) { c.Collection = " " },
		"no projection":  func(c *LookupConfig) { c.ProjectionField = "" },
		"untyped output": func(c *LookupConfig) { c.Output.Type = nil },
		"unnamed output": func(c *LookupConfig) { c.Output.Name = "" },
	}
	for name, mutate := range cases {
		c := lookupConfig()
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestNewLookupStage_Keys(t *testing.T) {
	dial := func(context.Context) (Finder, error) { return &memFinder{}, nil }
	c := lookupConfig()
	c.InputFields = []string{"missing"}
	if _, err := NewLookupStage(c, ordersSchema, dial, nil); err == nil {
		t.Fatal("expected error for unknown input field")
	}
	nested := schema.New(schema.Column{Name: "tags", Type: schema.MustParseType("array<string>")})
	c.InputFields = []string{"tags"}
	if _, err := NewLookupStage(c, nested, dial, nil); err == nil {
		t.Fatal("expected error for array key")
	}
}

func TestLookup_AppendsColumn(t *testing.T) {
	f := &memFinder{docs: map[string]any{
		filterKey("countries", []docstore.Match{{Field: "code", Value: "DE"}}, "region"): "eu",
	}}
	st, rec := newLookup(t, lookupConfig(), f)

	if got := st.OutputSchema().Names(); !reflect.DeepEqual(got, []string{"id", "country", "amount", "region"}) {
		t.Fatalf("output names %v", got)
	}
	in := &schema.Row{Kind: schema.UpdateAfter, TableID: "shop.orders", Fields: []any{int64(1), "DE", nil}}
	out, err := st.Transform(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if want := []any{int64(1), "DE", nil, "eu"}; !reflect.DeepEqual(out.Fields, want) {
		t.Fatalf("got %#v, want %#v", out.Fields, want)
	}
	if out.Kind != in.Kind || out.TableID != in.TableID {
		t.Fatalf("metadata lost: %v", out)
	}

	out, err = st.Transform(context.Background(), schema.NewRow(int64(2), "XX", nil))
	if err != nil {
		t.Fatal(err)
	}
	if out.Fields[3] != nil {
		t.Fatalf("no match should give null, got %#v", out.Fields[3])
	}
	if rec.failures != nil {
		t.Fatalf("failures %v", rec.failures)
	}
}

func TestLookup_ReplacesColumnAndDecodes(t *testing.T) {
	c := lookupConfig()
	c.InputFields = []string{"id", "amount"}
	c.QueryFields = []string{"order", "total"}
	c.ProjectionField = "rate"
	c.Output = schema.Column{Name: "amount", Type: schema.DecimalType{Precision: 10, Scale: 2}}
	key := []docstore.Match{{Field: "order", Value: int64(7)}, {Field: "total", Value: json.Number("12.50")}}
	f := &memFinder{docs: map[string]any{filterKey("countries", key, "rate"): json.Number("0.125")}}
	st, _ := newLookup(t, c, f)

	if got := st.OutputSchema().Names(); !reflect.DeepEqual(got, []string{"id", "country", "amount"}) {
		t.Fatalf("output names %v", got)
	}
	out, err := st.Transform(context.Background(), schema.NewRow(int64(7), "DE", mustRat(t, "12.5")))
	if err != nil {
		t.Fatal(err)
	}
	if got := out.Fields[2]; fmt.Sprint(got) != "13/100" {
		t.Fatalf("amount = %v, calls %v", got, f.calls)
	}
}

func TestLookup_Failures(t *testing.T) {
	f := &memFinder{err: context.DeadlineExceeded}
	st, rec := newLookup(t, lookupConfig(), f)
	_, err := st.Transform(context.Background(), schema.NewRow(int64(1), "DE", nil))
	if !errors.Is(err, scripterr.ErrTransformExecution) || !scripterr.Retryable(err) {
		t.Fatalf("want retryable transform error, got %v", err)
	}

	if len(rec.failures) != 1 {
		t.Fatalf("failures %v", rec.failures)
	}

	c := lookupConfig()
	c.Output = schema.Column{Name: "region_id", Type: schema.BigInt}
	key := []docstore.Match{{Field: "code", Value: "DE"}}
	st, rec = newLookup(t, c, &memFinder{docs: map[string]any{filterKey("countries", key, "region"): "eu"}})
	_, err = st.Transform(context.Background(), schema.NewRow(int64(1), "DE", nil))
	if !errors.Is(err, scripterr.ErrUnsupportedDataType) {
		t.Fatalf("want unsupported data type, got %v", err)
	}
	if rec.failures["data_type"] != 1 {
		t.Fatalf("failures %v", rec.failures)
	}
}

func TestLookup_Lifecycle(t *testing.T) {
	f := &memFinder{}
	rec := &recorder{}
	st, err := NewLookupStage(lookupConfig(), ordersSchema, func(context.Context) (Finder, error) { return f, nil }, rec)
	if err != nil {
		t.Fatal(err)
	}
	row := schema.NewRow(int64(1), "DE", nil)
	if _, err := st.Transform(context.Background(), row); !errors.Is(err, scripterr.ErrNotOpen) {
		t.Fatalf("before open: %v", err)
	}
	if err := st.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	st.Close()
	st.Close()
	if f.closed != 1 {
		t.Fatalf("finder closed %d times", f.closed)
	}
	if _, err := st.Transform(context.Background(), row); !errors.Is(err, scripterr.ErrClosed) {
		t.Fatalf("after close: %v", err)
	}

	failing, err := NewLookupStage(lookupConfig(), ordersSchema, func(context.Context) (Finder, error) {
		return nil, errors.New("no route to host")
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := failing.Open(context.Background()); err == nil {
		t.Fatal("expected open error")
	}
	if failing.State() != Unopened {
		t.Fatalf("state %v", failing.State())
	}
}
