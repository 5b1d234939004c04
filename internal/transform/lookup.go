package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"scriptflow/internal/codec"
	"scriptflow/internal/docstore"
	"scriptflow/internal/logging"
	"scriptflow/internal/schema"
	"scriptflow/internal/scripterr"
)

// Finder returns one field of the first document in a collection matching
// every term of filter. A nil value and nil error mean nothing matched.
type Finder interface {
	FindValue(ctx context.Context, collection string, filter []docstore.Match, field string) (any, error)
	Close(ctx context.Context) error
}

// Dialer opens the Finder of one lookup stage instance.
type Dialer func(ctx context.Context) (Finder, error)

// LookupConfig configures a stage that enriches rows with a value read from
// a document collection.
type LookupConfig struct {
	Name string
	// InputFields are the input columns whose values form the filter, paired
	// in order with the document fields in QueryFields.
	InputFields []string
	QueryFields []string
	Collection  string
	// ProjectionField is the document field copied into Output.
	ProjectionField string
	// Output replaces the input column of the same name, or is appended.
	Output schema.Column
}

func (c LookupConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("stage name must not be empty"))
	}
	if len(c.InputFields) == 0 {
		errs = append(errs, errors.New("input fields must not be empty"))
	}
	if len(c.InputFields) != len(c.QueryFields) {
		errs = append(errs, fmt.Errorf("%d input fields for %d query fields", len(c.InputFields), len(c.QueryFields)))
	}
	if strings.TrimSpace(c.Collection) == "" {
		errs = append(errs, errors.New("collection must not be empty"))
	}
	if strings.TrimSpace(c.ProjectionField) == "" {
		errs = append(errs, errors.New("projection field must not be empty"))
	}
	if strings.TrimSpace(c.Output.Name) == "" || c.Output.Type == nil {
		errs = append(errs, errors.New("output field needs a name and a type"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("stage %q: %w", c.Name, err)
	}
	return nil
}

// LookupStage adds or replaces one column with the value found for the
// row's key fields. A key with no matching document yields null.
type LookupStage struct {
	cfg    LookupConfig
	id     string
	input  schema.Schema
	output schema.Schema
	keys   []int
	slot   int
	dial   Dialer
	obs    Observer
	log    *slog.Logger

	state  *lifecycle
	mu     sync.Mutex
	finder Finder
}

func NewLookupStage(cfg LookupConfig, input schema.Schema, dial Dialer, obs Observer) (*LookupStage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dial == nil {
		return nil, fmt.Errorf("stage %q: no document store", cfg.Name)
	}
	if obs == nil {
		obs = NopObserver{}
	}
	keys := make([]int, len(cfg.InputFields))
	for i, name := range cfg.InputFields {
		idx := input.IndexOf(name)
		if idx < 0 {
			return nil, fmt.Errorf("stage %q: input field %q not in %s", cfg.Name, name, input)
		}
		switch input.Columns[idx].Type.(type) {
		case schema.Basic, schema.DecimalType:
		default:
			return nil, fmt.Errorf("stage %q: input field %q of type %s cannot be a lookup key", cfg.Name, name, input.Columns[idx].Type)
		}
		keys[i] = idx
	}
	cols := append([]schema.Column(nil), input.Columns...)
	slot := input.IndexOf(cfg.Output.Name)
	out := cfg.Output
	out.Nullable = true
	if slot < 0 {
		slot = len(cols)
		cols = append(cols, out)
	} else {
		cols[slot] = out
	}
	id := uuid.NewString()
	return &LookupStage{
		cfg:    cfg,
		id:     id,
		input:  input,
		output: schema.New(cols...),
		keys:   keys,
		slot:   slot,
		dial:   dial,
		obs:    obs,
		log:    logging.Stage(cfg.Name, id),
		state:  newLifecycle(cfg.Name),
	}, nil
}

func (s *LookupStage) Name() string                { return s.cfg.Name }
func (s *LookupStage) State() State                { return s.state.get() }
func (s *LookupStage) OutputSchema() schema.Schema { return s.output }

func (s *LookupStage) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state.get() {
	case Open:
		return nil
	case Closed:
		return &scripterr.Error{Kind: scripterr.ErrClosed, Stage: s.cfg.Name}
	}
	f, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("%s: document store: %w", s.cfg.Name, err)
	}
	if err := s.state.transition(Unopened, Open); err != nil {
		f.Close(context.Background())
		return err
	}
	s.finder = f
	s.obs.StageOpened(s.cfg.Name)
	s.log.Info("stage opened", "collection", s.cfg.Collection, "output", s.output.String())
	return nil
}

func (s *LookupStage) Transform(ctx context.Context, row *schema.Row) (*schema.Row, error) {
	if err := s.state.check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	f := s.finder
	s.mu.Unlock()
	if f == nil {
		return nil, &scripterr.Error{Kind: scripterr.ErrClosed, Stage: s.cfg.Name}
	}
	if row == nil {
		return nil, scripterr.TransformExecution(s.cfg.Name, "<nil>", errors.New("nil row"))
	}

	start := time.Now()
	out, err := s.lookup(ctx, f, row)
	if err != nil {
		s.obs.RowFailed(s.cfg.Name, scripterr.KindOf(err))
		return nil, scripterr.TransformExecution(s.cfg.Name, row.String(), err)
	}
	s.obs.RowTransformed(s.cfg.Name, time.Since(start))
	return out, nil
}

func (s *LookupStage) lookup(ctx context.Context, f Finder, row *schema.Row) (*schema.Row, error) {
	if row.Arity() != s.input.Arity() {
		return nil, scripterr.New(scripterr.ErrUnsupportedDataType, "row has %d fields, input schema declares %d", row.Arity(), s.input.Arity())
	}
	filter := make([]docstore.Match, len(s.keys))
	for i, idx := range s.keys {
		v := row.Fields[idx]
		if dt, ok := s.input.Columns[idx].Type.(schema.DecimalType); ok {
			enc, err := codec.Encode(v, dt, s.input.Columns[idx].Name)
			if err != nil {
				return nil, err
			}
			v = enc
		}
		filter[i] = docstore.Match{Field: s.cfg.QueryFields[i], Value: v}
	}
	found, err := f.FindValue(ctx, s.cfg.Collection, filter, s.cfg.ProjectionField)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, scripterr.Wrap(scripterr.ErrDeadlineExceeded, err, "lookup in %s", s.cfg.Collection)
		}
		return nil, fmt.Errorf("lookup in %s: %w", s.cfg.Collection, err)
	}
	v, err := codec.Decode(found, s.cfg.Output.Type, s.cfg.Output.Name)
	if err != nil {
		return nil, err
	}

	fields := make([]any, s.output.Arity())
	copy(fields, row.Fields)
	fields[s.slot] = v
	s.log.Debug("row enriched", "key", fmt.Sprint(filter), "value", v)
	return row.WithFields(fields), nil
}

// Close releases the store connection. It is safe without Open and
// repeatedly.
func (s *LookupStage) Close() error {
	wasOpen := s.state.get() == Open
	if !s.state.close() {
		return nil
	}
	s.mu.Lock()
	f := s.finder
	s.finder = nil
	s.mu.Unlock()
	var err error
	if f != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = f.Close(ctx)
	}
	if wasOpen {
		s.obs.StageClosed(s.cfg.Name)
		s.log.Info("stage closed")
	}
	return err
}
