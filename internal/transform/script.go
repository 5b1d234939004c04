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
	"scriptflow/internal/exchange"
	"scriptflow/internal/logging"
	"scriptflow/internal/process"
	"scriptflow/internal/schema"
	"scriptflow/internal/scripterr"
	"scriptflow/internal/scriptsrc"
)

// ScriptConfig configures one external-script stage.
type ScriptConfig struct {
	Name        string
	Interpreter string
	InlineFlag  string
	Args        []string
	ScriptRef   string
	Launch      process.Launch
	Mode        exchange.Mode
	MergeStderr bool
	Env         []string
	Dir         string
	StderrTail  int
	ExitGrace   time.Duration
	// OutputFields declares the output schema. Nil means the output schema
	// is the input schema.
	OutputFields []schema.Column
}

func (c ScriptConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("stage name must not be empty"))
	}
	if strings.TrimSpace(c.Interpreter) == "" {
		errs = append(errs, errors.New("interpreter must not be empty"))
	}
	if strings.TrimSpace(c.ScriptRef) == "" {
		errs = append(errs, errors.New("script reference must not be empty"))
	}
	switch c.Launch {
	case "", process.LaunchInline, process.LaunchFile:
	default:
		errs = append(errs, fmt.Errorf("unknown launch %q", c.Launch))
	}
	switch c.Mode {
	case "", exchange.Persistent, exchange.PerRow:
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}
	if c.OutputFields != nil {
		if len(c.OutputFields) == 0 {
			errs = append(errs, errors.New("output fields must not be empty"))
		}
		if err := schema.New(c.OutputFields...).Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("stage %q: %w", c.Name, err)
	}
	return nil
}

// ScriptStage transforms rows by exchanging them with an external
// interpreter process.
type ScriptStage struct {
	cfg      ScriptConfig
	id       string
	input    schema.Schema
	output   schema.Schema
	resolver scriptsrc.Resolver
	obs      Observer
	log      *slog.Logger

	state *lifecycle
	// mu guards session and serialises Open against Close.
	mu      sync.Mutex
	session *exchange.Session
}

func NewScriptStage(cfg ScriptConfig, input schema.Schema, resolver scriptsrc.Resolver, obs Observer) (*ScriptStage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if resolver == nil {
		return nil, fmt.Errorf("stage %q: no script resolver", cfg.Name)
	}
	if obs == nil {
		obs = NopObserver{}
	}
	out := input
	if cfg.OutputFields != nil {
		out = schema.New(cfg.OutputFields...)
	}
	id := uuid.NewString()
	return &ScriptStage{
		cfg:      cfg,
		id:       id,
		input:    input,
		output:   out,
		resolver: resolver,
		obs:      obs,
		log:      logging.Stage(cfg.Name, id),
		state:    newLifecycle(cfg.Name),
	}, nil
}

func (s *ScriptStage) Name() string                { return s.cfg.Name }
func (s *ScriptStage) ID() string                  { return s.id }
func (s *ScriptStage) State() State                { return s.state.get() }
func (s *ScriptStage) OutputSchema() schema.Schema { return s.output }

// Open resolves the script once and, in persistent mode, starts the child.
// Opening an open stage is a no-op.
func (s *ScriptStage) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state.get() {
	case Open:
		return nil
	case Closed:
		return &scripterr.Error{Kind: scripterr.ErrClosed, Stage: s.cfg.Name}
	}

	script, err := s.resolver.Resolve(ctx, s.cfg.ScriptRef)
	if err != nil {
		return withStage(s.cfg.Name, err)
	}
	sess := exchange.New(exchange.Config{
		Process: process.Spec{
			Interpreter: s.cfg.Interpreter,
			InlineFlag:  s.cfg.InlineFlag,
			Args:        s.cfg.Args,
			Script:      script.Text,
			ScriptPath:  script.Path,
			Launch:      s.cfg.Launch,
			MergeStderr: s.cfg.MergeStderr,
			Env:         s.cfg.Env,
			Dir:         s.cfg.Dir,
			StderrTail:  s.cfg.StderrTail,
		},
		Mode:      s.cfg.Mode,
		ExitGrace: s.cfg.ExitGrace,
		Hooks: exchange.Hooks{
			OnSpawn:   func(pid int) { s.obs.ProcessSpawned(s.cfg.Name, pid) },
			OnRelease: func(pid int) { s.obs.ProcessReleased(s.cfg.Name, pid) },
		},
		Logger: s.log,
	})
	if err := sess.Start(ctx); err != nil {
		sess.Close()
		return withStage(s.cfg.Name, err)
	}
	if err := s.state.transition(Unopened, Open); err != nil {
		sess.Close()
		return err
	}
	s.session = sess
	s.obs.StageOpened(s.cfg.Name)
	s.log.Info("stage opened", "script", s.cfg.ScriptRef, "mode", sess.Mode(), "output", s.output.String())
	return nil
}

// Transform runs one row through the script. The output row carries the
// input row's change kind and table id.
func (s *ScriptStage) Transform(ctx context.Context, row *schema.Row) (*schema.Row, error) {
	if err := s.state.check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return nil, &scripterr.Error{Kind: scripterr.ErrClosed, Stage: s.cfg.Name}
	}
	if row == nil {
		return nil, scripterr.TransformExecution(s.cfg.Name, "<nil>", errors.New("nil row"))
	}

	start := time.Now()
	out, err := s.transform(ctx, sess, row)
	if err != nil {
		s.obs.RowFailed(s.cfg.Name, scripterr.KindOf(err))
		if errors.Is(err, scripterr.ErrClosed) {
			return nil, withStage(s.cfg.Name, err)
		}
		return nil, scripterr.TransformExecution(s.cfg.Name, row.String(), err)
	}
	s.obs.RowTransformed(s.cfg.Name, time.Since(start))
	return out, nil
}

func (s *ScriptStage) transform(ctx context.Context, sess *exchange.Session, row *schema.Row) (*schema.Row, error) {
	req, nested, err := codec.EncodeFields(row.Fields, s.input)
	if err != nil {
		return nil, err
	}
	resp, err := sess.Exchange(ctx, req)
	if err != nil {
		return nil, err
	}
	fields, err := codec.DecodeFields(resp, s.output, nested)
	if err != nil {
		return nil, err
	}
	if s.log.Enabled(ctx, slog.LevelDebug) {
		s.log.Debug("row transformed", "in", row.String(), "out", fmt.Sprint(fields))
	}
	return row.WithFields(fields), nil
}

// Close kills the child, if any. It is safe without Open, after a failed
// Open, repeatedly, and while a Transform is in flight.
func (s *ScriptStage) Close() error {
	wasOpen := s.state.get() == Open
	if !s.state.close() {
		return nil
	}
	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
	if wasOpen {
		s.obs.StageClosed(s.cfg.Name)
		s.log.Info("stage closed")
	}
	return nil
}

func withStage(stage string, err error) error {
	var se *scripterr.Error
	if errors.As(err, &se) && se.Stage == "" {
		cp := *se
		cp.Stage = stage
		return &cp
	}
	return fmt.Errorf("%s: %w", stage, err)
}
