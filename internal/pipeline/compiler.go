package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"scriptflow/internal/config"
	"scriptflow/internal/docstore"
	"scriptflow/internal/exchange"
	"scriptflow/internal/process"
	"scriptflow/internal/schema"
	"scriptflow/internal/scriptsrc"
	"scriptflow/internal/spec"
	"scriptflow/internal/transform"
	"scriptflow/sink"
	skafka "scriptflow/sink/kafka"
	"scriptflow/sink/stdout"
	"scriptflow/source/kafka"
)

type Options struct {
	// Observer receives stage events from every stage instance.
	Observer transform.Observer
	// Source replaces the source declared in the pipeline file.
	Source kafka.Adapter
}

func Compile(path string, opts Options) (*Runner, error) {
	r := NewRunner()
	if err := LoadYAML(path, r, opts); err != nil {
		return nil, err
	}
	return r, nil
}

func LoadYAML(path string, r *Runner, opts Options) error {
	cfg, confPath, err := config.LoadPipelineSpec(path)
	if err != nil {
		return err
	}
	rt, err := config.LoadScriptRuntime(cfg.ScriptRuntime)
	if err != nil {
		return fmt.Errorf("script runtime: %w", err)
	}

	/*──────── schema + stages ───────*/
	cols, err := config.Columns(cfg.Input.Fields)
	if err != nil {
		return fmt.Errorf("input: %w", err)
	}
	current := schema.New(cols...)
	r.SetInput(current, cfg.Input.Table, cfg.Input.OnError == "skip")

	for _, t := range cfg.Transformers {
		var (
			newFn StageFactory
			out   schema.Schema
		)
		if t.Type == "standard" {
			newFn, out, err = lookupStage(t, cfg.LookupStore, current, opts.Observer)
		} else {
			newFn, out, err = scriptStage(t, rt, filepath.Dir(path), current, opts.Observer)
		}
		if err != nil {
			return fmt.Errorf("transformer %s: %w", t.Name, err)
		}
		r.AddStage(t.Name, out, newFn, Policy{
			Timeout:     time.Duration(t.TimeoutMS) * time.Millisecond,
			Attempts:    t.RetryPolicy.Attempts,
			Backoff:     time.Duration(t.RetryPolicy.BackoffMS) * time.Millisecond,
			SkipOnError: t.OnError == "skip",
		})
		current = out
	}

	/*──────── source ───────*/
	src := opts.Source
	if src == nil {
		if cfg.Source.Kind != "kafka" {
			return fmt.Errorf("unsupported source %q", cfg.Source.Kind)
		}
		kc, err := kafka.LoadConfig(confPath)
		if err != nil {
			return err
		}
		if src, err = kafka.NewAdapter(cfg.Source.Driver); err != nil {
			return err
		}
		if err = src.Configure(kc); err != nil {
			return err
		}
	}
	r.SetSource(src)

	if aw, ok := src.(kafka.AckAware); ok {
		r.SubscribeAck(aw.OnAck)
	}
	if rw, ok := src.(kafka.ReleaseAware); ok {
		rw.OnRelease(r.release)
	}

	/*──────── sinks ───────*/
	for _, name := range cfg.Sinks {
		sDrv, err := sink.NewAdapter(name)
		if err != nil {
			return err
		}

		switch name {
		case "stdout":
			err = sDrv.Configure(stdout.Config{
				DelayMS:       cfg.Debug.PerFrameDelayMS,
				PrintCounter:  cfg.Debug.PrintCounter,
				PrintRow:      cfg.SinkConfigs.Stdout.PrintRow,
				ValueMaxBytes: cfg.SinkConfigs.Stdout.ValueMaxBytes,
				BatchSize:     cfg.Debug.AckBatchSize,
				FlushMS:       cfg.Debug.AckFlushMS,
			})
		case "kafka":
			err = sDrv.Configure(skafka.Config(cfg.SinkConfigs.Kafka))
		default:
			err = fmt.Errorf("no config block for sink %q", name)
		}
		if err != nil {
			return err
		}

		if ackAware, ok := sDrv.(sink.AckAware); ok {
			ackAware.BindAck(r.Ack)
		}
		r.AddSink(sDrv)
	}
	return nil
}

// scriptStage merges a transformer block over the runtime defaults and
// returns a factory for its instances plus the schema it outputs.
func scriptStage(t spec.TransformerSpec, rt config.ScriptRuntime, baseDir string, input schema.Schema, obs transform.Observer) (StageFactory, schema.Schema, error) {
	out, err := config.Columns(t.OutputFields)
	if err != nil {
		return nil, schema.Schema{}, fmt.Errorf("output_fields: %w", err)
	}
	mode, err := exchange.ParseMode(or(t.Mode, rt.Mode))
	if err != nil {
		return nil, schema.Schema{}, err
	}
	res, err := resolverFor(t, rt, baseDir)
	if err != nil {
		return nil, schema.Schema{}, err
	}

	sc := transform.ScriptConfig{
		Name:         t.Name,
		Interpreter:  or(t.Interpreter, rt.Interpreter),
		InlineFlag:   or(t.InlineFlag, rt.InlineFlag),
		Args:         t.Args,
		ScriptRef:    t.ScriptRef,
		Launch:       process.Launch(or(t.Launch, rt.Launch)),
		Mode:         mode,
		MergeStderr:  t.MergeStderr,
		Env:          envList(t.Env),
		StderrTail:   rt.StderrTail,
		ExitGrace:    rt.ExitGrace,
		OutputFields: out,
	}
	if err := sc.Validate(); err != nil {
		return nil, schema.Schema{}, err
	}
	output := input
	if out != nil {
		output = schema.New(out...)
	}
	newFn := func() (transform.Client, error) {
		return transform.NewScriptStage(sc, input, res, obs)
	}
	return newFn, output, nil
}

// lookupStage builds a document lookup stage. Each instance dials its own
// client; the driver pools connections underneath.
func lookupStage(t spec.TransformerSpec, store spec.LookupStore, input schema.Schema, obs transform.Observer) (StageFactory, schema.Schema, error) {
	typ, err := schema.ParseType(t.OutputType)
	if err != nil {
		return nil, schema.Schema{}, fmt.Errorf("output_field_type: %w", err)
	}
	lc := transform.LookupConfig{
		Name:            t.Name,
		InputFields:     config.SplitList(t.InputField),
		QueryFields:     config.SplitList(t.QueryField),
		Collection:      t.ModelID,
		ProjectionField: t.ProjectionField,
		Output:          schema.Column{Name: t.OutputName, Type: typ},
	}
	dc := docstore.Config{
		URI:      store.URI,
		Database: store.Database,
		Timeout:  time.Duration(store.TimeoutMS) * time.Millisecond,
	}
	dial := func(context.Context) (transform.Finder, error) {
		m, err := docstore.Dial(dc)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	// Building one instance checks the config against the input schema.
	first, err := transform.NewLookupStage(lc, input, dial, obs)
	if err != nil {
		return nil, schema.Schema{}, err
	}
	newFn := func() (transform.Client, error) {
		return transform.NewLookupStage(lc, input, dial, obs)
	}
	return newFn, first.OutputSchema(), nil
}

// resolverFor picks where a stage's script text comes from: the download
// URL template when one is configured, otherwise the script directory.
func resolverFor(t spec.TransformerSpec, rt config.ScriptRuntime, baseDir string) (scriptsrc.Resolver, error) {
	tmpl := or(t.ScriptURL, rt.DownloadURL)
	from := t.ScriptFrom
	if from == "" {
		from = "file"
		if tmpl != "" {
			from = "http"
		}
	}
	switch from {
	case "http":
		if tmpl == "" {
			return nil, errors.New("script_source http needs script_url or a runtime download_url")
		}
		hr, err := scriptsrc.NewHTTPResolver(scriptsrc.HTTPConfig{URLTemplate: tmpl, Timeout: rt.HTTPTimeout})
		if err != nil {
			return nil, err
		}
		return hr, nil
	case "file":
		dir := rt.ScriptDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(baseDir, dir)
		}
		return scriptsrc.FileResolver{Dir: dir}, nil
	}
	return nil, fmt.Errorf("unknown script_source %q", from)
}

func envList(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func or(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
