package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"scriptflow/internal/schema"
	"scriptflow/internal/spec"
)

const SupportedSchema = "v1"

// LoadPipelineSpec parses a pipeline YAML, validates schema_version, and
// returns the parsed spec and an absolute path to the source config (if set).
// The script runtime path is resolved in place the same way.
func LoadPipelineSpec(path string) (spec.File, string, error) {
	var cfg spec.File
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, "", err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, "", err
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SupportedSchema
	}
	if cfg.SchemaVersion != SupportedSchema {
		return cfg, "", fmt.Errorf("pipeline schema_version %q not supported (want %q)", cfg.SchemaVersion, SupportedSchema)
	}
	cfg.ScriptRuntime = relativeTo(path, cfg.ScriptRuntime)
	if err := validate(cfg); err != nil {
		return cfg, "", err
	}
	return cfg, relativeTo(path, cfg.Source.Config), nil
}

func relativeTo(pipelinePath, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(pipelinePath), p)
}

func validate(cfg spec.File) error {
	var errs []error
	if len(cfg.Input.Fields) == 0 {
		errs = append(errs, errors.New("input: fields must not be empty"))
	}
	if !validOnError(cfg.Input.OnError) {
		errs = append(errs, fmt.Errorf("input: on_error must be fail or skip, got %q", cfg.Input.OnError))
	}
	seen := map[string]bool{}
	for i, t := range cfg.Transformers {
		name := t.Name
		if strings.TrimSpace(name) == "" {
			errs = append(errs, fmt.Errorf("transformers[%d]: name must not be empty", i))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("transformer %s: duplicate name", name))
		}
		seen[name] = true
		switch t.Type {
		case "", "script":
			if strings.TrimSpace(t.ScriptRef) == "" {
				errs = append(errs, fmt.Errorf("transformer %s: script_reference must not be empty", name))
			}
		case "standard":
			errs = append(errs, validateStandard(t, cfg.LookupStore)...)
		default:
			errs = append(errs, fmt.Errorf("transformer %s: unsupported type %q", name, t.Type))
		}
		if !validOnError(t.OnError) {
			errs = append(errs, fmt.Errorf("transformer %s: on_error must be fail or skip, got %q", name, t.OnError))
		}
		if t.OutputFields != nil && len(t.OutputFields) == 0 {
			errs = append(errs, fmt.Errorf("transformer %s: output_fields must not be empty", name))
		}
	}
	if len(cfg.Sinks) == 0 {
		errs = append(errs, errors.New("sinks must not be empty"))
	}
	return errors.Join(errs...)
}

func validateStandard(t spec.TransformerSpec, store spec.LookupStore) []error {
	var errs []error
	for _, f := range []struct{ key, val string }{
		{"input_field", t.InputField},
		{"query_model_field", t.QueryField},
		{"model_id", t.ModelID},
		{"model_projection_field", t.ProjectionField},
		{"output_field_name", t.OutputName},
		{"output_field_type", t.OutputType},
	} {
		if strings.TrimSpace(f.val) == "" {
			errs = append(errs, fmt.Errorf("transformer %s: %s must not be empty", t.Name, f.key))
		}
	}
	if in, q := SplitList(t.InputField), SplitList(t.QueryField); len(in) != len(q) {
		errs = append(errs, fmt.Errorf("transformer %s: %d input fields for %d query fields", t.Name, len(in), len(q)))
	}
	if strings.TrimSpace(store.URI) == "" {
		errs = append(errs, fmt.Errorf("transformer %s: lookup_store.uri must be set", t.Name))
	}
	return errs
}

// SplitList splits a comma-separated field list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validOnError(s string) bool {
	return s == "" || s == "fail" || s == "skip"
}

// Columns converts declared fields to schema columns. Field names and types
// are required.
func Columns(fields []spec.FieldSpec) ([]schema.Column, error) {
	if fields == nil {
		return nil, nil
	}
	if len(fields) == 0 {
		return nil, errors.New("fields must not be empty")
	}
	cols := make([]schema.Column, 0, len(fields))
	var errs []error
	for i, f := range fields {
		if strings.TrimSpace(f.Name) == "" {
			errs = append(errs, fmt.Errorf("field %d: name must not be empty", i))
			continue
		}
		if strings.TrimSpace(f.Type) == "" {
			errs = append(errs, fmt.Errorf("field %s: type must not be empty", f.Name))
			continue
		}
		t, err := schema.ParseType(f.Type)
		if err != nil {
			errs = append(errs, fmt.Errorf("field %s: %w", f.Name, err))
			continue
		}
		cols = append(cols, schema.Column{
			Name:         f.Name,
			Type:         t,
			Nullable:     f.Nullable,
			PrimaryKey:   f.PrimaryKey,
			DefaultValue: f.DefaultValue,
			Comment:      f.Comment,
		})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := schema.New(cols...).Validate(); err != nil {
		return nil, err
	}
	return cols, nil
}
