package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const scriptEnvPrefix = "SCRIPTFLOW_SCRIPT__"

// ScriptRuntime holds the defaults every script stage starts from.
type ScriptRuntime struct {
	Interpreter string `koanf:"interpreter"`
	InlineFlag  string `koanf:"inline_flag"`
	// DownloadURL is the file-server template; "${id}" is replaced by the
	// script reference.
	DownloadURL string        `koanf:"download_url"`
	ScriptDir   string        `koanf:"script_dir"`
	HTTPTimeout time.Duration `koanf:"http_timeout"`
	Mode        string        `koanf:"mode"`
	Launch      string        `koanf:"launch"`
	StderrTail  int           `koanf:"stderr_tail"`
	ExitGrace   time.Duration `koanf:"exit_grace"`
}

// LoadScriptRuntime merges YAML (if present) with env-vars
// (prefix `SCRIPTFLOW_SCRIPT__`, e.g. SCRIPTFLOW_SCRIPT__DOWNLOAD_URL).
func LoadScriptRuntime(path string) (ScriptRuntime, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return ScriptRuntime{}, err
		}
	}
	sv := k.String("schema_version")
	if sv != "" && sv != SupportedSchema {
		return ScriptRuntime{}, fmt.Errorf("script runtime schema_version %q not supported (want %s)", sv, SupportedSchema)
	}

	if err := k.Load(env.Provider(scriptEnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, scriptEnvPrefix))
	}), nil); err != nil {
		return ScriptRuntime{}, err
	}

	var rt ScriptRuntime
	if err := k.Unmarshal("", &rt); err != nil {
		return rt, err
	}
	applyScriptDefaults(&rt)
	return rt, nil
}

func applyScriptDefaults(rt *ScriptRuntime) {
	if rt.Interpreter == "" {
		rt.Interpreter = "/usr/bin/python3"
	}
	if rt.InlineFlag == "" {
		rt.InlineFlag = "-c"
	}
	if rt.HTTPTimeout == 0 {
		rt.HTTPTimeout = 5 * time.Second
	}
	if rt.Mode == "" {
		rt.Mode = "persistent"
	}
	if rt.Launch == "" {
		rt.Launch = "inline"
	}
	if rt.StderrTail == 0 {
		rt.StderrTail = 16 << 10
	}
	if rt.ExitGrace == 0 {
		rt.ExitGrace = 250 * time.Millisecond
	}
}
