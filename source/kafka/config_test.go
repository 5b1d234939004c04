package kafka

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadConfig_FileEnvAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kafka.yml")
	body := []byte(`schema_version: v1
brokers: [localhost:9092]
topics: [rows]
group_id: scriptflow
commit_mode: e2e
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SCRIPTFLOW_KAFKA__BACKPRESSURE__CAPACITY", "64")
	t.Setenv("SCRIPTFLOW_KAFKA__START_FROM", "oldest")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cfg.Brokers, []string{"localhost:9092"}) || cfg.GroupID != "scriptflow" {
		t.Fatalf("file values: %+v", cfg)
	}
	if cfg.CommitMode != CommitE2E {
		t.Fatalf("commit mode %q", cfg.CommitMode)
	}
	if cfg.BackPressure.Capacity != 64 || cfg.StartFrom != "oldest" {
		t.Fatalf("env overlay: %+v", cfg)
	}
	if cfg.Checkpoint.CommitInt != 5*time.Second || cfg.Version == "" {
		t.Fatalf("defaults: %+v", cfg)
	}
}

func TestLoadConfig_RejectsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kafka.yml")
	if err := os.WriteFile(path, []byte("schema_version: v2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected schema_version error")
	}
}

func TestEnvKey(t *testing.T) {
	if got := envKey("SCRIPTFLOW_KAFKA__CHECKPOINT__COMMIT_INTERVAL"); got != "checkpoint.commit_interval" {
		t.Fatalf("got %q", got)
	}
}

func TestNewAdapter(t *testing.T) {
	if _, err := NewAdapter("sarama"); err != nil {
		t.Fatal(err)
	}
	if _, err := NewAdapter("kgo"); err == nil {
		t.Fatal("expected unknown driver error")
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	cases := map[string]string{
		"no topics":        "brokers: [b:9092]\ngroup_id: g\n",
		"no brokers":       "topics: [t]\ngroup_id: g\n",
		"no group":         "brokers: [b:9092]\ntopics: [t]\n",
		"bad commit mode":  "brokers: [b:9092]\ntopics: [t]\ngroup_id: g\ncommit_mode: sometimes\n",
		"bad start offset": "brokers: [b:9092]\ntopics: [t]\ngroup_id: g\nstart_from: middle\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "kafka.yml")
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadConfig(path); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDrivers(t *testing.T) {
	if got := Drivers(); len(got) == 0 || got[0] != "sarama" {
		t.Fatalf("drivers %v", got)
	}
}
