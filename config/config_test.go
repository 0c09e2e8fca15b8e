package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rushteam/fedrec/core"
	"github.com/rushteam/fedrec/store"
	"github.com/rushteam/fedrec/vector"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fedrec.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	dataHome := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dataHome)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Train.Threshold != core.DefaultTrainThreshold {
		t.Errorf("Train.Threshold = %d, want %d", cfg.Train.Threshold, core.DefaultTrainThreshold)
	}
	if cfg.Vector.Dim != core.CanonicalDim {
		t.Errorf("Vector.Dim = %d, want %d", cfg.Vector.Dim, core.CanonicalDim)
	}
	if cfg.Sync.Timeout != core.DefaultSyncTimeout {
		t.Errorf("Sync.Timeout = %v, want %v", cfg.Sync.Timeout, core.DefaultSyncTimeout)
	}
	if cfg.Projection.Padding != core.DefaultProjectionPadding {
		t.Errorf("Projection.Padding = %v", cfg.Projection.Padding)
	}
	if cfg.NeighborK != core.DefaultNeighborK {
		t.Errorf("NeighborK = %d", cfg.NeighborK)
	}
	// 默认持久化到用户数据目录，而不是内存
	want := store.Config{Backend: store.BackendBadger, Path: filepath.Join(dataHome, "fedrec")}
	if cfg.Store != want {
		t.Errorf("Store = %+v, want %+v", cfg.Store, want)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeFile(t, `
store:
  backend: badger
  path: /tmp/fedrec-data
vector:
  provider: http
  endpoint: https://videos.example.com
  dim: 8
train:
  threshold: 20
  batch_size: 15
  hidden: [16, 8]
sync:
  endpoint: http://aggregator.example.com:8000
  timeout: 3s
`)
	t.Setenv("FEDREC_SYNC_MAX_RETRIES", "4")
	t.Setenv("FEDREC_TRAIN_THRESHOLD", "30")
	t.Setenv("FEDREC_NEIGHBOR_K", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Store.Backend != store.BackendBadger || cfg.Store.Path != "/tmp/fedrec-data" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Vector.Provider != vector.ProviderHTTP || cfg.Vector.Dim != 8 {
		t.Errorf("Vector = %+v", cfg.Vector)
	}
	// 文件未设置的字段保留默认值
	if cfg.Vector.Table != "videos" {
		t.Errorf("Vector.Table = %q, want default", cfg.Vector.Table)
	}
	if cfg.Train.Threshold != 30 {
		t.Errorf("Train.Threshold = %d, want env override 30", cfg.Train.Threshold)
	}
	if cfg.Train.BatchSize != 15 {
		t.Errorf("Train.BatchSize = %d, want 15", cfg.Train.BatchSize)
	}
	if len(cfg.Train.Hidden) != 2 || cfg.Train.Hidden[0] != 16 {
		t.Errorf("Train.Hidden = %v", cfg.Train.Hidden)
	}
	if cfg.Sync.Timeout != 3*time.Second {
		t.Errorf("Sync.Timeout = %v, want 3s", cfg.Sync.Timeout)
	}
	if cfg.Sync.MaxRetries != 4 {
		t.Errorf("Sync.MaxRetries = %d, want 4", cfg.Sync.MaxRetries)
	}
	if cfg.NeighborK != 7 {
		t.Errorf("NeighborK = %d, want 7", cfg.NeighborK)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown backend", "store:\n  backend: sqlite\n"},
		{"badger without path", "store:\n  backend: badger\n  path: \"\"\n"},
		{"batch larger than threshold", "train:\n  threshold: 5\n  batch_size: 6\n"},
		{"padding out of range", "projection:\n  padding: 0.5\n"},
		{"http provider without endpoint", "vector:\n  provider: http\n"},
		{"bad sync mode", "sync:\n  mode: gradients\n"},
		{"malformed yaml", "train: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeFile(t, tt.content)); err == nil {
				t.Error("Load() expected error")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of missing file expected error")
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"FEDREC_SYNC_MAX_RETRIES": "sync.max_retries",
		"FEDREC_STORE_BACKEND":    "store.backend",
		"FEDREC_NEIGHBOR_K":       "neighbor_k",
		"FEDREC_LOG_LEVEL":        "log.level",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}
