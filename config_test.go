package tileacq

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
}

func TestInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StatusTTL = cfg.StatusInterval
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for status ttl <= interval")
	}
	cfg = DefaultConfig()
	cfg.Geometry.OverlapX = cfg.Geometry.TileWidth
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for overlap >= tile width")
	}
}

func TestBackoffNext(t *testing.T) {
	b := BackoffConfig{Base: time.Second, Max: 10 * time.Second, Multiplier: 2}
	if got := b.Next(0); got != time.Second {
		t.Fatalf("retry0 expected 1s, got %v", got)
	}
	if got := b.Next(2); got != 4*time.Second {
		t.Fatalf("retry2 expected 4s, got %v", got)
	}
	if got := b.Next(10); got != b.Max {
		t.Fatalf("expected cap at %v, got %v", b.Max, got)
	}
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acq.yaml")
	data := []byte(`
debug: true
queueDepth: 8
deadline: 2m
geometry:
  tileWidth: 256
  tileHeight: 256
  overlapX: 16
  overlapY: 16
  pixelSizeUm: 0.325
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Debug || cfg.QueueDepth != 8 || cfg.Deadline != 2*time.Minute {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Geometry.OverlapX != 16 || cfg.Geometry.PixelSizeUm != 0.325 {
		t.Fatalf("geometry not applied: %+v", cfg.Geometry)
	}
	if cfg.AbortTimeout != DefaultConfig().AbortTimeout {
		t.Fatalf("expected default abort timeout to survive, got %v", cfg.AbortTimeout)
	}
}
