package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultsMatchSpec(t *testing.T) {
	d := Defaults()
	if d.Batch.Size != 150 {
		t.Errorf("Batch.Size = %d, want 150", d.Batch.Size)
	}
	if d.Batch.MaxConcurrentRPCCalls != 10 {
		t.Errorf("Batch.MaxConcurrentRPCCalls = %d, want 10", d.Batch.MaxConcurrentRPCCalls)
	}
	if d.Cache.MaxSize != 1_000_000 {
		t.Errorf("Cache.MaxSize = %d, want 1000000", d.Cache.MaxSize)
	}
	if d.RPC.TimeoutSeconds != 10 {
		t.Errorf("RPC.TimeoutSeconds = %d, want 10", d.RPC.TimeoutSeconds)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "default.yaml")
	if err := os.WriteFile(base, []byte("batch:\n  size: 42\n  chain-id: \"7\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir, "default", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Batch.Size != 42 {
		t.Errorf("Batch.Size = %d, want 42 from file", cfg.Batch.Size)
	}
	if cfg.Batch.ChainID != "7" {
		t.Errorf("Batch.ChainID = %q, want 7 from file", cfg.Batch.ChainID)
	}
	// Unset options still carry their spec default.
	if cfg.Cache.MaxSize != 1_000_000 {
		t.Errorf("Cache.MaxSize = %d, want default 1000000", cfg.Cache.MaxSize)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir, "nonexistent", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Batch.Size != 150 {
		t.Errorf("Batch.Size = %d, want default 150", cfg.Batch.Size)
	}
}

func TestLoadEnvOverlayMerges(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "default.yaml")
	if err := os.WriteFile(base, []byte("batch:\n  size: 42\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	overlay := filepath.Join(dir, "prod.yaml")
	if err := os.WriteFile(overlay, []byte("batch:\n  size: 99\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir, "default", "prod")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Batch.Size != 99 {
		t.Errorf("Batch.Size = %d, want 99 from prod overlay", cfg.Batch.Size)
	}
}

func TestDumpRendersYAMLWithOverrides(t *testing.T) {
	cfg := Defaults()
	cfg.Batch.ChainID = "137"

	out, err := cfg.Dump()
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if !strings.Contains(out, "chain-id: \"137\"") {
		t.Errorf("Dump output missing overridden chain-id, got:\n%s", out)
	}
	if !strings.Contains(out, "batch:") || !strings.Contains(out, "cache:") {
		t.Errorf("Dump output missing expected top-level sections, got:\n%s", out)
	}
}
