// Copyright 2026 Unicity Labs
//

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestApplyYAMLOverlayOverridesOnlySetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overlay.yaml")
	content := "roundDurationMs: 2500\ncommitmentBatchSize: 250\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write overlay file: %v", err)
	}

	cfg := &Config{
		RoundDurationMS:     1000,
		CommitmentBatchSize: 1000,
		SMTLockTimeoutMS:    10000,
		LockTTLSeconds:      30,
	}

	if err := applyYAMLOverlay(cfg, path); err != nil {
		t.Fatalf("applyYAMLOverlay: %v", err)
	}

	if cfg.RoundDurationMS != 2500 {
		t.Errorf("expected RoundDurationMS overridden to 2500, got %d", cfg.RoundDurationMS)
	}
	if cfg.CommitmentBatchSize != 250 {
		t.Errorf("expected CommitmentBatchSize overridden to 250, got %d", cfg.CommitmentBatchSize)
	}
	if cfg.SMTLockTimeoutMS != 10000 {
		t.Errorf("unset SMTLockTimeoutMS should keep its prior value, got %d", cfg.SMTLockTimeoutMS)
	}
	if cfg.LockTTLSeconds != 30 {
		t.Errorf("unset LockTTLSeconds should keep its prior value, got %d", cfg.LockTTLSeconds)
	}
}

func TestApplyYAMLOverlayMissingFile(t *testing.T) {
	cfg := &Config{}
	if err := applyYAMLOverlay(cfg, "/nonexistent/path.yaml"); err == nil {
		t.Fatalf("expected error for missing overlay file")
	}
}
