// Copyright 2026 Unicity Labs
//

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// overlay is the subset of Config an operator may override via a
// mounted YAML file (CONFIG_FILE), for knobs that don't fit neatly in
// an env var (round tuning, read separately from secrets).
type overlay struct {
	RoundDurationMS     *int `yaml:"roundDurationMs"`
	CommitmentBatchSize *int `yaml:"commitmentBatchSize"`
	SMTLockTimeoutMS    *int `yaml:"smtLockTimeoutMs"`
	LockTTLSeconds      *int `yaml:"lockTtlSeconds"`
}

// applyYAMLOverlay reads path and merges any set fields into cfg. Env
// vars are read first in Load and this overlay is applied afterwards,
// so a field set in the file takes precedence over both its default
// and its env var.
func applyYAMLOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var o overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if o.RoundDurationMS != nil {
		cfg.RoundDurationMS = *o.RoundDurationMS
	}
	if o.CommitmentBatchSize != nil {
		cfg.CommitmentBatchSize = *o.CommitmentBatchSize
	}
	if o.SMTLockTimeoutMS != nil {
		cfg.SMTLockTimeoutMS = *o.SMTLockTimeoutMS
	}
	if o.LockTTLSeconds != nil {
		cfg.LockTTLSeconds = *o.LockTTLSeconds
	}

	return nil
}
