// Package config holds the engine-wide tunables shared by every layer of
// the storage engine. Callers may load overrides from a YAML file; any
// field left unset keeps its compile-time default.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Engine-wide constants (spec.md section 6).
const (
	PageSize                    = 4096
	RecordSize                  = 8
	DefaultPageCapacity         = PageSize / RecordSize // 512
	DefaultMaxPageRange         = 32
	NumHiddenColumns            = 5
	DefaultMaxNumFrame          = 256
	DefaultMaxTailPagesBeforeMerge = 16

	RecordNoneValue     int64 = -2
	RecordDeletionFlag  int64 = -1
)

// Hidden column indices, in storage order.
const (
	ColIndirection = iota
	ColRID
	ColTimestamp
	ColSchemaEncoding
	ColUpdateTimestamp
)

// Config is the mutable set of tunables a Database is opened with.
type Config struct {
	PageCapacity               int `yaml:"page_capacity"`
	MaxPageRange                int `yaml:"max_page_range"`
	MaxNumFrame                 int `yaml:"max_num_frame"`
	MaxTailPagesBeforeMerge     int `yaml:"max_tail_pages_before_merge"`
}

// Default returns the compile-time default configuration.
func Default() Config {
	return Config{
		PageCapacity:            DefaultPageCapacity,
		MaxPageRange:            DefaultMaxPageRange,
		MaxNumFrame:             DefaultMaxNumFrame,
		MaxTailPagesBeforeMerge: DefaultMaxTailPagesBeforeMerge,
	}
}

// Load reads a YAML config file, applying it on top of Default().
// A missing file is not an error; Load simply returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.PageCapacity <= 0 {
		cfg.PageCapacity = DefaultPageCapacity
	}
	if cfg.MaxPageRange <= 0 {
		cfg.MaxPageRange = DefaultMaxPageRange
	}
	if cfg.MaxNumFrame <= 0 {
		cfg.MaxNumFrame = DefaultMaxNumFrame
	}
	if cfg.MaxTailPagesBeforeMerge <= 0 {
		cfg.MaxTailPagesBeforeMerge = DefaultMaxTailPagesBeforeMerge
	}
	return cfg, nil
}

// RecordsPerRange is the number of base records addressed by a single
// page range: MAX_PAGE_RANGE * PAGE_CAPACITY, where PAGE_CAPACITY is the
// compile-time DefaultPageCapacity that the page layout is built on.
func (c Config) RecordsPerRange() int {
	return c.MaxPageRange * DefaultPageCapacity
}
