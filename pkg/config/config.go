// Copyright 2024 Joinery Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"github.com/BurntSushi/toml"

	"github.com/joinerydb/joinery/pkg/common/budget"
	"github.com/joinerydb/joinery/pkg/common/joerr"
	"github.com/joinerydb/joinery/pkg/logutil"
	"github.com/joinerydb/joinery/pkg/spill"
)

const (
	// SpillBackendFile keeps spilled rows in compressed flat files.
	SpillBackendFile = "file"
	// SpillBackendPebble keeps spilled rows in an embedded pebble store.
	SpillBackendPebble = "pebble"
)

// Config carries everything an executor needs to run join instances.
type Config struct {
	// MemoryBudgetBytes caps resident join state per instance.
	// Zero or negative means unlimited.
	MemoryBudgetBytes int64 `toml:"memoryBudgetBytes"`

	// SpillDir is where spill buffers live. Required when any budget
	// is finite.
	SpillDir string `toml:"spillDir"`

	// SpillBackend selects the spill store implementation, "file" or
	// "pebble".
	SpillBackend string `toml:"spillBackend"`

	// OutputBatchSize is the row capacity of output batches handed to
	// join instances.
	OutputBatchSize int `toml:"outputBatchSize"`

	// ReplayBatchSize is how many spilled probe rows are reloaded per
	// chunk during partition replay.
	ReplayBatchSize int `toml:"replayBatchSize"`

	// Parallelism is how many join shards run concurrently.
	Parallelism int `toml:"parallelism"`

	Log logutil.Config `toml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		SpillBackend:    SpillBackendFile,
		OutputBatchSize: 1024,
		ReplayBatchSize: 1024,
		Parallelism:     1,
	}
}

// Load parses a toml configuration file, starting from defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, joerr.NewBadConfig("parse %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.SpillBackend {
	case SpillBackendFile, SpillBackendPebble:
	default:
		return joerr.NewBadConfig("unknown spill backend %q", c.SpillBackend)
	}
	if c.MemoryBudgetBytes > 0 && c.SpillDir == "" {
		return joerr.NewBadConfig("a finite memory budget requires spillDir")
	}
	if c.OutputBatchSize <= 0 {
		return joerr.NewBadConfig("outputBatchSize must be positive, got %d", c.OutputBatchSize)
	}
	if c.ReplayBatchSize <= 0 {
		return joerr.NewBadConfig("replayBatchSize must be positive, got %d", c.ReplayBatchSize)
	}
	if c.Parallelism <= 0 {
		return joerr.NewBadConfig("parallelism must be positive, got %d", c.Parallelism)
	}
	return nil
}

// OpenStore opens the spill store the configuration names.
func (c *Config) OpenStore() (spill.Store, error) {
	if c.SpillDir == "" {
		return nil, joerr.NewBadConfig("spillDir is required to open a spill store")
	}
	if c.SpillBackend == SpillBackendPebble {
		return spill.NewPebbleStore(c.SpillDir)
	}
	return spill.NewFileStore(c.SpillDir)
}

// NewBudget returns a fresh per-instance memory budget.
func (c *Config) NewBudget() *budget.Budget {
	return budget.New(c.MemoryBudgetBytes)
}
