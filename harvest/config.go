package harvest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/harvest/harvest/internal/refresh"
	"github.com/hazyhaar/harvest/harvest/internal/registry"
	"github.com/hazyhaar/harvest/harvest/internal/scheduler"
	"github.com/hazyhaar/harvest/harvest/internal/source"
)

// Config configures the harvest service.
type Config struct {
	// DataDir is the root directory of the dataset files.
	DataDir string `yaml:"data_dir"`
	// CatalogPath is the SQLite file holding the cycle log. Empty disables
	// the cycle log unless a catalog database is passed with WithCatalogDB.
	CatalogPath string `yaml:"catalog_path"`
	// TimeZone is the wall clock naive times are expressed in.
	// Default: Asia/Shanghai.
	TimeZone string `yaml:"time_zone"`

	Refresh   refresh.Config   `yaml:"refresh"`
	Scheduler scheduler.Config `yaml:"scheduler"`
	// HTTP configures the adapters built from the datasets' source sections.
	HTTP source.Config `yaml:"http"`

	Datasets []registry.Entry `yaml:"datasets"`
}

func (c *Config) defaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.TimeZone == "" {
		c.TimeZone = "Asia/Shanghai"
	}
	if c.Scheduler.CheckInterval <= 0 {
		c.Scheduler.CheckInterval = time.Minute
	}
}

// ParseConfig decodes a YAML configuration. Unknown keys are errors so a
// misspelt dataset option never silently falls back to its default.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: config: %v", ErrInvalidInput, err)
	}
	cfg.defaults()
	return &cfg, nil
}

// LoadConfigFile reads and decodes the YAML configuration at path.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("harvest: read config: %w", err)
	}
	return ParseConfig(data)
}
