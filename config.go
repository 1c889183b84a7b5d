package tileacq

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/suyash-sneo/tileacq/acq"
)

// Config controls acquisition and supervision behavior.
type Config struct {
	SessionID string `yaml:"sessionID"`
	Debug     bool   `yaml:"debug"`

	// Acquisition. QueueDepth sizes the event backlog; a larger backlog is
	// accepted and logged.
	QueueDepth   int           `yaml:"queueDepth"`
	AbortTimeout time.Duration `yaml:"abortTimeout"`
	Geometry     acq.Geometry  `yaml:"geometry"`
	StageOriginX float64       `yaml:"stageOriginX"`
	StageOriginY float64       `yaml:"stageOriginY"`

	// Supervision
	PollInterval   time.Duration `yaml:"pollInterval"`
	StatusInterval time.Duration `yaml:"statusInterval"`
	StatusTTL      time.Duration `yaml:"statusTTL"`
	Deadline       time.Duration `yaml:"deadline"`

	// Error handling
	StoreErrorBackoff BackoffConfig `yaml:"storeErrorBackoff"`
}

// BackoffConfig describes an exponential backoff policy.
type BackoffConfig struct {
	Base       time.Duration `yaml:"base"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

// Next returns the next backoff duration for the given retry count.
func (b BackoffConfig) Next(retry int) time.Duration {
	if retry <= 0 {
		return b.Base
	}
	d := float64(b.Base)
	for i := 0; i < retry; i++ {
		d *= b.Multiplier
		if d >= float64(b.Max) {
			return b.Max
		}
	}
	return time.Duration(d)
}

// DefaultConfig returns a config suited to a single microscope session.
func DefaultConfig() Config {
	return Config{
		QueueDepth:   256,
		AbortTimeout: 10 * time.Second,
		Geometry: acq.Geometry{
			TileWidth:   512,
			TileHeight:  512,
			OverlapX:    0,
			OverlapY:    0,
			PixelSizeUm: 1.0,
		},

		PollInterval:   250 * time.Millisecond,
		StatusInterval: 5 * time.Second,
		StatusTTL:      30 * time.Second,
		Deadline:       0, // none

		StoreErrorBackoff: BackoffConfig{
			Base:       500 * time.Millisecond,
			Max:        30 * time.Second,
			Multiplier: 2.0,
		},
	}
}

// LoadConfig overlays a YAML file on DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate ensures config values are safe.
func (c Config) Validate() error {
	if c.QueueDepth <= 0 {
		return fmt.Errorf("QueueDepth must be >0")
	}
	if c.AbortTimeout <= 0 {
		return fmt.Errorf("AbortTimeout must be >0")
	}
	if err := c.Geometry.Validate(); err != nil {
		return fmt.Errorf("Geometry invalid: %w", err)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("PollInterval must be >0")
	}
	if c.StatusInterval <= 0 {
		return fmt.Errorf("StatusInterval must be >0")
	}
	if c.StatusTTL <= c.StatusInterval {
		return fmt.Errorf("StatusTTL must be greater than StatusInterval")
	}
	if c.Deadline < 0 {
		return fmt.Errorf("Deadline cannot be negative")
	}
	if err := c.StoreErrorBackoff.validate(); err != nil {
		return fmt.Errorf("StoreErrorBackoff invalid: %w", err)
	}
	return nil
}

func (b BackoffConfig) validate() error {
	if b.Base <= 0 {
		return fmt.Errorf("Base must be >0")
	}
	if b.Max <= 0 {
		return fmt.Errorf("Max must be >0")
	}
	if b.Multiplier < 1 {
		return fmt.Errorf("Multiplier must be >=1")
	}
	if b.Base > b.Max {
		return fmt.Errorf("Base must be <= Max")
	}
	return nil
}
