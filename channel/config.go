package channel

import (
	"os"
	"time"

	"github.com/go-playground/validator"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// SimConfig describes the impairments one direction of a simulated channel
// applies. Probabilities are in [0,1]; delays are milliseconds.
type SimConfig struct {
	PLoss      float64 `yaml:"p_loss" validate:"gte=0,lte=1"`
	PCorrupt   float64 `yaml:"p_corrupt" validate:"gte=0,lte=1"`
	PDuplicate float64 `yaml:"p_duplicate" validate:"gte=0,lte=1"`
	PReorder   float64 `yaml:"p_reorder" validate:"gte=0,lte=1"`
	DelayMinMS int     `yaml:"delay_min" validate:"gte=0"`
	DelayMaxMS int     `yaml:"delay_max" validate:"gte=0,gtefield=DelayMinMS"`
	Seed       int64   `yaml:"seed"`
}

var validate = validator.New()

// Validate rejects out-of-range probabilities and inverted delay bounds.
func (c SimConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid simulator config")
	}
	return nil
}

func (c SimConfig) delayMin() time.Duration {
	return time.Duration(c.DelayMinMS) * time.Millisecond
}

func (c SimConfig) delayMax() time.Duration {
	return time.Duration(c.DelayMaxMS) * time.Millisecond
}

// LoadSimConfig reads a YAML impairment profile, e.g.
//
//	p_loss: 0.3
//	p_corrupt: 0.1
//	delay_min: 5
//	delay_max: 50
//	seed: 7
func LoadSimConfig(path string) (SimConfig, error) {
	var cfg SimConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read simulator profile")
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parse simulator profile")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
