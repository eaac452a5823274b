package config

import (
	"fmt"

	"github.com/caarlos0/env/v10"
)

// Validator is implemented by config structs that check cross-field rules
// after parsing, e.g. that a lease outlives the poll interval.
type Validator interface {
	Validate() error
}

// Load parses environment variables into the provided struct.
// The struct should use `env` tags to define mappings. If cfg implements
// Validator, Validate is called after a successful parse.
//
// Example:
//
//	type Config struct {
//	    Port         int           `env:"HTTP_PORT" envDefault:"8080"`
//	    SagaDeadline time.Duration `env:"SAGA_DEADLINE" envDefault:"60s"`
//	}
func Load(cfg any) error {
	return load(cfg, env.Options{})
}

// LoadWithPrefix is Load with every tag looked up under prefix, so
// OUTBOX_ + BATCH_SIZE reads OUTBOX_BATCH_SIZE.
func LoadWithPrefix(cfg any, prefix string) error {
	return load(cfg, env.Options{Prefix: prefix})
}

func load(cfg any, opts env.Options) error {
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if v, ok := cfg.(Validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("validate config: %w", err)
		}
	}
	return nil
}
