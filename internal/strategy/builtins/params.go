// Package builtins provides the strategy implementations that ship with
// quantdesk: a rolling-band technical strategy and a weighted fundamental
// score strategy.
package builtins

import (
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"quantdesk/internal/config"
	"quantdesk/internal/provider"
	"quantdesk/internal/strategy"
)

// Strategy names as registered in the Registry.
const (
	NameBollinger   = "bollinger"
	NameFundamental = "fundamental"
)

var validate = validator.New()

// applyOverrides decodes overrides onto dst through its yaml tags and
// validates the result. Keys dst does not know are ignored.
func applyOverrides(dst any, overrides map[string]any) error {
	if len(overrides) > 0 {
		raw, err := yaml.Marshal(overrides)
		if err != nil {
			return fmt.Errorf("encoding overrides: %w", err)
		}
		if err := yaml.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("decoding overrides: %w", err)
		}
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}

// Register adds every built-in strategy to reg. Fundamental fields are
// fetched from p with at most maxConcurrent requests in flight.
func Register(reg *strategy.Registry, cfg config.StrategiesConfig, p provider.Provider, maxConcurrent int, log *slog.Logger) {
	reg.Register(NameBollinger, func(overrides map[string]any) (strategy.Strategy, error) {
		c := cfg.Bollinger
		if err := applyOverrides(&c, overrides); err != nil {
			return nil, err
		}
		return NewBollinger(c)
	})
	reg.Register(NameFundamental, func(overrides map[string]any) (strategy.Strategy, error) {
		c := cfg.Fundamental
		if err := applyOverrides(&c, overrides); err != nil {
			return nil, err
		}
		return NewFundamental(c, p, maxConcurrent, log)
	})
}
