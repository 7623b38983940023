package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

const minSessionSecret = 32

// Validate checks the configuration: struct tags first, then the handful of
// cross-field rules tags cannot express.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			e := errs[0]
			return fmt.Errorf("invalid value for %s (rule %q)", e.Namespace(), e.Tag())
		}
		return err
	}

	if err := cfg.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	if cfg.Session.Secret != "" && len(cfg.Session.Secret) < minSessionSecret {
		return fmt.Errorf("session: secret must be at least %d bytes", minSessionSecret)
	}

	if cfg.Limits.MaxAppendBytes > cfg.Limits.MaxFileBytes {
		return fmt.Errorf("limits: max_append_bytes cannot exceed max_file_bytes")
	}
	if cfg.Limits.MaxBodyBytes < cfg.Limits.MaxFileBytes {
		return fmt.Errorf("limits: max_body_bytes must cover max_file_bytes")
	}

	if cfg.Webhooks.RetryBase > cfg.Webhooks.RetryCap {
		return fmt.Errorf("webhooks: retry_base cannot exceed retry_cap")
	}

	return nil
}
