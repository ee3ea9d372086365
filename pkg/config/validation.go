package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// Log level normalization is handled in ApplyDefaults, not here. Validation
// accepts both uppercase and lowercase log levels.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// stageRank orders the stage types from top to bottom.
var stageRank = map[string]int{
	StageDecompressor:  0,
	StageBlockCache:    1,
	StageStorageDevice: 2,
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	seen := make(map[string]bool)
	last := -1
	for i, stage := range cfg.Stack {
		if seen[stage.Type] {
			return fmt.Errorf("stack[%d]: duplicate stage %q", i, stage.Type)
		}
		seen[stage.Type] = true

		rank := stageRank[stage.Type]
		if rank < last {
			return fmt.Errorf("stack[%d]: stage %q must be above %q", i, stage.Type, cfg.Stack[i-1].Type)
		}
		last = rank
	}

	if n := len(cfg.Stack); n == 0 || cfg.Stack[n-1].Type != StageStorageDevice {
		return fmt.Errorf("stack: the last stage must be %q", StageStorageDevice)
	}

	if cfg.Watch.Enabled && len(cfg.Watch.Paths) == 0 {
		return fmt.Errorf("watch: enabled but no paths configured")
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
