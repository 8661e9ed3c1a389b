package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers Carapace-specific validation rules.
func RegisterCustomValidators(v *validator.Validate) error {
	// duration: validates Go duration strings like "10m" or "1h30m".
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	return nil
}

func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

// Validate validates the Config using struct tags, returning actionable
// error messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Name fields by their config-file keys (yaml tags), not Go names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	return nil
}

// formatValidationErrors turns validator errors into readable messages
// naming the config key and constraint.
func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		key := strings.ToLower(strings.TrimPrefix(fe.Namespace(), "Config."))
		switch fe.Tag() {
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s: must be one of [%s]", key, fe.Param()))
		case "min", "max":
			msgs = append(msgs, fmt.Sprintf("%s: must satisfy %s=%s", key, fe.Tag(), fe.Param()))
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s: is required", key))
		case "duration":
			msgs = append(msgs, fmt.Sprintf("%s: must be a positive duration like \"10m\"", key))
		default:
			msgs = append(msgs, fmt.Sprintf("%s: failed %s validation", key, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(msgs, "\n  - "))
}
