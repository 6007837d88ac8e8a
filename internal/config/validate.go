package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"github.com/roach88/scenepipe/internal/ir"
)

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate
)

func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())

		_ = v.RegisterValidation("activity_type", func(fl validator.FieldLevel) bool {
			_, err := ir.ParseActivityType(fl.Field().String())
			return err == nil
		})

		validateInst = v
	})
	return validateInst
}

// Validate checks field constraints and then the cross-field rules:
// unique pool, provider and route names, a parseable janitor schedule.
func (c *Config) Validate() error {
	if err := validatorInstance().Struct(c); err != nil {
		return convertValidationError(err)
	}

	pools := make(map[string]bool, len(c.Locks))
	for _, p := range c.Locks {
		if pools[p.Name] {
			return ir.Misconfigured("locks: duplicate pool %q", p.Name)
		}
		pools[p.Name] = true
	}
	providers := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if providers[p.ID] {
			return ir.Misconfigured("providers: duplicate provider %q", p.ID)
		}
		providers[p.ID] = true
	}
	routes := make(map[int64]bool, len(c.Collections))
	for _, r := range c.Collections {
		if routes[r.ID] {
			return ir.Misconfigured("collections: duplicate route for collection %d", r.ID)
		}
		routes[r.ID] = true
	}

	if _, err := cron.ParseStandard(c.Janitor.Schedule); err != nil {
		return ir.Misconfigured("janitor.schedule: %v", err)
	}
	return nil
}

// convertValidationError reports every failed field as one
// ConfigurationError.
func convertValidationError(err error) error {
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return ir.Misconfigured("config: %v", err)
	}
	msgs := make([]string, 0, len(ves))
	for _, fe := range ves {
		msgs = append(msgs, describeField(fe))
	}
	return ir.Misconfigured("config: %s", strings.Join(msgs, "; "))
}

func describeField(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required", "required_if":
		return field + " is required"
	case "activity_type":
		return fmt.Sprintf("%s: unknown stage %q", field, fe.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value())
	}
}
