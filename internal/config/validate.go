package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report toml key names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("toml"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})

	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d >= 0
	})

	return v
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatError(err)
	}
	if c.Bookmarks.Backend == "cluster" {
		cc := c.ClusterConfig()
		if err := cc.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func formatError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s %s", fieldPath(e.Namespace()), friendlyMessage(e)))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// fieldPath turns "Config.server.port" into "server.port".
func fieldPath(ns string) string {
	_, rest, ok := strings.Cut(ns, ".")
	if !ok {
		return ns
	}
	return rest
}

func friendlyMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", e.Param())
	case "min", "gte":
		return fmt.Sprintf("must be at least %s", e.Param())
	case "max", "lte":
		return fmt.Sprintf("must not exceed %s", e.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", e.Param())
	case "duration":
		return "must be a duration such as 1s or 500ms"
	default:
		return fmt.Sprintf("failed %s validation", e.Tag())
	}
}
