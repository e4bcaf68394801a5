package config

import (
	"errors"
	"fmt"
)

// ConfigError reports an unusable configuration value. It is fatal at startup
// and makes a hot reload keep the previous configuration.
type ConfigError struct {
	// Field is the dotted config path, e.g. "reminder.time_range.start".
	Field string
	Msg   string
	Err   error
}

func (e *ConfigError) Error() string {
	switch {
	case e.Field != "" && e.Err != nil:
		return fmt.Sprintf("config: %s: %s: %v", e.Field, e.Msg, e.Err)
	case e.Field != "":
		return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("config: %s: %v", e.Msg, e.Err)
	default:
		return "config: " + e.Msg
	}
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Errorf builds a ConfigError for field.
func Errorf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches field context to err. A ConfigError is returned unchanged.
func Wrap(field string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		return err
	}
	return &ConfigError{Field: field, Msg: "invalid", Err: err}
}

// IsConfigError reports whether err carries a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
