package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports explicit absence of data.
	ErrNotFound = errors.New("not found")
	// ErrInvalidMetadata reports metadata missing a title or author.
	ErrInvalidMetadata = errors.New("invalid track metadata")
)

// ConfigurationError is returned by constructors for unusable configuration.
// It is fatal: the component must not be used.
type ConfigurationError struct {
	Component string
	Value     string
	Err       error
}

func (e *ConfigurationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s: invalid configuration: %v", e.Component, e.Err)
	}
	return fmt.Sprintf("%s: invalid configuration %q: %v", e.Component, e.Value, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NewConfigurationError builds a ConfigurationError.
func NewConfigurationError(component, value string, err error) *ConfigurationError {
	return &ConfigurationError{Component: component, Value: value, Err: err}
}

// IsConfigurationError reports whether err wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// TransientError wraps a network or API failure inside a single tier.
type TransientError struct {
	Tier Tier
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s tier: %v", e.Tier, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError for tier. Nil and ErrNotFound pass through.
func Transient(tier Tier, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Tier: tier, Err: err}
}
