package types

import (
	"errors"
	"fmt"
)

// ErrNoProxyAvailable is wrapped by ProxyPoolExhaustedError
var ErrNoProxyAvailable = errors.New("no proxy available")

// BlockedError is returned when the site kept blocking until the retry
// budget ran out. The last exchange is still available for inspection.
type BlockedError struct {
	Exchange *Exchange
	Attempts int
}

func (e *BlockedError) Error() string {
	status := 0
	if e.Exchange != nil {
		status = e.Exchange.StatusCode
	}
	return fmt.Sprintf("blocked after %d attempts (last status %d)", e.Attempts, status)
}

// TransportExhaustedError is returned when no exchange was ever obtained
type TransportExhaustedError struct {
	Attempts int
	Err      error
}

func (e *TransportExhaustedError) Error() string {
	return fmt.Sprintf("transport failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransportExhaustedError) Unwrap() error {
	return e.Err
}

// ConfigurationError is raised synchronously while building a session or
// loading config, never from inside the retry loop
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// NewConfigError builds a ConfigurationError with a formatted reason
func NewConfigError(field, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ProxyPoolExhaustedError means every proxy is dead and the one recovery
// scan has already been spent
type ProxyPoolExhaustedError struct {
	Size int
}

func (e *ProxyPoolExhaustedError) Error() string {
	return fmt.Sprintf("proxy pool exhausted: all %d proxies dead", e.Size)
}

func (e *ProxyPoolExhaustedError) Unwrap() error {
	return ErrNoProxyAvailable
}
