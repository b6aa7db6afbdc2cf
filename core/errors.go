package core

import (
	"errors"
	"fmt"
)

// ConfigError represents a configuration-related error with actionable instructions.
type ConfigError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
	Action  string // Actionable instruction for resolution
}

func (e *ConfigError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("%s. %s", e.Message, e.Action)
	}
	return e.Message
}

// Error codes for configuration errors
const (
	ErrCodeInvalidURL     = "INVALID_URL"
	ErrCodeInvalidValue   = "INVALID_VALUE"
	ErrCodeMissingConfig  = "MISSING_CONFIG"
	ErrCodeModelNotFound  = "MODEL_NOT_FOUND"
	ErrCodeCatalogInvalid = "CATALOG_INVALID"
)

// ErrInvalidURL returns an error for a malformed URL setting.
func ErrInvalidURL(varName, value, reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidURL,
		Message: fmt.Sprintf("Invalid %s '%s': %s", varName, value, reason),
		Action:  fmt.Sprintf("Set %s to an http(s) URL such as http://localhost:8081", varName),
	}
}

// ErrInvalidValue returns an error for an out-of-range setting.
func ErrInvalidValue(varName, reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidValue,
		Message: fmt.Sprintf("Invalid %s: %s", varName, reason),
		Action:  fmt.Sprintf("Fix %s in your .env file or unset it to use the default", varName),
	}
}

// ErrMissingConfig returns an error for missing required configuration.
func ErrMissingConfig(varName string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeMissingConfig,
		Message: fmt.Sprintf("Missing required configuration: %s", varName),
		Action:  fmt.Sprintf("Set %s in your .env file", varName),
	}
}

// ErrModelNotFound returns an error for an unknown model id.
func ErrModelNotFound(modelID string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeModelNotFound,
		Message: fmt.Sprintf("Model not found: %s", modelID),
		Action:  "Check the id against the entries in LOCALDREAM_MODELS_FILE",
	}
}

// ErrCatalogInvalid returns an error for a model catalog that fails to parse or validate.
func ErrCatalogInvalid(path, reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeCatalogInvalid,
		Message: fmt.Sprintf("Model catalog %s is invalid: %s", path, reason),
		Action:  "Fix the catalog file; every model needs a unique id and a positive generation_size",
	}
}

// IsConfigError checks if an error is (or wraps) a ConfigError and returns it if so.
func IsConfigError(err error) (*ConfigError, bool) {
	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return configErr, true
	}
	return nil, false
}

// GetErrorCode extracts the error code from an error if it's a ConfigError.
func GetErrorCode(err error) string {
	if configErr, ok := IsConfigError(err); ok {
		return configErr.Code
	}
	return ""
}
