// Package validation provides validation rules for cache updates and request parameters.
package validation

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// MaxKeyLength is the maximum length for flag keys and segment ids
	MaxKeyLength = 64
	// MaxEnvLength is the maximum length for environment names
	MaxEnvLength = 32
	// MaxUserIDLength is the maximum length for the publishing user id
	MaxUserIDLength = 128
	// MaxRulesSize is the maximum size of a serialized rules document in bytes
	MaxRulesSize = 256 * 1024 // 256KB
	// MaxContextAttributes is the maximum number of traits in an evaluation context
	MaxContextAttributes = 256
)

// keyPattern matches alphanumeric characters, underscores, dots, and hyphens
var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// ValidationResult holds the result of validation
type ValidationResult struct {
	Valid  bool
	Errors map[string]string
}

// NewValidationResult creates a new validation result
func NewValidationResult() *ValidationResult {
	return &ValidationResult{
		Valid:  true,
		Errors: make(map[string]string),
	}
}

// AddError adds a field error and marks the result as invalid
func (v *ValidationResult) AddError(field, message string) {
	v.Valid = false
	v.Errors[field] = message
}

// Merge combines another validation result into this one
func (v *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	for field, message := range other.Errors {
		v.AddError(field, message)
	}
}

// CacheUpdateParams contains the parameters of a cache update request.
// Version is a pointer so a missing version can be told apart from zero.
type CacheUpdateParams struct {
	UserID  string
	Env     string
	FlagKey string
	Rules   []byte
	Version *int64
}

// ValidateCacheUpdate validates every field of a cache update and returns a validation result
func ValidateCacheUpdate(params CacheUpdateParams) *ValidationResult {
	result := NewValidationResult()
	result.Merge(ValidateUserID(params.UserID))
	result.Merge(ValidateEnv("envId", params.Env))
	result.Merge(ValidateKey("flagId", params.FlagKey))
	result.Merge(ValidateRulesBlob(params.Rules))
	result.Merge(ValidateVersion(params.Version))
	return result
}

// ValidateKey validates a flag key or segment id reported under field
func ValidateKey(field, key string) *ValidationResult {
	result := NewValidationResult()
	key = strings.TrimSpace(key)

	if key == "" {
		result.AddError(field, "Key is required")
		return result
	}

	if utf8.RuneCountInString(key) > MaxKeyLength {
		result.AddError(field, "Key must not exceed 64 characters")
		return result
	}

	if !keyPattern.MatchString(key) {
		result.AddError(field, "Key must contain only alphanumeric characters, underscores, dots, and hyphens")
		return result
	}

	return result
}

// ValidateEnv validates an environment name reported under field
func ValidateEnv(field, env string) *ValidationResult {
	result := NewValidationResult()
	env = strings.TrimSpace(env)

	if env == "" {
		result.AddError(field, "Environment is required")
		return result
	}

	if utf8.RuneCountInString(env) > MaxEnvLength {
		result.AddError(field, "Environment must not exceed 32 characters")
		return result
	}

	if !keyPattern.MatchString(env) {
		result.AddError(field, "Environment must contain only alphanumeric characters, underscores, dots, and hyphens")
	}

	return result
}

// ValidateUserID validates the id of the user publishing rules
func ValidateUserID(userID string) *ValidationResult {
	result := NewValidationResult()

	if strings.TrimSpace(userID) == "" {
		result.AddError("userId", "User ID is required")
		return result
	}

	if utf8.RuneCountInString(userID) > MaxUserIDLength {
		result.AddError("userId", "User ID must not exceed 128 characters")
	}

	return result
}

// ValidateVersion validates a rules version
func ValidateVersion(version *int64) *ValidationResult {
	result := NewValidationResult()

	if version == nil {
		result.AddError("version", "Version is required")
		return result
	}

	if *version < 0 {
		result.AddError("version", "Version must not be negative")
	}

	return result
}

// ValidateRulesBlob validates that a serialized rules document is present
// and within the size limit. Syntax is left to the document decoder.
func ValidateRulesBlob(blob []byte) *ValidationResult {
	result := NewValidationResult()

	trimmed := strings.TrimSpace(string(blob))
	if trimmed == "" || trimmed == "null" {
		result.AddError("rules", "Rules are required")
		return result
	}

	if len(blob) > MaxRulesSize {
		result.AddError("rules", "Rules must not exceed 256KB")
	}

	return result
}

// ValidateContext validates the size of an evaluation context
func ValidateContext(attrs int) *ValidationResult {
	result := NewValidationResult()

	if attrs > MaxContextAttributes {
		result.AddError("context", "Context must not exceed 256 attributes")
	}

	return result
}
