package config

import (
	"fmt"
	"sort"
	"strings"
)

// normalizer provides type-safe string-to-enum normalization with error handling.
type normalizer[T comparable] struct {
	validValues  map[string]T
	defaultValue T
	validKeys    []string // cached for error messages
}

// newNormalizer creates a normalizer with a map of valid string->value pairs.
// Keys are matched case-insensitively after trimming whitespace.
func newNormalizer[T comparable](values map[string]T, defaultValue T) *normalizer[T] {
	normalized := make(map[string]T, len(values))
	validKeys := make([]string, 0, len(values))

	for k, v := range values {
		key := cleanKey(k)
		normalized[key] = v
		validKeys = append(validKeys, key)
	}
	sort.Strings(validKeys)

	return &normalizer[T]{
		validValues:  normalized,
		defaultValue: defaultValue,
		validKeys:    validKeys,
	}
}

// Normalize converts a string to the enum type, falling back to the default
// for unrecognized input.
func (n *normalizer[T]) Normalize(raw string) T {
	if value, exists := n.validValues[cleanKey(raw)]; exists {
		return value
	}
	return n.defaultValue
}

// NormalizeWithError converts a string to the enum type, returning an error
// for unrecognized input. An empty string maps to the default without error.
func (n *normalizer[T]) NormalizeWithError(raw string) (T, error) {
	cleaned := cleanKey(raw)
	if cleaned == "" {
		return n.defaultValue, nil
	}
	if value, exists := n.validValues[cleaned]; exists {
		return value, nil
	}
	var zero T
	return zero, fmt.Errorf("invalid value %q, valid options: %v", raw, n.validKeys)
}

func cleanKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
