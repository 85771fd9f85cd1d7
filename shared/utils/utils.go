package utils

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
)

// EncodeCursor turns a handler's resume state into an opaque token.
func EncodeCursor(state any) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encoding cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeCursor reverses EncodeCursor. An empty token leaves state untouched
// and reports false.
func DecodeCursor(token string, state any) (bool, error) {
	if token == "" {
		return false, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return false, fmt.Errorf("malformed cursor: %w", err)
	}
	if err := json.Unmarshal(data, state); err != nil {
		return false, fmt.Errorf("malformed cursor: %w", err)
	}
	return true, nil
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NonNil returns s, or an empty slice when s is nil, so JSON encodes [] not null.
func NonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
