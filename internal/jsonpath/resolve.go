// Package jsonpath resolves dot-notation paths in decoded JSON objects.
package jsonpath

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a path does not lead to a value.
var ErrNotFound = errors.New("path not found")

// Resolve walks path ("meta.type", without a "$." prefix) through nested
// objects of data and returns the value it leads to.
func Resolve(data map[string]any, path string) (any, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrNotFound)
	}
	var current any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %q: cannot traverse into non-object at %q", ErrNotFound, path, part)
		}
		current, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("%w: %q: field %q not found", ErrNotFound, path, part)
		}
	}
	return current, nil
}

// String resolves path and requires a non-empty string value.
func String(data map[string]any, path string) (string, error) {
	v, err := Resolve(data, path)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%q is not a non-empty string", path)
	}
	return s, nil
}
