// Package env reads typed configuration from the process environment. A
// variable that is unset falls back to the default; one that is set but
// malformed is an error naming the variable.
package env

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

func String(key string, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func lookup[T any](key string, def T, parse func(string) (T, error)) (T, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	out, err := parse(strings.TrimSpace(v))
	if err != nil {
		var zero T
		return zero, fmt.Errorf("parse %s: %w", key, err)
	}
	return out, nil
}

func Duration(key string, def time.Duration) (time.Duration, error) {
	return lookup(key, def, time.ParseDuration)
}

func Bool(key string, def bool) (bool, error) {
	return lookup(key, def, strconv.ParseBool)
}

func Int(key string, def int) (int, error) {
	return lookup(key, def, strconv.Atoi)
}

// Enum returns the lower-cased value, def when unset or blank, and an error
// when the value is not one of allowed.
func Enum(key string, def string, allowed ...string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(String(key, def)))
	if v == "" {
		v = def
	}
	if !slices.Contains(allowed, v) {
		return "", fmt.Errorf("%s must be one of: %s (got %q)", key, strings.Join(allowed, ", "), v)
	}
	return v, nil
}

// Fields splits a whitespace separated value, e.g. an interpreter command line.
func Fields(key string, def string) []string {
	return strings.Fields(String(key, def))
}

// CSV splits a comma separated value, trimming and dropping empty items.
func CSV(key string, def string) []string {
	var out []string
	for _, part := range strings.Split(String(key, def), ",") {
		if item := strings.TrimSpace(part); item != "" {
			out = append(out, item)
		}
	}
	return out
}
