// Package config holds the environment loading and validation helpers shared
// by every component that reads its settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadResult is the outcome of loading one environment value.
type LoadResult[T any] struct {
	Value T
	// Warning describes why the default was used, empty otherwise.
	Warning         string
	FallbackApplied bool
}

// loadEnv reads envKey, parses and validates it, and falls back to def with
// a warning when either step fails. An unset or empty variable yields def
// without a warning.
func loadEnv[T any](envKey string, def T, parse func(string) (T, error), validate func(T) error) LoadResult[T] {
	raw := strings.TrimSpace(os.Getenv(envKey))
	if raw == "" {
		return LoadResult[T]{Value: def}
	}

	v, err := parse(raw)
	if err == nil && validate != nil {
		err = validate(v)
	}
	if err != nil {
		return LoadResult[T]{
			Value:           def,
			Warning:         fmt.Sprintf("invalid %s=%q: %v, falling back to default %v", envKey, raw, err, def),
			FallbackApplied: true,
		}
	}
	return LoadResult[T]{Value: v}
}

// LoadEnvString returns the variable, or def when it is unset.
func LoadEnvString(envKey, def string) string {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		return v
	}
	return def
}

// LoadEnvWithFallback loads a validated string.
func LoadEnvWithFallback(envKey, def string, validate func(string) error) LoadResult[string] {
	return loadEnv(envKey, def, func(s string) (string, error) { return s, nil }, validate)
}

// LoadEnvDuration loads a Go duration such as "30s" or "2h".
func LoadEnvDuration(envKey string, def time.Duration, validate func(time.Duration) error) LoadResult[time.Duration] {
	return loadEnv(envKey, def, time.ParseDuration, validate)
}

// LoadEnvInt loads a decimal integer.
func LoadEnvInt(envKey string, def int, validate func(int) error) LoadResult[int] {
	return loadEnv(envKey, def, strconv.Atoi, validate)
}

// LoadEnvBool loads a boolean accepted by strconv.ParseBool.
func LoadEnvBool(envKey string, def bool) LoadResult[bool] {
	return loadEnv(envKey, def, strconv.ParseBool, nil)
}

// LoadEnvList loads a comma separated list, dropping empty items.
func LoadEnvList(envKey string, def []string) []string {
	raw := os.Getenv(envKey)
	if strings.TrimSpace(raw) == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
