// Package util holds the environment parsing helpers used by the command.
package util

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// ParseBoolEnv reads a boolean variable. It accepts true/1/yes/on and
// false/0/no/off in any case; unset or invalid values yield def.
func ParseBoolEnv(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "":
		return def
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	slog.Warn("util.ParseBoolEnv: invalid boolean, using default", "key", key, "value", val, "default", def)
	return def
}

// ParseFloatEnv reads a float variable, returning def when unset or invalid.
func ParseFloatEnv(key string, def float64) float64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		slog.Warn("util.ParseFloatEnv: invalid number, using default", "key", key, "value", val, "default", def)
		return def
	}
	return f
}

// ParseDurationEnv reads a time.ParseDuration value, returning def when
// unset or invalid.
func ParseDurationEnv(key string, def time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		slog.Warn("util.ParseDurationEnv: invalid duration, using default", "key", key, "value", val, "default", def)
		return def
	}
	return d
}

// GetEnv returns the trimmed value of key, or def when it is unset or blank.
func GetEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
