// Package env reads typed settings from the process environment. Unset or
// unparsable values fall back to the caller's default.
package env

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// GetStringFromFile prefers the contents of the file named by KEY_FILE
// (Docker and Kubernetes secrets) and falls back to KEY
func GetStringFromFile(key, defaultValue string) string {
	if path := os.Getenv(key + "_FILE"); path != "" {
		content, err := os.ReadFile(filepath.Clean(path))
		if err == nil {
			return string(bytes.TrimSpace(content))
		}
	}
	return GetString(key, defaultValue)
}

// GetString returns KEY or defaultValue when it is empty
func GetString(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// GetInt parses KEY as a base 10 integer
func GetInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

// GetBool parses KEY with strconv.ParseBool
func GetBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

// GetDuration parses KEY with time.ParseDuration, e.g. "45s" or "2m"
func GetDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

// GetList splits KEY on commas, e.g. CALL_WATCH_PEERS=alice,bob
func GetList(key string, defaultValue []string) []string {
	values := SplitList(os.Getenv(key))
	if len(values) == 0 {
		return defaultValue
	}
	return values
}

// SplitList splits a comma separated value, trimming blanks and dropping
// empty entries
func SplitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
