package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// lookup returns the trimmed value of key. Blank values count as unset so an
// empty line in .env never overrides a default.
func lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func getEnv(key, defaultVal string) string {
	if value, ok := lookup(key); ok {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value, ok := lookup(key); ok {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if value, ok := lookup(key); ok {
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			return v
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value, ok := lookup(key); ok {
		if v, err := strconv.ParseBool(value); err == nil {
			return v
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value, ok := lookup(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvAsStringSlice(key string, defaults []string) []string {
	value, ok := lookup(key)
	if !ok {
		return defaults
	}
	filtered := make([]string, 0, strings.Count(value, ",")+1)
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			filtered = append(filtered, p)
		}
	}
	if len(filtered) == 0 {
		return defaults
	}
	return filtered
}
