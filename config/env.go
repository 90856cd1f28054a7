package config

import (
	"os"
	"strconv"
	"strings"
)

func BoolEnv(name string, defaultValue bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if v == "" {
		return defaultValue
	}

	switch v {
	case "1", "true", "on", "yes":
		return true
	case "0", "false", "off", "no":
		return false
	default:
		return defaultValue
	}
}

// IntEnvClamped reads an integer variable, clamping it to [minValue,
// maxValue] when that range is non-empty.
func IntEnvClamped(name string, defaultValue, minValue, maxValue int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return defaultValue
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}

	if minValue <= maxValue {
		n = min(max(n, minValue), maxValue)
	}
	return n
}
