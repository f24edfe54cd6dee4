package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// SplitList splits a comma-separated parameter into trimmed, non-empty items.
// When n is larger than the number of items, the list is padded with its first
// item so that every video gets a value.
func SplitList(s string, n int) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	for len(out) > 0 && len(out) < n {
		out = append(out, out[0])
	}
	return out
}

// ParseFloats parses a comma-separated list of numbers, padded like SplitList.
func ParseFloats(s string, n int) ([]float64, error) {
	items := SplitList(s, n)
	out := make([]float64, 0, len(items))
	for _, it := range items {
		f, err := strconv.ParseFloat(it, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", it, err)
		}
		out = append(out, f)
	}
	return out, nil
}
