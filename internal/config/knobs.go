package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
)

// EnvOCCMaxRetries overrides the default retry budget of the OCC engine.
const EnvOCCMaxRetries = "UDF_EXECUTOR_OCC_MAX_RETRIES"

// DefaultOCCMaxRetries applies when EnvOCCMaxRetries is unset or invalid.
const DefaultOCCMaxRetries = 4

var (
	knobOnce      sync.Once
	occMaxRetries int
)

// OCCMaxRetries returns the process-wide retry budget. The environment is
// read on first use only.
func OCCMaxRetries() int {
	knobOnce.Do(func() {
		occMaxRetries = DefaultOCCMaxRetries
		raw, ok := os.LookupEnv(EnvOCCMaxRetries)
		if !ok {
			return
		}
		n, err := parseMaxRetries(raw)
		if err != nil {
			slog.Warn("ignoring invalid knob", "name", EnvOCCMaxRetries, "value", raw, "error", err)
			return
		}
		occMaxRetries = n
	})
	return occMaxRetries
}

func parseMaxRetries(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return n, nil
}
