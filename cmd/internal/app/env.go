package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "BANKLINE_"

// envSource overlays BANKLINE_* variables onto a config. An unset or blank
// variable keeps the current value. A malformed one is recorded and
// reported by err, so a typo never silently falls back to a default.
type envSource struct {
	prefix string
	lookup func(string) (string, bool)
	errs   []error
}

func newEnvSource() *envSource {
	return &envSource{prefix: envPrefix, lookup: os.LookupEnv}
}

// err joins every malformed variable seen so far.
func (e *envSource) err() error {
	if len(e.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: environment: %w", errors.Join(e.errs...))
}

// overlay parses BANKLINE_<key> into dst when set.
func overlay[T any](e *envSource, dst *T, key string, parse func(string) (T, error)) {
	name := e.prefix + key
	raw, ok := e.lookup(name)
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return
	}
	v, err := parse(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = v
}

func (e *envSource) text(dst *string, key string) {
	overlay(e, dst, key, func(s string) (string, error) { return s, nil })
}

func (e *envSource) lower(dst *string, key string) {
	overlay(e, dst, key, func(s string) (string, error) { return strings.ToLower(s), nil })
}

func (e *envSource) flag(dst *bool, key string) {
	overlay(e, dst, key, func(s string) (bool, error) {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return false, fmt.Errorf("%q is not a boolean", s)
		}
		return b, nil
	})
}

func (e *envSource) count(dst *int, key string) {
	overlay(e, dst, key, func(s string) (int, error) {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%q is not a positive integer", s)
		}
		return n, nil
	})
}

func (e *envSource) conns(dst *int32, key string) {
	overlay(e, dst, key, func(s string) (int32, error) {
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%q is not a connection count", s)
		}
		return int32(n), nil
	})
}

func (e *envSource) factor(dst *float64, key string) {
	overlay(e, dst, key, func(s string) (float64, error) {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f <= 0 {
			return 0, fmt.Errorf("%q is not a positive number", s)
		}
		return f, nil
	})
}

func (e *envSource) span(dst *time.Duration, key string) {
	overlay(e, dst, key, func(s string) (time.Duration, error) {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return 0, fmt.Errorf("%q is not a positive duration", s)
		}
		return d, nil
	})
}
