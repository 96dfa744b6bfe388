// Package envconfig reads tuning knobs and connection settings from the
// process environment, falling back to a default when a variable is
// unset or unparsable. Given a logger, String logs an unset-variable
// fallback and Int/Duration log a parse-failure fallback; Bool logs
// nothing.
package envconfig

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/durably/durably/internal/dlog"
)

func String(key, def string, log *dlog.Logger) string {
	if log != nil {
		log = log.With("env_var", key)
	}
	v, ok := os.LookupEnv(key)
	if !ok {
		if log != nil {
			log.Debug("env var not set, using default", "default", def)
		}
		return def
	}
	return v
}

func Int(key string, def int, log *dlog.Logger) int {
	if log != nil {
		log = log.With("env_var", key)
	}
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		if log != nil {
			log.Warn("env var could not be parsed as int, using default", "value", v, "default", def, "error", err)
		}
		return def
	}
	return n
}

func Duration(key string, def time.Duration, log *dlog.Logger) time.Duration {
	if log != nil {
		log = log.With("env_var", key)
	}
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		if log != nil {
			log.Warn("env var could not be parsed as duration, using default", "value", v, "default", def, "error", err)
		}
		return def
	}
	return d
}

func Bool(key string, def bool, log *dlog.Logger) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}
