// Package util reads engine switches from the environment.
package util

import (
	"os"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "fiscal.util")

var ErrMissingEnv = errors.New("environment variable not set")

// DebugEnabled forces debug logging regardless of log.level.
func DebugEnabled() bool { return Flag("FISCAL_DEBUG") }

// SQLTraceEnabled makes gorm log every statement.
func SQLTraceEnabled() bool { return Flag("FISCAL_SQL_TRACE") }

// Flag reports whether name holds a true boolean. Unparsable values count as
// false and are logged so a typo in a deployment does not go unnoticed.
func Flag(name string) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return false
	}
	on, err := strconv.ParseBool(v)
	if err != nil {
		logger.WithField("variable", name).WithField("value", v).Warn("Ignoring non-boolean flag")
		return false
	}
	return on
}

// GetEnv returns the value of key or def when it is unset or empty.
func GetEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// RequireEnv returns the value of key, wrapping ErrMissingEnv when it is unset or empty.
func RequireEnv(key string) (string, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", errors.Wrap(ErrMissingEnv, key)
	}
	return v, nil
}
