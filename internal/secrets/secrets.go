// Package secrets resolves credential values in the configuration.
//
// A configured value is used as-is unless it names another source:
//
//	file:/run/secrets/smtp_password   read from a mounted secret file
//	${SMTP_PASSWORD}                  expanded from the environment
//	${SMTP_PASSWORD:-fallback}        expanded with a fallback
//
// Secret values are never logged.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/crowdwarn/crowdwarn/internal/errors"
	"github.com/crowdwarn/crowdwarn/internal/logger"
)

const (
	// FilePrefix marks a value that names a secret file.
	FilePrefix = "file:"

	maxSecretFileSize = 64 * 1024
)

var (
	serviceLogger logger.Logger
	loggerOnce    sync.Once
)

// GetLogger returns the secrets module logger
func GetLogger() logger.Logger {
	loggerOnce.Do(func() {
		serviceLogger = logger.Global().Module("secrets")
	})
	return serviceLogger
}

// Resolve returns the secret a configured value refers to. An empty value
// resolves to the empty string.
func Resolve(field, value string) (string, error) {
	switch {
	case value == "":
		return "", nil
	case strings.HasPrefix(value, FilePrefix):
		secret, err := ReadFile(strings.TrimPrefix(value, FilePrefix))
		if err != nil {
			return "", resolveError(err, field, "file")
		}
		return secret, nil
	default:
		secret, err := ExpandString(value)
		if err != nil {
			return "", resolveError(err, field, "env")
		}
		return secret, nil
	}
}

// ResolveAll resolves each pointed-to value in place, keyed by field name.
// All fields are attempted; the errors are joined.
func ResolveAll(fields map[string]*string) error {
	var errs []error
	for field, ptr := range fields {
		if ptr == nil {
			continue
		}
		secret, err := Resolve(field, *ptr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*ptr = secret
	}
	return errors.Join(errs...)
}

// ExpandString expands ${VAR} and ${VAR:-default} references. A referenced
// variable that is unset and has no fallback is an error.
func ExpandString(s string) (string, error) {
	var missing []string
	expanded := os.Expand(s, func(key string) string {
		name, fallback, hasFallback := strings.Cut(key, ":-")
		if value := os.Getenv(name); value != "" {
			return value
		}
		if !hasFallback {
			missing = append(missing, name)
		}
		return fallback
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variable(s): %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}

// ReadFile reads a secret file, trimming trailing newlines. Files readable by
// group or others are accepted with a warning.
func ReadFile(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("secret file path is empty")
	}
	clean := filepath.Clean(path)

	info, err := os.Stat(clean)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("secret file not found: %s", clean)
		}
		return "", fmt.Errorf("failed to stat secret file %s: %w", clean, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("secret path is not a regular file: %s", clean)
	}
	if info.Size() > maxSecretFileSize {
		return "", fmt.Errorf("secret file too large (max %d bytes): %s", maxSecretFileSize, clean)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		GetLogger().Warn("secret file is readable by group or others",
			logger.String("path", clean),
			logger.String("perm", fmt.Sprintf("%04o", perm)))
	}

	data, err := os.ReadFile(clean)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file %s: %w", clean, err)
	}
	secret := strings.TrimRight(string(data), "\r\n")
	if secret == "" {
		return "", fmt.Errorf("secret file is empty: %s", clean)
	}
	return secret, nil
}

func resolveError(err error, field, source string) error {
	return errors.New(err).
		Component("secrets").
		Category(errors.CategoryConfiguration).
		Context("field", field).
		Context("source", source).
		Build()
}
