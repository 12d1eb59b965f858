// Package sources collects raw items from the forum, the GDACS event feed and
// user-submitted reports.
package sources

import (
	"strings"
	"sync"

	"github.com/k3a/html2text"
	"golang.org/x/text/unicode/norm"

	"github.com/crowdwarn/crowdwarn/internal/errors"
	"github.com/crowdwarn/crowdwarn/internal/logger"
)

var (
	serviceLogger logger.Logger
	loggerOnce    sync.Once
)

// GetLogger returns the sources module logger
func GetLogger() logger.Logger {
	loggerOnce.Do(func() {
		serviceLogger = logger.Global().Module("sources")
	})
	return serviceLogger
}

// CleanText converts HTML to plain text, applies NFKC normalization so
// full-width characters compare equal to their ASCII forms, and collapses
// whitespace.
func CleanText(html string) string {
	text := html2text.HTML2Text(html)
	text = norm.NFKC.String(text)
	return strings.Join(strings.Fields(text), " ")
}

func externalError(err error, source, operation string) error {
	return errors.New(err).
		Component("sources").
		Category(errors.CategoryExternal).
		Context("source", source).
		Context("operation", operation).
		Build()
}
