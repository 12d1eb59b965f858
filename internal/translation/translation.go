// Package translation brings forum text into the language the classifier
// reads before classification.
//
// Passthrough keeps text as it is, which suits forums already written in the
// target language. LLMTranslator asks an OpenAI compatible chat endpoint.
package translation

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/crowdwarn/crowdwarn/internal/errors"
	"github.com/crowdwarn/crowdwarn/internal/logger"
)

// Result is the translation of one text.
type Result struct {
	Text     string
	Language string // BCP 47 tag of the source text, "und" when unknown
}

// Translator is the translation capability. Calls may be slow or remote and
// must not run while the write gate is held.
type Translator interface {
	Translate(ctx context.Context, text string) (Result, error)
}

var (
	serviceLogger logger.Logger
	loggerOnce    sync.Once
)

// GetLogger returns the translation module logger
func GetLogger() logger.Logger {
	loggerOnce.Do(func() {
		serviceLogger = logger.Global().Module("translation")
	})
	return serviceLogger
}

// Passthrough returns text unchanged apart from Unicode normalization.
type Passthrough struct{}

// Translate implements Translator.
func (Passthrough) Translate(_ context.Context, text string) (Result, error) {
	return Result{Text: norm.NFC.String(strings.TrimSpace(text)), Language: language.Und.String()}, nil
}

// ParseTarget parses the configured target language.
func ParseTarget(tag string) (language.Tag, error) {
	t, err := language.Parse(tag)
	if err != nil {
		return language.Und, errors.New(err).
			Component("translation").
			Category(errors.CategoryConfiguration).
			Context("target", tag).
			Build()
	}
	return t, nil
}

func externalError(err error) error {
	return errors.New(err).
		Component("translation").
		Category(errors.CategoryExternal).
		Context("call", "translate").
		Build()
}
