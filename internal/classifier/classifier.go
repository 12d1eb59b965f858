// Package classifier decides whether ingested text reports a disaster and
// turns unprocessed raw items into findings.
//
// The model behind the decision is pluggable. KeywordClassifier works offline,
// LLMClassifier asks an OpenAI compatible chat endpoint and ScoreClassifier
// interprets raw logits from an external inference service.
package classifier

import (
	"context"
	"math"
	"sync"

	"github.com/crowdwarn/crowdwarn/internal/errors"
	"github.com/crowdwarn/crowdwarn/internal/logger"
)

// Verdict is the classification of one text.
type Verdict struct {
	IsDisaster   bool
	DisasterType string
	Location     string
	Time         string
	Probability  float64
}

// Validate rejects a probability outside [0,1]. Out of range values point at a
// broken model and are never clamped.
func (v Verdict) Validate() error {
	if math.IsNaN(v.Probability) || v.Probability < 0 || v.Probability > 1 {
		return errors.Newf("classifier returned probability %v outside [0,1]", v.Probability).
			Component("classifier").
			Category(errors.CategoryValidation).
			Context("probability", v.Probability).
			Build()
	}
	return nil
}

// Classifier is the model capability used by the pipeline. Both calls may be
// slow or remote; callers must not hold the write gate while calling them.
type Classifier interface {
	Classify(ctx context.Context, text string) (Verdict, error)
	IsRelated(ctx context.Context, a, b string) (bool, error)
}

var (
	serviceLogger logger.Logger
	loggerOnce    sync.Once
)

// GetLogger returns the classifier module logger
func GetLogger() logger.Logger {
	loggerOnce.Do(func() {
		serviceLogger = logger.Global().Module("classifier")
	})
	return serviceLogger
}

// externalError marks a failed call to the model backend.
func externalError(err error, call string) error {
	return errors.New(err).
		Component("classifier").
		Category(errors.CategoryExternal).
		Context("call", call).
		Build()
}
