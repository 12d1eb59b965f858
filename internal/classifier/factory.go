package classifier

import (
	"github.com/crowdwarn/crowdwarn/internal/conf"
	"github.com/crowdwarn/crowdwarn/internal/datastore"
	"github.com/crowdwarn/crowdwarn/internal/errors"
)

// Provider names accepted in classifier.provider.
const (
	ProviderKeyword = "keyword"
	ProviderOpenAI  = "openai"
	ProviderScores  = "scores"
)

// New builds the classifier selected in settings.
func New(settings *conf.Settings) (Classifier, error) {
	cs := settings.Classifier
	keyword := NewKeywordClassifier(nil, cs.RelatedThreshold)

	switch cs.Provider {
	case ProviderKeyword, "":
		return keyword, nil
	case ProviderOpenAI:
		return NewLLMClassifier(cs.OpenAI.APIKey, cs.OpenAI.Model, cs.OpenAI.Timeout, WithBaseURL(cs.OpenAI.BaseURL))
	case ProviderScores:
		scorer := NewHTTPScorer(cs.Scores.URL, nil, cs.Scores.Timeout)
		return NewScoreClassifier(scorer, cs.Scores.Labels, cs.Scores.NegativeLabel, cs.Threshold, keyword), nil
	default:
		return nil, errors.Newf("unknown classifier provider %q", cs.Provider).
			Component("classifier").
			Category(errors.CategoryConfiguration).
			Build()
	}
}

// StageConfigFrom maps settings onto a StageConfig.
func StageConfigFrom(settings *conf.Settings) StageConfig {
	kinds := make([]datastore.SourceKind, 0, len(settings.Classifier.Kinds))
	for _, k := range settings.Classifier.Kinds {
		kinds = append(kinds, datastore.SourceKind(k))
	}
	return StageConfig{
		Interval:  settings.Classifier.Interval,
		BatchSize: settings.Classifier.BatchSize,
		Kinds:     kinds,
	}
}
