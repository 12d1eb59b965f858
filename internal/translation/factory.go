package translation

import (
	"github.com/crowdwarn/crowdwarn/internal/conf"
	"github.com/crowdwarn/crowdwarn/internal/datastore"
	"github.com/crowdwarn/crowdwarn/internal/errors"
)

// Provider names accepted in translation.provider.
const (
	ProviderPassthrough = "passthrough"
	ProviderOpenAI      = "openai"
)

// New builds the translator selected in settings.
func New(settings *conf.Settings) (Translator, error) {
	ts := settings.Translation
	switch ts.Provider {
	case ProviderPassthrough, "":
		return Passthrough{}, nil
	case ProviderOpenAI:
		target, err := ParseTarget(ts.Target)
		if err != nil {
			return nil, err
		}
		return NewLLMTranslator(ts.OpenAI.APIKey, ts.OpenAI.Model, target, ts.OpenAI.Timeout, WithBaseURL(ts.OpenAI.BaseURL))
	default:
		return nil, errors.Newf("unknown translation provider %q", ts.Provider).
			Component("translation").
			Category(errors.CategoryConfiguration).
			Build()
	}
}

// StageConfigFrom maps settings onto a StageConfig.
func StageConfigFrom(settings *conf.Settings) StageConfig {
	return StageConfig{
		Interval:  settings.Translation.Interval,
		BatchSize: settings.Translation.BatchSize,
		Kinds:     Kinds(settings),
	}
}

// Kinds returns the kinds the translation stage handles, or nil when the
// stage is disabled.
func Kinds(settings *conf.Settings) []datastore.SourceKind {
	if !settings.Translation.Enabled {
		return nil
	}
	kinds := make([]datastore.SourceKind, 0, len(settings.Translation.Kinds))
	for _, k := range settings.Translation.Kinds {
		kinds = append(kinds, datastore.SourceKind(k))
	}
	return kinds
}
