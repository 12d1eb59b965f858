package conf

import (
	"fmt"
	"net/mail"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/text/language"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// Raw item kinds accepted in classifier.kinds and moderation.authoritativekind.
var validKinds = []string{"topic", "reply", "comment", "external_feed"}

// ValidateSettings validates the entire Settings struct and reports every problem at once.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}
	for _, validate := range []func(*Settings) error{
		validateDatabaseSettings,
		validateWriteGateSettings,
		validateClassifierSettings,
		validateTranslationSettings,
		validateSourcesSettings,
		validateModerationSettings,
		validateNotificationSettings,
		validateAPISettings,
	} {
		if err := validate(settings); err != nil {
			ve.Errors = append(ve.Errors, err.Error())
		}
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateDatabaseSettings(s *Settings) error {
	switch s.Database.Type {
	case "sqlite":
		if s.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path must be set")
		}
	case "mysql":
		if s.Database.MySQL.Host == "" || s.Database.MySQL.Database == "" {
			return fmt.Errorf("database.mysql.host and database.mysql.database must be set")
		}
	default:
		return fmt.Errorf("database.type must be sqlite or mysql, got %q", s.Database.Type)
	}
	return nil
}

func validateWriteGateSettings(s *Settings) error {
	if s.WriteGate.Attempts < 1 {
		return fmt.Errorf("writegate.attempts must be at least 1")
	}
	if s.WriteGate.Backoff < 0 {
		return fmt.Errorf("writegate.backoff must not be negative")
	}
	return nil
}

func validateClassifierSettings(s *Settings) error {
	c := &s.Classifier
	var problems []string

	switch c.Provider {
	case "keyword":
	case "openai":
		if c.OpenAI.APIKey == "" {
			problems = append(problems, "classifier.openai.apikey is required for the openai provider")
		}
	case "scores":
		if _, err := url.ParseRequestURI(c.Scores.URL); err != nil {
			problems = append(problems, "classifier.scores.url must be a valid URL")
		}
		if len(c.Scores.Labels) == 0 {
			problems = append(problems, "classifier.scores.labels must not be empty")
		}
	default:
		problems = append(problems, fmt.Sprintf("classifier.provider must be keyword, openai or scores, got %q", c.Provider))
	}

	if c.Interval <= 0 {
		problems = append(problems, "classifier.interval must be positive")
	}
	if c.BatchSize < 1 {
		problems = append(problems, "classifier.batchsize must be at least 1")
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		problems = append(problems, "classifier.threshold must be between 0 and 1")
	}
	if c.RelatedThreshold <= 0 || c.RelatedThreshold > 1 {
		problems = append(problems, "classifier.relatedthreshold must be in (0, 1]")
	}
	for _, k := range c.Kinds {
		if !slices.Contains(validKinds, k) {
			problems = append(problems, fmt.Sprintf("classifier.kinds contains unknown kind %q", k))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

func validateTranslationSettings(s *Settings) error {
	t := &s.Translation
	if !t.Enabled {
		return nil
	}
	var problems []string

	switch t.Provider {
	case "passthrough":
	case "openai":
		if t.OpenAI.APIKey == "" {
			problems = append(problems, "translation.openai.apikey is required for the openai provider")
		}
	default:
		problems = append(problems, fmt.Sprintf("translation.provider must be passthrough or openai, got %q", t.Provider))
	}
	if _, err := language.Parse(t.Target); err != nil {
		problems = append(problems, fmt.Sprintf("translation.target %q is not a BCP 47 language tag", t.Target))
	}
	if t.Interval <= 0 {
		problems = append(problems, "translation.interval must be positive")
	}
	if t.BatchSize < 1 {
		problems = append(problems, "translation.batchsize must be at least 1")
	}
	if len(t.Kinds) == 0 {
		problems = append(problems, "translation.kinds must not be empty")
	}
	for _, k := range t.Kinds {
		if !slices.Contains(validKinds, k) {
			problems = append(problems, fmt.Sprintf("translation.kinds contains unknown kind %q", k))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

func validateSourcesSettings(s *Settings) error {
	if s.Sources.Pause < 0 {
		return fmt.Errorf("sources.pause must not be negative")
	}
	if s.Sources.Forum.Enabled {
		if _, err := url.ParseRequestURI(s.Sources.Forum.BaseURL); err != nil {
			return fmt.Errorf("sources.forum.baseurl must be a valid URL when the forum source is enabled")
		}
		if s.Sources.Forum.Entries < 1 {
			return fmt.Errorf("sources.forum.entries must be at least 1")
		}
	}
	if s.Sources.GDACS.Enabled {
		if _, err := url.ParseRequestURI(s.Sources.GDACS.URL); err != nil {
			return fmt.Errorf("sources.gdacs.url must be a valid URL when the GDACS source is enabled")
		}
	}
	return nil
}

func validateModerationSettings(s *Settings) error {
	m := &s.Moderation
	if m.DeleteThreshold < 1 {
		return fmt.Errorf("moderation.deletethreshold must be at least 1")
	}
	if !slices.Contains(validKinds, m.AuthoritativeKind) {
		return fmt.Errorf("moderation.authoritativekind %q is not a raw item kind", m.AuthoritativeKind)
	}
	if m.Rating.Min >= m.Rating.Max {
		return fmt.Errorf("moderation.rating.min must be below moderation.rating.max")
	}
	return nil
}

func validateNotificationSettings(s *Settings) error {
	n := &s.Notification
	if n.Interval <= 0 {
		return fmt.Errorf("notification.interval must be positive")
	}
	if n.SMTP.Enabled {
		if n.SMTP.Host == "" || n.SMTP.Port <= 0 {
			return fmt.Errorf("notification.smtp.host and notification.smtp.port must be set when smtp is enabled")
		}
		if _, err := mail.ParseAddress(n.SMTP.From); err != nil {
			return fmt.Errorf("notification.smtp.from is not a valid address: %w", err)
		}
	}
	if n.MQTT.Enabled && (n.MQTT.Broker == "" || n.MQTT.Topic == "") {
		return fmt.Errorf("notification.mqtt.broker and notification.mqtt.topic must be set when mqtt is enabled")
	}
	return nil
}

func validateAPISettings(s *Settings) error {
	if !s.API.Enabled {
		return nil
	}
	if s.API.Listen == "" {
		return fmt.Errorf("api.listen must be set when the api is enabled")
	}
	if s.API.RateLimit.Enabled && (s.API.RateLimit.Requests <= 0 || s.API.RateLimit.Burst < 1) {
		return fmt.Errorf("api.ratelimit.requests and api.ratelimit.burst must be positive")
	}
	return nil
}
