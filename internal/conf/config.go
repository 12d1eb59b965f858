// Package conf loads and validates crowdwarn settings.
package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/crowdwarn/crowdwarn/internal/logger"
	"github.com/crowdwarn/crowdwarn/internal/secrets"
)

// Settings contains all configuration options for crowdwarn.
type Settings struct {
	Debug bool // true to enable debug mode

	Main struct {
		Name string // name of this node, used as MQTT client id and mail sender name
	}

	Logging logger.LoggingConfig

	Database     DatabaseSettings
	WriteGate    WriteGateSettings
	Classifier   ClassifierSettings
	Translation  TranslationSettings
	Sources      SourcesSettings
	Moderation   ModerationSettings
	Notification NotificationSettings
	API          APISettings
	Telemetry    TelemetrySettings
}

// DatabaseSettings selects and configures the backing store.
type DatabaseSettings struct {
	Type   string // sqlite or mysql
	SQLite struct {
		Path string // path to the sqlite database file
	}
	MySQL struct {
		Host     string
		Port     int
		Username string
		Password string
		Database string
	}
	SlowQueryThreshold time.Duration // queries slower than this are logged at warn level
}

// WriteGateSettings tunes the storage gate retry loop.
type WriteGateSettings struct {
	Attempts int           // total attempts for a write that hits lock contention
	Backoff  time.Duration // fixed pause between attempts
}

// ClassifierSettings configures the classifier stage and its model adapter.
type ClassifierSettings struct {
	Provider         string        // keyword, openai or scores
	Interval         time.Duration // poll interval of the classifier stage
	BatchSize        int           // maximum unprocessed records per cycle
	Kinds            []string      // raw item kinds the stage consumes
	Threshold        float64       // minimum probability for the scores provider
	RelatedThreshold float64       // token overlap needed by the keyword provider to call two texts related
	OpenAI           struct {
		APIKey  string
		BaseURL string // empty for api.openai.com
		Model   string
		Timeout time.Duration
	}
	Scores struct {
		URL           string   // inference endpoint returning logits
		Labels        []string // label for each logit index
		NegativeLabel string   // label that means "not a disaster"
		Timeout       time.Duration
	}
}

// TranslationSettings configures the translation stage that runs ahead of
// the classifier.
type TranslationSettings struct {
	Enabled   bool
	Provider  string // passthrough or openai
	Target    string // BCP 47 tag of the language the classifier reads
	Interval  time.Duration
	BatchSize int
	Kinds     []string // raw item kinds translated before classification
	OpenAI    struct {
		APIKey  string
		BaseURL string
		Model   string
		Timeout time.Duration
	}
}

// SourcesSettings configures ingestion.
type SourcesSettings struct {
	Pause time.Duration // wait between two scheduler turns
	Forum struct {
		Enabled  bool
		BaseURL  string
		Username string
		Password string
		Entries  int // threads fetched per run
		Timeout  time.Duration
	}
	GDACS struct {
		Enabled bool
		URL     string
		Timeout time.Duration
	}
}

// ModerationSettings configures crowd moderation.
type ModerationSettings struct {
	DeleteThreshold   int    // delete votes needed before a retraction is attempted
	AuthoritativeKind string // raw item kind consulted by the cross-reference guard
	Rating            struct {
		Min float64
		Max float64
	}
}

// NotificationSettings configures subscriber mail and the MQTT broadcast.
type NotificationSettings struct {
	Interval time.Duration
	SMTP     struct {
		Enabled  bool
		Host     string
		Port     int
		Username string
		Password string
		From     string
		Subject  string
		Timeout  time.Duration
	}
	MQTT struct {
		Enabled  bool
		Broker   string
		Topic    string
		Username string
		Password string
		Retain   bool
	}
}

// APISettings configures the HTTP query surface.
type APISettings struct {
	Enabled   bool
	Listen    string
	CacheTTL  time.Duration // lifetime of cached list responses
	RateLimit struct {
		Enabled  bool
		Requests float64 // sustained requests per second per client
		Burst    int
	}
}

// TelemetrySettings configures metrics and error reporting.
type TelemetrySettings struct {
	Metrics   bool   // expose /metrics
	SentryDSN string // empty disables error reporting
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment into a validated Settings.
func Load() (*Settings, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file path. An empty path searches
// the default locations.
func LoadFile(path string) (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	if err := initViper(path); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := resolveSecrets(settings); err != nil {
		return nil, fmt.Errorf("error resolving secrets: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// resolveSecrets replaces credential values that point at a secret file or
// an environment variable with the secret itself.
func resolveSecrets(s *Settings) error {
	return secrets.ResolveAll(map[string]*string{
		"database.mysql.password":    &s.Database.MySQL.Password,
		"classifier.openai.apikey":   &s.Classifier.OpenAI.APIKey,
		"translation.openai.apikey":  &s.Translation.OpenAI.APIKey,
		"sources.forum.password":     &s.Sources.Forum.Password,
		"notification.smtp.password": &s.Notification.SMTP.Password,
		"notification.mqtt.password": &s.Notification.MQTT.Password,
		"telemetry.sentrydsn":        &s.Telemetry.SentryDSN,
	})
}

// initViper registers defaults, environment overrides and reads the config file.
// A missing config file is not an error; defaults and environment apply.
func initViper(path string) error {
	setDefaultConfig()

	viper.SetEnvPrefix("CROWDWARN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		for _, p := range GetDefaultConfigPaths() {
			viper.AddConfigPath(p)
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		if path == "" || !os.IsNotExist(err) {
			return fmt.Errorf("fatal error reading config file: %w", err)
		}
	}
	return nil
}

// GetSettings returns the current settings instance
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// GetDefaultConfigPaths returns the directories searched for config.yaml.
func GetDefaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "crowdwarn"))
	}
	return append(paths, "/etc/crowdwarn")
}

// WriteDefaultConfig writes the default settings as YAML to path. It refuses
// to overwrite an existing file.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}

	setDefaultConfig()
	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return fmt.Errorf("error unmarshaling defaults: %w", err)
	}
	return SaveYAMLConfig(path, settings)
}

// SaveYAMLConfig writes settings to configPath through a temporary file so a
// crash never leaves a truncated config behind.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	tempFile, err := os.CreateTemp(dir, "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempName := tempFile.Name()
	defer os.Remove(tempName)

	if _, err := tempFile.Write(yamlData); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("error writing temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}
	if err := os.Rename(tempName, configPath); err != nil {
		return fmt.Errorf("error moving config into place: %w", err)
	}
	return nil
}
