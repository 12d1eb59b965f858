package conf

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaultConfig sets the default values for every configuration key.
func setDefaultConfig() {
	viper.SetDefault("debug", false)
	viper.SetDefault("main.name", "crowdwarn")

	viper.SetDefault("logging.default_level", "info")
	viper.SetDefault("logging.timezone", "Local")
	viper.SetDefault("logging.console.enabled", true)
	viper.SetDefault("logging.console.level", "info")
	viper.SetDefault("logging.file_output.enabled", false)
	viper.SetDefault("logging.file_output.path", "logs/crowdwarn.log")
	viper.SetDefault("logging.file_output.level", "info")

	viper.SetDefault("database.type", "sqlite")
	viper.SetDefault("database.sqlite.path", "crowdwarn.db")
	viper.SetDefault("database.mysql.host", "localhost")
	viper.SetDefault("database.mysql.port", 3306)
	viper.SetDefault("database.mysql.username", "")
	viper.SetDefault("database.mysql.password", "")
	viper.SetDefault("database.mysql.database", "crowdwarn")
	viper.SetDefault("database.slowquerythreshold", 200*time.Millisecond)

	viper.SetDefault("writegate.attempts", 5)
	viper.SetDefault("writegate.backoff", time.Second)

	viper.SetDefault("classifier.provider", "keyword")
	viper.SetDefault("classifier.interval", 10*time.Second)
	viper.SetDefault("classifier.batchsize", 100)
	viper.SetDefault("classifier.kinds", []string{"topic", "reply", "comment"})
	viper.SetDefault("classifier.threshold", 0.8)
	viper.SetDefault("classifier.relatedthreshold", 0.5)
	viper.SetDefault("classifier.openai.apikey", "")
	viper.SetDefault("classifier.openai.baseurl", "")
	viper.SetDefault("classifier.openai.model", "gpt-4o-mini")
	viper.SetDefault("classifier.openai.timeout", 30*time.Second)
	viper.SetDefault("classifier.scores.url", "")
	viper.SetDefault("classifier.scores.labels", []string{
		"not_disaster", "earthquake", "flood", "typhoon", "fire", "landslide", "tsunami", "volcano",
	})
	viper.SetDefault("classifier.scores.negativelabel", "not_disaster")
	viper.SetDefault("classifier.scores.timeout", 10*time.Second)

	viper.SetDefault("translation.enabled", false)
	viper.SetDefault("translation.provider", "openai")
	viper.SetDefault("translation.target", "en")
	viper.SetDefault("translation.interval", 10*time.Second)
	viper.SetDefault("translation.batchsize", 100)
	viper.SetDefault("translation.kinds", []string{"topic", "reply", "comment"})
	viper.SetDefault("translation.openai.apikey", "")
	viper.SetDefault("translation.openai.baseurl", "")
	viper.SetDefault("translation.openai.model", "gpt-4o-mini")
	viper.SetDefault("translation.openai.timeout", 30*time.Second)

	viper.SetDefault("sources.pause", 10*time.Second)
	viper.SetDefault("sources.forum.enabled", false)
	viper.SetDefault("sources.forum.baseurl", "")
	viper.SetDefault("sources.forum.username", "")
	viper.SetDefault("sources.forum.password", "")
	viper.SetDefault("sources.forum.entries", 10)
	viper.SetDefault("sources.forum.timeout", 30*time.Second)
	viper.SetDefault("sources.gdacs.enabled", true)
	viper.SetDefault("sources.gdacs.url", "https://www.gdacs.org/gdacsapi/api/events/geteventlist/MAP")
	viper.SetDefault("sources.gdacs.timeout", 30*time.Second)

	viper.SetDefault("moderation.deletethreshold", 1)
	viper.SetDefault("moderation.authoritativekind", "external_feed")
	viper.SetDefault("moderation.rating.min", 1.0)
	viper.SetDefault("moderation.rating.max", 5.0)

	viper.SetDefault("notification.interval", 20*time.Second)
	viper.SetDefault("notification.smtp.enabled", false)
	viper.SetDefault("notification.smtp.host", "")
	viper.SetDefault("notification.smtp.port", 587)
	viper.SetDefault("notification.smtp.username", "")
	viper.SetDefault("notification.smtp.password", "")
	viper.SetDefault("notification.smtp.from", "")
	viper.SetDefault("notification.smtp.subject", "Disaster warning: {{.DisasterType}} in {{.Location}}")
	viper.SetDefault("notification.smtp.timeout", 30*time.Second)
	viper.SetDefault("notification.mqtt.enabled", false)
	viper.SetDefault("notification.mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("notification.mqtt.topic", "crowdwarn/findings")
	viper.SetDefault("notification.mqtt.username", "")
	viper.SetDefault("notification.mqtt.password", "")
	viper.SetDefault("notification.mqtt.retain", false)

	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", ":8080")
	viper.SetDefault("api.cachettl", 30*time.Second)
	viper.SetDefault("api.ratelimit.enabled", true)
	viper.SetDefault("api.ratelimit.requests", 2.0)
	viper.SetDefault("api.ratelimit.burst", 10)

	viper.SetDefault("telemetry.metrics", true)
	viper.SetDefault("telemetry.sentrydsn", "")
}
