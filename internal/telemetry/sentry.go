// Package telemetry binds the error reporter of internal/errors to Sentry.
package telemetry

import (
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/crowdwarn/crowdwarn/internal/buildinfo"
	"github.com/crowdwarn/crowdwarn/internal/conf"
	"github.com/crowdwarn/crowdwarn/internal/errors"
	"github.com/crowdwarn/crowdwarn/internal/logger"
	"github.com/crowdwarn/crowdwarn/internal/privacy"
)

const flushTimeout = 2 * time.Second

var (
	serviceLogger logger.Logger
	loggerOnce    sync.Once
)

// GetLogger returns the telemetry module logger
func GetLogger() logger.Logger {
	loggerOnce.Do(func() {
		serviceLogger = logger.Global().Module("telemetry")
	})
	return serviceLogger
}

// Init starts Sentry when a DSN is configured and routes high priority
// enhanced errors to it. The returned func flushes pending events and must be
// called before exit. Without a DSN Init is a no-op.
func Init(settings *conf.Settings, info *buildinfo.Context) (flush func(), err error) {
	if settings.Telemetry.SentryDSN == "" {
		GetLogger().Debug("error reporting disabled, no sentry dsn configured")
		return func() {}, nil
	}

	err = sentry.Init(sentry.ClientOptions{
		Dsn:              settings.Telemetry.SentryDSN,
		SampleRate:       1.0,
		AttachStacktrace: false,
		Environment:      environment(settings),
		ServerName:       "",
		Release:          fmt.Sprintf("crowdwarn@%s", info.GetVersion()),
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	})
	if err != nil {
		return func() {}, errors.New(err).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Priority(errors.PriorityLow).
			Build()
	}

	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("node", settings.Main.Name)
		scope.SetTag("database", settings.Database.Type)
		scope.SetTag("system_id", info.GetSystemID())
	})
	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	GetLogger().Info("error reporting enabled", logger.String("release", info.GetVersion()))

	return func() {
		errors.SetTelemetryReporter(nil)
		sentry.Flush(flushTimeout)
	}, nil
}

func environment(settings *conf.Settings) string {
	if settings.Debug {
		return "development"
	}
	return "production"
}

// applyPrivacyFilters strips host and user identity from an event and scrubs
// URLs and e-mail addresses from its messages.
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""
	event.Message = privacy.ScrubMessage(event.Message)
	for i := range event.Exception {
		event.Exception[i].Value = privacy.ScrubMessage(event.Exception[i].Value)
	}

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
	}
	for k := range event.Extra {
		if k != "component" {
			delete(event.Extra, k)
		}
	}
	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}
	return event
}
