// Package pipeline assembles the crowdwarn workers from settings and runs
// them as one unit.
package pipeline

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/crowdwarn/crowdwarn/internal/api"
	"github.com/crowdwarn/crowdwarn/internal/classifier"
	"github.com/crowdwarn/crowdwarn/internal/conf"
	"github.com/crowdwarn/crowdwarn/internal/datastore"
	"github.com/crowdwarn/crowdwarn/internal/errors"
	"github.com/crowdwarn/crowdwarn/internal/httpclient"
	"github.com/crowdwarn/crowdwarn/internal/logger"
	"github.com/crowdwarn/crowdwarn/internal/moderation"
	"github.com/crowdwarn/crowdwarn/internal/mqtt"
	"github.com/crowdwarn/crowdwarn/internal/notification"
	"github.com/crowdwarn/crowdwarn/internal/observability"
	"github.com/crowdwarn/crowdwarn/internal/scheduler"
	"github.com/crowdwarn/crowdwarn/internal/sources"
	"github.com/crowdwarn/crowdwarn/internal/subscription"
	"github.com/crowdwarn/crowdwarn/internal/translation"
)

var (
	serviceLogger logger.Logger
	loggerOnce    sync.Once
)

// GetLogger returns the pipeline module logger
func GetLogger() logger.Logger {
	loggerOnce.Do(func() {
		serviceLogger = logger.Global().Module("pipeline")
	})
	return serviceLogger
}

// Pipeline holds every component built from one Settings.
type Pipeline struct {
	Settings      *conf.Settings
	Metrics       *observability.Metrics
	Store         *datastore.Store
	Classifier    classifier.Classifier
	Stage         *classifier.Stage
	Translation   *translation.Stage // nil when translation is disabled
	Moderation    *moderation.Service
	Reports       *sources.Reports
	Subscriptions *subscription.Service
	Dispatcher    *notification.Dispatcher
	Sources       []scheduler.Source // enabled ingestion sources, forum first

	mqtt mqtt.Client
	log  logger.Logger
}

// New opens the store and builds every component. Nothing is started. The
// caller must Close the pipeline.
func New(settings *conf.Settings) (*Pipeline, error) {
	m, err := observability.NewMetrics()
	if err != nil {
		return nil, err
	}

	store, err := datastore.Open(settings, m.Datastore)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		Settings: settings,
		Metrics:  m,
		Store:    store,
		log:      GetLogger(),
	}
	if err := p.build(); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) build() error {
	s := p.Settings
	m := p.Metrics.Pipeline

	c, err := classifier.New(s)
	if err != nil {
		return err
	}
	p.Classifier = c

	stageCfg := classifier.StageConfigFrom(s)
	if s.Translation.Enabled {
		t, err := translation.New(s)
		if err != nil {
			return err
		}
		p.Translation = translation.NewStage(p.Store, t, translation.StageConfigFrom(s), m)
		stageCfg.Translated = p.Translation.Kinds()
	}
	p.Stage = classifier.NewStage(p.Store, c, stageCfg, m)

	p.Moderation = moderation.New(p.Store, c, moderation.Config{
		DeleteThreshold:   s.Moderation.DeleteThreshold,
		AuthoritativeKind: datastore.SourceKind(s.Moderation.AuthoritativeKind),
		RatingMin:         s.Moderation.Rating.Min,
		RatingMax:         s.Moderation.Rating.Max,
	}, m)
	p.Reports = sources.NewReports(p.Store)
	p.Subscriptions = subscription.New(p.Store)

	if s.Sources.Forum.Enabled {
		client := httpclient.New(httpclient.Config{Timeout: s.Sources.Forum.Timeout, UserAgent: s.Main.Name})
		browser := sources.NewJSONBrowser(s.Sources.Forum.BaseURL, client, s.Sources.Forum.Timeout)
		p.Sources = append(p.Sources, sources.NewForumSource(browser, sources.ForumConfig{
			Username: s.Sources.Forum.Username,
			Password: s.Sources.Forum.Password,
			Entries:  s.Sources.Forum.Entries,
		}))
	}
	if s.Sources.GDACS.Enabled {
		client := httpclient.New(httpclient.Config{Timeout: s.Sources.GDACS.Timeout, UserAgent: s.Main.Name})
		p.Sources = append(p.Sources, sources.NewGDACSSource(s.Sources.GDACS.URL, client, s.Sources.GDACS.Timeout))
	}

	return p.buildDispatcher()
}

func (p *Pipeline) buildDispatcher() error {
	s := p.Settings

	var transport notification.Transport
	if s.Notification.SMTP.Enabled {
		t, err := notification.NewShoutrrrTransport(notification.SMTPConfig{
			Host:     s.Notification.SMTP.Host,
			Port:     s.Notification.SMTP.Port,
			Username: s.Notification.SMTP.Username,
			Password: s.Notification.SMTP.Password,
			From:     s.Notification.SMTP.From,
			Timeout:  s.Notification.SMTP.Timeout,
		})
		if err != nil {
			return err
		}
		transport = t
	}

	var opts []notification.Option
	if s.Notification.MQTT.Enabled {
		client, err := mqtt.NewClient(s, p.Metrics.MQTT)
		if err != nil {
			return err
		}
		p.mqtt = client
		opts = append(opts, notification.WithPublisher(reconnectingPublisher{client}))
	}

	d, err := notification.NewDispatcher(p.Store, transport, notification.Config{
		Interval: s.Notification.Interval,
		Subject:  s.Notification.SMTP.Subject,
		Topic:    s.Notification.MQTT.Topic,
	}, p.Metrics.Pipeline, opts...)
	if err != nil {
		return err
	}
	p.Dispatcher = d
	return nil
}

// Scheduler returns a scheduler over the enabled sources that saves every
// collected batch, or nil when no source is enabled.
func (p *Pipeline) Scheduler() *scheduler.Scheduler {
	if len(p.Sources) == 0 {
		return nil
	}
	var b scheduler.Source
	if len(p.Sources) > 1 {
		b = p.Sources[1]
	}
	return scheduler.New(p.Sources[0], b, p.Store.SaveRawItems,
		scheduler.WithPause(p.Settings.Sources.Pause),
		scheduler.WithMetrics(p.Metrics.Pipeline),
		scheduler.WithErrorHandler(func(source string, err error) {
			p.log.Warn("source run failed", logger.String("source", source), logger.Error(err))
		}))
}

// Source returns the enabled source with the given name.
func (p *Pipeline) Source(name string) (scheduler.Source, error) {
	for _, src := range p.Sources {
		if src.Name() == name {
			return src, nil
		}
	}
	return nil, errors.Newf("source %q is not enabled", name).
		Component("pipeline").
		Category(errors.CategoryConfiguration).
		Context("source", name).
		Build()
}

// APIServer builds the HTTP server, serving metrics when enabled.
func (p *Pipeline) APIServer() *api.Server {
	var opts []api.ServerOption
	if p.Settings.Telemetry.Metrics {
		opts = append(opts, api.WithMetricsHandler(p.Metrics.Handler()))
	}
	return api.NewServer(p.Settings, p.Store, p.Moderation, p.Reports, p.Subscriptions, opts...)
}

// ConnectMQTT connects the broadcast client if one is configured. A failed
// connection is logged and retried on the next broadcast.
func (p *Pipeline) ConnectMQTT(ctx context.Context) {
	if p.mqtt == nil {
		return
	}
	if err := p.mqtt.Connect(ctx); err != nil {
		p.log.Warn("mqtt connection failed", logger.Error(err))
	}
}

// reconnectingPublisher connects before publishing when the link is down.
// The client's reconnect cooldown bounds the attempts.
type reconnectingPublisher struct {
	mqtt.Client
}

func (r reconnectingPublisher) Publish(ctx context.Context, topic, payload string) error {
	if !r.IsConnected() {
		if err := r.Connect(ctx); err != nil {
			return err
		}
	}
	return r.Client.Publish(ctx, topic, payload)
}

// Run starts every worker and the API and blocks until ctx is cancelled or
// one of them fails.
func (p *Pipeline) Run(ctx context.Context) error {
	p.ConnectMQTT(ctx)

	g, ctx := errgroup.WithContext(ctx)
	if sched := p.Scheduler(); sched != nil {
		g.Go(func() error { return sched.Run(ctx) })
	} else {
		p.log.Warn("no ingestion source enabled")
	}
	if p.Translation != nil {
		g.Go(func() error { return p.Translation.Run(ctx) })
	}
	g.Go(func() error { return p.Stage.Run(ctx) })
	g.Go(func() error { return p.Dispatcher.Run(ctx) })
	if p.Settings.API.Enabled {
		srv := p.APIServer()
		g.Go(func() error { return srv.Run(ctx) })
	}

	p.log.Info("pipeline started",
		logger.Int("sources", len(p.Sources)),
		logger.Bool("api", p.Settings.API.Enabled))
	err := g.Wait()
	p.log.Info("pipeline stopped")
	return err
}

// Close releases the broker connection and the store.
func (p *Pipeline) Close() error {
	if p.mqtt != nil {
		p.mqtt.Disconnect()
	}
	if p.Store != nil {
		return p.Store.Close()
	}
	return nil
}
