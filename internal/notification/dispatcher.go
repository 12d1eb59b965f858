// Package notification delivers disaster findings to subscribers.
//
// The Dispatcher treats unsent disaster findings as an outbox: each cycle it
// opens one transport session, mails every finding to every subscriber, and
// flips the finding's sent flag through the write gate. A crash between the
// send and the flag flip re-sends the finding on the next cycle.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/crowdwarn/crowdwarn/internal/datastore"
	"github.com/crowdwarn/crowdwarn/internal/errors"
	"github.com/crowdwarn/crowdwarn/internal/logger"
	"github.com/crowdwarn/crowdwarn/internal/observability/metrics"
)

const (
	DefaultInterval = 20 * time.Second
	DefaultSubject  = "[crowdwarn] {{.DisasterType}} reported{{with .Location}} in {{.}}{{end}}"
	DefaultBody     = `A possible disaster was reported.

Type:        {{.DisasterType}}
Location:    {{or .Location "unknown"}}
Time:        {{or .EventTime "unknown"}}
Probability: {{printf "%.2f" .Probability}}
Source:      {{.SourceKind}} #{{.SourceID}}

{{.Content}}
`
)

// Transport opens delivery sessions.
type Transport interface {
	Open(ctx context.Context) (Session, error)
}

// Session delivers messages until closed.
type Session interface {
	Send(ctx context.Context, recipient, subject, body string) error
	Close() error
}

// Publisher broadcasts a payload on a topic. mqtt.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload string) error
}

// Report summarises one dispatch cycle.
type Report struct {
	Findings  int // findings marked sent
	Delivered int // successful (finding, recipient) sends
	Failed    int // failed (finding, recipient) sends
}

// Config tunes the Dispatcher.
type Config struct {
	Interval time.Duration
	Subject  string // text/template rendered with the Finding
	Body     string // text/template rendered with the Finding
	Topic    string // MQTT topic, used when a Publisher is attached
	Wait     datastore.WaitFunc
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPublisher broadcasts every dispatched finding on cfg.Topic.
func WithPublisher(p Publisher) Option {
	return func(d *Dispatcher) {
		d.publisher = p
	}
}

// Dispatcher sends unsent disaster findings to subscribers.
type Dispatcher struct {
	store     *datastore.Store
	transport Transport
	publisher Publisher
	cfg       Config
	subject   *template.Template
	body      *template.Template
	metrics   *metrics.PipelineMetrics
	log       logger.Logger
}

var (
	serviceLogger logger.Logger
	loggerOnce    sync.Once
)

// GetLogger returns the notification module logger
func GetLogger() logger.Logger {
	loggerOnce.Do(func() {
		serviceLogger = logger.Global().Module("notification")
	})
	return serviceLogger
}

// NewDispatcher creates a dispatcher. m may be nil. It fails when the subject
// or body template does not parse.
func NewDispatcher(store *datastore.Store, transport Transport, cfg Config, m *metrics.PipelineMetrics, opts ...Option) (*Dispatcher, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.Body == "" {
		cfg.Body = DefaultBody
	}
	if cfg.Wait == nil {
		cfg.Wait = datastore.SleepContext
	}

	subject, err := template.New("subject").Parse(cfg.Subject)
	if err != nil {
		return nil, templateError(err, "subject")
	}
	body, err := template.New("body").Parse(cfg.Body)
	if err != nil {
		return nil, templateError(err, "body")
	}

	d := &Dispatcher{
		store:     store,
		transport: transport,
		cfg:       cfg,
		subject:   subject,
		body:      body,
		metrics:   m,
		log:       GetLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Run dispatches every interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("notification dispatcher started", logger.Duration("interval", d.cfg.Interval))
	for {
		cycleCtx := logger.WithTraceID(ctx, uuid.NewString())
		if _, err := d.Dispatch(cycleCtx); err != nil && ctx.Err() == nil {
			d.log.WithContext(cycleCtx).Error("dispatch cycle failed", logger.Error(err))
		}
		if err := d.cfg.Wait(ctx, d.cfg.Interval); err != nil {
			d.log.Info("notification dispatcher stopped")
			return nil
		}
	}
}

// Dispatch runs one cycle. No session is opened when nothing is pending.
// A failure to open the session leaves every finding unsent. With a nil
// transport findings are only broadcast and marked sent.
func (d *Dispatcher) Dispatch(ctx context.Context) (Report, error) {
	var report Report

	findings, err := d.store.ListUnsentDisasterFindings(ctx)
	if err != nil || len(findings) == 0 {
		return report, err
	}
	subscribers, err := d.store.ListSubscribers(ctx)
	if err != nil {
		return report, err
	}

	log := d.log.WithContext(ctx)

	var session Session
	if len(subscribers) > 0 && d.transport != nil {
		session, err = d.transport.Open(ctx)
		if err != nil {
			return report, errors.New(err).
				Component("notification").
				Category(errors.CategoryTransport).
				Context("operation", "open_session").
				Build()
		}
		defer func() {
			if err := session.Close(); err != nil {
				log.Warn("failed to close mail session", logger.Error(err))
			}
		}()
	}

	for i := range findings {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		f := &findings[i]

		if session != nil {
			subject, body, err := d.render(f)
			if err != nil {
				log.Error("failed to render notification", logger.Uint("finding_id", f.ID), logger.Error(err))
				continue
			}
			for _, sub := range subscribers {
				if err := session.Send(ctx, sub.Email, subject, body); err != nil {
					report.Failed++
					d.metrics.RecordNotification(metrics.StatusError)
					log.Warn("notification delivery failed",
						logger.Uint("finding_id", f.ID),
						logger.Uint("subscriber_id", sub.ID),
						logger.Error(err))
					continue
				}
				report.Delivered++
				d.metrics.RecordNotification(metrics.StatusSuccess)
			}
		}

		marked, err := d.markSent(ctx, f.ID)
		if err != nil {
			log.Error("failed to mark finding sent", logger.Uint("finding_id", f.ID), logger.Error(err))
			continue
		}
		if !marked {
			log.Debug("finding already marked sent", logger.Uint("finding_id", f.ID))
			continue
		}
		report.Findings++
		d.metrics.RecordFindingDispatched()
		d.broadcast(ctx, f)
	}

	log.Info("dispatch cycle finished",
		logger.Int("findings", report.Findings),
		logger.Int("subscribers", len(subscribers)),
		logger.Int("delivered", report.Delivered),
		logger.Int("failed", report.Failed))
	return report, nil
}

func (d *Dispatcher) markSent(ctx context.Context, id uint) (bool, error) {
	var marked bool
	err := d.store.Gate.WithWrite(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&datastore.Finding{}).
			Where("id = ? AND sent = ?", id, false).
			Update("sent", true)
		marked = res.RowsAffected > 0
		return res.Error
	})
	return marked, err
}

func (d *Dispatcher) render(f *datastore.Finding) (subject, body string, err error) {
	var buf bytes.Buffer
	if err := d.subject.Execute(&buf, f); err != nil {
		return "", "", templateError(err, "subject")
	}
	subject = buf.String()
	buf.Reset()
	if err := d.body.Execute(&buf, f); err != nil {
		return "", "", templateError(err, "body")
	}
	return subject, buf.String(), nil
}

// Broadcast is the JSON payload published for each dispatched finding.
type Broadcast struct {
	FindingID    uint      `json:"finding_id"`
	WarningID    *uint     `json:"warning_id,omitempty"`
	DisasterType string    `json:"disaster_type"`
	Location     string    `json:"location,omitempty"`
	EventTime    string    `json:"event_time,omitempty"`
	Probability  float64   `json:"probability"`
	Content      string    `json:"content"`
	ReportedAt   time.Time `json:"reported_at"`
}

func (d *Dispatcher) broadcast(ctx context.Context, f *datastore.Finding) {
	if d.publisher == nil || d.cfg.Topic == "" {
		return
	}
	payload, err := json.Marshal(Broadcast{
		FindingID:    f.ID,
		WarningID:    f.WarningID,
		DisasterType: f.DisasterType,
		Location:     f.Location,
		EventTime:    f.EventTime,
		Probability:  f.Probability,
		Content:      f.Content,
		ReportedAt:   f.CreatedAt,
	})
	if err != nil {
		d.log.WithContext(ctx).Error("failed to encode broadcast", logger.Uint("finding_id", f.ID), logger.Error(err))
		return
	}
	if err := d.publisher.Publish(ctx, d.cfg.Topic, string(payload)); err != nil {
		d.log.WithContext(ctx).Warn("broadcast failed",
			logger.Uint("finding_id", f.ID),
			logger.String("topic", d.cfg.Topic),
			logger.Error(err))
	}
}

func templateError(err error, name string) error {
	return errors.New(err).
		Component("notification").
		Category(errors.CategoryConfiguration).
		Context("template", name).
		Build()
}
