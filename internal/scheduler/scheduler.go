// Package scheduler runs ingestion sources that share one exclusive external
// resource, such as a browser session, by handing a single token between them.
package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crowdwarn/crowdwarn/internal/datastore"
	"github.com/crowdwarn/crowdwarn/internal/errors"
	"github.com/crowdwarn/crowdwarn/internal/logger"
	"github.com/crowdwarn/crowdwarn/internal/observability/metrics"
)

// Source is one ingestion task. Run acquires the shared resource, collects
// items and releases the resource before returning, even on error. Stop
// releases the resource if a run left it held.
type Source interface {
	Name() string
	Run(ctx context.Context) ([]datastore.RawItem, error)
	Stop() error
}

// Sink persists collected items and returns how many were new.
type Sink func(ctx context.Context, items []datastore.RawItem) (int, error)

// ErrorHandler is the supervisor callback for failed runs.
type ErrorHandler func(source string, err error)

// Scheduler alternates two sources. A run that fails still passes the token,
// so neither source can starve the other.
type Scheduler struct {
	sources []Source
	handoff *Handoff
	sink    Sink
	pause   time.Duration
	wait    datastore.WaitFunc
	onError ErrorHandler
	metrics *metrics.PipelineMetrics
	log     logger.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPause waits d at the start of every turn.
func WithPause(d time.Duration) Option {
	return func(s *Scheduler) { s.pause = d }
}

// WithWaitFunc replaces the pause sleep.
func WithWaitFunc(fn datastore.WaitFunc) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.wait = fn
		}
	}
}

// WithErrorHandler sets the supervisor callback.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(s *Scheduler) { s.onError = fn }
}

// WithMetrics attaches pipeline metrics.
func WithMetrics(m *metrics.PipelineMetrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a scheduler where a is SideA and starts first. b may be nil, in
// which case a keeps the token for itself.
func New(a, b Source, sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sources: []Source{a},
		handoff: NewHandoff(),
		sink:    sink,
		wait:    datastore.SleepContext,
		log:     logger.Global().Module("scheduler"),
	}
	if b != nil {
		s.sources = append(s.sources, b)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handoff exposes the token state.
func (s *Scheduler) Handoff() *Handoff {
	return s.handoff
}

// Run starts one worker per source and blocks until ctx is cancelled and
// every worker has released its resource.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i, src := range s.sources {
		wg.Add(1)
		go func(side Side, src Source) {
			defer wg.Done()
			s.worker(ctx, side, src)
		}(Side(i), src)
	}
	wg.Wait()
	return nil
}

func (s *Scheduler) worker(ctx context.Context, side Side, src Source) {
	log := s.log.With(logger.String("source", src.Name()), logger.String("side", side.String()))
	defer func() {
		if err := src.Stop(); err != nil {
			log.Warn("failed to release source resource", logger.Error(err))
		}
		log.Info("source worker stopped")
	}()

	log.Info("source worker started")
	for {
		if err := s.handoff.Wait(ctx, side); err != nil {
			return
		}
		if err := s.wait(ctx, s.pause); err != nil {
			s.passFrom(side)
			return
		}

		runCtx := logger.WithTraceID(ctx, uuid.NewString())
		s.turn(runCtx, src)
		s.passFrom(side)

		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Scheduler) passFrom(side Side) {
	if len(s.sources) == 1 {
		s.handoff.PassTo(side)
		return
	}
	s.handoff.Pass(side)
}

// turn executes one run and stores its items. Failures go to the supervisor.
func (s *Scheduler) turn(ctx context.Context, src Source) {
	log := s.log.WithContext(ctx).With(logger.String("source", src.Name()))
	start := time.Now()

	items, err := s.safeRun(ctx, src)
	if err == nil && len(items) > 0 {
		var stored int
		stored, err = s.sink(ctx, items)
		if err == nil {
			log.Info("ingestion run stored items",
				logger.Int("collected", len(items)),
				logger.Int("new", stored))
		}
	}

	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
		s.report(ctx, src.Name(), err)
	}
	s.metrics.RecordSourceRun(src.Name(), status, time.Since(start).Seconds())
}

// safeRun converts a panic in Run into an error so the token is always passed.
func (s *Scheduler) safeRun(ctx context.Context, src Source) (items []datastore.RawItem, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("source %s panicked: %v", src.Name(), r).
				Component("scheduler").
				Category(errors.CategoryExternal).
				Priority(errors.PriorityHigh).
				Context("stack", string(debug.Stack())).
				Build()
		}
	}()
	return src.Run(ctx)
}

func (s *Scheduler) report(ctx context.Context, source string, err error) {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return
	}
	s.log.WithContext(ctx).Error("ingestion run failed",
		logger.String("source", source),
		logger.Error(err))
	if s.onError != nil {
		s.onError(source, err)
	}
}
