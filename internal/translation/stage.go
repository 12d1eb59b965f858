package translation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/crowdwarn/crowdwarn/internal/datastore"
	"github.com/crowdwarn/crowdwarn/internal/errors"
	"github.com/crowdwarn/crowdwarn/internal/logger"
	"github.com/crowdwarn/crowdwarn/internal/observability/metrics"
)

const stageName = "translation"

// Defaults for StageConfig fields left zero.
const (
	DefaultInterval  = 10 * time.Second
	DefaultBatchSize = 100
)

// StageConfig tunes the translation stage.
type StageConfig struct {
	Interval  time.Duration
	BatchSize int
	Kinds     []datastore.SourceKind // kinds to translate, empty means every kind
	Wait      datastore.WaitFunc
}

// Stage writes a Translation for every untranslated raw item and flips its
// translated flag in the same transaction. The classifier's processed flag is
// left to the classifier stage.
type Stage struct {
	store      *datastore.Store
	translator Translator
	cfg        StageConfig
	metrics    *metrics.PipelineMetrics
	log        logger.Logger
}

// NewStage creates the translation stage. m may be nil.
func NewStage(store *datastore.Store, t Translator, cfg StageConfig, m *metrics.PipelineMetrics) *Stage {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Wait == nil {
		cfg.Wait = datastore.SleepContext
	}
	return &Stage{
		store:      store,
		translator: t,
		cfg:        cfg,
		metrics:    m,
		log:        GetLogger().Module("stage"),
	}
}

// Kinds returns the kinds this stage translates.
func (s *Stage) Kinds() []datastore.SourceKind {
	return s.cfg.Kinds
}

// Run polls until ctx is cancelled.
func (s *Stage) Run(ctx context.Context) error {
	s.log.Info("translation stage started",
		logger.Duration("interval", s.cfg.Interval),
		logger.Int("batch_size", s.cfg.BatchSize))
	for {
		cycleCtx := logger.WithTraceID(ctx, uuid.NewString())
		if _, err := s.RunOnce(cycleCtx); err != nil && ctx.Err() == nil {
			s.log.WithContext(cycleCtx).Error("translation cycle failed", logger.Error(err))
		}
		if err := s.cfg.Wait(ctx, s.cfg.Interval); err != nil {
			s.log.Info("translation stage stopped")
			return nil
		}
	}
}

// RunOnce translates every pending item.
func (s *Stage) RunOnce(ctx context.Context) (datastore.StageResult, error) {
	q := datastore.PendingQuery{
		Flag:  datastore.FlagTranslated,
		Kinds: s.cfg.Kinds,
		Limit: s.cfg.BatchSize,
	}
	res, fetched, err := s.store.RunPending(ctx, q, datastore.StageSpec[datastore.RawItem]{
		Name:      stageName,
		Model:     &datastore.RawItem{},
		ID:        func(item datastore.RawItem) uint { return item.ID },
		Transform: s.transform,
		Log:       s.log,
	})
	if fetched == 0 {
		return res, err
	}

	s.metrics.AddStageRecords(stageName, metrics.OutcomeProcessed, res.Processed)
	s.metrics.AddStageRecords(stageName, metrics.OutcomeSkipped, res.Skipped)
	s.metrics.AddStageRecords(stageName, metrics.OutcomeFailed, res.Failed)

	s.log.WithContext(ctx).Info("translation cycle finished",
		logger.Int("fetched", fetched),
		logger.Int("processed", res.Processed),
		logger.Int("skipped", res.Skipped),
		logger.Int("failed", res.Failed))
	return res, err
}

func (s *Stage) transform(ctx context.Context, item datastore.RawItem) (datastore.Derivation, error) {
	start := time.Now()
	res, err := s.translator.Translate(ctx, item.Content)
	s.metrics.ObserveClassifierCall("translate", time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if res.Text == "" {
		return nil, errors.Newf("translation of raw item %d is empty", item.ID).
			Component("translation").
			Category(errors.CategoryValidation).
			Context("raw_item_id", item.ID).
			Build()
	}
	return func(tx *gorm.DB) error {
		return tx.Create(&datastore.Translation{
			RawItemID: item.ID,
			Language:  res.Language,
			Content:   res.Text,
		}).Error
	}, nil
}
