package classifier

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/crowdwarn/crowdwarn/internal/correlation"
	"github.com/crowdwarn/crowdwarn/internal/datastore"
	"github.com/crowdwarn/crowdwarn/internal/logger"
	"github.com/crowdwarn/crowdwarn/internal/observability/metrics"
)

const stageName = "classifier"

// Defaults for StageConfig fields left zero.
const (
	DefaultInterval  = 10 * time.Second
	DefaultBatchSize = 100
)

// StageConfig tunes the classifier stage.
type StageConfig struct {
	Interval  time.Duration
	BatchSize int
	Kinds     []datastore.SourceKind // empty means every kind
	Wait      datastore.WaitFunc     // poll sleep, replaced in tests

	// Translated lists kinds the translation stage handles. Items of these
	// kinds are classified on their translated text, once it exists.
	Translated []datastore.SourceKind
}

// Stage consumes unprocessed raw items and writes findings for positive
// verdicts. Negative verdicts only mark the item processed.
type Stage struct {
	store      *datastore.Store
	classifier Classifier
	correlator *correlation.Correlator
	cfg        StageConfig
	metrics    *metrics.PipelineMetrics
	log        logger.Logger
}

// NewStage creates the classifier stage. m may be nil.
func NewStage(store *datastore.Store, c Classifier, cfg StageConfig, m *metrics.PipelineMetrics) *Stage {
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
		classifier: c,
		correlator: correlation.New(store.Gate, m),
		cfg:        cfg,
		metrics:    m,
		log:        GetLogger().Module("stage"),
	}
}

// Run polls until ctx is cancelled. Cycle failures are logged and retried on
// the next tick.
func (s *Stage) Run(ctx context.Context) error {
	s.log.Info("classifier stage started",
		logger.Duration("interval", s.cfg.Interval),
		logger.Int("batch_size", s.cfg.BatchSize))
	for {
		cycleCtx := logger.WithTraceID(ctx, uuid.NewString())
		if _, err := s.RunOnce(cycleCtx); err != nil && ctx.Err() == nil {
			s.log.WithContext(cycleCtx).Error("classifier cycle failed", logger.Error(err))
		}
		if err := s.cfg.Wait(ctx, s.cfg.Interval); err != nil {
			s.log.Info("classifier stage stopped")
			return nil
		}
	}
}

// RunOnce classifies every pending item. Items are fetched in pages of
// BatchSize so the cycle's memory stays bounded.
func (s *Stage) RunOnce(ctx context.Context) (datastore.StageResult, error) {
	created := make(map[uint]warningRef)
	q := datastore.PendingQuery{
		Flag:            datastore.FlagProcessed,
		Kinds:           s.cfg.Kinds,
		Limit:           s.cfg.BatchSize,
		NeedTranslation: s.cfg.Translated,
	}

	res, fetched, err := s.store.RunPending(ctx, q, datastore.StageSpec[datastore.RawItem]{
		Name:  stageName,
		Model: &datastore.RawItem{},
		ID:    func(item datastore.RawItem) uint { return item.ID },
		Transform: func(ctx context.Context, item datastore.RawItem) (datastore.Derivation, error) {
			return s.transform(ctx, item, created)
		},
		OnCommit: func(ctx context.Context, item datastore.RawItem) {
			if w, ok := created[item.ID]; ok {
				s.correlator.Created(ctx, w.id, w.key)
			}
		},
		Log: s.log,
	})
	if fetched == 0 {
		return res, err
	}

	s.metrics.AddStageRecords(stageName, metrics.OutcomeProcessed, res.Processed)
	s.metrics.AddStageRecords(stageName, metrics.OutcomeSkipped, res.Skipped)
	s.metrics.AddStageRecords(stageName, metrics.OutcomeFailed, res.Failed)

	s.log.WithContext(ctx).Info("classifier cycle finished",
		logger.Int("fetched", fetched),
		logger.Int("processed", res.Processed),
		logger.Int("skipped", res.Skipped),
		logger.Int("failed", res.Failed))
	return res, err
}

// warningRef names a warning created by a finding write.
type warningRef struct {
	id  uint
	key correlation.Key
}

// text returns what the classifier reads for item: its translation when the
// kind goes through the translation stage, its content otherwise.
func (s *Stage) text(ctx context.Context, item datastore.RawItem) (string, error) {
	if !slices.Contains(s.cfg.Translated, item.Kind) {
		return item.Content, nil
	}
	tr, err := s.store.GetTranslation(ctx, item.ID)
	if err != nil {
		return "", err
	}
	return tr.Content, nil
}

// transform classifies item outside the gate and returns the finding write.
// A write that creates a new warning records it in created.
func (s *Stage) transform(ctx context.Context, item datastore.RawItem, created map[uint]warningRef) (datastore.Derivation, error) {
	content, err := s.text(ctx, item)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	v, err := s.classifier.Classify(ctx, content)
	s.metrics.ObserveClassifierCall("classify", time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	if !v.IsDisaster {
		return nil, nil
	}

	key := correlation.Key{DisasterType: v.DisasterType, Location: v.Location, Time: v.Time}
	return func(tx *gorm.DB) error {
		delete(created, item.ID)
		finding := datastore.Finding{
			SourceKind:   item.Kind,
			SourceID:     item.ID,
			Content:      content,
			CreatedAt:    item.CreatedAt,
			IsDisaster:   true,
			DisasterType: v.DisasterType,
			Location:     firstNonEmpty(v.Location, item.Location),
			EventTime:    v.Time,
			Probability:  v.Probability,
		}
		key.Location = finding.Location

		warningID, isNew, err := s.correlator.Resolve(tx, key)
		if err != nil {
			return err
		}
		if warningID != 0 {
			finding.WarningID = &warningID
			if isNew {
				created[item.ID] = warningRef{id: warningID, key: key}
			}
		}
		return tx.Create(&finding).Error
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
