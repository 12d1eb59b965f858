// Package correlation groups disaster findings into deduplicated warnings
// keyed by the exact (disaster type, location, time) triple.
package correlation

import (
	"context"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/crowdwarn/crowdwarn/internal/datastore"
	"github.com/crowdwarn/crowdwarn/internal/logger"
	"github.com/crowdwarn/crowdwarn/internal/observability/metrics"
)

// Key identifies a warning. Matching is exact after trimming surrounding
// whitespace; "Flood" and "flood" are different warnings.
type Key struct {
	DisasterType string
	Location     string
	Time         string
}

// Normalize trims every component.
func (k Key) Normalize() Key {
	return Key{
		DisasterType: strings.TrimSpace(k.DisasterType),
		Location:     strings.TrimSpace(k.Location),
		Time:         strings.TrimSpace(k.Time),
	}
}

// Empty reports whether the key has no disaster type. Such findings are not
// correlated.
func (k Key) Empty() bool {
	return strings.TrimSpace(k.DisasterType) == ""
}

// Correlator finds or creates warnings through the write gate.
type Correlator struct {
	gate    *datastore.Gate
	metrics *metrics.PipelineMetrics
	log     logger.Logger
}

// New creates a Correlator. m may be nil.
func New(gate *datastore.Gate, m *metrics.PipelineMetrics) *Correlator {
	return &Correlator{
		gate:    gate,
		metrics: m,
		log:     logger.Global().Module("correlation"),
	}
}

// Correlate returns the id of the warning for key, creating it when absent.
// An empty key yields id 0 and no warning.
func (c *Correlator) Correlate(ctx context.Context, key Key) (id uint, created bool, err error) {
	if key.Empty() {
		return 0, false, nil
	}
	err = c.gate.WithWrite(ctx, func(tx *gorm.DB) error {
		var resolveErr error
		id, created, resolveErr = c.Resolve(tx, key)
		return resolveErr
	})
	if err != nil {
		return 0, false, err
	}
	if created {
		c.Created(ctx, id, key)
	}
	return id, created, nil
}

// Resolve finds or creates the warning inside a gate transaction the caller
// already holds, e.g. a stage commit. The caller reports a created warning
// with Created once the transaction committed.
func (c *Correlator) Resolve(tx *gorm.DB, key Key) (id uint, created bool, err error) {
	return ResolveTx(tx, key)
}

// Created records a warning created by a committed Resolve.
func (c *Correlator) Created(ctx context.Context, id uint, key Key) {
	c.metrics.RecordWarningCreated()
	c.log.WithContext(ctx).Info("warning created",
		logger.Uint("warning_id", id),
		logger.String("disaster_type", key.DisasterType),
		logger.String("location", key.Location))
}

// ResolveTx performs the lookup-then-create inside an open gate transaction.
// An insert that loses to another writer is resolved by reading the winner's
// row, so the triple never maps to two warnings.
func ResolveTx(tx *gorm.DB, key Key) (id uint, created bool, err error) {
	if key.Empty() {
		return 0, false, nil
	}
	key = key.Normalize()

	w, err := find(tx, key)
	if err == nil {
		return w.ID, false, nil
	}
	if !datastore.IsRecordNotFound(err) {
		return 0, false, err
	}

	w = &datastore.Warning{DisasterType: key.DisasterType, Location: key.Location, Time: key.Time}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(w)
	if res.Error != nil {
		return 0, false, res.Error
	}
	if res.RowsAffected > 0 {
		return w.ID, true, nil
	}

	w, err = find(tx, key)
	if err != nil {
		return 0, false, err
	}
	return w.ID, false, nil
}

func find(tx *gorm.DB, key Key) (*datastore.Warning, error) {
	var w datastore.Warning
	err := tx.Where("disaster_type = ? AND location = ? AND event_time = ?",
		key.DisasterType, key.Location, key.Time).
		Take(&w).Error
	if err != nil {
		return nil, err
	}
	return &w, nil
}
