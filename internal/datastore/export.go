package datastore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/crowdwarn/crowdwarn/internal/logger"
)

// DefaultExportBatchSize is used when ExportOptions.BatchSize is not set.
const DefaultExportBatchSize = 1000

// ExportOptions controls a store-to-store copy.
type ExportOptions struct {
	BatchSize int
	// Progress, when set, is called after every batch.
	Progress func(table string, done, total int64)
}

// TableStats reports the outcome of copying one table.
type TableStats struct {
	Name     string
	Source   int64
	Copied   int64
	Skipped  int64 // already present in the target
	Failed   int64
	Duration time.Duration
}

// ExportStats collects per-table results of an Export.
type ExportStats struct {
	Tables   []TableStats
	Duration time.Duration
}

// Failed reports the number of rows that could not be written.
func (s ExportStats) Failed() int64 {
	var n int64
	for _, t := range s.Tables {
		n += t.Failed
	}
	return n
}

// exportTables lists the tables in dependency order: warnings before the
// findings that reference them.
var exportTables = []struct {
	name string
	copy func(ctx context.Context, table string, src, dst *gorm.DB, opts ExportOptions) (TableStats, error)
}{
	{"raw_items", exportTable[RawItem]},
	{"translations", exportTable[Translation]},
	{"warnings", exportTable[Warning]},
	{"findings", exportTable[Finding]},
	{"votes", exportTable[Vote]},
	{"ratings", exportTable[Rating]},
	{"subscribers", exportTable[Subscriber]},
}

// Export copies every row of src into dst, keeping primary keys. Rows that
// already exist in dst are skipped, so an interrupted export can be re-run.
// A failed batch is counted and the copy continues with the next one.
// Writes bypass dst's gate, so nothing else may write to dst meanwhile.
func Export(ctx context.Context, src, dst *Store, opts ExportOptions) (ExportStats, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultExportBatchSize
	}
	start := time.Now()
	var stats ExportStats

	for _, t := range exportTables {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		ts, err := t.copy(ctx, t.name, src.DB, dst.DB, opts)
		stats.Tables = append(stats.Tables, ts)
		if err != nil {
			return stats, dbError(err, "export", "table", t.name)
		}
		GetLogger().Info("table exported",
			logger.String("table", t.name),
			logger.Int64("copied", ts.Copied),
			logger.Int64("skipped", ts.Skipped),
			logger.Int64("failed", ts.Failed),
			logger.Duration("duration", ts.Duration))
	}

	stats.Duration = time.Since(start)
	return stats, nil
}

func exportTable[T any](ctx context.Context, table string, src, dst *gorm.DB, opts ExportOptions) (TableStats, error) {
	start := time.Now()
	stats := TableStats{Name: table}

	if err := src.WithContext(ctx).Model(new(T)).Count(&stats.Source).Error; err != nil {
		return stats, fmt.Errorf("count source rows: %w", err)
	}
	if stats.Source == 0 {
		stats.Duration = time.Since(start)
		return stats, nil
	}

	// RowsAffected of a multi-row insert that ignores conflicts is not
	// reliable across drivers, so progress is measured on the target itself.
	var have int64
	if err := dst.WithContext(ctx).Model(new(T)).Count(&have).Error; err != nil {
		return stats, fmt.Errorf("count target rows: %w", err)
	}

	var done int64
	err := src.WithContext(ctx).Model(new(T)).
		FindInBatches(new([]T), opts.BatchSize, func(tx *gorm.DB, batch int) error {
			records := tx.Statement.Dest.(*[]T)
			n := int64(len(*records))
			done += n

			// Associations are copied by their own tables.
			result := dst.WithContext(ctx).Omit(clause.Associations).
				Clauses(clause.OnConflict{DoNothing: true}).Create(records)
			if result.Error != nil {
				stats.Failed += n
				GetLogger().Warn("export batch failed",
					logger.String("table", table),
					logger.Int("batch", batch),
					logger.Error(result.Error))
			} else {
				var now int64
				if err := dst.WithContext(ctx).Model(new(T)).Count(&now).Error; err != nil {
					return fmt.Errorf("count target rows: %w", err)
				}
				stats.Copied += now - have
				stats.Skipped += n - (now - have)
				have = now
			}

			if opts.Progress != nil {
				opts.Progress(table, done, stats.Source)
			}
			return ctx.Err()
		}).Error

	stats.Duration = time.Since(start)
	return stats, err
}

// VerifyCounts compares row counts of every exported table and returns the
// tables whose target holds fewer rows than the source.
func VerifyCounts(ctx context.Context, src, dst *Store) ([]TableStats, error) {
	var short []TableStats
	for _, t := range exportTables {
		var s, d int64
		if err := src.DB.WithContext(ctx).Table(t.name).Count(&s).Error; err != nil {
			return nil, dbError(err, "verify_counts", "table", t.name, "side", "source")
		}
		if err := dst.DB.WithContext(ctx).Table(t.name).Count(&d).Error; err != nil {
			return nil, dbError(err, "verify_counts", "table", t.name, "side", "target")
		}
		if d < s {
			short = append(short, TableStats{Name: t.name, Source: s, Copied: d})
		}
	}
	return short, nil
}
