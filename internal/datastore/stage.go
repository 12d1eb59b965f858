package datastore

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/crowdwarn/crowdwarn/internal/errors"
	"github.com/crowdwarn/crowdwarn/internal/logger"
)

// ErrAlreadyProcessed is returned by CommitStage when another worker flipped
// the record first. The derived write is not applied.
var ErrAlreadyProcessed = errors.NewStd("record already processed")

// Stage flags. Each stage owns one boolean column of raw_items.
const (
	FlagProcessed  = "processed"
	FlagTranslated = "translated"
)

func stageFlag(flag string) (string, error) {
	switch flag {
	case "", FlagProcessed:
		return FlagProcessed, nil
	case FlagTranslated:
		return FlagTranslated, nil
	}
	return "", validationError("unknown stage flag", "flag", flag)
}

// Derivation is the write a stage produces for one record. It runs inside the
// gate transaction that marks the record processed.
type Derivation func(tx *gorm.DB) error

// StageResult summarises one pass over unprocessed records.
type StageResult struct {
	Processed int
	Skipped   int
	Failed    int
}

// Add accumulates r into the receiver.
func (s *StageResult) Add(r StageResult) {
	s.Processed += r.Processed
	s.Skipped += r.Skipped
	s.Failed += r.Failed
}

// StageSpec describes how a stage consumes records of type T.
type StageSpec[T any] struct {
	Name  string
	Model any // pointer to the gorm model holding the processed flag, e.g. &RawItem{}
	ID    func(T) uint
	Flag  string // column flipped on commit, FlagProcessed when empty

	// Transform computes the derived write. It runs outside the write lock
	// and may call slow external collaborators. A nil Derivation only marks
	// the record processed.
	Transform func(ctx context.Context, rec T) (Derivation, error)

	// OnCommit, when set, runs after the record's transaction committed.
	OnCommit func(ctx context.Context, rec T)

	Log logger.Logger
}

// CommitStage marks the record processed and applies derive in one gated
// transaction. The flag is flipped with a conditional update, so a record is
// committed at most once even when several workers race on it.
func (g *Gate) CommitStage(ctx context.Context, model any, id uint, derive Derivation) error {
	return g.CommitFlag(ctx, model, FlagProcessed, id, derive)
}

// CommitFlag is CommitStage for the stage owning flag.
func (g *Gate) CommitFlag(ctx context.Context, model any, flag string, id uint, derive Derivation) error {
	column, err := stageFlag(flag)
	if err != nil {
		return err
	}
	return g.WithWrite(ctx, func(tx *gorm.DB) error {
		res := tx.Model(model).
			Where("id = ?", id).
			Where(clause.Eq{Column: clause.Column{Name: column}, Value: false}).
			Update(column, true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyProcessed
		}
		if derive == nil {
			return nil
		}
		return derive(tx)
	})
}

// RunStage applies spec to every record. Each record ends the pass processed,
// skipped because someone else processed it, or failed with its cause logged;
// a failed record stays unprocessed and is picked up again next cycle.
func RunStage[T any](ctx context.Context, g *Gate, records []T, spec StageSpec[T]) StageResult {
	var res StageResult
	log := spec.Log
	if log == nil {
		log = GetLogger().Module("stage")
	}
	log = log.WithContext(ctx)

	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		id := spec.ID(rec)

		derive, err := spec.Transform(ctx, rec)
		if err != nil {
			res.Failed++
			log.Error("stage transform failed",
				logger.String("stage", spec.Name),
				logger.Uint("record_id", id),
				logger.Error(err))
			continue
		}

		err = g.CommitFlag(ctx, spec.Model, spec.Flag, id, derive)
		switch {
		case err == nil:
			res.Processed++
			if spec.OnCommit != nil {
				spec.OnCommit(ctx, rec)
			}
		case errors.Is(err, ErrAlreadyProcessed):
			res.Skipped++
			log.Debug("record already processed",
				logger.String("stage", spec.Name),
				logger.Uint("record_id", id))
		default:
			res.Failed++
			log.Error("stage commit failed",
				logger.String("stage", spec.Name),
				logger.Uint("record_id", id),
				logger.Error(err))
		}
	}
	return res
}
