// Package moderation implements crowd ratings and retraction votes on
// findings and warnings.
//
// Each user rates a target at most once per dimension and votes to delete it
// at most once. When delete votes reach the threshold the target is removed,
// unless it matches a record from the authoritative feed, in which case the
// deletion is vetoed and the vote stays recorded.
package moderation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/crowdwarn/crowdwarn/internal/datastore"
	"github.com/crowdwarn/crowdwarn/internal/errors"
	"github.com/crowdwarn/crowdwarn/internal/logger"
	"github.com/crowdwarn/crowdwarn/internal/observability/metrics"
)

// RelatedChecker compares two texts. classifier.Classifier satisfies it.
type RelatedChecker interface {
	IsRelated(ctx context.Context, a, b string) (bool, error)
}

// Target identifies a finding or a warning.
type Target struct {
	Kind datastore.TargetKind
	ID   uint
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%d", t.Kind, t.ID)
}

// Config tunes the consensus rules.
type Config struct {
	DeleteThreshold   int
	AuthoritativeKind datastore.SourceKind
	RatingMin         float64
	RatingMax         float64
}

// DefaultConfig deletes on the first vote and consults the external feed.
func DefaultConfig() Config {
	return Config{
		DeleteThreshold:   1,
		AuthoritativeKind: datastore.KindExternalFeed,
		RatingMin:         1,
		RatingMax:         5,
	}
}

// Service applies ratings and delete votes through the write gate.
type Service struct {
	store   *datastore.Store
	guard   RelatedChecker
	cfg     Config
	metrics *metrics.PipelineMetrics
	log     logger.Logger
}

var (
	serviceLogger logger.Logger
	loggerOnce    sync.Once
)

// GetLogger returns the moderation module logger
func GetLogger() logger.Logger {
	loggerOnce.Do(func() {
		serviceLogger = logger.Global().Module("moderation")
	})
	return serviceLogger
}

// New creates a moderation service. m may be nil.
func New(store *datastore.Store, guard RelatedChecker, cfg Config, m *metrics.PipelineMetrics) *Service {
	def := DefaultConfig()
	if cfg.DeleteThreshold <= 0 {
		cfg.DeleteThreshold = def.DeleteThreshold
	}
	if cfg.AuthoritativeKind == "" {
		cfg.AuthoritativeKind = def.AuthoritativeKind
	}
	if cfg.RatingMax <= cfg.RatingMin {
		cfg.RatingMin, cfg.RatingMax = def.RatingMin, def.RatingMax
	}
	return &Service{store: store, guard: guard, cfg: cfg, metrics: m, log: GetLogger()}
}

// Rate records one rating and returns the new average for the dimension.
func (s *Service) Rate(ctx context.Context, userID string, target Target, dim datastore.Dimension, value float64) (Result, error) {
	res, err := s.rate(ctx, userID, target, dim, value)
	s.record("rate", res, err)
	return res, err
}

func (s *Service) rate(ctx context.Context, userID string, target Target, dim datastore.Dimension, value float64) (Result, error) {
	if err := s.validate(userID, target); err != nil {
		return Result{}, err
	}
	if !dim.Valid() {
		return Result{}, invalid("unknown rating dimension", "dimension", dim)
	}
	if value < s.cfg.RatingMin || value > s.cfg.RatingMax {
		return Result{}, invalid(fmt.Sprintf("rating must be between %g and %g", s.cfg.RatingMin, s.cfg.RatingMax), "value", value)
	}

	var totals datastore.RatingTotals
	err := s.store.Gate.WithWrite(ctx, func(tx *gorm.DB) error {
		if _, err := loadTarget(tx, target); err != nil {
			return err
		}

		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&datastore.Rating{
			UserID:     userID,
			TargetKind: target.Kind,
			TargetID:   target.ID,
			Dimension:  dim,
			Value:      value,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyRated
		}

		sumCol, countCol := string(dim)+"_sum", string(dim)+"_count"
		err := tx.Model(targetModel(target.Kind)).
			Where("id = ?", target.ID).
			Updates(map[string]any{
				sumCol:   gorm.Expr(sumCol+" + ?", value),
				countCol: gorm.Expr(countCol + " + 1"),
			}).Error
		if err != nil {
			return err
		}

		state, err := loadTarget(tx, target)
		if err != nil {
			return err
		}
		totals = state.RatingTotals
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{Status: StatusSuccess}
	if avg, ok := totals.Average(dim); ok {
		res.Average = &avg
	}
	if dim == datastore.DimensionAuthenticity {
		res.Count = totals.AuthenticityCount
	} else {
		res.Count = totals.AccuracyCount
	}
	return res, nil
}

// VoteDelete records a delete vote and, once the threshold is reached,
// deletes the target unless the cross-reference guard vetoes it. The guard
// runs outside the write gate. A guard failure deletes nothing and withdraws
// the vote.
func (s *Service) VoteDelete(ctx context.Context, userID string, target Target) (Result, error) {
	res, err := s.voteDelete(ctx, userID, target)
	s.record("vote_delete", res, err)
	return res, err
}

func (s *Service) voteDelete(ctx context.Context, userID string, target Target) (Result, error) {
	if err := s.validate(userID, target); err != nil {
		return Result{}, err
	}

	var votes int
	err := s.store.Gate.WithWrite(ctx, func(tx *gorm.DB) error {
		if _, err := loadTarget(tx, target); err != nil {
			return err
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&datastore.Vote{
			UserID:     userID,
			TargetKind: target.Kind,
			TargetID:   target.ID,
			VoteType:   datastore.VoteDelete,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyVoted
		}
		err := tx.Model(targetModel(target.Kind)).
			Where("id = ?", target.ID).
			Update("delete_votes", gorm.Expr("delete_votes + 1")).Error
		if err != nil {
			return err
		}
		state, err := loadTarget(tx, target)
		if err != nil {
			return err
		}
		votes = state.DeleteVotes
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	log := s.log.WithContext(ctx).With(logger.String("target", target.String()))
	if votes < s.cfg.DeleteThreshold {
		log.Debug("delete vote recorded", logger.Int("delete_votes", votes), logger.Int("threshold", s.cfg.DeleteThreshold))
		return Result{Status: StatusPending, DeleteVotes: votes}, nil
	}

	related, err := s.matchesAuthoritative(ctx, target)
	if err != nil {
		// The vote is withdrawn so the same user can retry once the guard recovers.
		if undoErr := s.retractVote(context.WithoutCancel(ctx), userID, target); undoErr != nil {
			log.Error("failed to retract vote after guard failure", logger.Error(undoErr))
		}
		log.Error("cross-reference guard failed, vote retracted and nothing deleted", logger.Error(err))
		return Result{}, err
	}
	if related {
		log.Info("deletion vetoed by authoritative record", logger.Int("delete_votes", votes))
		return Result{Status: StatusVetoed, DeleteVotes: votes}, nil
	}

	if err := s.cascadeDelete(ctx, target); err != nil {
		return Result{}, err
	}
	log.Info("target deleted by crowd vote", logger.Int("delete_votes", votes))
	return Result{Status: StatusSuccess, Deleted: true, DeleteVotes: votes}, nil
}

// retractVote removes the user's delete vote and its increment.
func (s *Service) retractVote(ctx context.Context, userID string, target Target) error {
	return s.store.Gate.WithWrite(ctx, func(tx *gorm.DB) error {
		res := tx.Where("user_id = ? AND target_kind = ? AND target_id = ? AND vote_type = ?",
			userID, target.Kind, target.ID, datastore.VoteDelete).
			Delete(&datastore.Vote{})
		if res.Error != nil || res.RowsAffected == 0 {
			return res.Error
		}
		return tx.Model(targetModel(target.Kind)).
			Where("id = ? AND delete_votes > 0", target.ID).
			Update("delete_votes", gorm.Expr("delete_votes - 1")).Error
	})
}

// matchesAuthoritative reports whether the target corresponds to any record of
// the authoritative kind.
func (s *Service) matchesAuthoritative(ctx context.Context, target Target) (bool, error) {
	content, err := s.guardContent(ctx, target)
	if err != nil {
		return false, err
	}
	records, err := s.store.ListRawItemsByKind(ctx, s.cfg.AuthoritativeKind)
	if err != nil {
		return false, err
	}

	for _, rec := range records {
		related, err := s.guard.IsRelated(ctx, content, authoritativeText(rec))
		if err != nil {
			return false, errors.New(err).
				Component("moderation").
				Category(errors.CategoryExternal).
				Context("target", target.String()).
				Context("operation", "cross_reference_guard").
				Build()
		}
		if related {
			s.log.WithContext(ctx).Debug("authoritative match",
				logger.String("target", target.String()),
				logger.String("external_id", rec.ExternalID))
			return true, nil
		}
	}
	return false, nil
}

// guardContent is the text compared against authoritative records. A warning
// is described by its key followed by the content of its findings.
func (s *Service) guardContent(ctx context.Context, target Target) (string, error) {
	if target.Kind == datastore.TargetFinding {
		f, err := s.store.GetFinding(ctx, target.ID)
		if err != nil {
			return "", notFoundOr(err)
		}
		return f.Content, nil
	}

	w, err := s.store.GetWarning(ctx, target.ID)
	if err != nil {
		return "", notFoundOr(err)
	}
	parts := []string{strings.Join(strings.Fields(w.DisasterType+" "+w.Location+" "+w.Time), " ")}
	for _, f := range w.Findings {
		parts = append(parts, f.Content)
	}
	return strings.Join(parts, "\n"), nil
}

func authoritativeText(rec datastore.RawItem) string {
	if rec.Location == "" || strings.Contains(rec.Content, rec.Location) {
		return rec.Content
	}
	return rec.Content + " " + rec.Location
}

// cascadeDelete removes the target with its votes and ratings. Deleting a
// warning also deletes its findings and their votes and ratings.
func (s *Service) cascadeDelete(ctx context.Context, target Target) error {
	return s.store.Gate.WithWrite(ctx, func(tx *gorm.DB) error {
		if target.Kind == datastore.TargetWarning {
			var findingIDs []uint
			if err := tx.Model(&datastore.Finding{}).Where("warning_id = ?", target.ID).Pluck("id", &findingIDs).Error; err != nil {
				return err
			}
			if len(findingIDs) > 0 {
				if err := deleteDependents(tx, datastore.TargetFinding, findingIDs); err != nil {
					return err
				}
				if err := tx.Where("id IN ?", findingIDs).Delete(&datastore.Finding{}).Error; err != nil {
					return err
				}
			}
		}
		if err := deleteDependents(tx, target.Kind, []uint{target.ID}); err != nil {
			return err
		}
		return tx.Where("id = ?", target.ID).Delete(targetModel(target.Kind)).Error
	})
}

func deleteDependents(tx *gorm.DB, kind datastore.TargetKind, ids []uint) error {
	if err := tx.Where("target_kind = ? AND target_id IN ?", kind, ids).Delete(&datastore.Vote{}).Error; err != nil {
		return err
	}
	return tx.Where("target_kind = ? AND target_id IN ?", kind, ids).Delete(&datastore.Rating{}).Error
}

type targetState struct {
	datastore.RatingTotals
	DeleteVotes int
}

func loadTarget(tx *gorm.DB, target Target) (targetState, error) {
	var state targetState
	var err error
	switch target.Kind {
	case datastore.TargetFinding:
		var f datastore.Finding
		err = tx.Take(&f, target.ID).Error
		state = targetState{RatingTotals: f.RatingTotals, DeleteVotes: f.DeleteVotes}
	default:
		var w datastore.Warning
		err = tx.Take(&w, target.ID).Error
		state = targetState{RatingTotals: w.RatingTotals, DeleteVotes: w.DeleteVotes}
	}
	if datastore.IsRecordNotFound(err) {
		return state, ErrNotFound
	}
	return state, err
}

func targetModel(kind datastore.TargetKind) any {
	if kind == datastore.TargetFinding {
		return &datastore.Finding{}
	}
	return &datastore.Warning{}
}

func (s *Service) validate(userID string, target Target) error {
	if strings.TrimSpace(userID) == "" {
		return invalid("user id is required", "user_id", userID)
	}
	if !target.Kind.Valid() {
		return invalid("unknown target kind", "target_kind", target.Kind)
	}
	if target.ID == 0 {
		return invalid("target id is required", "target_id", target.ID)
	}
	return nil
}

func (s *Service) record(action string, res Result, err error) {
	status := string(res.Status)
	if err != nil {
		status = ResultFromError(err).Code
	}
	s.metrics.RecordModeration(action, status)
}

func invalid(message, field string, value any) error {
	return errors.Newf("%s", message).
		Component("moderation").
		Category(errors.CategoryValidation).
		Context("field", field).
		Context("value", fmt.Sprint(value)).
		Build()
}

func notFoundOr(err error) error {
	if errors.IsNotFound(err) {
		return ErrNotFound
	}
	return err
}
