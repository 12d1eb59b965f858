package datastore

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/crowdwarn/crowdwarn/internal/logger"
)

// SaveRawItems stores newly ingested items in one gated transaction. Items whose
// (kind, external id) already exist are ignored, as are invalid items, which
// are logged. It returns the number of rows inserted.
func (s *Store) SaveRawItems(ctx context.Context, items []RawItem) (int, error) {
	valid := make([]RawItem, 0, len(items))
	for i := range items {
		item := items[i]
		item.Content = strings.TrimSpace(item.Content)
		if err := validateRawItem(&item); err != nil {
			GetLogger().WithContext(ctx).Warn("dropping invalid raw item",
				logger.String("kind", string(item.Kind)),
				logger.String("external_id", item.ExternalID),
				logger.Error(err))
			continue
		}
		item.ID = 0
		item.Processed = false
		item.Translated = false
		if item.CreatedAt.IsZero() {
			item.CreatedAt = time.Now()
		}
		valid = append(valid, item)
	}
	if len(valid) == 0 {
		return 0, nil
	}

	var inserted int
	perKind := make(map[SourceKind]int)
	err := s.Gate.WithWrite(ctx, func(tx *gorm.DB) error {
		inserted = 0
		clear(perKind)
		for i := range valid {
			item := valid[i]
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&item)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				inserted++
				perKind[item.Kind]++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for kind, n := range perKind {
		s.metrics.AddRawItemsStored(string(kind), n)
	}
	return inserted, nil
}

func validateRawItem(item *RawItem) error {
	switch {
	case !item.Kind.Valid():
		return validationError("unknown raw item kind", "kind", item.Kind)
	case item.ExternalID == "":
		return validationError("raw item needs an external id", "external_id", item.ExternalID)
	case item.Content == "":
		return validationError("raw item content is empty", "content", item.Content)
	}
	return nil
}

// PendingQuery selects records a stage has not handled yet.
type PendingQuery struct {
	Flag    string       // FlagProcessed or FlagTranslated, empty means FlagProcessed
	Kinds   []SourceKind // empty means every kind
	AfterID uint         // keyset cursor, only ids above it are returned
	Limit   int          // zero means no limit

	// NeedTranslation lists kinds whose items are only returned once the
	// translation stage has handled them.
	NeedTranslation []SourceKind
}

// FetchPending returns the records matching q, oldest first.
func (s *Store) FetchPending(ctx context.Context, q PendingQuery) ([]RawItem, error) {
	flag, err := stageFlag(q.Flag)
	if err != nil {
		return nil, err
	}
	tx := s.Reader(ctx).Where(clause.Eq{Column: clause.Column{Name: flag}, Value: false})
	if len(q.Kinds) > 0 {
		tx = tx.Where("kind IN ?", q.Kinds)
	}
	if q.AfterID > 0 {
		tx = tx.Where("id > ?", q.AfterID)
	}
	if len(q.NeedTranslation) > 0 {
		tx = tx.Where("(translated = ? OR kind NOT IN ?)", true, q.NeedTranslation)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var items []RawItem
	if err := tx.Order("id ASC").Find(&items).Error; err != nil {
		return nil, dbError(err, "fetch_pending", "flag", flag)
	}
	return items, nil
}

// FetchUnprocessed returns up to limit unprocessed items of the given kinds, oldest first.
func (s *Store) FetchUnprocessed(ctx context.Context, kinds []SourceKind, limit int) ([]RawItem, error) {
	return s.FetchPending(ctx, PendingQuery{Kinds: kinds, Limit: limit})
}

// RunPending pages through every record matching q in id order and applies
// spec to each page. A page full of records that keep failing does not hide
// the ones behind it, since the cursor moves past them. Records stored while
// the pass runs are included when their id is above the cursor.
func (s *Store) RunPending(ctx context.Context, q PendingQuery, spec StageSpec[RawItem]) (StageResult, int, error) {
	spec.Flag = q.Flag
	var total StageResult
	fetched := 0
	for {
		items, err := s.FetchPending(ctx, q)
		if err != nil {
			return total, fetched, err
		}
		if len(items) == 0 {
			break
		}
		fetched += len(items)
		total.Add(RunStage(ctx, s.Gate, items, spec))
		q.AfterID = items[len(items)-1].ID
		if q.Limit <= 0 || len(items) < q.Limit || ctx.Err() != nil {
			break
		}
	}
	return total, fetched, nil
}

var rawItemFilterColumns = map[string]columnKind{
	"processed":  columnBool,
	"translated": columnBool,
	"location":   columnText,
}

var rawItemOrderColumns = []string{"id", "created_at", "location", "external_id"}

// ListRawItems returns the stored items of one kind. opts.OrderBy accepts
// id, created_at, location and external_id.
func (s *Store) ListRawItems(ctx context.Context, kind SourceKind, opts ListOptions) ([]RawItem, error) {
	if !kind.Valid() {
		return nil, validationError("unknown raw item kind", "kind", kind)
	}
	q, err := applyListOptions(s.Reader(ctx).Where("kind = ?", kind), opts, rawItemFilterColumns, rawItemOrderColumns)
	if err != nil {
		return nil, err
	}
	var items []RawItem
	if err := q.Find(&items).Error; err != nil {
		return nil, dbError(err, "list_raw_items", "kind", kind)
	}
	return items, nil
}

// ListRawItemsByKind returns every stored item of one kind, newest first.
func (s *Store) ListRawItemsByKind(ctx context.Context, kind SourceKind) ([]RawItem, error) {
	return s.ListRawItems(ctx, kind, ListOptions{Desc: true})
}

// GetTranslation loads the translation of one raw item.
func (s *Store) GetTranslation(ctx context.Context, rawItemID uint) (*Translation, error) {
	var tr Translation
	if err := s.Reader(ctx).Where("raw_item_id = ?", rawItemID).First(&tr).Error; err != nil {
		return nil, lookupError(err, "translation", rawItemID)
	}
	return &tr, nil
}
