package datastore

import (
	"context"
	"strconv"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FilterAll disables a filter when passed as its value.
const FilterAll = "all"

// ListOptions filters and orders a list query. Filter keys and OrderBy must be
// whitelisted columns; unknown filter keys are rejected, an unknown OrderBy
// falls back to id.
type ListOptions struct {
	Filter  map[string]string
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

type columnKind int

const (
	columnText columnKind = iota
	columnBool
	columnUint
)

var findingFilterColumns = map[string]columnKind{
	"source_kind":   columnText,
	"is_disaster":   columnBool,
	"disaster_type": columnText,
	"location":      columnText,
	"event_time":    columnText,
	"sent":          columnBool,
	"warning_id":    columnUint,
}

var findingOrderColumns = []string{"id", "created_at", "probability", "delete_votes", "disaster_type", "location", "event_time"}

var warningFilterColumns = map[string]columnKind{
	"disaster_type": columnText,
	"location":      columnText,
	"event_time":    columnText,
}

var warningOrderColumns = []string{"id", "created_at", "delete_votes", "disaster_type", "location", "event_time"}

// ListFindings returns findings matching opts.
func (s *Store) ListFindings(ctx context.Context, opts ListOptions) ([]Finding, error) {
	q, err := applyListOptions(s.Reader(ctx), opts, findingFilterColumns, findingOrderColumns)
	if err != nil {
		return nil, err
	}
	var findings []Finding
	if err := q.Find(&findings).Error; err != nil {
		return nil, dbError(err, "list_findings")
	}
	return findings, nil
}

// ListWarnings returns warnings matching opts with their findings preloaded.
func (s *Store) ListWarnings(ctx context.Context, opts ListOptions) ([]Warning, error) {
	q, err := applyListOptions(s.Reader(ctx), opts, warningFilterColumns, warningOrderColumns)
	if err != nil {
		return nil, err
	}
	var warnings []Warning
	if err := q.Preload("Findings", func(db *gorm.DB) *gorm.DB {
		return db.Order("id ASC")
	}).Find(&warnings).Error; err != nil {
		return nil, dbError(err, "list_warnings")
	}
	return warnings, nil
}

// GetFinding loads one finding.
func (s *Store) GetFinding(ctx context.Context, id uint) (*Finding, error) {
	var f Finding
	if err := s.Reader(ctx).First(&f, id).Error; err != nil {
		return nil, lookupError(err, "finding", id)
	}
	return &f, nil
}

// GetWarning loads one warning with its findings.
func (s *Store) GetWarning(ctx context.Context, id uint) (*Warning, error) {
	var w Warning
	if err := s.Reader(ctx).Preload("Findings").First(&w, id).Error; err != nil {
		return nil, lookupError(err, "warning", id)
	}
	return &w, nil
}

// ListSubscribers returns every subscriber ordered by id.
func (s *Store) ListSubscribers(ctx context.Context) ([]Subscriber, error) {
	var subs []Subscriber
	if err := s.Reader(ctx).Order("id ASC").Find(&subs).Error; err != nil {
		return nil, dbError(err, "list_subscribers")
	}
	return subs, nil
}

// ListUnsentDisasterFindings returns the notification outbox, oldest first.
func (s *Store) ListUnsentDisasterFindings(ctx context.Context) ([]Finding, error) {
	var findings []Finding
	err := s.Reader(ctx).
		Where("is_disaster = ? AND sent = ?", true, false).
		Order("id ASC").
		Find(&findings).Error
	if err != nil {
		return nil, dbError(err, "list_unsent_findings")
	}
	return findings, nil
}

func applyListOptions(q *gorm.DB, opts ListOptions, filters map[string]columnKind, orders []string) (*gorm.DB, error) {
	for key, raw := range opts.Filter {
		value := strings.TrimSpace(raw)
		if value == "" || strings.EqualFold(value, FilterAll) {
			continue
		}
		kind, ok := filters[key]
		if !ok {
			return nil, validationError("unknown filter column", "filter", key)
		}
		switch kind {
		case columnBool:
			b, err := parseBool(value)
			if err != nil {
				return nil, validationError("filter expects a boolean", key, value)
			}
			q = q.Where(clause.Eq{Column: clause.Column{Name: key}, Value: b})
		case columnUint:
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, validationError("filter expects a numeric id", key, value)
			}
			q = q.Where(clause.Eq{Column: clause.Column{Name: key}, Value: n})
		default:
			q = q.Where(clause.Eq{Column: clause.Column{Name: key}, Value: value})
		}
	}

	column := "id"
	for _, c := range orders {
		if c == opts.OrderBy {
			column = c
			break
		}
	}
	q = q.Order(clause.OrderByColumn{Column: clause.Column{Name: column}, Desc: opts.Desc})
	if column != "id" {
		q = q.Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: opts.Desc})
	}

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	return q, nil
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	}
	return strconv.ParseBool(v)
}
