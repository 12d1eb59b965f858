package datastore

import (
	"time"
)

// SourceKind identifies where a raw item came from.
type SourceKind string

const (
	KindTopic        SourceKind = "topic"
	KindReply        SourceKind = "reply"
	KindComment      SourceKind = "comment"
	KindExternalFeed SourceKind = "external_feed"
)

// SourceKinds lists every valid SourceKind.
var SourceKinds = []SourceKind{KindTopic, KindReply, KindComment, KindExternalFeed}

// Valid reports whether k is a known kind.
func (k SourceKind) Valid() bool {
	for _, known := range SourceKinds {
		if k == known {
			return true
		}
	}
	return false
}

// TargetKind identifies the entity a vote or rating applies to.
type TargetKind string

const (
	TargetFinding TargetKind = "finding"
	TargetWarning TargetKind = "warning"
)

// Valid reports whether k is a known target kind.
func (k TargetKind) Valid() bool {
	return k == TargetFinding || k == TargetWarning
}

// Dimension is a rating axis.
type Dimension string

const (
	DimensionAuthenticity Dimension = "authenticity"
	DimensionAccuracy     Dimension = "accuracy"
)

// Valid reports whether d is a known rating dimension.
func (d Dimension) Valid() bool {
	return d == DimensionAuthenticity || d == DimensionAccuracy
}

// VoteType is the kind of crowd vote. Only retraction votes exist today.
type VoteType string

const VoteDelete VoteType = "delete"

// RawItem is an ingested record awaiting classification. The (kind, external id)
// pair is unique, so re-ingesting the same post or feed event is a no-op.
type RawItem struct {
	ID               uint       `gorm:"primaryKey"`
	Kind             SourceKind `gorm:"size:20;not null;uniqueIndex:idx_raw_items_source,priority:1;index:idx_raw_items_pending,priority:2"`
	ExternalID       string     `gorm:"size:64;not null;uniqueIndex:idx_raw_items_source,priority:2"`
	ParentExternalID string     `gorm:"size:64"`
	Content          string     `gorm:"type:text;not null"`
	Location         string     `gorm:"size:255"` // populated by the external feed only
	CreatedAt        time.Time  `gorm:"index"`
	Processed        bool       `gorm:"not null;default:false;index:idx_raw_items_pending,priority:1"`
	Translated       bool       `gorm:"not null;default:false;index"`
}

// Translation holds the target-language text of a RawItem, written by the
// translation stage in the same transaction that sets RawItem.Translated.
type Translation struct {
	ID        uint   `gorm:"primaryKey"`
	RawItemID uint   `gorm:"not null;uniqueIndex"`
	Language  string `gorm:"size:16;not null"` // BCP 47 tag of the source text, "und" when unknown
	Content   string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

// RatingTotals holds running sums and counts per dimension. Averages are
// derived on read.
type RatingTotals struct {
	AuthenticitySum   float64 `gorm:"not null;default:0"`
	AuthenticityCount int     `gorm:"not null;default:0"`
	AccuracySum       float64 `gorm:"not null;default:0"`
	AccuracyCount     int     `gorm:"not null;default:0"`
}

// Average returns the mean rating for d. ok is false when nobody rated yet.
func (r RatingTotals) Average(d Dimension) (avg float64, ok bool) {
	switch d {
	case DimensionAuthenticity:
		return Average(r.AuthenticitySum, r.AuthenticityCount)
	case DimensionAccuracy:
		return Average(r.AccuracySum, r.AccuracyCount)
	default:
		return 0, false
	}
}

// Average divides sum by count, reporting ok=false instead of NaN for count 0.
func Average(sum float64, count int) (avg float64, ok bool) {
	if count <= 0 {
		return 0, false
	}
	return sum / float64(count), true
}

// Finding is the classifier's verdict on one RawItem.
type Finding struct {
	ID           uint       `gorm:"primaryKey"`
	SourceKind   SourceKind `gorm:"size:20;not null;uniqueIndex:idx_findings_source,priority:1"`
	SourceID     uint       `gorm:"not null;uniqueIndex:idx_findings_source,priority:2"`
	Content      string     `gorm:"type:text;not null"`
	CreatedAt    time.Time  `gorm:"index"`
	IsDisaster   bool       `gorm:"not null;index:idx_findings_outbox,priority:1"`
	DisasterType string     `gorm:"size:64;index"`
	Location     string     `gorm:"size:255;index"`
	EventTime    string     `gorm:"column:event_time;size:64"`
	Probability  float64    `gorm:"not null"`
	WarningID    *uint      `gorm:"index"`
	RatingTotals
	DeleteVotes int  `gorm:"not null;default:0"`
	Sent        bool `gorm:"not null;default:false;index:idx_findings_outbox,priority:2"`
}

// Warning groups findings that share disaster type, location and time.
type Warning struct {
	ID           uint      `gorm:"primaryKey"`
	DisasterType string    `gorm:"size:64;not null;uniqueIndex:idx_warnings_key,priority:1"`
	Location     string    `gorm:"size:255;not null;uniqueIndex:idx_warnings_key,priority:2"`
	Time         string    `gorm:"column:event_time;size:64;not null;uniqueIndex:idx_warnings_key,priority:3"`
	CreatedAt    time.Time `gorm:"index"`
	RatingTotals
	DeleteVotes int       `gorm:"not null;default:0"`
	Findings    []Finding `gorm:"foreignKey:WarningID"`
}

// Vote is one user's vote on a target. A user votes at most once per target and type.
type Vote struct {
	ID         uint       `gorm:"primaryKey"`
	UserID     string     `gorm:"size:128;not null;uniqueIndex:idx_votes_unique,priority:1"`
	TargetKind TargetKind `gorm:"size:16;not null;uniqueIndex:idx_votes_unique,priority:2;index:idx_votes_target,priority:1"`
	TargetID   uint       `gorm:"not null;uniqueIndex:idx_votes_unique,priority:3;index:idx_votes_target,priority:2"`
	VoteType   VoteType   `gorm:"size:16;not null;uniqueIndex:idx_votes_unique,priority:4"`
	CreatedAt  time.Time
}

// Rating is one user's score on one dimension of a target.
type Rating struct {
	ID         uint       `gorm:"primaryKey"`
	UserID     string     `gorm:"size:128;not null;uniqueIndex:idx_ratings_unique,priority:1"`
	TargetKind TargetKind `gorm:"size:16;not null;uniqueIndex:idx_ratings_unique,priority:2;index:idx_ratings_target,priority:1"`
	TargetID   uint       `gorm:"not null;uniqueIndex:idx_ratings_unique,priority:3;index:idx_ratings_target,priority:2"`
	Dimension  Dimension  `gorm:"size:16;not null;uniqueIndex:idx_ratings_unique,priority:4"`
	Value      float64    `gorm:"not null"`
	CreatedAt  time.Time
}

// Subscriber receives disaster notifications by e-mail.
type Subscriber struct {
	ID           uint   `gorm:"primaryKey"`
	Email        string `gorm:"size:254;not null;uniqueIndex"`
	PasswordHash string `gorm:"size:100;not null"`
	CreatedAt    time.Time
}

// models lists every table managed by AutoMigrate.
var models = []any{
	&RawItem{},
	&Translation{},
	&Warning{},
	&Finding{},
	&Vote{},
	&Rating{},
	&Subscriber{},
}
