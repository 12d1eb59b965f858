package sources

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/crowdwarn/crowdwarn/internal/datastore"
	"github.com/crowdwarn/crowdwarn/internal/errors"
	"github.com/crowdwarn/crowdwarn/internal/logger"
)

// MaxReportLength bounds a user report in characters.
const MaxReportLength = 2000

// Reports accepts user-submitted reports as comment items.
type Reports struct {
	store *datastore.Store
}

// NewReports creates the report intake.
func NewReports(store *datastore.Store) *Reports {
	return &Reports{store: store}
}

// Submit stores text as a new comment item and returns its external id.
func (r *Reports) Submit(ctx context.Context, userID, text string) (string, error) {
	text = strings.TrimSpace(norm.NFKC.String(text))
	switch {
	case text == "":
		return "", errors.ValidationError("report text is empty")
	case utf8.RuneCountInString(text) > MaxReportLength:
		return "", errors.ValidationError("report text is too long")
	}

	id := uuid.NewString()
	n, err := r.store.SaveRawItems(ctx, []datastore.RawItem{{
		Kind:       datastore.KindComment,
		ExternalID: id,
		Content:    text,
	}})
	if err != nil {
		return "", err
	}
	if n != 1 {
		return "", errors.Newf("report was not stored").
			Component("sources").
			Category(errors.CategoryState).
			Build()
	}
	GetLogger().WithContext(ctx).Info("report submitted",
		logger.String("report_id", id),
		logger.String("user_id", userID))
	return id, nil
}
