package sources

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdwarn/crowdwarn/internal/datastore"
	"github.com/crowdwarn/crowdwarn/internal/errors"
	"github.com/crowdwarn/crowdwarn/internal/testutil"
)

func TestReportsSubmit(t *testing.T) {
	t.Parallel()

	store := testutil.NewStore(t)

	reports := NewReports(store)
	ctx := context.Background()

	id, err := reports.Submit(ctx, "user-1", "  Landslide blocked the north road  ")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	comments, err := store.ListRawItemsByKind(ctx, datastore.KindComment)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, id, comments[0].ExternalID)
	assert.Equal(t, "Landslide blocked the north road", comments[0].Content)
	assert.False(t, comments[0].Processed)

	_, err = reports.Submit(ctx, "user-1", "   ")
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	_, err = reports.Submit(ctx, "user-1", strings.Repeat("x", MaxReportLength+1))
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}
