package sources

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdwarn/crowdwarn/internal/datastore"
	"github.com/crowdwarn/crowdwarn/internal/errors"
)

const gdacsURL = "https://gdacs.test/api/events/geteventlist/MAP"

const gdacsFeed = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "properties": {"eventtype": "FL", "eventid": 1102983, "name": "Flood in Viet Nam",
      "description": "Flood in Viet Nam", "country": "Viet Nam", "fromdate": "2024-09-08T00:00:00", "todate": "2024-09-12T00:00:00"}},
    {"type": "Feature", "properties": {"eventtype": "EQ", "eventid": "1445120", "name": "",
      "description": "Earthquake in Chile", "country": "Chile", "todate": "2024-09-10T04:12:30"}},
    {"type": "Feature", "properties": {"eventtype": "TC", "eventid": 1001, "description": "Cyclone", "todate": "10/09/2024"}},
    {"type": "Feature", "properties": {"description": "no id", "todate": "2024-09-10T04:12:30"}}
  ]
}`

func TestGDACSSourceRun(t *testing.T) {
	t.Parallel()

	mock := httpmock.NewMockTransport()
	mock.RegisterResponder(http.MethodGet, gdacsURL, httpmock.NewStringResponder(http.StatusOK, gdacsFeed))

	src := NewGDACSSource(gdacsURL, &http.Client{Transport: mock}, 0)
	items, err := src.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2, "malformed dates and missing ids are skipped")

	assert.Equal(t, datastore.RawItem{
		Kind:       datastore.KindExternalFeed,
		ExternalID: "FL-1102983",
		Content:    "Flood in Viet Nam",
		Location:   "Viet Nam",
		CreatedAt:  time.Date(2024, 9, 12, 0, 0, 0, 0, time.UTC),
	}, items[0])
	assert.Equal(t, "EQ-1445120", items[1].ExternalID)
	assert.Equal(t, "Chile", items[1].Location)
	assert.NoError(t, src.Stop())
}

func TestGDACSSourceFailures(t *testing.T) {
	t.Parallel()

	mock := httpmock.NewMockTransport()
	mock.RegisterResponder(http.MethodGet, gdacsURL, httpmock.NewStringResponder(http.StatusBadGateway, "upstream"))
	mock.RegisterResponder(http.MethodGet, gdacsURL+"/broken", httpmock.NewStringResponder(http.StatusOK, "<html>"))

	client := &http.Client{Transport: mock}

	_, err := NewGDACSSource(gdacsURL, client, 0).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryExternal))

	_, err = NewGDACSSource(gdacsURL+"/broken", client, 0).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryExternal))
}
