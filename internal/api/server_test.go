package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdwarn/crowdwarn/internal/conf"
	"github.com/crowdwarn/crowdwarn/internal/datastore"
	"github.com/crowdwarn/crowdwarn/internal/moderation"
	"github.com/crowdwarn/crowdwarn/internal/sources"
	"github.com/crowdwarn/crowdwarn/internal/subscription"
	"github.com/crowdwarn/crowdwarn/internal/testutil"
)

type neverRelated struct{}

func (neverRelated) IsRelated(context.Context, string, string) (bool, error) { return false, nil }

type testServer struct {
	*Server
	store *datastore.Store
}

func newTestServer(t *testing.T, mutate ...func(*conf.Settings)) *testServer {
	t.Helper()
	store := testutil.NewStore(t)

	settings := &conf.Settings{}
	for _, fn := range mutate {
		fn(settings)
	}
	mod := moderation.New(store, neverRelated{}, moderation.Config{DeleteThreshold: 2}, nil)
	srv := NewServer(settings, store, mod, sources.NewReports(store), subscription.New(store),
		WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics\n"))
		})))
	return &testServer{Server: srv, store: store}
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, http.NoBody)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) seed(t *testing.T) (warningID, floodID, fireID uint) {
	t.Helper()
	w := datastore.Warning{DisasterType: "flood", Location: "Hanoi", Time: "2024-07-01"}
	require.NoError(t, ts.store.DB.Create(&w).Error)
	flood := datastore.Finding{SourceKind: datastore.KindTopic, SourceID: 1, Content: "flood", IsDisaster: true,
		DisasterType: "flood", Location: "Hanoi", Probability: 0.9, WarningID: &w.ID}
	fire := datastore.Finding{SourceKind: datastore.KindTopic, SourceID: 2, Content: "fire", IsDisaster: true,
		DisasterType: "fire", Probability: 0.7}
	require.NoError(t, ts.store.DB.Create(&flood).Error)
	require.NoError(t, ts.store.DB.Create(&fire).Error)
	return w.ID, flood.ID, fire.ID
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type findingList struct {
	Data  []FindingResponse `json:"data"`
	Count int               `json:"count"`
}

func TestListFindingsFilters(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ts.seed(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/findings?disaster_type=fire", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[findingList](t, rec)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "fire", list.Data[0].DisasterType)

	rec = ts.do(t, http.MethodGet, "/api/v1/findings?disaster_type=all&order_by=probability&desc=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list = decode[findingList](t, rec)
	require.Equal(t, 2, list.Count)
	assert.Equal(t, "flood", list.Data[0].DisasterType)

	rec = ts.do(t, http.MethodGet, "/api/v1/findings?password_hash=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/findings?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRawItemsOrdered(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	_, err := ts.store.SaveRawItems(context.Background(), []datastore.RawItem{
		{Kind: datastore.KindExternalFeed, ExternalID: "1", Content: "Flood in Vietnam", Location: "Vietnam"},
		{Kind: datastore.KindExternalFeed, ExternalID: "2", Content: "Earthquake in Chile", Location: "Chile"},
		{Kind: datastore.KindTopic, ExternalID: "3", Content: "forum post"},
	})
	require.NoError(t, err)

	type rawList struct {
		Data  []datastore.RawItem `json:"data"`
		Count int                 `json:"count"`
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/raw-items/external_feed?order_by=location", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[rawList](t, rec)
	require.Equal(t, 2, list.Count)
	assert.Equal(t, "Chile", list.Data[0].Location)
	assert.Equal(t, "Vietnam", list.Data[1].Location)

	rec = ts.do(t, http.MethodGet, "/api/v1/raw-items/external_feed?order_by=location&desc=true&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list = decode[rawList](t, rec)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "Vietnam", list.Data[0].Location)

	rec = ts.do(t, http.MethodGet, "/api/v1/raw-items/tweets", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/raw-items/topic?content=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "only whitelisted columns filter")
}

func TestGetWarningIncludesFindings(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	wID, floodID, _ := ts.seed(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/warnings/"+itoa(wID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	w := decode[WarningResponse](t, rec)
	require.Len(t, w.Findings, 1)
	assert.Equal(t, floodID, w.Findings[0].ID)
	assert.Nil(t, w.Authenticity, "no ratings yet")

	rec = ts.do(t, http.MethodGet, "/api/v1/warnings/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/findings/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	_, floodID, _ := ts.seed(t)
	path := "/api/v1/findings/" + itoa(floodID) + "/ratings"

	rec := ts.do(t, http.MethodPost, path, `{"dimension":"accuracy","value":4}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, path, `{"dimension":"accuracy","value":4}`, UserIDHeader, "u1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[moderation.Result](t, rec)
	assert.Equal(t, moderation.StatusSuccess, res.Status)
	require.NotNil(t, res.Average)
	assert.InDelta(t, 4.0, *res.Average, 1e-9)

	rec = ts.do(t, http.MethodPost, path, `{"dimension":"accuracy","value":2}`, UserIDHeader, "u1")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, moderation.CodeAlreadyRated, decode[moderation.Result](t, rec).Code)

	rec = ts.do(t, http.MethodPost, path, `{"dimension":"accuracy","value":9}`, UserIDHeader, "u2")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/warnings/999/ratings", `{"dimension":"accuracy","value":3}`, UserIDHeader, "u2")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVoteDeleteEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	_, _, fireID := ts.seed(t)
	path := "/api/v1/findings/" + itoa(fireID) + "/delete-votes"

	// warm the list cache; the deletion must invalidate it
	rec := ts.do(t, http.MethodGet, "/api/v1/findings", "")
	require.Equal(t, 2, decode[findingList](t, rec).Count)

	rec = ts.do(t, http.MethodPost, path, "", UserIDHeader, "u1")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, moderation.StatusPending, decode[moderation.Result](t, rec).Status)

	rec = ts.do(t, http.MethodPost, path, "", UserIDHeader, "u1")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, path, "", UserIDHeader, "u2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[moderation.Result](t, rec).Deleted)

	rec = ts.do(t, http.MethodGet, "/api/v1/findings", "")
	assert.Equal(t, 1, decode[findingList](t, rec).Count)
}

func TestSubmitReport(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/reports", `{"text":"  bridge collapsed on route 9 "}`, UserIDHeader, "u1")
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[map[string]string](t, rec)["id"]
	assert.NotEmpty(t, id)

	items, err := ts.store.ListRawItemsByKind(context.Background(), datastore.KindComment)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "bridge collapsed on route 9", items[0].Content)

	rec = ts.do(t, http.MethodPost, "/api/v1/reports", `{"text":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubscribeFlow(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	creds := `{"email":"ann@example.com","password":"longpassword"}`

	rec := ts.do(t, http.MethodPost, "/api/v1/subscribers", creds)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/subscribers", creds)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/subscribers", `{"email":"ann@example.com","password":"wrongpassword"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/v1/subscribers", creds)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/v1/subscribers", creds)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, func(s *conf.Settings) {
		s.API.RateLimit.Enabled = true
		s.API.RateLimit.Requests = 0.001
		s.API.RateLimit.Burst = 2
	})

	for range 2 {
		rec := ts.do(t, http.MethodGet, "/api/v1/findings", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := ts.do(t, http.MethodGet, "/api/v1/findings", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code, "health is not rate limited")
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
