package classifier

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/crowdwarn/crowdwarn/internal/datastore"
	"github.com/crowdwarn/crowdwarn/internal/errors"
	"github.com/crowdwarn/crowdwarn/internal/observability/metrics"
	"github.com/crowdwarn/crowdwarn/internal/testutil"
)

// scriptedClassifier answers by substring of the classified text.
type scriptedClassifier struct {
	mu       sync.Mutex
	verdicts map[string]Verdict
	failOn   string
	calls    int
}

func (s *scriptedClassifier) Classify(_ context.Context, text string) (Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failOn != "" && strings.Contains(text, s.failOn) {
		return Verdict{}, externalError(errors.NewStd("model offline"), "classify")
	}
	for needle, v := range s.verdicts {
		if strings.Contains(text, needle) {
			return v, nil
		}
	}
	return Verdict{}, nil
}

func (s *scriptedClassifier) IsRelated(context.Context, string, string) (bool, error) {
	return false, nil
}

func newStageStore(t *testing.T) *datastore.Store {
	t.Helper()
	return testutil.NewStore(t)
}

func save(t *testing.T, store *datastore.Store, items ...datastore.RawItem) {
	t.Helper()
	_, err := store.SaveRawItems(context.Background(), items)
	require.NoError(t, err)
}

func TestStageRunOnce(t *testing.T) {
	t.Parallel()

	store := newStageStore(t)
	save(t, store,
		datastore.RawItem{Kind: datastore.KindTopic, ExternalID: "1", Content: "flood in Hanoi"},
		datastore.RawItem{Kind: datastore.KindReply, ExternalID: "2", Content: "also flood in Hanoi, terrible"},
		datastore.RawItem{Kind: datastore.KindComment, ExternalID: "3", Content: "lovely sunset"},
		datastore.RawItem{Kind: datastore.KindTopic, ExternalID: "4", Content: "broken model input"},
		datastore.RawItem{Kind: datastore.KindTopic, ExternalID: "5", Content: "weird probability"},
	)

	flood := Verdict{IsDisaster: true, DisasterType: "flood", Location: "Hanoi", Time: "2024-07-01", Probability: 0.93}
	c := &scriptedClassifier{
		verdicts: map[string]Verdict{
			"flood in Hanoi": flood,
			"weird":          {IsDisaster: true, DisasterType: "flood", Probability: 1.7},
		},
		failOn: "broken",
	}

	stage := NewStage(store, c, StageConfig{}, nil)
	res, err := stage.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, datastore.StageResult{Processed: 3, Failed: 2}, res)

	findings, err := store.ListFindings(context.Background(), datastore.ListOptions{})
	require.NoError(t, err)
	require.Len(t, findings, 2, "only positive verdicts produce findings")
	require.NotNil(t, findings[0].WarningID)
	require.NotNil(t, findings[1].WarningID)
	assert.Equal(t, *findings[0].WarningID, *findings[1].WarningID, "same triple shares one warning")
	assert.InDelta(t, 0.93, findings[0].Probability, 1e-9)

	pending, err := store.FetchUnprocessed(context.Background(), nil, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2, "failed items stay pending")
	for _, p := range pending {
		assert.Contains(t, []string{"broken model input", "weird probability"}, p.Content)
	}

	res, err = stage.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed, "committed items are never reprocessed")
	assert.Equal(t, 2, res.Failed)
}

func TestStageFindingWithoutTypeHasNoWarning(t *testing.T) {
	t.Parallel()

	store := newStageStore(t)
	save(t, store, datastore.RawItem{Kind: datastore.KindTopic, ExternalID: "1", Content: "something bad happened"})

	c := &scriptedClassifier{verdicts: map[string]Verdict{"bad": {IsDisaster: true, Probability: 1}}}
	res, err := NewStage(store, c, StageConfig{}, nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	findings, err := store.ListFindings(context.Background(), datastore.ListOptions{})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Nil(t, findings[0].WarningID)

	warnings, err := store.ListWarnings(context.Background(), datastore.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestStageKindsAndBatch(t *testing.T) {
	t.Parallel()

	store := newStageStore(t)
	save(t, store,
		datastore.RawItem{Kind: datastore.KindTopic, ExternalID: "1", Content: "a"},
		datastore.RawItem{Kind: datastore.KindTopic, ExternalID: "2", Content: "b"},
		datastore.RawItem{Kind: datastore.KindTopic, ExternalID: "3", Content: "c"},
		datastore.RawItem{Kind: datastore.KindExternalFeed, ExternalID: "9", Content: "feed", Location: "Chile"},
	)

	c := &scriptedClassifier{}
	stage := NewStage(store, c, StageConfig{BatchSize: 2, Kinds: []datastore.SourceKind{datastore.KindTopic}}, nil)

	res, err := stage.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed, "one cycle pages through every pending item")

	res, err = stage.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Processed)

	feed, err := store.FetchUnprocessed(context.Background(), []datastore.SourceKind{datastore.KindExternalFeed}, 0)
	require.NoError(t, err)
	assert.Len(t, feed, 1, "kinds outside the configuration are left alone")
}

func TestStageFailingItemsDoNotStarveNewer(t *testing.T) {
	t.Parallel()

	store := newStageStore(t)
	save(t, store,
		datastore.RawItem{Kind: datastore.KindTopic, ExternalID: "1", Content: "broken one"},
		datastore.RawItem{Kind: datastore.KindTopic, ExternalID: "2", Content: "broken two"},
		datastore.RawItem{Kind: datastore.KindTopic, ExternalID: "3", Content: "quiet day"},
	)

	c := &scriptedClassifier{failOn: "broken"}
	stage := NewStage(store, c, StageConfig{BatchSize: 2}, nil)

	res, err := stage.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, datastore.StageResult{Processed: 1, Failed: 2}, res)

	pending, err := store.FetchUnprocessed(context.Background(), nil, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, p := range pending {
		assert.NotEqual(t, "quiet day", p.Content)
	}
}

func TestStageCountsCreatedWarnings(t *testing.T) {
	t.Parallel()

	store := newStageStore(t)
	save(t, store,
		datastore.RawItem{Kind: datastore.KindTopic, ExternalID: "1", Content: "flood in Hanoi"},
		datastore.RawItem{Kind: datastore.KindReply, ExternalID: "2", Content: "flood in Hanoi again"},
		datastore.RawItem{Kind: datastore.KindTopic, ExternalID: "3", Content: "quake in Lima"},
	)

	registry := prometheus.NewRegistry()
	m, err := metrics.NewPipelineMetrics(registry)
	require.NoError(t, err)

	c := &scriptedClassifier{verdicts: map[string]Verdict{
		"flood in Hanoi": {IsDisaster: true, DisasterType: "flood", Location: "Hanoi", Time: "2024-07-01", Probability: 0.9},
		"quake in Lima":  {IsDisaster: true, DisasterType: "earthquake", Location: "Lima", Time: "2024-07-02", Probability: 0.8},
	}}
	_, err = NewStage(store, c, StageConfig{BatchSize: 1}, m).RunOnce(context.Background())
	require.NoError(t, err)

	assert.InDelta(t, 2, counterValue(t, registry, "pipeline_warnings_created_total"), 1e-9,
		"a finding joining an existing warning does not count")
}

func TestStageClassifiesTranslatedText(t *testing.T) {
	t.Parallel()

	store := newStageStore(t)
	save(t, store,
		datastore.RawItem{Kind: datastore.KindTopic, ExternalID: "1", Content: "河内发生洪水"},
		datastore.RawItem{Kind: datastore.KindTopic, ExternalID: "2", Content: "还没有翻译"},
		datastore.RawItem{Kind: datastore.KindExternalFeed, ExternalID: "9", Content: "Flood in Vietnam", Location: "Vietnam"},
	)
	items, err := store.ListRawItemsByKind(context.Background(), datastore.KindTopic)
	require.NoError(t, err)
	translated := items[len(items)-1]
	require.NoError(t, store.Gate.CommitFlag(context.Background(), &datastore.RawItem{}, datastore.FlagTranslated, translated.ID,
		func(tx *gorm.DB) error {
			return tx.Create(&datastore.Translation{RawItemID: translated.ID, Language: "zh", Content: "flood in Hanoi"}).Error
		}))

	c := &scriptedClassifier{verdicts: map[string]Verdict{
		"flood in Hanoi": {IsDisaster: true, DisasterType: "flood", Location: "Hanoi", Probability: 0.9},
	}}
	stage := NewStage(store, c, StageConfig{Translated: []datastore.SourceKind{datastore.KindTopic}}, nil)

	res, err := stage.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed, "untranslated topic waits, the feed item does not")

	findings, err := store.ListFindings(context.Background(), datastore.ListOptions{})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "flood in Hanoi", findings[0].Content)
	assert.Equal(t, translated.ID, findings[0].SourceID)
}

func counterValue(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			require.NotEmpty(t, mf.GetMetric())
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestStageRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	store := newStageStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	cycles := 0
	stage := NewStage(store, &scriptedClassifier{}, StageConfig{
		Interval: time.Hour,
		Wait: func(ctx context.Context, d time.Duration) error {
			assert.Equal(t, time.Hour, d)
			cycles++
			if cycles == 3 {
				cancel()
			}
			return ctx.Err()
		},
	}, nil)

	require.NoError(t, stage.Run(ctx))
	assert.Equal(t, 3, cycles)
}
