package classifier

import (
	"context"
	"math"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdwarn/crowdwarn/internal/errors"
)

func TestVerdictValidate(t *testing.T) {
	t.Parallel()

	for _, p := range []float64{0, 0.5, 1} {
		assert.NoError(t, Verdict{Probability: p}.Validate())
	}
	for _, p := range []float64{-0.01, 1.2, math.NaN()} {
		err := Verdict{Probability: p}.Validate()
		require.Error(t, err, "probability %v", p)
		assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	}
}

func TestKeywordClassifier(t *testing.T) {
	t.Parallel()

	k := NewKeywordClassifier(nil, 0.5)
	ctx := context.Background()

	v, err := k.Classify(ctx, "Severe flooding in Da Nang since 2024-10-12, roads closed")
	require.NoError(t, err)
	assert.True(t, v.IsDisaster)
	assert.Equal(t, "flood", v.DisasterType)
	assert.Equal(t, "Da Nang", v.Location)
	assert.Equal(t, "2024-10-12", v.Time)
	assert.InDelta(t, 1.0, v.Probability, 1e-9)

	v, err = k.Classify(ctx, "无锡今天地震了")
	require.NoError(t, err)
	assert.True(t, v.IsDisaster)
	assert.Equal(t, "earthquake", v.DisasterType)

	v, err = k.Classify(ctx, "Guess the novel in ten questions")
	require.NoError(t, err)
	assert.False(t, v.IsDisaster)
	assert.NoError(t, v.Validate())
}

func TestKeywordIsRelated(t *testing.T) {
	t.Parallel()

	k := NewKeywordClassifier(nil, 0.5)
	ctx := context.Background()

	related, err := k.IsRelated(ctx, "Flood in Vietnam", "flood in vietnam!")
	require.NoError(t, err)
	assert.True(t, related)

	related, err = k.IsRelated(ctx, "Flood in Vietnam", "Earthquake in Chile")
	require.NoError(t, err)
	assert.False(t, related)

	related, err = k.IsRelated(ctx, "", "anything")
	require.NoError(t, err)
	assert.False(t, related)
}

func TestParseAnswer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		answer string
		want   Verdict
		ok     bool
	}{
		{"no", Verdict{}, true},
		{"否", Verdict{}, true},
		{"Yes earthquake 2024-5-23 Wuxi", Verdict{IsDisaster: true, DisasterType: "earthquake", Time: "2024-5-23", Location: "Wuxi", Probability: 1}, true},
		{"是 地震 2024-5-23 无锡", Verdict{IsDisaster: true, DisasterType: "地震", Time: "2024-5-23", Location: "无锡", Probability: 1}, true},
		{"yes flood - New Orleans", Verdict{IsDisaster: true, DisasterType: "flood", Location: "New Orleans", Probability: 1}, true},
		{"yes", Verdict{IsDisaster: true, Probability: 1}, true},
		{"maybe", Verdict{}, false},
		{"", Verdict{}, false},
	}

	for _, tt := range tests {
		got, ok := ParseAnswer(tt.answer)
		assert.Equal(t, tt.ok, ok, tt.answer)
		assert.Equal(t, tt.want, got, tt.answer)
	}
}

type fakeScorer struct {
	logits []float64
	err    error
}

func (f fakeScorer) Scores(context.Context, string) ([]float64, error) {
	return f.logits, f.err
}

func TestScoreClassifier(t *testing.T) {
	t.Parallel()

	labels := []string{"not_disaster", "earthquake", "flood"}
	ctx := context.Background()

	c := NewScoreClassifier(fakeScorer{logits: []float64{0, 0, 6}}, labels, "not_disaster", 0.8, nil)
	v, err := c.Classify(ctx, "water everywhere")
	require.NoError(t, err)
	assert.True(t, v.IsDisaster)
	assert.Equal(t, "flood", v.DisasterType)
	assert.Greater(t, v.Probability, 0.8)

	c = NewScoreClassifier(fakeScorer{logits: []float64{0, 1, 0.8}}, labels, "not_disaster", 0.8, nil)
	v, err = c.Classify(ctx, "unclear")
	require.NoError(t, err)
	assert.False(t, v.IsDisaster, "below threshold")
	assert.Empty(t, v.DisasterType)
	assert.Less(t, v.Probability, 0.8)

	c = NewScoreClassifier(fakeScorer{logits: []float64{8, 0, 0}}, labels, "not_disaster", 0.8, nil)
	v, err = c.Classify(ctx, "sunny")
	require.NoError(t, err)
	assert.False(t, v.IsDisaster, "negative label never counts")
}

func TestScoreClassifierIndexWithoutLabel(t *testing.T) {
	t.Parallel()

	c := NewScoreClassifier(fakeScorer{logits: []float64{0, 0, 0, 9}}, []string{"not_disaster", "flood"}, "not_disaster", 0.8, nil)
	v, err := c.Classify(context.Background(), "text")
	require.NoError(t, err)
	assert.False(t, v.IsDisaster)
	assert.Zero(t, v.Probability)
	assert.Equal(t, NotDisasterLabel, v.DisasterType)
}

func TestScoreClassifierScorerFailure(t *testing.T) {
	t.Parallel()

	c := NewScoreClassifier(fakeScorer{err: errors.NewStd("connection refused")}, []string{"a"}, "", 0.8, nil)
	_, err := c.Classify(context.Background(), "text")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryExternal))
}

func TestHTTPScorer(t *testing.T) {
	t.Parallel()

	mock := httpmock.NewMockTransport()
	client := &http.Client{Transport: mock}
	const url = "http://inference.local/predict"

	mock.RegisterResponder(http.MethodPost, url, func(req *http.Request) (*http.Response, error) {
		var body map[string]string
		if err := decodeJSON(req, &body); err != nil || body["text"] == "" {
			return httpmock.NewStringResponse(http.StatusBadRequest, "bad body"), nil
		}
		return httpmock.NewStringResponse(http.StatusOK, `{"logits": [0.1, 2.5, -1]}`), nil
	})

	s := NewHTTPScorer(url, client, 0)
	logits, err := s.Scores(context.Background(), "river overflow")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 2.5, -1}, logits)
	assert.Equal(t, 1, mock.GetCallCountInfo()["POST "+url])
}

func TestHTTPScorerErrors(t *testing.T) {
	t.Parallel()

	mock := httpmock.NewMockTransport()
	client := &http.Client{Transport: mock}

	mock.RegisterResponder(http.MethodPost, "http://inference.local/down",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, "overloaded"))
	mock.RegisterResponder(http.MethodPost, "http://inference.local/garbage",
		httpmock.NewStringResponder(http.StatusOK, `{"labels": ["x"]}`))

	_, err := NewHTTPScorer("http://inference.local/down", client, 0).Scores(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	_, err = NewHTTPScorer("http://inference.local/garbage", client, 0).Scores(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logits")
}

func TestLLMClassifier(t *testing.T) {
	t.Parallel()

	mock := httpmock.NewMockTransport()
	client := &http.Client{Transport: mock}
	const endpoint = "http://llm.local/v1/chat/completions"

	answers := []string{"yes flood 2024-07-01 Hanoi", "no"}
	call := 0
	mock.RegisterResponder(http.MethodPost, endpoint, func(*http.Request) (*http.Response, error) {
		answer := answers[call%len(answers)]
		call++
		return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": answer},
				"finish_reason": "stop",
			}},
		})
	})

	l, err := NewLLMClassifier("test-key", "test-model", 0, WithBaseURL("http://llm.local/v1"), WithHTTPClient(client))
	require.NoError(t, err)

	v, err := l.Classify(context.Background(), "The Red River broke its banks in Hanoi")
	require.NoError(t, err)
	assert.Equal(t, Verdict{IsDisaster: true, DisasterType: "flood", Time: "2024-07-01", Location: "Hanoi", Probability: 1}, v)

	related, err := l.IsRelated(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.False(t, related)
}

func TestLLMClassifierUnavailable(t *testing.T) {
	t.Parallel()

	mock := httpmock.NewMockTransport()
	client := &http.Client{Transport: mock}
	mock.RegisterResponder(http.MethodPost, "http://llm.local/v1/chat/completions",
		httpmock.NewStringResponder(http.StatusInternalServerError, `{"error":{"message":"down"}}`))

	l, err := NewLLMClassifier("test-key", "", 0, WithBaseURL("http://llm.local/v1"), WithHTTPClient(client))
	require.NoError(t, err)

	_, err = l.Classify(context.Background(), "anything")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryExternal))

	_, err = NewLLMClassifier("", "", 0)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}
