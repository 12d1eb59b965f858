package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/antonholmquist/jason"

	"github.com/crowdwarn/crowdwarn/internal/errors"
	"github.com/crowdwarn/crowdwarn/internal/logger"
)

// DefaultScoreThreshold is the probability a label needs to count as a disaster.
const DefaultScoreThreshold = 0.8

// NotDisasterLabel is reported when the model's best index has no label.
const NotDisasterLabel = "Not a Disaster"

// Scorer is a black box sequence classifier returning one logit per label.
type Scorer interface {
	Scores(ctx context.Context, text string) ([]float64, error)
}

// ScoreClassifier turns raw logits into a Verdict with softmax and argmax.
type ScoreClassifier struct {
	scorer        Scorer
	labels        []string
	negativeLabel string
	threshold     float64
	related       *KeywordClassifier
}

// NewScoreClassifier creates a classifier over scorer. labels[i] names logit i.
// IsRelated falls back to token overlap since a sequence classifier cannot
// compare two texts.
func NewScoreClassifier(scorer Scorer, labels []string, negativeLabel string, threshold float64, related *KeywordClassifier) *ScoreClassifier {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultScoreThreshold
	}
	if related == nil {
		related = NewKeywordClassifier(nil, 0)
	}
	return &ScoreClassifier{
		scorer:        scorer,
		labels:        labels,
		negativeLabel: negativeLabel,
		threshold:     threshold,
		related:       related,
	}
}

// Classify implements Classifier. An argmax index without a label is an
// explicit "not a disaster" with probability 0.
func (s *ScoreClassifier) Classify(ctx context.Context, text string) (Verdict, error) {
	logits, err := s.scorer.Scores(ctx, text)
	if err != nil {
		return Verdict{}, externalError(err, "scores")
	}
	if len(logits) == 0 {
		return Verdict{}, errors.Newf("scorer returned no logits").
			Component("classifier").
			Category(errors.CategoryValidation).
			Build()
	}

	probs := softmax(logits)
	best := argmax(probs)
	if best >= len(s.labels) {
		GetLogger().Warn("classification index has no label, assuming not a disaster",
			logger.Int("index", best), logger.Int("labels", len(s.labels)))
		return Verdict{DisasterType: NotDisasterLabel}, nil
	}

	label := s.labels[best]
	p := probs[best]
	v := Verdict{Probability: p, DisasterType: label}
	v.IsDisaster = p > s.threshold && label != s.negativeLabel
	if !v.IsDisaster {
		v.DisasterType = ""
	}
	return v, nil
}

// IsRelated implements Classifier.
func (s *ScoreClassifier) IsRelated(ctx context.Context, a, b string) (bool, error) {
	return s.related.IsRelated(ctx, a, b)
}

func softmax(logits []float64) []float64 {
	maxLogit := math.Inf(-1)
	for _, l := range logits {
		maxLogit = math.Max(maxLogit, l)
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		out[i] = math.Exp(l - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

// HTTPScorer posts {"text": ...} to an inference endpoint answering {"logits": [...]}.
type HTTPScorer struct {
	url    string
	client *http.Client
}

// NewHTTPScorer creates a scorer for url. A nil client gets one with timeout.
func NewHTTPScorer(url string, client *http.Client, timeout time.Duration) *HTTPScorer {
	if client == nil {
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPScorer{url: url, client: client}
}

// Scores implements Scorer.
func (h *HTTPScorer) Scores(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("inference endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	obj, err := jason.NewObjectFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode inference response: %w", err)
	}
	values, err := obj.GetValueArray("logits")
	if err != nil {
		return nil, fmt.Errorf("inference response has no logits: %w", err)
	}
	logits := make([]float64, 0, len(values))
	for i, v := range values {
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("logit %d is not a number: %w", i, err)
		}
		logits = append(logits, f)
	}
	return logits, nil
}
