package classifier

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// DefaultKeywords maps a disaster type to the terms that indicate it.
var DefaultKeywords = map[string][]string{
	"earthquake": {"earthquake", "quake", "tremor", "aftershock", "seismic", "地震", "余震"},
	"flood":      {"flood", "flooding", "inundation", "flash flood", "洪水", "洪涝", "内涝"},
	"typhoon":    {"typhoon", "hurricane", "cyclone", "台风", "飓风"},
	"wildfire":   {"wildfire", "bushfire", "forest fire", "山火", "森林火灾"},
	"landslide":  {"landslide", "mudslide", "debris flow", "泥石流", "滑坡"},
	"tsunami":    {"tsunami", "海啸"},
	"drought":    {"drought", "干旱", "旱灾"},
	"volcano":    {"volcano", "eruption", "lava", "火山"},
	"storm":      {"storm", "tornado", "blizzard", "hailstorm", "暴雨", "暴风雪", "龙卷风"},
}

var (
	datePattern     = regexp.MustCompile(`\b(\d{4}-\d{1,2}-\d{1,2}(?:[ T]\d{1,2}:\d{2})?)\b`)
	locationPattern = regexp.MustCompile(`\b(?:in|near|at|around)\s+([A-Z][\p{L}'-]+(?:\s+[A-Z][\p{L}'-]+)*)`)
)

// KeywordClassifier flags a text as a disaster when it contains a known term.
// It needs no network and serves as the default and as a fallback.
type KeywordClassifier struct {
	keywords         map[string][]string
	relatedThreshold float64
}

// NewKeywordClassifier creates a classifier over keywords. A nil map uses
// DefaultKeywords. relatedThreshold is the token set overlap (Jaccard index)
// at which two texts count as related.
func NewKeywordClassifier(keywords map[string][]string, relatedThreshold float64) *KeywordClassifier {
	if keywords == nil {
		keywords = DefaultKeywords
	}
	if relatedThreshold <= 0 || relatedThreshold > 1 {
		relatedThreshold = 0.3
	}
	return &KeywordClassifier{keywords: keywords, relatedThreshold: relatedThreshold}
}

// Classify implements Classifier.
func (k *KeywordClassifier) Classify(ctx context.Context, text string) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	normalized := strings.ToLower(norm.NFKC.String(text))

	bestType, bestHits := "", 0
	for disasterType, terms := range k.keywords {
		hits := 0
		for _, term := range terms {
			if strings.Contains(normalized, strings.ToLower(term)) {
				hits++
			}
		}
		if hits > bestHits || (hits == bestHits && hits > 0 && disasterType < bestType) {
			bestType, bestHits = disasterType, hits
		}
	}
	if bestHits == 0 {
		return Verdict{}, nil
	}

	v := Verdict{IsDisaster: true, DisasterType: bestType, Probability: 1}
	if m := datePattern.FindStringSubmatch(text); m != nil {
		v.Time = m[1]
	}
	if m := locationPattern.FindStringSubmatch(text); m != nil {
		v.Location = m[1]
	}
	return v, nil
}

// IsRelated implements Classifier.
func (k *KeywordClassifier) IsRelated(ctx context.Context, a, b string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return jaccard(tokenSet(a), tokenSet(b)) >= k.relatedThreshold, nil
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	fields := strings.FieldsFunc(strings.ToLower(norm.NFKC.String(text)), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
