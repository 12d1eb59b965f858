package classifier

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/crowdwarn/crowdwarn/internal/errors"
	"github.com/crowdwarn/crowdwarn/internal/logger"
)

const classifyPrompt = `You are a disaster analyst. Decide whether the text below reports a natural or man-made disaster.
Answer on one line and nothing else.
If it does, answer: yes <disaster type> <time> <location>
If it does not, answer: no
Use a single word per field, "-" when a field is unknown.

Example: guess the title of a novel in ten questions
Answer: no
Example: Wuxi had an earthquake today 2024-5-23
Answer: yes earthquake 2024-5-23 Wuxi`

const relatedPrompt = `Do the two reports below describe the same disaster event? Answer yes or no and nothing else.`

// LLMClassifier classifies through an OpenAI compatible chat completion endpoint.
type LLMClassifier struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	log     logger.Logger
}

// LLMOption configures an LLMClassifier.
type LLMOption func(*openai.ClientConfig)

// WithBaseURL points the client at another OpenAI compatible server.
func WithBaseURL(url string) LLMOption {
	return func(c *openai.ClientConfig) {
		if url != "" {
			c.BaseURL = url
		}
	}
}

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) LLMOption {
	return func(c *openai.ClientConfig) {
		c.HTTPClient = client
	}
}

// NewLLMClassifier creates a classifier using model. A zero timeout means 30s.
func NewLLMClassifier(apiKey, model string, timeout time.Duration, opts ...LLMOption) (*LLMClassifier, error) {
	if apiKey == "" {
		return nil, errors.Newf("openai api key is required").
			Component("classifier").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cfg := openai.DefaultConfig(apiKey)
	for _, opt := range opts {
		opt(&cfg)
	}
	return &LLMClassifier{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		timeout: timeout,
		log:     GetLogger().Module("llm"),
	}, nil
}

// Classify implements Classifier. Positive answers carry probability 1.
func (l *LLMClassifier) Classify(ctx context.Context, text string) (Verdict, error) {
	answer, err := l.complete(ctx, classifyPrompt, text)
	if err != nil {
		return Verdict{}, externalError(err, "classify")
	}
	v, ok := ParseAnswer(answer)
	if !ok {
		l.log.Warn("unrecognized classifier answer", logger.String("answer", answer))
		return Verdict{}, errors.Newf("unrecognized classifier answer %q", answer).
			Component("classifier").
			Category(errors.CategoryValidation).
			Build()
	}
	return v, nil
}

// IsRelated implements Classifier.
func (l *LLMClassifier) IsRelated(ctx context.Context, a, b string) (bool, error) {
	answer, err := l.complete(ctx, relatedPrompt, "Report A: "+a+"\nReport B: "+b)
	if err != nil {
		return false, externalError(err, "is_related")
	}
	v, _ := ParseAnswer(answer)
	return v.IsDisaster, nil
}

func (l *LLMClassifier) complete(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	resp, err := l.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: l.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.NewStd("openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// ParseAnswer reads "yes <type> <time> <location>" or "no". The Chinese forms
// 是 and 否 are accepted too. Missing fields stay empty and "-" means unknown.
// ok is false when the first word is neither form.
func ParseAnswer(answer string) (v Verdict, ok bool) {
	parts := strings.Fields(strings.TrimSpace(answer))
	if len(parts) == 0 {
		return Verdict{}, false
	}
	switch strings.ToLower(strings.Trim(parts[0], ".,:;!")) {
	case "no", "否":
		return Verdict{}, true
	case "yes", "是":
	default:
		return Verdict{}, false
	}

	field := func(i int) string {
		if i >= len(parts) || parts[i] == "-" {
			return ""
		}
		return parts[i]
	}
	return Verdict{
		IsDisaster:   true,
		DisasterType: field(1),
		Time:         field(2),
		Location:     strings.Join(nonDash(parts[min(3, len(parts)):]), " "),
		Probability:  1,
	}, true
}

func nonDash(parts []string) []string {
	out := parts[:0:0]
	for _, p := range parts {
		if p != "-" {
			out = append(out, p)
		}
	}
	return out
}
