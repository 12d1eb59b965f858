package translation

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/crowdwarn/crowdwarn/internal/errors"
	"github.com/crowdwarn/crowdwarn/internal/logger"
)

const translatePrompt = `Translate the text below into %s.
Answer with exactly two parts and nothing else:
the BCP 47 code of the language the text is written in, alone on the first line,
then the translation starting on the second line.
Keep place names and dates as they are.`

// LLMTranslator translates through an OpenAI compatible chat completion endpoint.
type LLMTranslator struct {
	client  *openai.Client
	model   string
	prompt  string
	timeout time.Duration
	log     logger.Logger
}

// Option configures an LLMTranslator.
type Option func(*openai.ClientConfig)

// WithBaseURL points the client at another OpenAI compatible server.
func WithBaseURL(url string) Option {
	return func(c *openai.ClientConfig) {
		if url != "" {
			c.BaseURL = url
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *openai.ClientConfig) {
		c.HTTPClient = client
	}
}

// NewLLMTranslator creates a translator into target. A zero timeout means 30s.
func NewLLMTranslator(apiKey, model string, target language.Tag, timeout time.Duration, opts ...Option) (*LLMTranslator, error) {
	if apiKey == "" {
		return nil, errors.Newf("openai api key is required").
			Component("translation").
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
	return &LLMTranslator{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		prompt:  fmt.Sprintf(translatePrompt, display.English.Languages().Name(target)),
		timeout: timeout,
		log:     GetLogger().Module("llm"),
	}, nil
}

// Translate implements Translator.
func (l *LLMTranslator) Translate(ctx context.Context, text string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	resp, err := l.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: l.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: l.prompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		Temperature: 0,
	})
	if err != nil {
		return Result{}, externalError(err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, externalError(errors.NewStd("openai returned no choices"))
	}

	res, ok := ParseAnswer(resp.Choices[0].Message.Content)
	if !ok {
		l.log.Warn("empty translation answer", logger.String("answer", resp.Choices[0].Message.Content))
		return Result{}, errors.Newf("translation answer carries no text").
			Component("translation").
			Category(errors.CategoryValidation).
			Build()
	}
	return res, nil
}

// ParseAnswer splits "<language>\n<translation>". An unparseable first line
// is kept as part of the translation and the language reported as und.
// ok is false when no text remains.
func ParseAnswer(answer string) (res Result, ok bool) {
	answer = strings.TrimSpace(answer)
	first, rest, found := strings.Cut(answer, "\n")
	tag, err := language.Parse(strings.TrimSpace(first))
	if !found || err != nil {
		res = Result{Text: answer, Language: language.Und.String()}
	} else {
		res = Result{Text: strings.TrimSpace(rest), Language: tag.String()}
	}
	return res, res.Text != ""
}
