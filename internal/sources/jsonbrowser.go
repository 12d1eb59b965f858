package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/antonholmquist/jason"
	"golang.org/x/time/rate"
)

// JSONBrowser is a Browser for forums exposing a JSON thread API:
//
//	POST {base}/api/login   {"username": "...", "password": "..."} -> {"token": "..."}
//	GET  {base}/api/threads?limit=N                                  -> {"threads": [{"posts": [{"id", "html", "time"}]}]}
//
// Requests are paced by a rate limiter shared by all sessions.
type JSONBrowser struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewJSONBrowser creates a browser for baseURL. A nil client gets one with timeout.
func NewJSONBrowser(baseURL string, client *http.Client, timeout time.Duration) *JSONBrowser {
	if client == nil {
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &JSONBrowser{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(2), 2),
	}
}

// Open implements Browser.
func (b *JSONBrowser) Open(ctx context.Context) (BrowserSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &jsonSession{browser: b}, nil
}

type jsonSession struct {
	browser *JSONBrowser
	token   string
	closed  bool
}

func (s *jsonSession) Login(ctx context.Context, username, password string) error {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return err
	}
	obj, err := s.do(ctx, http.MethodPost, "/api/login", body)
	if err != nil {
		return err
	}
	token, err := obj.GetString("token")
	if err != nil || token == "" {
		return fmt.Errorf("login response carries no token")
	}
	s.token = token
	return nil
}

func (s *jsonSession) FetchThreads(ctx context.Context, limit int) ([]Thread, error) {
	if s.token == "" {
		return nil, fmt.Errorf("not logged in")
	}
	obj, err := s.do(ctx, http.MethodGet, "/api/threads?limit="+strconv.Itoa(limit), nil)
	if err != nil {
		return nil, err
	}
	rawThreads, err := obj.GetObjectArray("threads")
	if err != nil {
		return nil, fmt.Errorf("thread list missing: %w", err)
	}

	threads := make([]Thread, 0, len(rawThreads))
	for _, rt := range rawThreads {
		rawPosts, err := rt.GetObjectArray("posts")
		if err != nil {
			continue
		}
		var th Thread
		for _, rp := range rawPosts {
			th.Posts = append(th.Posts, Post{
				ID:     idString(rp),
				HTML:   stringOr(rp, "html"),
				Header: stringOr(rp, "time"),
			})
		}
		threads = append(threads, th)
	}
	return threads, nil
}

func (s *jsonSession) Close() error {
	s.closed = true
	s.token = ""
	return nil
}

func (s *jsonSession) do(ctx context.Context, method, path string, body []byte) (*jason.Object, error) {
	if s.closed {
		return nil, fmt.Errorf("session closed")
	}
	if err := s.browser.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.browser.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.browser.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s returned %d", method, path, resp.StatusCode)
	}
	return jason.NewObjectFromReader(resp.Body)
}

// idString accepts numeric and string ids.
func idString(obj *jason.Object) string {
	if n, err := obj.GetInt64("id"); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return stringOr(obj, "id")
}

func stringOr(obj *jason.Object, key string) string {
	s, err := obj.GetString(key)
	if err != nil {
		return ""
	}
	return s
}
