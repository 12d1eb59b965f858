package sources

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/crowdwarn/crowdwarn/internal/datastore"
	"github.com/crowdwarn/crowdwarn/internal/logger"
)

// ForumName is the scheduler name of the forum source.
const ForumName = "forum"

// Post is one forum post as rendered by the browser.
type Post struct {
	ID     string
	HTML   string
	Header string // header text carrying the post timestamp
}

// Thread is a topic post followed by its replies.
type Thread struct {
	Posts []Post
}

// Browser opens sessions on the forum. Sessions are not safe to share, which
// is why the forum and feed sources take turns.
type Browser interface {
	Open(ctx context.Context) (BrowserSession, error)
}

// BrowserSession is one logged-in browsing session.
type BrowserSession interface {
	Login(ctx context.Context, username, password string) error
	FetchThreads(ctx context.Context, limit int) ([]Thread, error)
	Close() error
}

// ForumConfig holds the forum credentials and crawl size.
type ForumConfig struct {
	Username string
	Password string
	Entries  int
}

// ForumSource turns forum threads into topic and reply items.
type ForumSource struct {
	browser Browser
	cfg     ForumConfig
	now     func() time.Time

	mu      sync.Mutex
	session BrowserSession
}

// NewForumSource creates a forum source. Entries defaults to 20.
func NewForumSource(browser Browser, cfg ForumConfig) *ForumSource {
	if cfg.Entries <= 0 {
		cfg.Entries = 20
	}
	return &ForumSource{browser: browser, cfg: cfg, now: time.Now}
}

// Name implements scheduler.Source.
func (f *ForumSource) Name() string { return ForumName }

// Run opens a session, logs in, reads the newest threads and always closes
// the session before returning.
func (f *ForumSource) Run(ctx context.Context) ([]datastore.RawItem, error) {
	session, err := f.browser.Open(ctx)
	if err != nil {
		return nil, externalError(err, ForumName, "open")
	}
	f.setSession(session)
	defer func() {
		if err := f.Stop(); err != nil {
			GetLogger().Warn("failed to close forum session", logger.Error(err))
		}
	}()

	if err := session.Login(ctx, f.cfg.Username, f.cfg.Password); err != nil {
		return nil, externalError(err, ForumName, "login")
	}
	threads, err := session.FetchThreads(ctx, f.cfg.Entries)
	if err != nil {
		return nil, externalError(err, ForumName, "fetch_threads")
	}
	return f.items(threads), nil
}

// Stop closes a live session. It is safe to call at any time.
func (f *ForumSource) Stop() error {
	f.mu.Lock()
	session := f.session
	f.session = nil
	f.mu.Unlock()

	if session == nil {
		return nil
	}
	return session.Close()
}

func (f *ForumSource) setSession(s BrowserSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = s
}

func (f *ForumSource) items(threads []Thread) []datastore.RawItem {
	now := f.now()
	var items []datastore.RawItem
	for _, th := range threads {
		if len(th.Posts) == 0 {
			continue
		}
		topic := th.Posts[0]
		for i, p := range th.Posts {
			content := CleanText(p.HTML)
			if p.ID == "" || content == "" {
				continue
			}
			item := datastore.RawItem{
				Kind:       datastore.KindTopic,
				ExternalID: p.ID,
				Content:    content,
				CreatedAt:  ParsePostTime(p.Header, now),
			}
			if i > 0 {
				item.Kind = datastore.KindReply
				item.ParentExternalID = topic.ID
			}
			items = append(items, item)
		}
	}
	return items
}

var postTimePattern = regexp.MustCompile(`(\d{4}-)?\d{2}-\d{2} \d{2}:\d{2}`)

// ParsePostTime extracts "YYYY-MM-DD HH:MM" or "MM-DD HH:MM" (current year)
// from a post header. Headers without a valid timestamp yield now.
func ParsePostTime(header string, now time.Time) time.Time {
	m := postTimePattern.FindStringSubmatch(header)
	if m == nil {
		return now
	}
	match := m[0]
	if m[1] == "" {
		match = now.Format("2006") + "-" + match
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", match, now.Location())
	if err != nil {
		return now
	}
	return t
}
