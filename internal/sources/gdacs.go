package sources

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/antonholmquist/jason"

	"github.com/crowdwarn/crowdwarn/internal/datastore"
	"github.com/crowdwarn/crowdwarn/internal/logger"
)

// GDACSName is the scheduler name of the GDACS feed source.
const GDACSName = "gdacs"

// gdacsTimeLayout is the layout of fromdate/todate in the GDACS event list.
const gdacsTimeLayout = "2006-01-02T15:04:05"

// GDACSSource reads the GDACS GeoJSON event list. Its events are the
// authoritative records consulted before crowd deletions.
type GDACSSource struct {
	url    string
	client *http.Client
	log    logger.Logger
}

// NewGDACSSource creates a feed source. A nil client gets one with timeout.
func NewGDACSSource(url string, client *http.Client, timeout time.Duration) *GDACSSource {
	if client == nil {
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &GDACSSource{url: url, client: client, log: GetLogger().Module(GDACSName)}
}

// Name implements scheduler.Source.
func (g *GDACSSource) Name() string { return GDACSName }

// Stop implements scheduler.Source. The feed holds no exclusive resource.
func (g *GDACSSource) Stop() error { return nil }

// Run fetches the event list and returns one external feed item per event.
// Events with a malformed date are skipped.
func (g *GDACSSource) Run(ctx context.Context) ([]datastore.RawItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.url, nil)
	if err != nil {
		return nil, externalError(err, GDACSName, "build_request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, externalError(err, GDACSName, "fetch")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, externalError(fmt.Errorf("gdacs returned status %d", resp.StatusCode), GDACSName, "fetch")
	}

	doc, err := jason.NewObjectFromReader(resp.Body)
	if err != nil {
		return nil, externalError(fmt.Errorf("decode gdacs feed: %w", err), GDACSName, "decode")
	}
	features, err := doc.GetObjectArray("features")
	if err != nil {
		return nil, externalError(fmt.Errorf("gdacs feed has no features: %w", err), GDACSName, "decode")
	}

	log := g.log.WithContext(ctx)
	items := make([]datastore.RawItem, 0, len(features))
	for _, feature := range features {
		props, err := feature.GetObject("properties")
		if err != nil {
			continue
		}
		item, err := eventItem(props)
		if err != nil {
			log.Warn("skipping gdacs event", logger.Error(err))
			continue
		}
		items = append(items, item)
	}
	log.Debug("gdacs feed parsed", logger.Int("features", len(features)), logger.Int("events", len(items)))
	return items, nil
}

func eventItem(props *jason.Object) (datastore.RawItem, error) {
	var id string
	if n, err := props.GetInt64("eventid"); err == nil {
		id = strconv.FormatInt(n, 10)
	} else if s, err := props.GetString("eventid"); err == nil {
		id = s
	}
	if id == "" {
		return datastore.RawItem{}, fmt.Errorf("event without eventid")
	}
	if eventType := stringOr(props, "eventtype"); eventType != "" {
		id = eventType + "-" + id
	}

	toDate := stringOr(props, "todate")
	when, err := time.Parse(gdacsTimeLayout, toDate)
	if err != nil {
		return datastore.RawItem{}, fmt.Errorf("event %s has malformed todate %q", id, toDate)
	}

	description := strings.TrimSpace(stringOr(props, "description"))
	if description == "" {
		description = strings.TrimSpace(stringOr(props, "name"))
	}
	return datastore.RawItem{
		Kind:       datastore.KindExternalFeed,
		ExternalID: id,
		Content:    description,
		Location:   strings.TrimSpace(stringOr(props, "country")),
		CreatedAt:  when.UTC(),
	}, nil
}
