package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

// connection pooling limits; the provider is a single host so the per-host
// limits are what actually bound us
const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 10
	defaultIdleConnTimeout     = 60 * time.Second
)

const (
	defaultMaxResults        = 10
	defaultRequestsPerSecond = 5
	defaultBurst             = 5
)

// YouTubeConfig configures a [YouTube] client.
type YouTubeConfig struct {
	// APIKey is sent as the "key" query parameter on every call.
	APIKey string

	// Endpoint overrides the API base URL. Empty uses the public endpoint.
	Endpoint string

	// MaxResults caps the number of items per search. Defaults to 10.
	MaxResults int64

	// RequestsPerSecond and Burst bound the outbound call rate so the
	// daily quota is not burned by a burst of subscriptions.
	// Defaults to 5 req/s with a burst of 5.
	RequestsPerSecond float64
	Burst             int

	// HTTPClient is used for transport. If nil, a pooled client is built.
	HTTPClient *http.Client
}

// YouTube implements [Client] on top of the YouTube Data API v3.
//
// Every search is two API calls: search.list for ids followed by one
// videos.list for the full snippets (tags are only present there).
type YouTube struct {
	svc        *youtube.Service
	httpClient *http.Client
	limiter    *rate.Limiter
	keyOpt     googleapi.CallOption
	maxResults int64
}

// NewYouTube creates a [YouTube] client.
//
// Returns an error if no API key is configured or the service cannot be built.
func NewYouTube(ctx context.Context, cfg YouTubeConfig) (*YouTube, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("youtube: api key is required")
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = newHTTPClient()
	}

	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	svc, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("youtube: failed to create service: %w", err)
	}

	return &YouTube{
		svc:        svc,
		httpClient: hc,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		// WithHTTPClient bypasses option.WithAPIKey, so the key goes on each call
		keyOpt:     googleapi.QueryParameter("key", cfg.APIKey),
		maxResults: cfg.MaxResults,
	}, nil
}

// newHTTPClient builds a pooled client. Timeouts are per call via context.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        defaultMaxIdleConns,
			MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
			MaxConnsPerHost:     defaultMaxConnsPerHost,
			IdleConnTimeout:     defaultIdleConnTimeout,
		},
	}
}

// SearchByTopic implements [Client].
func (y *YouTube) SearchByTopic(ctx context.Context, topic string) ([]Item, error) {
	call := y.svc.Search.List([]string{"snippet"}).
		Q(topic).
		Type("video").
		MaxResults(y.maxResults)
	return y.search(ctx, "search", topic, call)
}

// SearchByTag implements [Client].
//
// The Data API has no tag filter, so the tag is used as the query text.
func (y *YouTube) SearchByTag(ctx context.Context, tag string) ([]Item, error) {
	call := y.svc.Search.List([]string{"snippet"}).
		Q(tag).
		Type("video").
		MaxResults(y.maxResults)
	return y.search(ctx, "tag", tag, call)
}

// LatestByChannel implements [Client].
func (y *YouTube) LatestByChannel(ctx context.Context, channelID string, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = int(y.maxResults)
	}
	call := y.svc.Search.List([]string{"snippet"}).
		ChannelId(channelID).
		Type("video").
		Order("date").
		MaxResults(int64(limit))
	return y.search(ctx, "channel_videos", channelID, call)
}

// GetItem implements [Client].
func (y *YouTube) GetItem(ctx context.Context, id string) (Item, error) {
	items, err := y.videos(ctx, "item", id, []string{id})
	if err != nil {
		return Item{}, err
	}
	if len(items) == 0 {
		return Item{}, Errorf(ErrNotFound, "item", id, nil)
	}
	return items[0], nil
}

// GetChannel implements [Client].
func (y *YouTube) GetChannel(ctx context.Context, channelID string) (Channel, error) {
	if err := y.wait(ctx, "channel", channelID); err != nil {
		return Channel{}, err
	}

	resp, err := y.svc.Channels.List([]string{"snippet", "statistics"}).
		Id(channelID).
		Context(ctx).
		Do(y.keyOpt)
	if err != nil {
		return Channel{}, classify("channel", channelID, err)
	}
	if len(resp.Items) == 0 || resp.Items[0] == nil {
		return Channel{}, Errorf(ErrNotFound, "channel", channelID, nil)
	}

	ch := resp.Items[0]
	out := Channel{ID: ch.Id}
	if ch.Snippet != nil {
		out.Title = ch.Snippet.Title
		out.Description = ch.Snippet.Description
		out.ThumbnailURL = thumbnailURL(ch.Snippet.Thumbnails)
	}
	if ch.Statistics != nil {
		out.SubscriberCount = ch.Statistics.SubscriberCount
		out.VideoCount = ch.Statistics.VideoCount
		out.ViewCount = ch.Statistics.ViewCount
	}
	return out, nil
}

// Close releases idle connections held by the transport.
func (y *YouTube) Close() {
	if y == nil || y.httpClient == nil {
		return
	}
	y.httpClient.CloseIdleConnections()
}

// search runs a search.list call and resolves the ids to full items,
// preserving the search order.
func (y *YouTube) search(ctx context.Context, op, key string, call *youtube.SearchListCall) ([]Item, error) {
	if err := y.wait(ctx, op, key); err != nil {
		return nil, err
	}

	resp, err := call.Context(ctx).Do(y.keyOpt)
	if err != nil {
		return nil, classify(op, key, err)
	}

	ids := make([]string, 0, len(resp.Items))
	for _, r := range resp.Items {
		if r == nil || r.Id == nil || r.Id.VideoId == "" {
			continue
		}
		ids = append(ids, r.Id.VideoId)
	}
	if len(ids) == 0 {
		return []Item{}, nil
	}

	return y.videos(ctx, op, key, ids)
}

// videos fetches full snippets for ids in a single videos.list call.
// Ids the provider no longer knows are skipped.
func (y *YouTube) videos(ctx context.Context, op, key string, ids []string) ([]Item, error) {
	if err := y.wait(ctx, op, key); err != nil {
		return nil, err
	}

	resp, err := y.svc.Videos.List([]string{"snippet"}).
		Id(ids...).
		Context(ctx).
		Do(y.keyOpt)
	if err != nil {
		return nil, classify(op, key, err)
	}

	byID := make(map[string]Item, len(resp.Items))
	for _, v := range resp.Items {
		if v == nil || v.Snippet == nil {
			continue
		}
		tags := v.Snippet.Tags
		if tags == nil {
			tags = []string{}
		}
		byID[v.Id] = Item{
			ID:           v.Id,
			Title:        v.Snippet.Title,
			Description:  v.Snippet.Description,
			ChannelID:    v.Snippet.ChannelId,
			ChannelTitle: v.Snippet.ChannelTitle,
			ThumbnailURL: thumbnailURL(v.Snippet.Thumbnails),
			Tags:         tags,
		}
	}

	items := make([]Item, 0, len(ids))
	for _, id := range ids {
		if it, ok := byID[id]; ok {
			items = append(items, it)
		}
	}
	return items, nil
}

// wait blocks until the limiter admits one call.
func (y *YouTube) wait(ctx context.Context, op, key string) error {
	err := y.limiter.Wait(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return classify(op, key, ctx.Err())
	}
	// the limiter refuses up front when the deadline is too close
	return Errorf(ErrTimeout, op, key, err)
}

func thumbnailURL(t *youtube.ThumbnailDetails) string {
	if t == nil || t.Default == nil {
		return ""
	}
	return t.Default.Url
}

// classify maps transport and API errors onto the error taxonomy.
func classify(op, key string, err error) error {
	var apiErr *googleapi.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Errorf(ErrTimeout, op, key, err)
	case errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound:
		return Errorf(ErrNotFound, op, key, err)
	default:
		return Errorf(ErrUpstream, op, key, err)
	}
}
