package upstream

import (
	"context"
	"errors"
	"fmt"
)

// Item is a single search result as returned by the upstream provider.
//
// Identity is ID. Every other field is descriptive and may change between
// fetches of the same ID without the item being treated as new.
type Item struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	ChannelID    string   `json:"channel_id"`
	ChannelTitle string   `json:"channel_title"`
	ThumbnailURL string   `json:"thumbnail_url"`
	Tags         []string `json:"tags"`
}

// Channel is the profile of an upstream channel.
type Channel struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	ThumbnailURL    string `json:"thumbnail_url"`
	SubscriberCount uint64 `json:"subscriber_count"`
	VideoCount      uint64 `json:"video_count"`
	ViewCount       uint64 `json:"view_count"`
}

// Client is the contract the core expects from the upstream search provider.
//
// Implementations may block for as long as the provider takes to answer and
// should honour ctx where the transport allows it. Failures are reported as
// [*Error] values that match [ErrUpstream], [ErrNotFound] or [ErrTimeout].
type Client interface {
	// SearchByTopic returns the current result batch for a free-text topic.
	SearchByTopic(ctx context.Context, topic string) ([]Item, error)

	// GetItem returns a single item by id.
	GetItem(ctx context.Context, id string) (Item, error)

	// SearchByTag returns items associated with a tag.
	SearchByTag(ctx context.Context, tag string) ([]Item, error)

	// GetChannel returns a channel profile.
	GetChannel(ctx context.Context, channelID string) (Channel, error)

	// LatestByChannel returns up to limit of the channel's newest items.
	LatestByChannel(ctx context.Context, channelID string, limit int) ([]Item, error)
}

var (
	// ErrUpstream covers quota, network and malformed-response failures.
	ErrUpstream = errors.New("upstream error")

	// ErrNotFound reports that a specific id or topic yielded no result.
	ErrNotFound = errors.New("not found")

	// ErrTimeout reports that a bounded call did not finish in time.
	ErrTimeout = errors.New("timed out")
)

// Error describes a failed upstream operation.
type Error struct {
	// Op is the operation that failed, e.g. "search" or "item".
	Op string
	// Key is the operation parameter (topic, id, tag or channel id).
	Key string
	// Kind is one of ErrUpstream, ErrNotFound or ErrTimeout.
	Kind error
	// Err is the underlying cause, may be nil.
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %q: %v", e.Op, e.Key, e.Kind)
	}
	return fmt.Sprintf("%s %q: %v: %v", e.Op, e.Key, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Errorf builds an [*Error] of the given kind.
func Errorf(kind error, op, key string, cause error) *Error {
	return &Error{Op: op, Key: key, Kind: kind, Err: cause}
}
