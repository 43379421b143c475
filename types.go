package tubelytics

import (
	"github.com/jpalmerr/tubelytics/internal/correlator"
	"github.com/jpalmerr/tubelytics/internal/delivery"
	"github.com/jpalmerr/tubelytics/internal/history"
	"github.com/jpalmerr/tubelytics/internal/query"
	"github.com/jpalmerr/tubelytics/internal/supervisor"
	"github.com/jpalmerr/tubelytics/internal/upstream"
	"github.com/jpalmerr/tubelytics/internal/wordstats"
)

// Item is a single search result. Identity is ID; other fields may change
// between fetches of the same ID.
type Item = upstream.Item

// Channel is an upstream channel profile.
type Channel = upstream.Channel

// Client is the upstream search provider contract. Implement it to run
// against something other than the YouTube Data API.
type Client = upstream.Client

// Batch is one push to a subscriber: the items not delivered before, or a
// terminal error.
type Batch = delivery.Batch

// Sink receives batches for a subscription. Accept is called from a single
// goroutine per subscription and should not block for long.
type Sink = delivery.Sink

// SinkFunc adapts a function to [Sink].
type SinkFunc = delivery.SinkFunc

// Request is a one-shot query.
type Request = query.Request

// Response is the result of a one-shot query.
type Response = query.Response

// Kind selects a one-shot query.
type Kind = query.Kind

// One-shot query kinds.
const (
	TagSearch      = query.TagSearch
	ItemDetail     = query.ItemDetail
	WordStats      = query.WordStats
	ChannelProfile = query.ChannelProfile
	Search         = query.Search
)

// WordCount is one row of a word statistics result.
type WordCount = wordstats.WordCount

// HistoryStore keeps per-session search history.
type HistoryStore = history.Store

// HistoryEntry is one remembered search.
type HistoryEntry = history.Entry

var (
	// ErrUpstream covers quota, network and malformed-response failures.
	ErrUpstream = upstream.ErrUpstream

	// ErrNotFound reports that an id, tag or topic yielded nothing.
	ErrNotFound = upstream.ErrNotFound

	// ErrTimeout reports that a bounded call or query did not finish in time.
	ErrTimeout = upstream.ErrTimeout

	// ErrBadRequest reports input that cannot be executed, such as an empty
	// topic.
	ErrBadRequest = query.ErrBadRequest

	// ErrEscalated is wrapped by the terminal batch of a subscription whose
	// worker exhausted its restart budget.
	ErrEscalated = supervisor.ErrEscalated

	// ErrNotRunning is returned by operations called before Start or after
	// Close.
	ErrNotRunning = supervisor.ErrNotRunning

	// ErrStopped is returned by [Tubelytics.Query] before Start or after
	// Close.
	ErrStopped = correlator.ErrStopped
)
