// Package query implements the one-shot operations: tag search, item
// detail, word statistics, channel profile and search with history.
//
// Queries read through whatever [upstream.Client] they are given, which in
// production is the shared fetch cache. They never touch subscription
// state.
package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/juju/clock"

	"github.com/jpalmerr/tubelytics/internal/history"
	"github.com/jpalmerr/tubelytics/internal/upstream"
	"github.com/jpalmerr/tubelytics/internal/wordstats"
)

const (
	// ChannelItems is how many recent items a channel profile lists.
	ChannelItems = 10

	// SearchItems is how many described items a search keeps.
	SearchItems = 10
)

// ErrBadRequest reports a request that cannot be executed as given.
var ErrBadRequest = errors.New("bad request")

// Kind selects a one-shot operation.
type Kind string

const (
	TagSearch      Kind = "tag_search"
	ItemDetail     Kind = "item"
	WordStats      Kind = "word_stats"
	ChannelProfile Kind = "channel_profile"
	Search         Kind = "search"
)

// Request is a one-shot query.
type Request struct {
	Kind Kind `json:"kind"`

	// Param is the tag, item id, topic or channel id, depending on Kind.
	Param string `json:"param"`

	// Session keys search history for Search. Empty skips history.
	Session string `json:"session,omitempty"`
}

// Response carries the result of a query. Only the fields of the
// request's Kind are set.
type Response struct {
	Kind    Kind                  `json:"kind"`
	Items   []upstream.Item       `json:"items,omitempty"`
	Item    *upstream.Item        `json:"item,omitempty"`
	Words   []wordstats.WordCount `json:"words,omitempty"`
	Channel *upstream.Channel     `json:"channel,omitempty"`
	History []history.Entry       `json:"history,omitempty"`
}

// adder is implemented by stores that can prepend atomically.
type adder interface {
	Add(session string, e history.Entry, limit int) []history.Entry
}

// Executor runs queries against an upstream client.
type Executor struct {
	client  upstream.Client
	history history.Store
	clock   clock.Clock
}

// NewExecutor returns an [Executor]. store may be nil, in which case
// searches keep no history.
func NewExecutor(client upstream.Client, store history.Store, clk clock.Clock) *Executor {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Executor{client: client, history: store, clock: clk}
}

// Execute runs req. Errors match [ErrBadRequest] or one of the upstream
// kinds.
func (e *Executor) Execute(ctx context.Context, req Request) (Response, error) {
	if req.Param == "" {
		return Response{}, fmt.Errorf("%w: %s needs a parameter", ErrBadRequest, req.Kind)
	}

	switch req.Kind {
	case TagSearch:
		return e.tagSearch(ctx, req.Param)
	case ItemDetail:
		return e.item(ctx, req.Param)
	case WordStats:
		return e.wordStats(ctx, req.Param)
	case ChannelProfile:
		return e.channel(ctx, req.Param)
	case Search:
		return e.search(ctx, req.Param, req.Session)
	default:
		return Response{}, fmt.Errorf("%w: unknown kind %q", ErrBadRequest, req.Kind)
	}
}

func (e *Executor) tagSearch(ctx context.Context, tag string) (Response, error) {
	items, err := e.client.SearchByTag(ctx, tag)
	if err != nil {
		return Response{}, err
	}
	if len(items) == 0 {
		return Response{}, upstream.Errorf(upstream.ErrNotFound, "tag", tag, nil)
	}
	return Response{Kind: TagSearch, Items: items}, nil
}

func (e *Executor) item(ctx context.Context, id string) (Response, error) {
	it, err := e.client.GetItem(ctx, id)
	if err != nil {
		return Response{}, err
	}
	return Response{Kind: ItemDetail, Item: &it}, nil
}

func (e *Executor) wordStats(ctx context.Context, topic string) (Response, error) {
	items, err := e.client.SearchByTopic(ctx, topic)
	if err != nil {
		return Response{}, err
	}
	if len(items) == 0 {
		return Response{}, upstream.Errorf(upstream.ErrNotFound, "word_stats", topic, nil)
	}
	return Response{Kind: WordStats, Words: wordstats.Compute(items)}, nil
}

func (e *Executor) channel(ctx context.Context, id string) (Response, error) {
	ch, err := e.client.GetChannel(ctx, id)
	if err != nil {
		return Response{}, err
	}
	items, err := e.client.LatestByChannel(ctx, id, ChannelItems)
	if err != nil {
		return Response{}, err
	}
	return Response{Kind: ChannelProfile, Channel: &ch, Items: items}, nil
}

func (e *Executor) search(ctx context.Context, topic, session string) (Response, error) {
	items, err := e.client.SearchByTopic(ctx, topic)
	if err != nil {
		return Response{}, err
	}

	kept := make([]upstream.Item, 0, SearchItems)
	for _, it := range items {
		if len(kept) == SearchItems {
			break
		}
		if it.Description != "" {
			kept = append(kept, it)
		}
	}

	resp := Response{Kind: Search, Items: kept}
	if session == "" || e.history == nil {
		return resp, nil
	}

	entry := history.Entry{Query: topic, Items: kept, At: e.clock.Now()}
	if a, ok := e.history.(adder); ok {
		resp.History = a.Add(session, entry, history.DefaultLimit)
		return resp, nil
	}
	prev, _ := e.history.Get(session)
	resp.History = history.Prepend(prev, entry, history.DefaultLimit)
	e.history.Set(session, resp.History)
	return resp, nil
}
