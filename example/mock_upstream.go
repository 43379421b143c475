package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jpalmerr/tubelytics"
)

var vocabulary = []string{
	"go", "gopher", "channels", "goroutines", "generics", "testing", "tutorial",
	"concurrency", "interfaces", "performance", "build", "release", "live",
}

// mockUpstream is an in-memory tubelytics.Client whose topics gain a new
// video every 20-60 seconds.
type mockUpstream struct {
	mu     sync.Mutex
	topics map[string]*mockTopic
	videos map[string]tubelytics.Item
}

type mockTopic struct {
	ids          []string
	nextUploadAt time.Time
}

func newMockUpstream() *mockUpstream {
	return &mockUpstream{
		topics: make(map[string]*mockTopic),
		videos: make(map[string]tubelytics.Item),
	}
}

func (m *mockUpstream) SearchByTopic(ctx context.Context, topic string) ([]tubelytics.Item, error) {
	// simulate a slow provider
	select {
	case <-time.After(time.Duration(100+rand.Intn(400)) * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tp, ok := m.topics[topic]
	if !ok {
		tp = &mockTopic{}
		m.topics[topic] = tp
		for i := 0; i < 3; i++ {
			m.uploadLocked(topic, tp)
		}
	}
	if time.Now().After(tp.nextUploadAt) {
		m.uploadLocked(topic, tp)
	}

	// newest first, like a relevance search drifting over time
	out := make([]tubelytics.Item, 0, len(tp.ids))
	for i := len(tp.ids) - 1; i >= 0 && len(out) < 10; i-- {
		out = append(out, m.videos[tp.ids[i]])
	}
	return out, nil
}

func (m *mockUpstream) uploadLocked(topic string, tp *mockTopic) {
	id := fmt.Sprintf("%s-%d", strings.ReplaceAll(topic, " ", "-"), len(tp.ids)+1)
	words := make([]string, 6)
	for i := range words {
		words[i] = vocabulary[rand.Intn(len(vocabulary))]
	}
	m.videos[id] = tubelytics.Item{
		ID:           id,
		Title:        fmt.Sprintf("%s #%d", topic, len(tp.ids)+1),
		Description:  strings.Join(words, " "),
		ChannelID:    "mock-channel",
		ChannelTitle: "Mock Channel",
		Tags:         []string{topic, words[0]},
	}
	tp.ids = append(tp.ids, id)
	tp.nextUploadAt = time.Now().Add(time.Duration(20+rand.Intn(41)) * time.Second)
	slog.Info("mock upload", "topic", topic, "video_id", id)
}

func (m *mockUpstream) GetItem(ctx context.Context, id string) (tubelytics.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.videos[id]
	if !ok {
		return tubelytics.Item{}, fmt.Errorf("video %s: %w", id, tubelytics.ErrNotFound)
	}
	return it, nil
}

func (m *mockUpstream) SearchByTag(ctx context.Context, tag string) ([]tubelytics.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []tubelytics.Item
	for _, it := range m.videos {
		for _, t := range it.Tags {
			if t == tag {
				out = append(out, it)
				break
			}
		}
	}
	return out, nil
}

func (m *mockUpstream) GetChannel(ctx context.Context, id string) (tubelytics.Channel, error) {
	if id != "mock-channel" {
		return tubelytics.Channel{}, fmt.Errorf("channel %s: %w", id, tubelytics.ErrNotFound)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return tubelytics.Channel{
		ID:         id,
		Title:      "Mock Channel",
		VideoCount: uint64(len(m.videos)),
	}, nil
}

func (m *mockUpstream) LatestByChannel(ctx context.Context, id string, limit int) ([]tubelytics.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]tubelytics.Item, 0, limit)
	for _, it := range m.videos {
		if it.ChannelID == id && len(out) < limit {
			out = append(out, it)
		}
	}
	return out, nil
}
