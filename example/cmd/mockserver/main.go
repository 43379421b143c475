// Standalone mock YouTube Data API for testing the CLI.
//
// Usage:
//
//	go run ./example/cmd/mockserver
//
// Then in another terminal:
//
//	go run ./cmd/tubelytics serve -c example/config.yaml
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/youtube/v3"
)

const channelID = "UCmockchannel"

var vocabulary = []string{
	"go", "gopher", "channels", "goroutines", "generics", "testing", "tutorial",
	"concurrency", "interfaces", "performance", "build", "release", "live",
}

type mockTopic struct {
	ids          []string
	nextUploadAt time.Time
}

type mockAPI struct {
	mu     sync.Mutex
	topics map[string]*mockTopic
	videos map[string]*youtube.Video
	order  []string
}

func main() {
	fmt.Println("Mock YouTube Data API starting on :9999")
	fmt.Println("Every topic gains a new video every 20-60 seconds")
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	api := newMockAPI()

	http.Handle("/", slow(api))

	if err := http.ListenAndServe(":9999", nil); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func newMockAPI() *mockAPI {
	return &mockAPI{
		topics: make(map[string]*mockTopic),
		videos: make(map[string]*youtube.Video),
	}
}

// slow delays every request to simulate a slow provider.
func slow(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Duration(50+rand.Intn(150)) * time.Millisecond)
		next.ServeHTTP(w, r)
	})
}

// ServeHTTP routes on the path suffix so any endpoint prefix works.
func (m *mockAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/search"):
		m.search(w, r)
	case strings.HasSuffix(r.URL.Path, "/videos"):
		m.listVideos(w, r)
	case strings.HasSuffix(r.URL.Path, "/channels"):
		m.listChannels(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (m *mockAPI) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	m.mu.Lock()
	var ids []string
	if q.Get("channelId") != "" {
		if q.Get("channelId") == channelID {
			// newest first
			for i := len(m.order) - 1; i >= 0 && len(ids) < 10; i-- {
				ids = append(ids, m.order[i])
			}
		}
	} else {
		topic := strings.ToLower(strings.TrimSpace(q.Get("q")))
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
		for i := len(tp.ids) - 1; i >= 0 && len(ids) < 10; i-- {
			ids = append(ids, tp.ids[i])
		}
	}
	m.mu.Unlock()

	resp := &youtube.SearchListResponse{Kind: "youtube#searchListResponse"}
	for _, id := range ids {
		resp.Items = append(resp.Items, &youtube.SearchResult{
			Kind: "youtube#searchResult",
			Id:   &youtube.ResourceId{Kind: "youtube#video", VideoId: id},
		})
	}
	writeJSON(w, resp)
}

func (m *mockAPI) uploadLocked(topic string, tp *mockTopic) {
	id := fmt.Sprintf("%s-%d", strings.ReplaceAll(topic, " ", "-"), len(tp.ids)+1)
	words := make([]string, 8)
	for i := range words {
		words[i] = vocabulary[rand.Intn(len(vocabulary))]
	}

	m.videos[id] = &youtube.Video{
		Kind: "youtube#video",
		Id:   id,
		Snippet: &youtube.VideoSnippet{
			Title:        fmt.Sprintf("%s #%d", topic, len(tp.ids)+1),
			Description:  strings.Join(words, " "),
			ChannelId:    channelID,
			ChannelTitle: "Mock Channel",
			Tags:         []string{topic, words[0]},
			Thumbnails: &youtube.ThumbnailDetails{
				Default: &youtube.Thumbnail{Url: "https://i.ytimg.com/vi/" + id + "/default.jpg"},
			},
		},
	}
	tp.ids = append(tp.ids, id)
	m.order = append(m.order, id)
	tp.nextUploadAt = time.Now().Add(time.Duration(20+rand.Intn(41)) * time.Second)

	slog.Info("mock upload", "topic", topic, "video_id", id)
}

func (m *mockAPI) listVideos(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	resp := &youtube.VideoListResponse{Kind: "youtube#videoListResponse"}
	for _, id := range requestIDs(r) {
		if v, ok := m.videos[id]; ok {
			resp.Items = append(resp.Items, v)
		}
	}
	writeJSON(w, resp)
}

func (m *mockAPI) listChannels(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	resp := &youtube.ChannelListResponse{Kind: "youtube#channelListResponse"}
	for _, id := range requestIDs(r) {
		if id != channelID {
			continue
		}
		resp.Items = append(resp.Items, &youtube.Channel{
			Kind: "youtube#channel",
			Id:   channelID,
			Snippet: &youtube.ChannelSnippet{
				Title:       "Mock Channel",
				Description: "Videos generated by the mock server",
			},
			Statistics: &youtube.ChannelStatistics{
				SubscriberCount: 1000,
				VideoCount:      uint64(len(m.order)),
				ViewCount:       uint64(len(m.order)) * 250,
			},
		})
	}
	writeJSON(w, resp)
}

// requestIDs accepts both repeated and comma separated id parameters.
func requestIDs(r *http.Request) []string {
	var ids []string
	for _, v := range r.URL.Query()["id"] {
		ids = append(ids, strings.Split(v, ",")...)
	}
	return ids
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
