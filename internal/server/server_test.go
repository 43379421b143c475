package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jpalmerr/tubelytics/internal/delivery"
	"github.com/jpalmerr/tubelytics/internal/query"
	"github.com/jpalmerr/tubelytics/internal/upstream"
)

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSub struct {
	id   string
	done chan struct{}
}

func (s *fakeSub) ID() string            { return s.id }
func (s *fakeSub) Done() <-chan struct{} { return s.done }

// fakeBackend delivers scripted batches to every subscription and answers
// queries from a table.
type fakeBackend struct {
	batches  []delivery.Batch
	subErr   error
	response query.Response
	queryErr error

	mu       sync.Mutex
	subs     []*fakeSub
	topics   []string
	requests []query.Request
}

func (b *fakeBackend) Subscribe(ctx context.Context, topic string, sink delivery.Sink) (Subscription, error) {
	if b.subErr != nil {
		return nil, b.subErr
	}
	sub := &fakeSub{id: "sub-" + topic, done: make(chan struct{})}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.topics = append(b.topics, topic)
	b.mu.Unlock()

	go func() {
		for _, batch := range b.batches {
			batch.Topic = topic
			sink.Accept(batch)
		}
		<-ctx.Done()
		close(sub.done)
	}()
	return sub, nil
}

func (b *fakeBackend) Query(ctx context.Context, req query.Request) (query.Response, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	if b.queryErr != nil {
		return query.Response{}, b.queryErr
	}
	resp := b.response
	resp.Kind = req.Kind
	return resp, nil
}

func (b *fakeBackend) lastRequest() query.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[len(b.requests)-1]
}

func (b *fakeBackend) subscriptions() []*fakeSub {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*fakeSub(nil), b.subs...)
}

func itemBatch(ids ...string) delivery.Batch {
	b := delivery.Batch{At: time.Now()}
	for _, id := range ids {
		b.Items = append(b.Items, upstream.Item{ID: id})
	}
	return b
}

// parseSSEEvents extracts data payloads from an SSE body.
func parseSSEEvents(t *testing.T, body string) []event {
	t.Helper()
	var events []event
	for _, line := range strings.Split(body, "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("invalid event JSON %q: %v", data, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestHandleQuery_Routes(t *testing.T) {
	backend := &fakeBackend{}
	ts := httptest.NewServer(NewServer(backend, 0, nil, testLogger()).Handler())
	defer ts.Close()

	tests := []struct {
		path    string
		kind    query.Kind
		param   string
		session string
	}{
		{"/api/videos/v1", query.ItemDetail, "v1", ""},
		{"/api/tags/music", query.TagSearch, "music", ""},
		{"/api/channels/c1", query.ChannelProfile, "c1", ""},
		{"/api/wordstats?q=cats", query.WordStats, "cats", ""},
		{"/api/search?q=cats&session=s1", query.Search, "cats", "s1"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			if err != nil {
				t.Fatalf("GET error = %v", err)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}
			if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}

			got := backend.lastRequest()
			if got.Kind != tt.kind || got.Param != tt.param || got.Session != tt.session {
				t.Errorf("request = %+v, want kind %s param %q session %q", got, tt.kind, tt.param, tt.session)
			}
		})
	}
}

func TestHandleQuery_ErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"bad request", query.ErrBadRequest, http.StatusBadRequest},
		{"not found", upstream.Errorf(upstream.ErrNotFound, "item", "x", nil), http.StatusNotFound},
		{"timeout", upstream.Errorf(upstream.ErrTimeout, "item", "x", nil), http.StatusGatewayTimeout},
		{"upstream", upstream.Errorf(upstream.ErrUpstream, "item", "x", errors.New("quota")), http.StatusBadGateway},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{queryErr: tt.err}
			srv := NewServer(backend, 0, nil, testLogger())

			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/videos/x", nil))

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			var body errorBody
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("invalid error body: %v", err)
			}
			if body.Error == "" {
				t.Error("error body is empty")
			}
		})
	}
}

func TestHandleQuery_ResponseBody(t *testing.T) {
	item := upstream.Item{ID: "v1", Title: "Gophers", Tags: []string{"go"}}
	backend := &fakeBackend{response: query.Response{Item: &item}}
	srv := NewServer(backend, 0, nil, testLogger())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/videos/v1", nil))

	var got query.Response
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Item == nil || got.Item.Title != "Gophers" || got.Item.Tags[0] != "go" {
		t.Errorf("response = %+v, want item v1", got)
	}
}

func TestHandleSSE_MissingTopic(t *testing.T) {
	srv := NewServer(&fakeBackend{}, 0, nil, testLogger())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/subscribe", nil))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleSSE_SubscribeError(t *testing.T) {
	srv := NewServer(&fakeBackend{subErr: upstream.ErrUpstream}, 0, nil, testLogger())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/subscribe?q=cats", nil))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

// TestHandleSSE_StreamsUntilTerminal verifies batches arrive as events and
// the stream ends after the terminal batch.
func TestHandleSSE_StreamsUntilTerminal(t *testing.T) {
	backend := &fakeBackend{batches: []delivery.Batch{
		itemBatch("A", "B"),
		itemBatch("C"),
		{Err: errors.New("restart budget exhausted")},
	}}
	ts := httptest.NewServer(NewServer(backend, 0, nil, testLogger()).Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/subscribe?q=cats", nil)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}

	events := parseSSEEvents(t, string(body))
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3: %s", len(events), body)
	}
	if len(events[0].Items) != 2 || events[0].Topic != "cats" {
		t.Errorf("first event = %+v, want 2 items for cats", events[0])
	}
	if events[2].Error == "" {
		t.Error("last event should carry the terminal error")
	}
}

// TestHandleSSE_KeepsSubscriptionSeq verifies events carry the sequence
// numbers of the subscription, so gaps from its drops stay visible.
func TestHandleSSE_KeepsSubscriptionSeq(t *testing.T) {
	first, second := itemBatch("A"), itemBatch("B")
	first.Seq, second.Seq = 3, 7
	backend := &fakeBackend{batches: []delivery.Batch{
		first,
		second,
		{Seq: 8, Err: errors.New("restart budget exhausted")},
	}}
	ts := httptest.NewServer(NewServer(backend, 0, nil, testLogger()).Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/subscribe?q=cats", nil)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}

	events := parseSSEEvents(t, string(body))
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3: %s", len(events), body)
	}
	for i, want := range []uint64{3, 7, 8} {
		if events[i].Seq != want {
			t.Errorf("event %d Seq = %d, want %d", i, events[i].Seq, want)
		}
	}
}

// TestHandleSSE_ClientDisconnectCancels verifies that closing the client
// connection ends the subscription.
func TestHandleSSE_ClientDisconnectCancels(t *testing.T) {
	backend := &fakeBackend{batches: []delivery.Batch{itemBatch("A")}}
	ts := httptest.NewServer(NewServer(backend, 0, nil, testLogger()).Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/subscribe?q=cats", nil)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}

	// wait for the first event, then hang up
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil || !strings.HasPrefix(line, "data: ") {
		t.Fatalf("first line = %q, %v; want an event", line, err)
	}
	cancel()
	_ = resp.Body.Close()

	subs := backend.subscriptions()
	if len(subs) != 1 {
		t.Fatalf("subscriptions = %d, want 1", len(subs))
	}
	select {
	case <-subs[0].Done():
	case <-time.After(3 * time.Second):
		t.Fatal("subscription not cancelled after client disconnect")
	}
}

// TestHandleSSE_ServerShutdownIntegration tests that SSE handlers exit cleanly
// when the server is shut down, using a real HTTP connection.
func TestHandleSSE_ServerShutdownIntegration(t *testing.T) {
	backend := &fakeBackend{}
	srv := NewServer(backend, 0, nil, testLogger())

	serverCtx, serverCancel := context.WithCancel(context.Background())

	// derive request context from server context (simulates BaseContext)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.Handler().ServeHTTP(w, r.WithContext(serverCtx))
	})
	ts := httptest.NewServer(handler)
	defer ts.Close()

	connDone := make(chan struct{})
	go func() {
		defer close(connDone)
		resp, err := ts.Client().Get(ts.URL + "/api/subscribe?q=cats")
		if err != nil {
			return
		}
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, resp.Body)
	}()

	time.Sleep(100 * time.Millisecond)
	serverCancel()

	select {
	case <-connDone:
	case <-time.After(3 * time.Second):
		t.Fatal("SSE connection did not close after server shutdown")
	}
}

// nonFlushWriter is a ResponseWriter without http.Flusher.
type nonFlushWriter struct {
	header http.Header
	code   int
}

func (n *nonFlushWriter) Header() http.Header {
	if n.header == nil {
		n.header = make(http.Header)
	}
	return n.header
}

func (n *nonFlushWriter) Write(b []byte) (int, error) { return len(b), nil }

func (n *nonFlushWriter) WriteHeader(statusCode int) { n.code = statusCode }

func TestHandleSSE_SSENotSupported(t *testing.T) {
	srv := NewServer(&fakeBackend{}, 0, nil, testLogger())
	w := &nonFlushWriter{}

	srv.handleSSE(w, httptest.NewRequest(http.MethodGet, "/api/subscribe?q=cats", nil))

	if w.code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.code)
	}
}

func TestHandleWebSocket_SubscribesPerMessage(t *testing.T) {
	backend := &fakeBackend{batches: []delivery.Batch{itemBatch("A")}}
	ts := httptest.NewServer(NewServer(backend, 0, nil, testLogger()).Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer func() { _ = conn.Close() }()

	for _, topic := range []string{"cats", "dogs"} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(topic)); err != nil {
			t.Fatalf("WriteMessage() error = %v", err)
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	seen := make(map[string]bool)
	for len(seen) < 2 {
		var ev event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		if len(ev.Items) != 1 || ev.Items[0].ID != "A" {
			t.Errorf("event = %+v, want item A", ev)
		}
		seen[ev.Topic] = true
	}
	if !seen["cats"] || !seen["dogs"] {
		t.Errorf("topics seen = %v, want cats and dogs", seen)
	}

	// closing the socket cancels every subscription on it
	_ = conn.Close()
	for _, sub := range backend.subscriptions() {
		select {
		case <-sub.Done():
		case <-time.After(3 * time.Second):
			t.Fatalf("subscription %s not cancelled after socket close", sub.ID())
		}
	}
}

func TestHandler_Metrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "tubelytics_up 1\n")
	})
	srv := NewServer(&fakeBackend{}, 0, metrics, testLogger())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "tubelytics_up") {
		t.Errorf("metrics body = %q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	NewServer(&fakeBackend{}, 0, nil, testLogger()).Handler().
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status without metrics handler = %d, want 404", rec.Code)
	}
}

func TestStart_AvailablePort_ReturnsNil(t *testing.T) {
	// port 0 = OS assigns available port
	srv := NewServer(&fakeBackend{}, 0, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Errorf("Start() on available port returned error: %v", err)
	}
}

func TestStart_PortInUse_ReturnsError(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer func() { _ = ln.Close() }()

	port := ln.Addr().(*net.TCPAddr).Port
	srv := NewServer(&fakeBackend{}, port, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = srv.Start(ctx)
	if err == nil {
		t.Fatal("Start() on occupied port should return error")
	}
	if !strings.Contains(err.Error(), "failed to bind") {
		t.Errorf("expected bind error, got: %v", err)
	}
}

func TestStart_InvalidPort_ReturnsError(t *testing.T) {
	srv := NewServer(&fakeBackend{}, -1, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err == nil {
		t.Fatal("Start() with invalid port should return error")
	}
}
