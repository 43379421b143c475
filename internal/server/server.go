package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jpalmerr/tubelytics/internal/delivery"
	"github.com/jpalmerr/tubelytics/internal/query"
	"github.com/jpalmerr/tubelytics/internal/upstream"
)

const (
	// writeTimeout bounds a single SSE or WebSocket write so a stuck client
	// cannot pin its handler goroutine. Must be <= shutdown timeout.
	writeTimeout = 5 * time.Second

	shutdownTimeout = 5 * time.Second

	// outboundBuffer is the per-connection batch buffer between the
	// subscription sinks and the network writer.
	outboundBuffer = delivery.DefaultCapacity
)

// Subscription is a live subscription as seen by the HTTP layer.
type Subscription interface {
	ID() string
	Done() <-chan struct{}
}

// Backend is what the server exposes over HTTP.
type Backend interface {
	// Subscribe opens a subscription for topic that delivers to sink.
	// Cancelling ctx cancels the subscription.
	Subscribe(ctx context.Context, topic string, sink delivery.Sink) (Subscription, error)

	// Query runs a one-shot query.
	Query(ctx context.Context, req query.Request) (query.Response, error)
}

// event is the wire form of a batch.
type event struct {
	Seq   uint64          `json:"seq"`
	Topic string          `json:"topic"`
	Items []upstream.Item `json:"items,omitempty"`
	Error string          `json:"error,omitempty"`
	At    time.Time       `json:"at"`
}

func toEvent(b delivery.Batch) event {
	ev := event{Seq: b.Seq, Topic: b.Topic, Items: b.Items, At: b.At}
	if b.Err != nil {
		ev.Error = b.Err.Error()
	}
	return ev
}

type errorBody struct {
	Error string `json:"error"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server adapts a [Backend] to HTTP.
//
// Routes:
//   - GET /api/subscribe?q=: Server-Sent Events, one event per batch
//   - GET /api/ws: WebSocket, each text frame opens a subscription
//   - GET /api/videos/{id}, /api/tags/{tag}, /api/channels/{id}: JSON
//   - GET /api/wordstats?q=, /api/search?q=&session=: JSON
//   - GET /metrics: prometheus exposition, if a handler was given
//
// The server is designed for graceful shutdown via context cancellation.
type Server struct {
	backend    Backend
	port       int
	metrics    http.Handler
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new HTTP [Server]. metrics may be nil.
//
// The server is not started until [Server.Start] is called.
func NewServer(backend Backend, port int, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		backend: backend,
		port:    port,
		metrics: metrics,
		logger:  logger,
	}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/subscribe", s.handleSSE)
	mux.HandleFunc("GET /api/ws", s.handleWebSocket)

	mux.HandleFunc("GET /api/videos/{id}", s.handleQuery(query.ItemDetail, pathParam("id")))
	mux.HandleFunc("GET /api/tags/{tag}", s.handleQuery(query.TagSearch, pathParam("tag")))
	mux.HandleFunc("GET /api/channels/{id}", s.handleQuery(query.ChannelProfile, pathParam("id")))
	mux.HandleFunc("GET /api/wordstats", s.handleQuery(query.WordStats, queryParam("q")))
	mux.HandleFunc("GET /api/search", s.handleQuery(query.Search, queryParam("q")))

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// Start begins serving HTTP requests in a background goroutine.
//
// Start is non-blocking and returns immediately after confirming the server
// is listening. The server will continue running until the context is
// cancelled, at which point it initiates a graceful shutdown with a 5-second
// timeout.
//
// Returns an error if the server fails to bind to the configured port.
func (s *Server) Start(ctx context.Context) error {
	// create listener first to verify port availability synchronously
	addr := fmt.Sprintf(":%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to port %d: %w", s.port, err)
	}

	s.httpServer = &http.Server{
		Handler: s.Handler(),
		// request contexts derive from ctx so long-lived subscription
		// handlers end on shutdown
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}()

	return nil
}

type paramFunc func(r *http.Request) string

func pathParam(name string) paramFunc {
	return func(r *http.Request) string { return r.PathValue(name) }
}

func queryParam(name string) paramFunc {
	return func(r *http.Request) string { return r.URL.Query().Get(name) }
}

// handleQuery serves a one-shot query of the given kind as JSON.
func (s *Server) handleQuery(kind query.Kind, param paramFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := query.Request{
			Kind:    kind,
			Param:   param(r),
			Session: r.URL.Query().Get("session"),
		}

		resp, err := s.backend.Query(r.Context(), req)
		if err != nil {
			status := statusFor(err)
			if status >= http.StatusInternalServerError {
				s.logger.Warn("query failed", "kind", string(kind), "param", req.Param, "error", err)
			}
			s.writeJSON(w, status, errorBody{Error: err.Error()})
			return
		}
		s.writeJSON(w, http.StatusOK, resp)
	}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, query.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, upstream.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, upstream.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, upstream.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// handleSSE streams one subscription via Server-Sent Events.
//
// The handler uses write deadlines to prevent goroutine leaks when clients are
// slow or disconnected. Without deadlines, a blocked Fprintf call would prevent
// the handler from detecting context cancellation.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("q")
	if topic == "" {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing query parameter q"})
		return
	}

	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	rc := http.NewResponseController(w)
	deadlinesSupported := true

	writeAndFlush := func(data []byte) error {
		if deadlinesSupported {
			if err := rc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				// deadline not supported by underlying connection, continue without
				s.logger.Warn("sse write deadlines not supported", "error", err)
				deadlinesSupported = false
			}
		}

		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		return rc.Flush()
	}

	// the request context ends on client disconnect and on server shutdown;
	// either cancels the subscription
	ctx := r.Context()
	out := delivery.NewChannel(outboundBuffer)

	sub, err := s.backend.Subscribe(ctx, topic, delivery.SinkFunc(func(b delivery.Batch) { out.Forward(b) }))
	if err != nil {
		s.writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
		return
	}
	go func() {
		<-sub.Done()
		out.Close()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	logger := s.logger.With("subscription_id", sub.ID(), "topic", topic)
	logger.Debug("sse subscription opened")
	defer logger.Debug("sse subscription closed")

	for {
		b, err := out.Receive(ctx)
		if err != nil {
			return
		}
		data, err := json.Marshal(toEvent(b))
		if err != nil {
			continue
		}
		if err := writeAndFlush(data); err != nil {
			return
		}
		if b.Terminal() {
			return
		}
	}
}

// handleWebSocket serves subscriptions over one WebSocket connection. Every
// text frame the client sends is a topic to subscribe to; batches of all the
// connection's subscriptions share one drop-oldest outbound buffer.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := delivery.NewChannel(outboundBuffer)
	sink := delivery.SinkFunc(func(b delivery.Batch) { out.Forward(b) })

	// unblock ReadMessage on shutdown
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		for {
			b, err := out.Receive(ctx)
			if err != nil {
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := conn.WriteJSON(toEvent(b)); err != nil {
				return
			}
		}
	}()

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage || len(msg) == 0 {
			continue
		}

		topic := string(msg)
		sub, err := s.backend.Subscribe(ctx, topic, sink)
		if err != nil {
			s.logger.Warn("websocket subscribe failed", "topic", topic, "error", err)
			out.Forward(delivery.Batch{Topic: topic, Err: err, At: time.Now()})
			continue
		}
		s.logger.Debug("websocket subscription opened", "subscription_id", sub.ID(), "topic", topic)
	}

	cancel()
	<-writerDone
}
