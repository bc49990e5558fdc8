/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"

	"github.com/friendsincode/grimnir_kiosk/internal/engine"
	"github.com/friendsincode/grimnir_kiosk/internal/events"
	"github.com/friendsincode/grimnir_kiosk/internal/logbuffer"
	"github.com/friendsincode/grimnir_kiosk/internal/statesync"
	"github.com/friendsincode/grimnir_kiosk/internal/telemetry"
)

// Engine is the device view the surface exposes.
type Engine interface {
	Snapshot() engine.Snapshot
	Next() engine.Snapshot
	Prev() engine.Snapshot
	ItemFinished(itemID string) engine.Snapshot
	Sync(ctx context.Context) error
	ClearCache(ctx context.Context) error
	Bus() *events.Bus
}

// MediaFiles maps media ids to cached files.
type MediaFiles interface {
	File(mediaID string) (path, contentType string, ok bool)
}

// Options wires the server. Degraded and Logs may be nil.
type Options struct {
	Addr     string
	Engine   Engine
	Media    MediaFiles
	Degraded func() bool
	Logs     *logbuffer.Buffer
}

// defaultStreamEvents are pushed to stream clients that do not pick types.
var defaultStreamEvents = []events.EventType{
	events.EventSnapshot,
	events.EventIdentify,
	events.EventCacheClear,
	events.EventOnline,
	events.EventOffline,
}

// Server is the local playback surface.
type Server struct {
	engine     Engine
	media      MediaFiles
	degraded   func() bool
	logs       *logbuffer.Buffer
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
}

// New builds the router and the underlying http.Server.
func New(opts Options, logger zerolog.Logger) (*Server, error) {
	if opts.Engine == nil || opts.Media == nil {
		return nil, errors.New("server: engine and media are required")
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("grimnir-kiosk-api"))
	router.Use(telemetry.MetricsMiddleware)
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Stream connections and media downloads manage their own lifetime.
			if r.Header.Get("Upgrade") == "websocket" || strings.HasPrefix(r.URL.Path, "/media/") {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	s := &Server{
		engine:   opts.Engine,
		media:    opts.Media,
		degraded: opts.Degraded,
		logs:     opts.Logs,
		logger:   logger.With().Str("component", "server").Logger(),
		router:   router,
	}
	s.configureRoutes()

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		frameAncestors := "'none'"
		xFrameOptions := "DENY"
		if isEmbeddablePath(r.URL.Path) {
			// The player page embeds cached media in same-origin frames.
			frameAncestors = "'self'"
			xFrameOptions = "SAMEORIGIN"
		}
		w.Header().Set("X-Frame-Options", xFrameOptions)
		w.Header().Set("Content-Security-Policy", "default-src 'self' 'unsafe-inline' data: blob: https: http:; frame-ancestors "+frameAncestors+"; base-uri 'self'")

		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func isEmbeddablePath(path string) bool {
	return strings.HasPrefix(path, "/media/")
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", telemetry.Handler())
	s.router.Get("/media/{mediaID}", s.handleMedia)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/now", s.handleNow)
		r.Get("/stream", s.handleStream)
		r.Post("/rotation/next", s.handleNext)
		r.Post("/rotation/prev", s.handlePrev)
		r.Post("/rotation/finished/{itemID}", s.handleFinished)
		r.Post("/sync", s.handleSync)
		r.Delete("/cache", s.handleClearCache)
		r.Get("/logs", s.handleLogs)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	resp := map[string]any{
		"status":    "ok",
		"device_id": snap.DeviceID,
		"online":    snap.Online,
		"kind":      snap.Kind,
	}
	if !snap.LastSyncAt.IsZero() {
		resp["last_sync_at"] = snap.LastSyncAt
	}
	if s.degraded != nil && s.degraded() {
		resp["status"] = "degraded"
		resp["store_degraded"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNow(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Next())
}

func (s *Server) handlePrev(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Prev())
}

func (s *Server) handleFinished(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ItemFinished(chi.URLParam(r, "itemID")))
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	err := s.engine.Sync(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "synced"})
	case errors.Is(err, statesync.ErrRateLimited):
		w.Header().Set("Retry-After", "10")
		writeError(w, http.StatusTooManyRequests, "rate_limited")
	case errors.Is(err, statesync.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, "not_ready")
	case errors.Is(err, statesync.ErrMalformedState):
		writeError(w, http.StatusBadGateway, "malformed_state")
	default:
		s.logger.Warn().Err(err).Msg("forced sync failed")
		writeError(w, http.StatusBadGateway, "sync_failed")
	}
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ClearCache(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("clear cache failed")
		writeError(w, http.StatusInternalServerError, "cache_error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusNotFound, "logs_disabled")
		return
	}

	q := r.URL.Query()
	params := logbuffer.QueryParams{
		Level:      q.Get("level"),
		Component:  q.Get("component"),
		Search:     q.Get("search"),
		Limit:      200,
		Descending: true,
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		params.Limit = min(n, 2000)
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_since")
			return
		}
		params.Since = since
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": s.logs.Query(params),
		"stats":   s.logs.Stats(),
	})
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	mediaID := chi.URLParam(r, "mediaID")
	// chi routes on RawPath when the id carries escaped slashes.
	if r.URL.RawPath != "" {
		if unescaped, err := url.PathUnescape(mediaID); err == nil {
			mediaID = unescaped
		}
	}
	path, contentType, ok := s.media.File(mediaID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_cached")
		return
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeFile(w, r, path)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	telemetry.StreamSubscribers.Inc()
	defer telemetry.StreamSubscribers.Dec()

	eventTypes := parseEventTypes(r.URL.Query().Get("types"))
	if len(eventTypes) == 0 {
		eventTypes = defaultStreamEvents
	}

	bus := s.engine.Bus()
	subscribers := make([]events.Subscriber, 0, len(eventTypes))
	for _, eventType := range eventTypes {
		subscribers = append(subscribers, bus.Subscribe(eventType))
	}
	defer func() {
		for i, eventType := range eventTypes {
			bus.Unsubscribe(eventType, subscribers[i])
		}
	}()

	// New clients render immediately instead of waiting for the next change.
	if err := writeEvent(ctx, conn, events.EventSnapshot, events.Payload{"snapshot": s.engine.Snapshot()}); err != nil {
		s.logger.Debug().Err(err).Msg("websocket initial write failed")
		return
	}

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "context cancelled")
			return
		case <-ticker.C:
			if err := conn.Write(ctx, ws.MessageText, []byte(`{"type":"ping"}`)); err != nil {
				s.logger.Debug().Err(err).Msg("websocket ping failed")
				conn.Close(ws.StatusInternalError, "write failed")
				return
			}
		default:
			sent := false
			for i, sub := range subscribers {
				select {
				case payload, ok := <-sub:
					if !ok {
						conn.Close(ws.StatusGoingAway, "shutting down")
						return
					}
					if err := writeEvent(ctx, conn, eventTypes[i], payload); err != nil {
						s.logger.Debug().Err(err).Msg("websocket write failed")
						conn.Close(ws.StatusInternalError, "write failed")
						return
					}
					sent = true
				default:
				}
			}
			if !sent {
				time.Sleep(50 * time.Millisecond)
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *ws.Conn, eventType events.EventType, payload events.Payload) error {
	data := map[string]any{
		"type":    eventType,
		"payload": payload,
	}
	bytes, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return conn.Write(ctx, ws.MessageText, bytes)
}

func parseEventTypes(raw string) []events.EventType {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]events.EventType, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, events.EventType(part))
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
