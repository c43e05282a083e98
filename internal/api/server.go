// Package api exposes the strip board over HTTP: the REST resource, the SSE
// and WebSocket push channels, and a health endpoint.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stripboard/stripd/internal/hub"
	"github.com/stripboard/stripd/internal/query"
	"github.com/stripboard/stripd/internal/store"
	"github.com/stripboard/stripd/internal/strip"
)

// maxBodyBytes bounds create and edit request bodies.
const maxBodyBytes = 1 << 20

// DefaultHeartbeat is the keep-alive interval on push channels.
const DefaultHeartbeat = 15 * time.Second

// StripStore is the subset of the store the handlers use.
type StripStore interface {
	Query(query.Filter) []strip.Strip
	Get(id string) (strip.Strip, bool)
	Create(strip.Patch) (strip.Strip, error)
	Edit(id string, p strip.Patch) (strip.Strip, error)
	Delete(id string) error
	Len() int
}

// Broadcaster registers push-channel subscribers. It also owns the feed
// connectivity flag reported by hello events and /healthz.
type Broadcaster interface {
	Subscribe(hub.Sink) error
	Unsubscribe(hub.Sink)
	ClientCount() int
	SetUpstream(func() bool)
	Upstream() bool
}

// Config holds optional server settings.
type Config struct {
	// Upstream, when set, is installed into the Broadcaster as its
	// connectivity check.
	Upstream func() bool
	// Heartbeat is the keep-alive interval on /sse and /ws.
	Heartbeat time.Duration
	// Buffer is the per-subscriber event queue length.
	Buffer int
	// StaticDir, when set, is served at /.
	StaticDir string
	Log       *slog.Logger
}

// Server holds the handler dependencies.
type Server struct {
	store StripStore
	hub   Broadcaster

	heartbeat time.Duration
	buffer    int
	staticDir string
	log       *slog.Logger
}

// NewServer creates a Server.
func NewServer(st StripStore, h Broadcaster, cfg Config) *Server {
	if cfg.Upstream != nil {
		h.SetUpstream(cfg.Upstream)
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = hub.DefaultBuffer
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Server{
		store:     st,
		hub:       h,
		heartbeat: cfg.Heartbeat,
		buffer:    cfg.Buffer,
		staticDir: cfg.StaticDir,
		log:       cfg.Log.With("component", "api"),
	}
}

// Router returns the configured chi router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Route("/api/strips", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Get("/{id}", s.handleGet)
		r.Put("/{id}", s.handleEdit)
		r.Delete("/{id}", s.handleDelete)
	})
	r.Get("/flightplans", s.handleFlightPlans)

	r.Get("/sse", s.handleSSE)
	r.Get("/ws", s.handleWS)
	r.Get("/healthz", s.handleHealth)

	if s.staticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.staticDir)))
	}
	return r
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	f, err := query.ParseFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nonNil(s.store.Query(f)))
}

// handleFlightPlans serves the unfiltered board under its legacy path.
func (s *Server) handleFlightPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.store.Query(query.All())))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	st, ok := s.store.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	p, ok := decodePatch(w, r)
	if !ok {
		return
	}
	st, err := s.store.Create(p)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	p, ok := decodePatch(w, r)
	if !ok {
		return
	}
	st, err := s.store.Edit(chi.URLParam(r, "id"), p)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type healthStatus struct {
	OK          bool `json:"ok"`
	Upstream    bool `json:"upstream"`
	Strips      int  `json:"strips"`
	Subscribers int  `json:"subscribers"`
	Goroutines  int  `json:"goroutines"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthStatus{
		OK:          true,
		Upstream:    s.hub.Upstream(),
		Strips:      s.store.Len(),
		Subscribers: s.hub.ClientCount(),
		Goroutines:  runtime.NumGoroutine(),
	})
}

// fail maps a store error onto a response.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodePatch reads a JSON patch body. An empty body is an empty patch; a
// body holding anything after the first JSON value is rejected.
func decodePatch(w http.ResponseWriter, r *http.Request) (strip.Patch, bool) {
	var p strip.Patch
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	err := dec.Decode(&p)
	if errors.Is(err, io.EOF) {
		return p, true
	}
	if err == nil {
		if extra := dec.Decode(&struct{}{}); !errors.Is(extra, io.EOF) {
			err = errors.New("trailing data after JSON body")
		}
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return strip.Patch{}, false
	}
	return p, true
}

func nonNil(list []strip.Strip) []strip.Strip {
	if list == nil {
		return []strip.Strip{}
	}
	return list
}

// corsMiddleware adds permissive CORS headers for browser clients.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestLogger writes one structured log line per request.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
