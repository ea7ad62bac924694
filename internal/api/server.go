// Package api serves the HTTP status, ingestion and debug surfaces of the
// control bridge.
package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/ctrlbridge/internal/controlloop"
	"github.com/banshee-data/ctrlbridge/internal/db"
	"github.com/banshee-data/ctrlbridge/internal/publish"
)

// ANSI escape codes for log colouring
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// maxSampleBody bounds POSTed sensor samples.
const maxSampleBody = 64 * 1024

type Server struct {
	loop    *controlloop.Context
	hub     *publish.Hub
	db      *db.DB
	started time.Time
}

// NewServer wires the HTTP surface. db may be nil when recording is
// disabled; the run endpoints then answer 404.
func NewServer(loop *controlloop.Context, hub *publish.Hub, database *db.DB) *Server {
	return &Server{
		loop:    loop,
		hub:     hub,
		db:      database,
		started: time.Now(),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer, which
// the websocket upgrade needs for hijacking.
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration. The
// websocket endpoint is passed through untouched.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws/control" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux registers every route. Debug pages go through the tsweb
// debugger so they share /debug/ with the database admin routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.showStatus)
	mux.HandleFunc("GET /api/control/latest", s.showLatest)
	mux.HandleFunc("GET /api/control/history", s.showHistory)
	mux.HandleFunc("POST /api/sensors", s.ingestSample)
	mux.HandleFunc("POST /api/sensors/{modality}", s.ingestSample)
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/{id}/ticks", s.listTicks)
	if s.hub != nil {
		mux.Handle("/ws/control", s.hub)
	}

	debug := tsweb.Debugger(mux)
	debug.Handle("control-chart", "Recent control vectors", http.HandlerFunc(s.controlChart))
	debug.KVFunc("ticks", func() any { return s.loop.Stats().Ticks })
	debug.KVFunc("fallbacks", func() any { return s.loop.Stats().Fallbacks })
	debug.KVFunc("transport", func() any { return s.loop.Stats().Link.State.String() })
	return mux
}
