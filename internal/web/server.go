// Package web serves a read-only JSON view of the run ledger, so a long run
// can be watched from a browser or a script while it executes.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/example/riboflow/internal/ctxlog"
	"github.com/example/riboflow/internal/storage"
)

// Server is the ledger HTTP server.
type Server struct {
	addr     string
	handlers *Handlers
	mux      *http.ServeMux
}

// NewServer creates a new server over ledger.
func NewServer(addr string, ledger storage.Ledger) *Server {
	s := &Server{
		addr:     addr,
		handlers: NewHandlers(ledger),
		mux:      http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// The trailing slash makes /api/runs/ match every /api/runs/* path.
	s.mux.HandleFunc("/api/runs/", s.corsMiddleware(s.routeRuns))
	s.mux.HandleFunc("/api/entries", s.corsMiddleware(s.getOnly(s.handlers.ListEntries)))
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(indexHTML))
	})
}

// routeRuns routes requests to the appropriate handler based on the path.
func (s *Server) routeRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/runs/")

	switch {
	case path == "":
		s.handlers.ListRuns(w, r)
	case strings.HasSuffix(path, "/timeline"):
		s.handlers.GetTimeline(w, r, strings.TrimSuffix(path, "/timeline"))
	default:
		s.handlers.GetRun(w, r, path)
	}
}

func (s *Server) getOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// corsMiddleware adds CORS headers to responses.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("serving ledger", "addr", s.addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>riboflow ledger</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; max-width: 800px; margin: 60px auto; color: #333; }
        code { background: #f3f4f6; padding: 2px 8px; border-radius: 4px; }
    </style>
</head>
<body>
    <h1>riboflow ledger</h1>
    <ul>
        <li><code>GET /api/runs/</code> recorded runs, most recent first</li>
        <li><code>GET /api/runs/{id}</code> run status with per-sample outcome</li>
        <li><code>GET /api/runs/{id}/timeline</code> per-task states</li>
        <li><code>GET /api/entries?task=&amp;stage=&amp;status=&amp;limit=</code> ledger entries</li>
    </ul>
</body>
</html>
`
