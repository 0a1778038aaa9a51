package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/lucasnoah/labforge/internal/db"
	"github.com/lucasnoah/labforge/internal/orchestrator"
)

//go:embed templates
var templateFS embed.FS

var funcMap = template.FuncMap{
	"badgeClass": func(status string) string {
		return "badge badge-" + strings.ReplaceAll(status, "_", "-")
	},
	"relTime": relTime,
}

// Server serves the lab JSON API, the SSE status stream and a small
// read-only dashboard.
type Server struct {
	orch *orchestrator.Orchestrator
	db   *db.DB // optional
	port int

	streamInterval time.Duration
	indexTmpl      *template.Template
}

// NewServer creates a Server with parsed templates.
func NewServer(orch *orchestrator.Orchestrator, database *db.DB, port int) *Server {
	return &Server{
		orch:           orch,
		db:             database,
		port:           port,
		streamInterval: 2 * time.Second,
		indexTmpl:      template.Must(template.New("").Funcs(funcMap).ParseFS(templateFS, "templates/index.html")),
	}
}

// SetStreamInterval sets how often SSE streams re-read the projection.
func (s *Server) SetStreamInterval(d time.Duration) {
	s.streamInterval = d
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/":
			s.handleIndex(w, r)
		case r.URL.Path == "/api/analytics":
			if r.Method != http.MethodGet {
				methodNotAllowed(w, http.MethodGet)
				return
			}
			s.handleAnalytics(w, r)
		case r.URL.Path == "/api/labs" || r.URL.Path == "/api/labs/":
			s.routeLabs(w, r)
		case strings.HasPrefix(r.URL.Path, "/api/labs/"):
			s.routeLab(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	return mux
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("labforge API: http://localhost%s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routeLabs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleList(w, r)
	case http.MethodPost:
		s.handleCreate(w, r)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) routeLab(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/labs/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if parts[0] == "" || strings.HasPrefix(parts[0], ".") {
		http.NotFound(w, r)
		return
	}
	id := parts[0]

	route := func(method string, h func(http.ResponseWriter, *http.Request, string)) {
		if r.Method != method {
			methodNotAllowed(w, method)
			return
		}
		h(w, r, id)
	}

	switch {
	case len(parts) == 1:
		route(http.MethodGet, s.handleDetail)
	case len(parts) == 2 && parts[1] == "message":
		route(http.MethodPost, s.handleMessage)
	case len(parts) == 2 && parts[1] == "generate":
		route(http.MethodPost, s.handleGenerate)
	case len(parts) == 2 && parts[1] == "status":
		route(http.MethodGet, s.handleStatus)
	case len(parts) == 2 && parts[1] == "events":
		route(http.MethodGet, s.handleEvents)
	case len(parts) == 2 && parts[1] == "stream":
		route(http.MethodGet, s.handleStream)
	default:
		http.NotFound(w, r)
	}
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
