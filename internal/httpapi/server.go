// Package httpapi serves disksurvey's read-only HTTP/JSON surface and the
// rescan control endpoint, per spec.md §6. The route table, static asset
// embedding, and the buffer-exhaustion behavior on /api/disks are load-bearing
// spec details; everything else (routing, logging) follows net/http plumbing
// since no pack dependency offers a templating/routing layer the teacher used
// (see DESIGN.md).
package httpapi

import (
	"embed"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/baruch/disksurvey/internal/manager"
)

//go:embed static/index.html static/app.js static/app.css
var staticFS embed.FS

// listBufferBytes bounds the serialized /api/disks response, per spec.md
// §8 Scenario F (128 disks whose JSON exceeds 8192 bytes must 500, not
// truncate).
const listBufferBytes = 8192

// Server is the disksurvey HTTP/JSON read surface.
type Server struct {
	mgr *manager.Manager
	log *logrus.Logger
	mux *http.ServeMux
}

// New builds a Server with all routes registered.
func New(mgr *manager.Manager, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{mgr: mgr, log: log, mux: http.NewServeMux()}
	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/app.js", s.handleStatic("static/app.js", "text/javascript; charset=utf-8"))
	s.mux.HandleFunc("/app.css", s.handleStatic("static/app.css", "text/css; charset=utf-8"))
	s.mux.HandleFunc("/rescan", s.handleRescan)
	s.mux.HandleFunc("/api/disks", s.handleAPIDisks)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	data, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

func (s *Server) handleStatic(path, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := staticFS.ReadFile(path)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Write(data)
	}
}

func (s *Server) handleRescan(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Rescan(r.Context()); err != nil {
		s.log.WithError(err).Warn("httpapi: rescan failed")
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("rescanned\n"))
}

func (s *Server) handleAPIDisks(w http.ResponseWriter, r *http.Request) {
	data, err := s.mgr.ListDisksJSON(r.Context(), listBufferBytes)
	if err != nil {
		if errors.Is(err, manager.ErrBufferExhausted) {
			http.Error(w, "Insufficient buffer space", http.StatusInternalServerError)
			return
		}
		s.log.WithError(err).Error("httpapi: list_disks_json failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
