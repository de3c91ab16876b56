// ABOUTME: Reference sync server exposing the mutation endpoint over HTTP
// ABOUTME: Serves POST /sync/mutation, health checks, entity reads, and a small dashboard
package web

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/harperreed/clinicsync/db"
	"github.com/harperreed/clinicsync/models"
	"go.uber.org/zap"
)

//go:embed templates/*
var templatesFS embed.FS

const maxBodyBytes = 1 << 20

type Server struct {
	db        *sql.DB
	templates *template.Template
	log       *zap.Logger
	token     string
}

// NewServer creates the server. A non-empty token is required as a bearer
// token on every sync and entity route.
func NewServer(database *sql.DB, log *zap.Logger, token string) (*Server, error) {
	funcMap := template.FuncMap{
		"formatTime": func(t time.Time) string {
			return t.UTC().Format("2006-01-02 15:04:05")
		},
	}

	tmpl, err := template.New("").Funcs(funcMap).ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Server{
		db:        database,
		templates: tmpl,
		log:       log,
		token:     token,
	}, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /sync/mutation", s.requireToken(s.handleMutation))
	mux.HandleFunc("GET /entities/{tenant}/{type}/{id}", s.requireToken(s.handleEntity))
	mux.HandleFunc("GET /{$}", s.requireToken(s.handleDashboard))
	return s.logRequests(mux)
}

// Start serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting sync server", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("sync server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down sync server: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, models.ErrorResponse{Error: "database unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "malformed request body"})
		return
	}

	res, err := db.ApplyMutation(s.db, req)
	if errors.Is(err, db.ErrInvalidMutation) {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		s.log.Error("failed to apply mutation", zap.String("mutation", req.MutationID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "failed to apply mutation"})
		return
	}

	log := s.log.With(
		zap.String("tenant", req.TenantID),
		zap.String("entity", string(req.EntityType)+"/"+req.EntityID),
		zap.String("mutation", req.MutationID),
	)
	if res.Status == db.StatusConflict {
		log.Info("mutation conflict", zap.Int64("base_version", req.BaseVersion), zap.Int64("server_version", res.Snapshot.Version))
		writeJSON(w, http.StatusConflict, models.ConflictResponse{ServerSnapshot: res.Snapshot})
		return
	}
	log.Info("mutation applied", zap.Int64("version", res.Ack.Version), zap.Bool("replayed", res.Replayed))
	writeJSON(w, http.StatusOK, res.Ack)
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	entityType := models.EntityType(r.PathValue("type"))
	if !entityType.Valid() {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "unknown entity type"})
		return
	}

	snap, err := db.GetEntity(s.db, r.PathValue("tenant"), entityType, r.PathValue("id"))
	if err != nil {
		s.log.Error("failed to read entity", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "failed to read entity"})
		return
	}
	if snap == nil {
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "entity not found"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	entities, err := db.ListRecentEntities(s.db, 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := map[string]interface{}{
		"Title":    "clinicsync server",
		"Entities": entities,
	}
	if err := s.templates.ExecuteTemplate(w, "dashboard.html", data); err != nil {
		s.log.Error("template error", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || got != s.token {
				writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
