package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ari/wisp/internal/classifier"
	"github.com/ari/wisp/internal/store"
	"github.com/ari/wisp/internal/syncer"
	"github.com/ari/wisp/internal/tracker"
)

// Config holds server-specific configuration.
type Config struct {
	Addr  string
	Debug bool
}

// ScreenTimeStore is the persistence the sync and stats endpoints need.
type ScreenTimeStore interface {
	RecordBatch(ctx context.Context, userID, batchID string, entries []tracker.Entry) (int64, error)
	Stats(ctx context.Context, userID string, period store.Period) (*store.StatsData, error)
}

// Server is the local backend the extension and host talk to.
type Server struct {
	cfg        Config
	store      ScreenTimeStore
	classifier classifier.Classifier
	logger     *log.Logger
}

// New creates a Server. logger may be nil.
func New(cfg Config, st ScreenTimeStore, c classifier.Classifier, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{cfg: cfg, store: st, classifier: c, logger: logger}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if s.cfg.Debug {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("wisp server is running\n"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/sync-screen-time", s.handleSync)
		r.Post("/check-sites", s.handleCheckSite)
		r.Get("/screen-time", s.handleStats)
	})

	return r
}

// NewHTTPServer wraps Handler in an http.Server listening on cfg.Addr.
func (s *Server) NewHTTPServer() *http.Server {
	return &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(),
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncer.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, syncer.Response{Message: "invalid request body"})
		return
	}
	if len(req.ScreenTimeData) == 0 {
		writeJSON(w, http.StatusBadRequest, syncer.Response{Message: "screenTimeData is empty"})
		return
	}

	byUser := make(map[string][]tracker.Entry)
	var users []string
	for _, row := range req.ScreenTimeData {
		if row.UserID == "" || row.URL == "" {
			writeJSON(w, http.StatusBadRequest, syncer.Response{Message: "every row needs user_id and url"})
			return
		}
		if _, ok := byUser[row.UserID]; !ok {
			users = append(users, row.UserID)
		}
		byUser[row.UserID] = append(byUser[row.UserID], tracker.Entry{
			URL:      row.URL,
			Title:    row.Title,
			Duration: row.Duration,
		})
	}

	batchID := r.Header.Get(syncer.BatchIDHeader)
	if batchID == "" {
		batchID = uuid.NewString()
	}

	var stored int64
	for _, user := range users {
		n, err := s.store.RecordBatch(r.Context(), user, batchID+":"+user, byUser[user])
		if err != nil {
			s.logger.Printf("failed to record screen time for %s: %v", user, err)
			writeJSON(w, http.StatusInternalServerError, syncer.Response{Message: "failed to record screen time"})
			return
		}
		stored += n
	}
	if s.cfg.Debug {
		s.logger.Printf("[DEBUG] batch %s: stored %d of %d rows", batchID, stored, len(req.ScreenTimeData))
	}

	writeJSON(w, http.StatusOK, syncer.Response{Success: true})
}

func (s *Server) handleCheckSite(w http.ResponseWriter, r *http.Request) {
	var req classifier.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	v, err := s.classifier.Check(r.Context(), req)
	if err != nil {
		s.logger.Printf("error checking site %s: %v", req.URL, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "An error occurred while checking the site",
			"details": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}
	period, err := store.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	stats, err := s.store.Stats(r.Context(), userID, period)
	if err != nil {
		s.logger.Printf("failed to load stats for %s: %v", userID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load stats"})
		return
	}

	sites := make([]map[string]any, 0, len(stats.TopSites))
	for _, site := range stats.TopSites {
		sites = append(sites, map[string]any{
			"url":      site.URL,
			"title":    site.Title,
			"duration": site.Duration,
		})
	}
	days := make([]map[string]any, 0, len(stats.DailySummaries))
	for _, d := range stats.DailySummaries {
		days = append(days, map[string]any{
			"date":         d.Date,
			"duration":     d.TotalDuration,
			"unique_sites": d.UniqueSites,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":        stats.UserID,
		"period":         string(period),
		"total_duration": stats.TotalDuration,
		"unique_sites":   stats.UniqueSites,
		"last_sync":      stats.LastSyncTime,
		"top_sites":      sites,
		"daily":          days,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Shutdown stops srv, waiting at most until ctx is done.
func Shutdown(ctx context.Context, srv *http.Server) error {
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
