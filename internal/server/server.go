// Package server provides the operational HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bryan-buckman/feedsync/internal/database"
	"github.com/bryan-buckman/feedsync/internal/model"
	"github.com/bryan-buckman/feedsync/internal/rss"
	"github.com/bryan-buckman/feedsync/internal/scheduler"
	"github.com/bryan-buckman/feedsync/internal/subscription"
)

const maxUploadBytes = 5 << 20

// Store is the read side the API exposes.
type Store interface {
	GetFeeds(ctx context.Context) ([]model.Feed, error)
	GetFeedByID(ctx context.Context, feedID int64) (*model.Feed, error)
	GetEntries(ctx context.Context, feedID int64, limit int) ([]model.Entry, error)
	CreateUser(ctx context.Context, email, name string) (*model.User, error)
	GetUser(ctx context.Context, userID int64) (*model.User, error)
	GetSubscriptions(ctx context.Context, userID int64) ([]model.Subscription, error)
	MarkEntriesRead(ctx context.Context, userID int64, entryIDs []int64) error
	GetImportBatch(ctx context.Context, batchID int64) (*model.ImportBatch, error)
}

// Subscriptions handles subscribing and OPML.
type Subscriptions interface {
	Subscribe(ctx context.Context, userID int64, rawURL string, folderID *int64) (*model.Subscription, error)
	ImportOPML(ctx context.Context, userID int64, r io.Reader) (int64, error)
	ExportOPML(ctx context.Context, userID int64, w io.Writer) error
}

// Refresher triggers an immediate fetch of a feed.
type Refresher interface {
	RefreshNow(ctx context.Context, feedID int64) error
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Server is the HTTP API server.
type Server struct {
	store     Store
	subs      Subscriptions
	refresher Refresher
	checks    map[string]HealthCheck
	router    chi.Router
	logger    *slog.Logger
}

// New creates a new server.
func New(store Store, subs Subscriptions, refresher Refresher, logger *slog.Logger) *Server {
	s := &Server{
		store:     store,
		subs:      subs,
		refresher: refresher,
		checks:    make(map[string]HealthCheck),
		logger:    logger,
	}
	s.setupRoutes()
	return s
}

// AddCheck registers a dependency probed by /healthz. Call before serving.
func (s *Server) AddCheck(name string, check HealthCheck) {
	s.checks[name] = check
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/feeds", s.handleListFeeds)
		r.Get("/feeds/{feedID}", s.handleGetFeed)
		r.Get("/feeds/{feedID}/entries", s.handleFeedEntries)
		r.Post("/feeds/{feedID}/refresh", s.handleRefresh)

		r.Post("/users", s.handleCreateUser)
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/subscriptions", s.handleListSubscriptions)
			r.Post("/subscriptions", s.handleSubscribe)
			r.Post("/entries/read", s.handleMarkRead)
			r.Post("/import-opml", s.handleImportOPML)
			r.Get("/export-opml", s.handleExportOPML)
		})

		r.Get("/imports/{batchID}", s.handleGetImport)
	})

	s.router = r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	results := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	body := map[string]any{"status": "ok", "checks": results}
	if status != http.StatusOK {
		body["status"] = "unavailable"
	}
	writeJSON(w, status, body)
}

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.store.GetFeeds(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]feedJSON, 0, len(feeds))
	for _, f := range feeds {
		out = append(out, toFeedJSON(f))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetFeed(w http.ResponseWriter, r *http.Request) {
	feedID, ok := pathID(w, r, "feedID")
	if !ok {
		return
	}
	feed, err := s.store.GetFeedByID(r.Context(), feedID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFeedJSON(*feed))
}

func (s *Server) handleFeedEntries(w http.ResponseWriter, r *http.Request) {
	feedID, ok := pathID(w, r, "feedID")
	if !ok {
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	if _, err := s.store.GetFeedByID(r.Context(), feedID); err != nil {
		s.fail(w, r, err)
		return
	}
	entries, err := s.store.GetEntries(r.Context(), feedID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]entryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryJSON(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	feedID, ok := pathID(w, r, "feedID")
	if !ok {
		return
	}
	if err := s.refresher.RefreshNow(r.Context(), feedID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "feed_id": feedID})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	u, err := s.store.CreateUser(r.Context(), req.Email, req.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, userJSON{ID: u.ID, Email: u.Email, Name: u.Name})
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	subs, err := s.store.GetSubscriptions(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]subscriptionJSON, 0, len(subs))
	for _, sub := range subs {
		out = append(out, toSubscriptionJSON(sub))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	var req struct {
		URL      string `json:"url"`
		FolderID *int64 `json:"folder_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	sub, err := s.subs.Subscribe(r.Context(), userID, req.URL, req.FolderID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSubscriptionJSON(*sub))
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	var req struct {
		EntryIDs []int64 `json:"entry_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := s.store.MarkEntriesRead(r.Context(), userID, req.EntryIDs); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleImportOPML accepts either a multipart upload in the "opml" field or
// the raw document as the request body.
func (s *Server) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	var doc io.Reader = r.Body
	if file, _, err := r.FormFile("opml"); err == nil {
		defer file.Close()
		doc = file
	}

	batchID, err := s.subs.ImportOPML(r.Context(), userID, doc)
	if err != nil {
		if batchID == 0 {
			writeError(w, http.StatusBadRequest, "failed to import opml: "+err.Error())
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"batch_id": batchID})
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", "attachment; filename=feedsync-subscriptions.opml")
	if err := s.subs.ExportOPML(r.Context(), userID, w); err != nil {
		s.logger.Error("export opml", "user_id", userID, "error", err)
	}
}

func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request) {
	batchID, ok := pathID(w, r, "batchID")
	if !ok {
		return
	}
	b, err := s.store.GetImportBatch(r.Context(), batchID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batchJSON{
		ID:             b.ID,
		UserID:         b.UserID,
		State:          b.State.String(),
		TotalUnits:     b.TotalUnits,
		ProcessedUnits: b.ProcessedUnits,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
	})
}

// --- Helpers ---

// user parses the userID path parameter and checks the user exists.
func (s *Server) user(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return 0, false
	}
	if _, err := s.store.GetUser(r.Context(), userID); err != nil {
		s.fail(w, r, err)
		return 0, false
	}
	return userID, true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

// fail maps domain errors to status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, subscription.ErrInvalidURL):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, scheduler.ErrFeedDisabled):
		writeError(w, http.StatusConflict, err.Error())
	case rss.IsPermanent(err):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case rss.IsTransient(err):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err,
			"request_id", middleware.GetReqID(r.Context()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
