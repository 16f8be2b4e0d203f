// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ensemble-matcher/auth"
	"ensemble-matcher/metrics"
	"ensemble-matcher/pkg/ensemble"
	"ensemble-matcher/postings"
	"ensemble-matcher/profiles"
	"ensemble-matcher/workflow"
)

// Workflow runs the application operations for the caller in ctx.
type Workflow interface {
	Apply(ctx context.Context, req workflow.ApplyRequest) (*workflow.ApplyResult, error)
	Cancel(ctx context.Context, req workflow.ApplicationRequest) (*workflow.OKResult, error)
	Accept(ctx context.Context, req workflow.ApplicationRequest) (*workflow.AcceptResult, error)
	Reject(ctx context.Context, req workflow.ApplicationRequest) (*workflow.OKResult, error)
	ListApplications(ctx context.Context, role workflow.Role, postingID string) ([]ensemble.Application, error)
}

// Postings manages postings.
type Postings interface {
	Create(ctx context.Context, uid string, req *postings.CreateRequest) (*ensemble.Posting, error)
	Get(ctx context.Context, id string) (*ensemble.Posting, error)
	ListOpen(ctx context.Context, limit int) ([]ensemble.Posting, error)
	ListByAuthor(ctx context.Context, uid string, limit int) ([]ensemble.Posting, error)
	Update(ctx context.Context, uid, id string, patch *postings.Patch) (*ensemble.Posting, error)
	Close(ctx context.Context, uid, id string) (*ensemble.Posting, error)
}

// Notifications is a user's notification feed.
type Notifications interface {
	List(ctx context.Context, uid string, limit int, unreadOnly bool) ([]ensemble.Notification, error)
	MarkRead(ctx context.Context, uid string, ids []string) (int, error)
}

// Bookmarks toggles and lists saved postings.
type Bookmarks interface {
	Toggle(ctx context.Context, uid, postingID string) (bool, error)
	List(ctx context.Context, uid string) ([]ensemble.Bookmark, error)
}

// Profiles reads and writes contact details.
type Profiles interface {
	Get(ctx context.Context, uid string) (*ensemble.Profile, error)
	Put(ctx context.Context, uid string, u *profiles.Update) (*ensemble.Profile, error)
}

// ChatRooms serves chat rooms and their messages to participants.
type ChatRooms interface {
	Get(ctx context.Context, uid, id string) (*ensemble.ChatRoom, error)
	Send(ctx context.Context, uid, roomID, text string) (*ensemble.ChatMessage, error)
	List(ctx context.Context, uid, roomID string, limit int) ([]ensemble.ChatMessage, error)
	MarkRead(ctx context.Context, uid, roomID string) (*ensemble.ChatRoom, error)
}

// Poller interface for triggering change delivery.
type Poller interface {
	CheckAll(ctx context.Context) error
}

// Verifier checks bearer tokens.
type Verifier interface {
	Verify(token string) (*auth.Claims, error)
}

// Server handles HTTP requests.
type Server struct {
	workflow      Workflow
	postings      Postings
	notifications Notifications
	bookmarks     Bookmarks
	profiles      Profiles
	chatRooms     ChatRooms
	poller        Poller
	verifier      Verifier
	limiter       Limiter
	logger        *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Workflow      Workflow
	Postings      Postings
	Notifications Notifications
	Bookmarks     Bookmarks
	Profiles      Profiles
	ChatRooms     ChatRooms
	Poller        Poller
	Verifier      Verifier
	Limiter       Limiter // Optional; nil disables rate limiting
	Logger        *slog.Logger
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		workflow:      cfg.Workflow,
		postings:      cfg.Postings,
		notifications: cfg.Notifications,
		bookmarks:     cfg.Bookmarks,
		profiles:      cfg.Profiles,
		chatRooms:     cfg.ChatRooms,
		poller:        cfg.Poller,
		verifier:      cfg.Verifier,
		limiter:       cfg.Limiter,
		logger:        cfg.Logger,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.InstrumentHandler)
	r.Use(securityHeaders)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Post("/pollz", s.handlePoll)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		r.Post("/applyToPosting", callable(s, s.workflow.Apply))
		r.Post("/cancelApplication", callable(s, s.workflow.Cancel))
		r.Post("/acceptApplication", callable(s, s.workflow.Accept))
		r.Post("/rejectApplication", callable(s, s.workflow.Reject))

		r.Get("/applications", s.handleListApplications)

		r.Route("/postings", func(r chi.Router) {
			r.Post("/", s.handleCreatePosting)
			r.Get("/", s.handleListPostings)
			r.Get("/{id}", s.handleGetPosting)
			r.Patch("/{id}", s.handleUpdatePosting)
			r.Post("/{id}/close", s.handleClosePosting)
		})

		r.Get("/notifications", s.handleListNotifications)
		r.Post("/notifications/read", s.handleMarkRead)

		r.Get("/bookmarks", s.handleListBookmarks)
		r.Post("/bookmarks/{postingId}", s.handleToggleBookmark)

		r.Get("/profile", s.handleGetProfile)
		r.Put("/profile", s.handlePutProfile)

		r.Route("/chatRooms/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetChatRoom)
			r.Get("/messages", s.handleListMessages)
			r.Post("/messages", s.handleSendMessage)
			r.Post("/read", s.handleMarkChatRead)
		})
	})

	return r
}

// ListenAndServe serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,  // Time to read request headers and body
		WriteTimeout:      30 * time.Second,  // Time to write response
		IdleTimeout:       120 * time.Second, // Time to keep connection alive between requests
		ReadHeaderTimeout: 5 * time.Second,   // Time to read request headers only
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
		return
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Poll endpoint triggered")

	if err := s.poller.CheckAll(r.Context()); err != nil {
		s.logger.Error("Change dispatch failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"completed"}`); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
