// Package server exposes the messaging and alerting core over a JSON API
// and websocket live views.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/nhle/classroom-messaging/internal/alert"
	"github.com/nhle/classroom-messaging/internal/attachment"
	"github.com/nhle/classroom-messaging/internal/bus"
	"github.com/nhle/classroom-messaging/internal/conversation"
	"github.com/nhle/classroom-messaging/internal/directory"
	"github.com/nhle/classroom-messaging/internal/message"
	"github.com/nhle/classroom-messaging/internal/unread"
)

// defaultMaxUpload caps multipart attachment bodies.
const defaultMaxUpload = 25 << 20

// Deps are the services the server routes to.
type Deps struct {
	Hub           *bus.Hub
	Users         *directory.Directory
	Conversations *conversation.Directory
	Messages      *message.Service
	Unread        *unread.Counter
	Alerts        *alert.Dispatcher
	Attachments   *attachment.Resolver
	Focus         *alert.FocusTracker
	Auth          *Authenticator

	// Files serves stored attachments under /files when set.
	Files http.FileSystem

	WSInsecureSkipVerify bool
	MaxUploadBytes       int64
}

// Server is the HTTP front of the core.
type Server struct {
	Deps
	router *gin.Engine
	log    zerolog.Logger
}

// New builds the router.
func New(deps Deps, log zerolog.Logger) *Server {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = defaultMaxUpload
	}

	s := &Server{
		Deps:   deps,
		router: gin.New(),
		log:    log.With().Str("component", "http").Logger(),
	}
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/ws", s.handleWS)
	if s.Files != nil {
		r.StaticFS("/files", s.Files)
	}

	api := r.Group("/api/v1")
	api.Use(s.Auth.Middleware())

	api.GET("/conversations", s.listConversations)
	api.POST("/conversations", s.getOrCreateConversation)
	api.GET("/conversations/:id/messages", s.listMessages)
	api.POST("/conversations/:id/messages", s.appendMessage)
	api.POST("/conversations/:id/read", s.readConversation)

	api.POST("/attachments", s.uploadAttachment)
	api.GET("/users/search", s.searchUsers)

	api.GET("/alerts", s.listAlerts)
	api.POST("/alerts", s.createAlert)
	api.POST("/alerts/:id/read", s.markAlertRead)
	api.POST("/alerts/:id/assign", s.assignAlert)
	api.POST("/alerts/:id/resolve", s.resolveAlert)
	api.GET("/me/alerts/unread-count", s.unreadAlertCount)
	api.POST("/me/alerts/read", s.markAllAlertsRead)

	api.GET("/toasts", s.listToasts)
	api.POST("/toasts/:id/dismiss", s.dismissToast)

	api.GET("/preferences", s.listPreferences)
	api.PUT("/preferences/:type", s.setPreference)
	api.POST("/tokens", s.registerToken)
	api.DELETE("/tokens/:token", s.removeToken)
}

// requestLogger logs each request through zerolog.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ev := s.log.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = s.log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}
