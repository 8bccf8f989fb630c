package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/ropnet/internal/auth"
	"github.com/danmuck/ropnet/internal/link"
	"github.com/danmuck/ropnet/internal/observability"
	"github.com/danmuck/ropnet/internal/transceiver"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

// Server is the diagnostics HTTP surface of a node. It reads transceiver
// state and can queue operations; it never sits on the protocol path.
type Server struct {
	ID       string
	Addr     string
	Appeared time.Time
	Registry *transceiver.Registry
	// Auth guards the mutating routes when set.
	Auth auth.Validator

	router *gin.Engine

	mu    sync.RWMutex
	links map[string]*link.Link
}

func Appear(id, addr string, corsOrigins []string, registry *transceiver.Registry) *Server {
	observability.RegisterMetrics()
	if registry == nil {
		registry = transceiver.NewRegistry()
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger, "/health", "/metrics"))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	return &Server{
		ID:       id,
		Addr:     addr,
		Appeared: time.Now(),
		Registry: registry,
		router:   r,
		links:    make(map[string]*link.Link),
	}
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

// AttachLink exposes the socket counters of the link serving remote.
func (s *Server) AttachLink(remote string, l *link.Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[remote] = l
}

func (s *Server) linkStats() map[string]link.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]link.Stats, len(s.links))
	for remote, l := range s.links {
		out[remote] = l.Stats()
	}
	return out
}

// Serve registers routes and blocks until ctx is cancelled or the listener
// fails.
func (s *Server) Serve(ctx context.Context) error {
	s.RegisterRoutes()
	srv := &http.Server{Addr: s.Addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info().Str("server", s.ID).Str("addr", s.Addr).Msg("diagnostics listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		log.Info().Str("server", s.ID).Msg("diagnostics stopped")
		return nil
	}
}

// requireToken rejects requests without a valid bearer token. It passes
// everything through when no validator is configured.
func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.Auth == nil {
			c.Next()
			return
		}
		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok || s.Auth.Validate(token) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": auth.ErrUnauthorized.Error()})
			return
		}
		c.Next()
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

func sortedRemotes(list []*transceiver.Transceiver) []string {
	out := make([]string, 0, len(list))
	for _, t := range list {
		out = append(out, t.Remote().String())
	}
	sort.Strings(out)
	return out
}
