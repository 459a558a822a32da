package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/vaultproject79-prog/ulyssetif-bot/internal/apperr"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/models"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/registry"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/watcher"
)

// StatusSource reports scheduler health.
type StatusSource interface {
	LastCycle() watcher.CycleStats
	Uptime() time.Duration
}

// Server is the read-only HTTP surface: a liveness probe plus trade snapshots.
type Server struct {
	addr    string
	router  *gin.Engine
	reg     *registry.Registry
	status  StatusSource
	version string
}

func New(port int, reg *registry.Registry, status StatusSource, version string) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{
		addr:    fmt.Sprintf(":%d", port),
		router:  router,
		reg:     reg,
		status:  status,
		version: version,
	}

	// Hosting platforms probe "/" with GET or HEAD.
	router.GET("/", s.root)
	router.HEAD("/", s.root)
	router.GET("/healthz", s.healthz)
	router.GET("/trades", s.listTrades)
	router.GET("/trades/:id", s.getTrade)
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Addr returns the listen address.
func (s *Server) Addr() string { return s.addr }

// Start serves until ctx is canceled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	log.Info().Str("addr", s.addr).Msg("HTTP server listening")

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}

func (s *Server) root(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func (s *Server) healthz(c *gin.Context) {
	counts := map[string]int{"pending": 0, "active": 0, "closed": 0}
	for _, t := range s.reg.List() {
		counts[strings.ToLower(string(t.Status))]++
	}
	counts["archived"] = len(s.reg.Archived())

	body := gin.H{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": int64(s.status.Uptime().Seconds()),
		"trades":         counts,
	}
	if last := s.status.LastCycle(); !last.Started.IsZero() {
		body["last_cycle"] = last
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) listTrades(c *gin.Context) {
	status := strings.ToLower(c.Query("status"))

	var trades []models.Trade
	switch status {
	case "":
		trades = s.reg.List()
	case "open":
		trades = s.reg.ListActive()
	case "archived":
		trades = s.reg.Archived()
	case "pending", "active", "closed":
		for _, t := range s.reg.List() {
			if strings.EqualFold(string(t.Status), status) {
				trades = append(trades, t)
			}
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown status %q", status)})
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(trades), "trades": trades})
}

func (s *Server) getTrade(c *gin.Context) {
	id := c.Param("id")
	t, err := s.reg.Get(id)
	if errors.Is(err, apperr.ErrNotFound) {
		for _, a := range s.reg.Archived() {
			if a.ID == id {
				c.JSON(http.StatusOK, a)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, t)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("component", "http").
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Str("ip", c.ClientIP()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	}
}
