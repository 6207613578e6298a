package host

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danmuck/pipelink/internal/auth"
	logs "github.com/danmuck/pipelink/internal/logging"
	"github.com/danmuck/pipelink/internal/observability"
)

const adminNode = "pipehost"

// AdminRouter builds the admin HTTP routes.
func (s *Service) AdminRouter() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logs.Logger(), adminNode))
	r.Use(observability.RequestMetrics(adminNode))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.AdminCORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		st := s.Status()
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"uptime":   st.Uptime,
			"sessions": st.Sessions,
		})
	})
	// Everything but /health needs the token when one is configured.
	guarded := r.Group("/")
	if s.cfg.AdminToken != "" {
		guarded.Use(auth.Require(auth.StaticToken{Token: s.cfg.AdminToken}))
	}
	guarded.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Status())
	})
	guarded.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": s.Sessions()})
	})
	guarded.GET("/sessions/:id", func(c *gin.Context) {
		client, ok := s.Session(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, client.Info())
	})
	guarded.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

func (s *Service) serveAdmin(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.AdminRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logs.Infof("host.Service.serveAdmin listening addr=%s", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
