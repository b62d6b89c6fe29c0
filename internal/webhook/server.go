// Package webhook exposes the engine's inbound HTTP surface: provider call
// callbacks, RSVP links and a health check.
package webhook

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// NewRouter builds the gin engine with every route registered.
func NewRouter(h *Handlers, requestTimeout time.Duration) *gin.Engine {
	router := gin.New()
	router.SetHTMLTemplate(pages)

	router.Use(gin.Recovery())
	router.Use(Logger(h.log))
	if requestTimeout > 0 {
		router.Use(Timeout(requestTimeout))
	}

	router.GET("/healthz", h.Health)

	calls := router.Group("/webhooks/call")
	{
		calls.POST("/status", h.CallStatus)
		calls.POST("/gather", h.CallGather)
	}

	router.GET("/rsvp/:token", h.RSVPConfirm)
	router.POST("/rsvp/:token", h.RSVPSubmit)

	return router
}

// Server wraps the HTTP listener.
type Server struct {
	httpServer *http.Server
	log        *logrus.Entry
}

// NewServer creates a server listening on addr.
func NewServer(addr string, handler http.Handler, writeTimeout time.Duration, log *logrus.Entry) *Server {
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			MaxHeaderBytes:    1 << 20,
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 3 * time.Second,
			WriteTimeout:      writeTimeout + 5*time.Second,
			IdleTimeout:       60 * time.Second,
		},
		log: log,
	}
}

// Run listens until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Run() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("webhook server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
