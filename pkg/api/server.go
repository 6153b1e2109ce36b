// Package api provides the HTTP/WebSocket surface for saccd: the
// session, checkpoint, agent, and health endpoints fronting the SACC
// components, adapted from the teacher's pkg/api server (Echo there, Gin
// here, since Gin is the framework the teacher's own go.mod declares).
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Amicidal/sigmachad-sacc/pkg/agentregistry"
	"github.com/Amicidal/sigmachad-sacc/pkg/checkpoint"
	"github.com/Amicidal/sigmachad-sacc/pkg/eventstream"
	"github.com/Amicidal/sigmachad-sacc/pkg/health"
	"github.com/Amicidal/sigmachad-sacc/pkg/sacc"
)

// Server is the HTTP API server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server

	manager    *sacc.Manager
	registry   *agentregistry.Registry
	queue      *checkpoint.Queue
	health     *health.Manager
	connMgr    *eventstream.ConnectionManager
}

// NewServer creates a new API server wiring every SACC component's routes.
func NewServer(manager *sacc.Manager, registry *agentregistry.Registry, queue *checkpoint.Queue, healthMgr *health.Manager, connMgr *eventstream.ConnectionManager) *Server {
	e := gin.New()
	e.Use(gin.Recovery())

	s := &Server{engine: e, manager: manager, registry: registry, queue: queue, health: healthMgr, connMgr: connMgr}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.healthzHandler)
	s.engine.GET("/readyz", s.readyzHandler)

	v1 := s.engine.Group("/api/v1")

	v1.POST("/sessions", s.createSessionHandler)
	v1.GET("/sessions", s.listSessionsHandler)
	v1.GET("/sessions/:id/stats", s.sessionStatsHandler)
	v1.POST("/sessions/:id/join", s.joinSessionHandler)
	v1.POST("/sessions/:id/leave", s.leaveSessionHandler)
	v1.POST("/sessions/:id/events", s.emitEventHandler)
	v1.POST("/sessions/:id/checkpoint", s.checkpointSessionHandler)
	v1.POST("/sessions/:id/close", s.closeSessionHandler)
	v1.GET("/agents/:id/sessions", s.sessionsByAgentHandler)

	v1.POST("/agents", s.registerAgentHandler)
	v1.DELETE("/agents/:id", s.deregisterAgentHandler)
	v1.POST("/agents/:id/heartbeat", s.heartbeatHandler)
	v1.POST("/agents/:id/status", s.setStatusHandler)
	v1.POST("/tasks/select", s.selectAgentHandler)

	v1.GET("/checkpoints/dead-letters", s.listDeadLettersHandler)
	v1.POST("/checkpoints/dead-letters/:jobId/replay", s.replayDeadLetterHandler)

	if s.connMgr != nil {
		v1.GET("/stream", eventstream.Handler(s.connMgr))
	}
}

// Start starts the HTTP server on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener,
// used by test infrastructure to serve on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.engine}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthzHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if err := s.manager.HealthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) readyzHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	report := s.health.Check(ctx)
	status := http.StatusOK
	if !report.Healthy || s.health.Phase() != health.PhaseNone {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}
