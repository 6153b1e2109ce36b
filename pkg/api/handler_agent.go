package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Amicidal/sigmachad-sacc/pkg/agentregistry"
)

type registerAgentRequest struct {
	ID           string              `json:"id" binding:"required"`
	Name         string              `json:"name" binding:"required"`
	Kind         agentregistry.Kind  `json:"kind" binding:"required"`
	Capabilities []string            `json:"capabilities"`
}

func (s *Server) registerAgentHandler(c *gin.Context) {
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION", "message": err.Error()})
		return
	}

	caps := make(map[string]struct{}, len(req.Capabilities))
	for _, capability := range req.Capabilities {
		caps[capability] = struct{}{}
	}

	if err := s.registry.Register(agentregistry.Agent{
		ID:           req.ID,
		Name:         req.Name,
		Kind:         req.Kind,
		Capabilities: caps,
		Status:       agentregistry.StatusIdle,
	}); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (s *Server) deregisterAgentHandler(c *gin.Context) {
	if err := s.registry.Deregister(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) heartbeatHandler(c *gin.Context) {
	if err := s.registry.Heartbeat(c.Param("id"), time.Now()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type setStatusRequest struct {
	Status agentregistry.Status `json:"status" binding:"required"`
	Load   *uint32              `json:"load"`
}

func (s *Server) setStatusHandler(c *gin.Context) {
	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION", "message": err.Error()})
		return
	}
	if err := s.registry.SetStatus(c.Param("id"), req.Status); err != nil {
		writeError(c, err)
		return
	}
	if req.Load != nil {
		if err := s.registry.SetLoad(c.Param("id"), *req.Load); err != nil {
			writeError(c, err)
			return
		}
	}
	c.Status(http.StatusNoContent)
}

type selectAgentRequest struct {
	Kind         agentregistry.Kind     `json:"kind" binding:"required"`
	Capabilities []string               `json:"capabilities"`
	Priority     int                    `json:"priority"`
	Strategy     agentregistry.Strategy `json:"strategy"`
}

func (s *Server) selectAgentHandler(c *gin.Context) {
	var req selectAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION", "message": err.Error()})
		return
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = agentregistry.StrategyDynamic
	}

	agentID, ok := s.registry.SelectForTask(agentregistry.Task{
		Kind:         req.Kind,
		Capabilities: req.Capabilities,
		Priority:     req.Priority,
	}, strategy, agentregistry.DefaultDynamicWeights)
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "NO_AGENT_AVAILABLE"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agentId": agentID})
}
