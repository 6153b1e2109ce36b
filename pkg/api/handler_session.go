package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Amicidal/sigmachad-sacc/pkg/sacc"
	"github.com/Amicidal/sigmachad-sacc/pkg/session"
)

type createSessionRequest struct {
	AgentID         string         `json:"agentId" binding:"required"`
	TTLSeconds      int            `json:"ttlSeconds"`
	GraceTTLSeconds int            `json:"graceTtlSeconds"`
	Metadata        map[string]any `json:"metadata"`
}

func (s *Server) createSessionHandler(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION", "message": err.Error()})
		return
	}

	sessionID, err := s.manager.CreateSession(c.Request.Context(), req.AgentID, session.CreateOptions{
		TTLSeconds:      req.TTLSeconds,
		GraceTTLSeconds: req.GraceTTLSeconds,
		Metadata:        req.Metadata,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sessionId": sessionID})
}

func (s *Server) listSessionsHandler(c *gin.Context) {
	sessions, err := s.manager.ListActiveSessions(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) sessionStatsHandler(c *gin.Context) {
	stats, err := s.manager.GetStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type joinLeaveRequest struct {
	AgentID string `json:"agentId" binding:"required"`
}

func (s *Server) joinSessionHandler(c *gin.Context) {
	var req joinLeaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION", "message": err.Error()})
		return
	}
	if err := s.manager.JoinSession(c.Request.Context(), c.Param("id"), req.AgentID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) leaveSessionHandler(c *gin.Context) {
	var req joinLeaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION", "message": err.Error()})
		return
	}
	if err := s.manager.LeaveSession(c.Request.Context(), c.Param("id"), req.AgentID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type emitEventRequest struct {
	Actor           string                   `json:"actor" binding:"required"`
	Type            session.EventType        `json:"type" binding:"required"`
	ChangeInfo      session.ChangeInfo       `json:"changeInfo"`
	StateTransition *session.StateTransition `json:"stateTransition"`
	Payload         map[string]any           `json:"payload"`
}

func (s *Server) emitEventHandler(c *gin.Context) {
	var req emitEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION", "message": err.Error()})
		return
	}

	seq, err := s.manager.EmitEvent(c.Request.Context(), c.Param("id"), session.Event{
		Type:            req.Type,
		ChangeInfo:      req.ChangeInfo,
		StateTransition: req.StateTransition,
		Payload:         req.Payload,
	}, req.Actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"seq": seq})
}

type checkpointRequest struct {
	SeedEntityIDs []string `json:"seedEntityIds"`
	Reason        string   `json:"reason"`
	HopCount      uint8    `json:"hopCount"`
}

func (s *Server) checkpointSessionHandler(c *gin.Context) {
	var req checkpointRequest
	_ = c.ShouldBindJSON(&req) // body is optional; zero-value options are fine

	jobID, err := s.manager.Checkpoint(c.Request.Context(), c.Param("id"), sacc.CheckpointOptions{
		SeedEntityIDs: req.SeedEntityIDs,
		Reason:        req.Reason,
		HopCount:      req.HopCount,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": jobID})
}

type closeSessionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) closeSessionHandler(c *gin.Context) {
	var req closeSessionRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "client-requested"
	}
	if err := s.manager.CloseSession(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) sessionsByAgentHandler(c *gin.Context) {
	sessions, err := s.manager.GetSessionsByAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}
