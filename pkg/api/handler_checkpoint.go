package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) listDeadLettersHandler(c *gin.Context) {
	rows, err := s.queue.GetDeadLetters(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deadLetters": rows})
}

func (s *Server) replayDeadLetterHandler(c *gin.Context) {
	if err := s.queue.ReplayDeadLetter(c.Request.Context(), c.Param("jobId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
