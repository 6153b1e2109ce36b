package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Amicidal/sigmachad-sacc/pkg/saccerr"
)

// writeError maps a saccerr.Error to an HTTP status and writes the JSON
// error body, mirroring the teacher's mapServiceError.
func writeError(c *gin.Context, err error) {
	code, ok := saccerr.CodeOf(err)
	if !ok {
		slog.Error("sacc: unexpected error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	status := http.StatusInternalServerError
	switch code {
	case saccerr.CodeSessionNotFound, saccerr.CodeUnknownAgent:
		status = http.StatusNotFound
	case saccerr.CodeSessionExpired, saccerr.CodeActorNotJoined, saccerr.CodeShuttingDown:
		status = http.StatusConflict
	case saccerr.CodeValidation:
		status = http.StatusBadRequest
	case saccerr.CodeDuplicateAgent:
		status = http.StatusConflict
	case saccerr.CodeQueueFull:
		status = http.StatusServiceUnavailable
	case saccerr.CodeContention, saccerr.CodeSequenceGap:
		status = http.StatusConflict
	case saccerr.CodeTimeout:
		status = http.StatusGatewayTimeout
	case saccerr.CodeBackendUnavailable, saccerr.CodeGraphCollaboratorError:
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{"error": string(code), "message": err.Error()})
}
