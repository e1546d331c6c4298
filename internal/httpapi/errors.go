package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/mescon/eventpipe/internal/logger"
)

// respondWithError sends a JSON error response and logs the underlying
// error, if any, without leaking it to the caller.
func respondWithError(c *gin.Context, status int, publicMsg string, err error) {
	if err != nil {
		logger.Debugf("%s: %v", publicMsg, err)
	}
	c.JSON(status, gin.H{"error": publicMsg})
}
