package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/benodiwal/medusa/internal/common/errors"
)

const codeBadRequest = "BAD_REQUEST"

// renderError writes err as {"error", "code"} with the status its kind maps to.
func (s *Server) renderError(c *gin.Context, err error) {
	status := apperrors.HTTPStatus(err)
	body := gin.H{
		"error": err.Error(),
		"code":  apperrors.Code(err),
	}

	var conflict *apperrors.MergeConflictError
	if errors.As(err, &conflict) {
		body["files"] = conflict.Files
		body["steps"] = conflict.Steps
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.String("task_id", c.Param("id")),
			zap.Error(err))
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": message, "code": codeBadRequest})
}
