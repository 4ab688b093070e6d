package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/symphonyhq/messenger/internal/api/dto"
	"github.com/symphonyhq/messenger/internal/messenger/dispatcher"
	"github.com/symphonyhq/messenger/internal/messenger/domain"
)

// Dispatch handles POST /api/v1/messages. Validation failures come back
// synchronously as 400; once a message id is returned the call is
// fire-and-forget.
func (h *MessageHandler) Dispatch(c *gin.Context) {
	var req dto.DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid dispatch request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	id, err := h.dispatcher.Dispatch(c.Request.Context(), &dispatcher.Request{
		Type:           req.Type,
		Payload:        req.Payload,
		Metadata:       req.Metadata,
		Transport:      req.Transport,
		Queue:          req.Queue,
		IdempotencyKey: req.IdempotencyKey,
		MaxAttempts:    req.MaxAttempts,
	})
	if err != nil {
		var validation *domain.ValidationError
		if errors.As(err, &validation) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": validation.Error(),
			})
			return
		}
		h.logger.Error("Failed to dispatch message", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to dispatch message",
		})
		return
	}

	c.JSON(http.StatusAccepted, dto.DispatchResponse{MessageID: id})
}
