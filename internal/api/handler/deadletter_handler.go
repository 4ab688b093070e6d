package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/symphonyhq/messenger/internal/api/dto"
	"github.com/symphonyhq/messenger/internal/messenger/domain"
	"github.com/symphonyhq/messenger/internal/messenger/transport"
)

// List handles GET /api/v1/dead-letters with optional queue/type filters.
func (h *DeadLetterHandler) List(c *gin.Context) {
	var req dto.ListFailedRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}
	if req.Limit <= 0 || req.Limit > 500 {
		req.Limit = 100
	}

	failed, err := h.service.List(c.Request.Context(), transport.FailedFilter{
		Queue: req.Queue,
		Type:  req.Type,
		Limit: req.Limit,
	})
	if err != nil {
		h.logger.Error("Failed to list dead letters", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list dead letters",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"dead_letters": failed,
		"count":        len(failed),
	})
}

// Retry handles POST /api/v1/dead-letters/:id/retry. The response carries
// the id of the freshly dispatched message; the dead-letter record stays
// until deleted.
func (h *DeadLetterHandler) Retry(c *gin.Context) {
	id := c.Param("id")

	newID, err := h.service.Retry(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrFailedMessageNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Dead-letter record not found",
			})
			return
		}
		h.logger.Error("Failed to retry dead letter",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retry dead letter",
		})
		return
	}

	c.JSON(http.StatusOK, dto.RetryResponse{NewMessageID: newID})
}

// Delete handles DELETE /api/v1/dead-letters/:id. Idempotent: deleting an
// absent record also returns 204.
func (h *DeadLetterHandler) Delete(c *gin.Context) {
	id := c.Param("id")

	if err := h.service.Delete(c.Request.Context(), id); err != nil {
		h.logger.Error("Failed to delete dead letter",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to delete dead letter",
		})
		return
	}

	c.Status(http.StatusNoContent)
}
