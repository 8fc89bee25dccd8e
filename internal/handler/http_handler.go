package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/relaypoint/relaypoint/internal/domain"
	"github.com/relaypoint/relaypoint/internal/ratelimit"
	"github.com/relaypoint/relaypoint/internal/service"
	"github.com/relaypoint/relaypoint/pkg/log"
	"github.com/relaypoint/relaypoint/pkg/middleware"
	"github.com/relaypoint/relaypoint/pkg/response"
)

// Handler handles HTTP requests for the message API.
type Handler struct {
	messageService service.MessageService
	authMiddleware *middleware.AuthMiddleware
	sendLimiter    ratelimit.Limiter
}

// NewHandler creates a new HTTP handler.
func NewHandler(messageService service.MessageService, authMiddleware *middleware.AuthMiddleware, sendLimiter ratelimit.Limiter) *Handler {
	return &Handler{
		messageService: messageService,
		authMiddleware: authMiddleware,
		sendLimiter:    sendLimiter,
	}
}

// RegisterRoutes registers all routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", h.Health)

	api := r.Group("/api", h.authMiddleware.RequireAuth())
	{
		rooms := api.Group("/rooms/:roomID")
		{
			rooms.POST("/messages", ratelimit.Middleware(h.sendLimiter), h.SendMessage)
			rooms.GET("/messages", h.ListMessages)
		}

		messages := api.Group("/messages")
		{
			messages.PATCH("/:messageID", h.EditMessage)
			messages.DELETE("/:messageID", h.DeleteMessage)
			messages.PUT("/:messageID/pin", h.PinMessage)
			messages.DELETE("/:messageID/pin", h.UnpinMessage)
			messages.PUT("/:messageID/reactions/:emoji", h.ToggleReaction)
			messages.POST("/read-batch", h.BatchRead)
		}
	}
}

func (h *Handler) Health(c *gin.Context) {
	response.Success(c, gin.H{"status": "ok"})
}

// SendMessage persists a message in a room and fans it out.
func (h *Handler) SendMessage(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	userID := middleware.GetUserID(c)
	roomID := c.Param("roomID")

	var req domain.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind send message request")
		response.BadRequest(c, err.Error())
		return
	}

	msg, err := h.messageService.SendMessage(ctx, userID, roomID, &req)
	if err != nil {
		h.writeServiceError(c, err, "failed to send message")
		return
	}

	response.Created(c, msg)
}

// ListMessages returns a cursor-paginated page of room history.
func (h *Handler) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()

	userID := middleware.GetUserID(c)
	roomID := c.Param("roomID")
	cursor := c.Query("cursor")

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			response.BadRequest(c, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	page, err := h.messageService.ListMessages(ctx, userID, roomID, cursor, limit)
	if err != nil {
		h.writeServiceError(c, err, "failed to list messages")
		return
	}

	response.Success(c, page)
}

// EditMessage updates a message's content; only the sender may edit.
func (h *Handler) EditMessage(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	userID := middleware.GetUserID(c)
	messageID := c.Param("messageID")

	var req domain.EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind edit message request")
		response.BadRequest(c, err.Error())
		return
	}

	msg, err := h.messageService.EditMessage(ctx, userID, messageID, req.Content)
	if err != nil {
		h.writeServiceError(c, err, "failed to edit message")
		return
	}

	response.Success(c, msg)
}

// DeleteMessage soft-deletes a message; only the sender may delete.
func (h *Handler) DeleteMessage(c *gin.Context) {
	ctx := c.Request.Context()

	userID := middleware.GetUserID(c)
	messageID := c.Param("messageID")

	if err := h.messageService.DeleteMessage(ctx, userID, messageID); err != nil {
		h.writeServiceError(c, err, "failed to delete message")
		return
	}

	response.Success(c, gin.H{"deleted": true})
}

func (h *Handler) PinMessage(c *gin.Context) {
	h.setPinned(c, true)
}

func (h *Handler) UnpinMessage(c *gin.Context) {
	h.setPinned(c, false)
}

func (h *Handler) setPinned(c *gin.Context, pinned bool) {
	ctx := c.Request.Context()

	userID := middleware.GetUserID(c)
	messageID := c.Param("messageID")

	msg, err := h.messageService.SetPinned(ctx, userID, messageID, pinned)
	if err != nil {
		h.writeServiceError(c, err, "failed to update pin")
		return
	}

	response.Success(c, msg)
}

// ToggleReaction adds or removes the caller's reaction and returns the
// message's grouped reactions.
func (h *Handler) ToggleReaction(c *gin.Context) {
	ctx := c.Request.Context()

	userID := middleware.GetUserID(c)
	messageID := c.Param("messageID")
	emoji := c.Param("emoji")

	groups, err := h.messageService.ToggleReaction(ctx, userID, messageID, emoji)
	if err != nil {
		h.writeServiceError(c, err, "failed to toggle reaction")
		return
	}

	response.Success(c, domain.ReactionEventPayload{MessageID: messageID, Groups: groups})
}

// BatchRead marks up to 100 messages as read in one call.
func (h *Handler) BatchRead(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	userID := middleware.GetUserID(c)

	var req domain.BatchReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind batch read request")
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.messageService.MarkBatchAsRead(ctx, userID, req.MessageIDs)
	if err != nil {
		h.writeServiceError(c, err, "failed to mark messages as read")
		return
	}

	// Flat body, unlike the enveloped endpoints: clients consume the
	// counters directly.
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"marked":  result.Marked,
		"skipped": result.Skipped,
		"total":   result.Total,
	})
}

func (h *Handler) writeServiceError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		response.BadRequest(c, err.Error())
	case errors.Is(err, service.ErrForbidden):
		response.Forbidden(c, "not a participant or not the sender")
	case errors.Is(err, service.ErrNotFound):
		response.NotFound(c, "not found")
	default:
		log.Ctx(c.Request.Context()).Error().Err(err).Msg(fallback)
		response.InternalError(c, fallback)
	}
}
