package http

import (
	"context"
	"net/http"

	"p2d/internal/core/domain"
	"p2d/internal/infrastructure/signal"
	"p2d/pkg/errors"
	"p2d/pkg/validation"

	"github.com/gin-gonic/gin"
)

// RoomDirectory answers read-only questions about relay state.
type RoomDirectory interface {
	LookupRoom(ctx context.Context, code domain.RoomCode) (signal.RoomInfo, bool, error)
	Stats(ctx context.Context) (domain.RegistryStats, int, error)
}

type RoomHandler struct {
	rooms RoomDirectory
}

func NewRoomHandler(rooms RoomDirectory) *RoomHandler {
	return &RoomHandler{rooms: rooms}
}

func (h *RoomHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/rooms/:code", h.GetRoom)
		api.GET("/stats", h.GetStats)
	}
}

// GetRoom lets a client check a code before opening a websocket.
func (h *RoomHandler) GetRoom(c *gin.Context) {
	raw := c.Param("code")
	if err := validation.ValidateRoomCode(raw); err != nil {
		c.Error(errors.NewInvalidCodeError(err.Error()))
		return
	}
	code := domain.NormalizeRoomCode(raw)

	info, found, err := h.rooms.LookupRoom(c.Request.Context(), code)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeServiceUnavailable, "relay unavailable", http.StatusServiceUnavailable))
		return
	}
	if !found {
		c.Error(errors.NewRoomNotFoundError(string(code)))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room": info,
	})
}

func (h *RoomHandler) GetStats(c *gin.Context) {
	stats, clients, err := h.rooms.Stats(c.Request.Context())
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeServiceUnavailable, "relay unavailable", http.StatusServiceUnavailable))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"rooms":        stats.Rooms,
		"participants": stats.Participants,
		"clients":      clients,
	})
}
