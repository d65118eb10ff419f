package stream

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	utils "livecast/pkg/utils"

	"github.com/labstack/echo/v4"
)

// Store is what the HTTP handler reads from.
type Store interface {
	SessionStore
	RecordingLister
}

type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/streams/:key", h.GetStream)
	g.GET("/recordings", h.ListRecordings)
}

// GetStream returns the public view of a session. The stream key itself is
// never echoed back.
func (h *Handler) GetStream(c echo.Context) error {
	session, err := h.lookup(c.Request().Context(), c.Param("key"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"id":           session.ID,
			"user_id":      session.OwnerUserID,
			"title":        session.Title,
			"is_live":      session.IsLive,
			"viewer_count": session.ViewerCount,
			"save_stream":  session.Settings.SaveStream,
			"updated_at":   session.UpdatedAt,
		},
	})
}

// ListRecordings serves /recordings?stream_key=<key>&limit=<n>.
func (h *Handler) ListRecordings(c echo.Context) error {
	session, err := h.lookup(c.Request().Context(), c.QueryParam("stream_key"))
	if err != nil {
		return err
	}

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	recordings, err := h.store.ListRecordings(c.Request().Context(), session.ID, limit)
	if err != nil {
		utils.Logger.Errorf("Failed to list recordings: %v", err)
		return utils.ErrStoreUnavailable
	}
	if recordings == nil {
		recordings = []*Recording{}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    recordings,
	})
}

func (h *Handler) lookup(ctx context.Context, key string) (*Session, error) {
	if key == "" {
		return nil, utils.ErrInvalidStreamID
	}
	session, err := h.store.FindByStreamKey(ctx, key)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, utils.ErrStreamNotFound
		}
		utils.Logger.Errorf("Failed to look up stream: %v", err)
		return nil, utils.ErrStoreUnavailable
	}
	return session, nil
}
