package reaction

import (
	"net/http"

	utils "livecast/pkg/utils"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewHandler accepts upgrades from allowedOrigins. "*" allows any origin;
// requests without an Origin header are always allowed.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	allowAll := false
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}

	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if allowAll || origin == "" {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/", h.Index)
	e.GET("/health", h.Health)
	e.GET("/stream/:id/emotions", h.ServeEmotions)
}

func (h *Handler) Index(c echo.Context) error {
	return c.String(http.StatusOK, "WebSocket Emotion Server Running")
}

func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"stats":  h.hub.Stats(),
	})
}

// ServeEmotions upgrades the request and joins the room named by :id.
func (h *Handler) ServeEmotions(c echo.Context) error {
	streamID := c.Param("id")
	if streamID == "" {
		return echo.ErrNotFound
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the response
		utils.Logger.Warnf("WebSocket upgrade failed for stream %s: %v", streamID, err)
		return nil
	}

	client := newClient(h.hub, conn, streamID)
	if !h.hub.join(client) {
		conn.Close()
		return nil
	}

	go client.WritePump()
	go client.ReadPump()
	return nil
}
