package rtmp

import (
	"net/http"

	"livecast/internal/orchestrator"
	"livecast/internal/recording"
	utils "livecast/pkg/utils"

	"github.com/labstack/echo/v4"
)

type StreamLister interface {
	Publishers() []orchestrator.Publisher
	WatchedKeys() []string
}

type JobLister interface {
	Jobs() []recording.Job
}

type Handler struct {
	server  *Server
	streams StreamLister
	jobs    JobLister
}

func NewHandler(server *Server, streams StreamLister, jobs JobLister) *Handler {
	return &Handler{
		server:  server,
		streams: streams,
		jobs:    jobs,
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/status", h.GetStatus)
	g.GET("/streams", h.GetStreams)
	g.GET("/streams/:key", h.GetStream)
	g.GET("/connections", h.GetConnections)
	g.GET("/recordings", h.GetRecordings)
}

// GetStatus returns the RTMP server status
func (h *Handler) GetStatus(c echo.Context) error {
	cfg := h.server.GetConfig()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":     "running",
		"type":       "joy5",
		"stats":      h.server.GetStats(),
		"recordings": len(h.jobs.Jobs()),
		"watched":    h.streams.WatchedKeys(),
		"config": map[string]interface{}{
			"port": cfg.Port,
			"app":  cfg.App,
		},
	})
}

// GetStreams returns all live streams with their viewer counts
func (h *Handler) GetStreams(c echo.Context) error {
	streams := h.streams.Publishers()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"streams": streams,
		"count":   len(streams),
	})
}

func (h *Handler) GetStream(c echo.Context) error {
	key := c.Param("key")
	for _, p := range h.streams.Publishers() {
		if p.StreamKey == key {
			return c.JSON(http.StatusOK, p)
		}
	}
	return utils.ErrStreamNotFound
}

func (h *Handler) GetConnections(c echo.Context) error {
	connections := h.server.GetConnections()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"connections": connections,
		"count":       len(connections),
	})
}

// GetRecordings lists capture jobs that have not finished yet
func (h *Handler) GetRecordings(c echo.Context) error {
	jobs := h.jobs.Jobs()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"recordings": jobs,
		"count":      len(jobs),
	})
}
