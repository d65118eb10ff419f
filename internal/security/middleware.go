package security

import (
	"errors"
	"net/http"
	"time"

	utils "livecast/pkg/utils"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
)

// SetupMiddleware installs the middleware shared by the status API and the
// reaction hub. The APIs are read-only, so CORS only allows GET.
func SetupMiddleware(e *echo.Echo, allowedOrigins []string) {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1 << 10, // 1 KB
		LogLevel:  1,       // Error level
	}))

	// Request ID middleware for tracing
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string {
			return uuid.New().String()
		},
	}))

	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
		MaxAge:       86400, // 24 hours
	}))

	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	}))

	e.Use(LoggingMiddleware)
}

// LoggingMiddleware logs each request once it completes. Upgraded WebSocket
// requests are logged when the handshake returns.
func LoggingMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		req := c.Request()

		err := next(c)

		status := c.Response().Status
		if err != nil {
			var he *echo.HTTPError
			var appErr *utils.AppError
			switch {
			case errors.As(err, &he):
				status = he.Code
			case errors.As(err, &appErr):
				status = appErr.Code
			default:
				status = http.StatusInternalServerError
			}
		}

		entry := utils.WithFields(logrus.Fields{
			"method":      req.Method,
			"path":        req.URL.Path,
			"status":      status,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_ip":   c.RealIP(),
			"request_id":  c.Response().Header().Get(echo.HeaderXRequestID),
		})
		if status >= http.StatusInternalServerError {
			entry.Warn("Request completed")
		} else {
			entry.Debug("Request completed")
		}
		return err
	}
}
