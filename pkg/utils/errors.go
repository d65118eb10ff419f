package utils

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type AppError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	return e.Message
}

// Predefined errors
var (
	ErrStreamNotFound = &AppError{
		Code:    http.StatusNotFound,
		Message: "Stream not found",
	}

	ErrInvalidToken = &AppError{
		Code:    http.StatusUnauthorized,
		Message: "Invalid or expired token",
	}

	ErrInvalidStreamID = &AppError{
		Code:    http.StatusBadRequest,
		Message: "Invalid stream id",
	}

	ErrStoreUnavailable = &AppError{
		Code:    http.StatusServiceUnavailable,
		Message: "Session store unavailable",
	}

	ErrInternalServer = &AppError{
		Code:    http.StatusInternalServerError,
		Message: "Internal server error",
	}
)

func NewAppError(code int, message string, details ...string) *AppError {
	err := &AppError{
		Code:    code,
		Message: message,
	}
	if len(details) > 0 {
		err.Details = details[0]
	}
	return err
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Code:    http.StatusInternalServerError,
		Message: message,
	}
}

// CustomHTTPErrorHandler renders AppError, echo.HTTPError and plain errors
// as the same JSON envelope.
func CustomHTTPErrorHandler(err error, c echo.Context) {
	var appErr *AppError
	var he *echo.HTTPError

	switch {
	case errors.As(err, &appErr):
	case errors.As(err, &he):
		appErr = &AppError{
			Code:    he.Code,
			Message: fmt.Sprintf("%v", he.Message),
		}
	default:
		appErr = &AppError{
			Code:    http.StatusInternalServerError,
			Message: "Internal server error",
			Details: err.Error(),
		}
	}

	WithFields(map[string]interface{}{
		"error":  err.Error(),
		"code":   appErr.Code,
		"path":   c.Request().URL.Path,
		"method": c.Request().Method,
	}).Error("HTTP Error")

	// Don't expose internal error details
	resp := *appErr
	if resp.Code == http.StatusInternalServerError {
		resp.Details = ""
	}

	if !c.Response().Committed {
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(resp.Code)
			return
		}
		_ = c.JSON(resp.Code, resp)
	}
}

// SplitString splits a comma-separated string into a slice, trimming whitespace
func SplitString(input string) []string {
	if input == "" {
		return []string{}
	}

	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
