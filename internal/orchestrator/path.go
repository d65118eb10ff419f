package orchestrator

import (
	"errors"
	"strings"
)

var ErrInvalidPath = errors.New("invalid stream path")

// ParsePath splits an ingest path of the form /<app>/<streamKey> with any
// query string already removed.
func ParsePath(streamPath string) (app, streamKey string, err error) {
	if i := strings.IndexByte(streamPath, '?'); i >= 0 {
		streamPath = streamPath[:i]
	}
	parts := strings.Split(strings.Trim(streamPath, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidPath
	}
	return parts[0], parts[1], nil
}
