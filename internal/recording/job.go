package recording

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

type State int

const (
	StateScheduled State = iota
	StateCapturing
	StateStoppingGraceful
	StateStoppingForced
	StateValidating
	StateUploading
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateCapturing:
		return "capturing"
	case StateStoppingGraceful:
		return "stopping_graceful"
	case StateStoppingForced:
		return "stopping_forced"
	case StateValidating:
		return "validating"
	case StateUploading:
		return "uploading"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether the job is finished.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

var (
	ErrJobExists      = errors.New("recording already active for session")
	ErrCancelled      = errors.New("cancelled before capture")
	ErrOutputMissing  = errors.New("recording output missing")
	ErrOutputEmpty    = errors.New("recording output is empty")
	ErrSupervisorDown = errors.New("recording supervisor is shut down")
)

// Request describes a session to capture.
type Request struct {
	SessionID   string
	StreamKey   string
	InputURL    string
	StreamID    uuid.UUID
	OwnerUserID uuid.UUID
	Title       string
}

// Job is a snapshot of one capture.
type Job struct {
	SessionID     string    `json:"session_id"`
	StreamKey     string    `json:"stream_key"`
	OutputPath    string    `json:"output_path"`
	StreamStoreID uuid.UUID `json:"stream_id"`
	OwnerUserID   uuid.UUID `json:"user_id"`
	Title         string    `json:"title"`
	State         State     `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
	Error         string    `json:"error,omitempty"`
}

// OutputPath builds {dir}/{streamKey}-{timestamp}.mp4 with the UTC ISO-8601
// timestamp made filesystem safe.
func OutputPath(dir, streamKey string, at time.Time) string {
	stamp := at.UTC().Format("2006-01-02T15:04:05.000Z")
	stamp = strings.NewReplacer(":", "-", ".", "-").Replace(stamp)
	return filepath.Join(dir, fmt.Sprintf("%s-%s.mp4", streamKey, stamp))
}

// DefaultTitle is used when the request carries none.
func DefaultTitle(at time.Time) string {
	return "Recording " + at.Format("2006-01-02 15:04:05")
}
