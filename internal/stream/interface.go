package stream

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound       = errors.New("stream session not found")
	ErrUnsupportedCollection = errors.New("unsupported attachment collection")
)

// SessionStore is the narrow view of the persisted store the orchestrator,
// presence registry and recording supervisor work through. Every call is its
// own atomic unit; nothing spans calls.
type SessionStore interface {
	FindByStreamKey(ctx context.Context, streamKey string) (*Session, error)
	Update(ctx context.Context, id uuid.UUID, fields SessionUpdate) error
	CreateAttachment(ctx context.Context, collection string, attachment Attachment) (*Recording, error)
}

// RecordingLister backs the read-only recordings endpoint.
type RecordingLister interface {
	ListRecordings(ctx context.Context, streamID uuid.UUID, limit int) ([]*Recording, error)
}
