// Package streamtest provides an in-memory stream.SessionStore for tests.
package streamtest

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"livecast/internal/stream"

	"github.com/google/uuid"
)

// Store is a goroutine-safe in-memory session store. Failure switches let
// tests simulate an unavailable backend.
type Store struct {
	mu          sync.Mutex
	sessions    map[string]*stream.Session
	updates     []Write
	attachments []Attachment

	FindErr   error
	UpdateErr error
	AttachErr error
}

// Write records one successful Update call.
type Write struct {
	ID     uuid.UUID
	Fields stream.SessionUpdate
}

// Attachment is a stored attachment with its bytes read out.
type Attachment struct {
	Collection string
	Meta       stream.Attachment
	Data       []byte
}

func New() *Store {
	return &Store{sessions: make(map[string]*stream.Session)}
}

// Add inserts a session and returns it.
func (s *Store) Add(streamKey string, saveStream bool) *stream.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := &stream.Session{
		ID:          uuid.New(),
		OwnerUserID: uuid.New(),
		StreamKey:   streamKey,
		Title:       "stream " + streamKey,
		Settings:    stream.Settings{SaveStream: saveStream},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	s.sessions[streamKey] = session
	return session
}

func (s *Store) FindByStreamKey(ctx context.Context, streamKey string) (*stream.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FindErr != nil {
		return nil, s.FindErr
	}
	session, ok := s.sessions[streamKey]
	if !ok {
		return nil, stream.ErrSessionNotFound
	}
	cp := *session
	return &cp, nil
}

func (s *Store) Update(ctx context.Context, id uuid.UUID, fields stream.SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	for _, session := range s.sessions {
		if session.ID != id {
			continue
		}
		if fields.IsLive != nil {
			session.IsLive = *fields.IsLive
		}
		if fields.ViewerCount != nil {
			session.ViewerCount = *fields.ViewerCount
		}
		session.UpdatedAt = time.Now()
		s.updates = append(s.updates, Write{ID: id, Fields: fields})
		return nil
	}
	return stream.ErrSessionNotFound
}

func (s *Store) CreateAttachment(ctx context.Context, collection string, attachment stream.Attachment) (*stream.Recording, error) {
	s.mu.Lock()
	attachErr := s.AttachErr
	s.mu.Unlock()
	if attachErr != nil {
		return nil, attachErr
	}
	if collection != stream.CollectionRecordings {
		return nil, stream.ErrUnsupportedCollection
	}
	if attachment.File == nil {
		return nil, errors.New("nil attachment file")
	}

	data, err := io.ReadAll(attachment.File)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachments = append(s.attachments, Attachment{Collection: collection, Meta: attachment, Data: data})
	return &stream.Recording{
		ID:          uuid.New(),
		OwnerUserID: attachment.OwnerUserID,
		StreamID:    attachment.SessionRef,
		Title:       attachment.Title,
		VideoFile:   attachment.FileName,
		FileSize:    int64(len(data)),
		CreatedAt:   time.Now(),
	}, nil
}

func (s *Store) ListRecordings(ctx context.Context, streamID uuid.UUID, limit int) ([]*stream.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*stream.Recording
	for _, a := range s.attachments {
		if a.Meta.SessionRef == streamID {
			out = append(out, &stream.Recording{
				OwnerUserID: a.Meta.OwnerUserID,
				StreamID:    streamID,
				Title:       a.Meta.Title,
				VideoFile:   a.Meta.FileName,
				FileSize:    int64(len(a.Data)),
			})
		}
	}
	return out, nil
}

// Session returns a copy of the stored session.
func (s *Store) Session(streamKey string) stream.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[streamKey]; ok {
		return *session
	}
	return stream.Session{}
}

func (s *Store) Updates() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Write(nil), s.updates...)
}

func (s *Store) Attachments() []Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Attachment(nil), s.attachments...)
}

// SetUpdateErr changes the Update failure under the lock.
func (s *Store) SetUpdateErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdateErr = err
}
