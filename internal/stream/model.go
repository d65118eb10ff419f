package stream

import (
	"io"
	"time"

	"github.com/google/uuid"
)

// CollectionRecordings is the attachment collection finished captures go to.
const CollectionRecordings = "recordings"

// Session is the persisted record behind one stream key.
type Session struct {
	ID          uuid.UUID `json:"id" db:"id"`
	OwnerUserID uuid.UUID `json:"user_id" db:"user_id"`
	StreamKey   string    `json:"stream_key" db:"stream_key"`
	Title       string    `json:"title" db:"title"`
	IsLive      bool      `json:"is_live" db:"is_live"`
	ViewerCount int       `json:"viewer_count" db:"viewer_count"`
	Settings    Settings  `json:"settings" db:"settings"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Settings is stored as a JSON document on the session row.
type Settings struct {
	SaveStream  bool              `json:"save_stream"`
	BannedUsers []string          `json:"banned_users,omitempty"`
	Moderators  []string          `json:"moderators,omitempty"`
	SlowMode    int               `json:"slow_mode,omitempty"`
	Commands    map[string]string `json:"commands,omitempty"`
}

// SessionUpdate lists the fields the orchestrator writes. Nil fields are left
// untouched.
type SessionUpdate struct {
	IsLive      *bool
	ViewerCount *int
}

func (u SessionUpdate) Empty() bool {
	return u.IsLive == nil && u.ViewerCount == nil
}

// Live returns an update flipping the live flag.
func Live(isLive bool) SessionUpdate {
	return SessionUpdate{IsLive: &isLive}
}

// Viewers returns an update setting the viewer count.
func Viewers(count int) SessionUpdate {
	return SessionUpdate{ViewerCount: &count}
}

// Offline marks the session not live with no viewers.
func Offline() SessionUpdate {
	isLive, count := false, 0
	return SessionUpdate{IsLive: &isLive, ViewerCount: &count}
}

// Attachment is a file plus the metadata it is filed under.
type Attachment struct {
	OwnerUserID uuid.UUID
	SessionRef  uuid.UUID
	Title       string
	FileName    string
	ContentType string
	Size        int64
	File        io.Reader
}

// Recording is a stored capture of a past live session.
type Recording struct {
	ID          uuid.UUID `json:"id" db:"id"`
	OwnerUserID uuid.UUID `json:"user_id" db:"user_id"`
	StreamID    uuid.UUID `json:"stream_id" db:"stream_id"`
	Title       string    `json:"title" db:"title"`
	VideoFile   string    `json:"video_file" db:"video_file"`
	FileSize    int64     `json:"file_size" db:"file_size"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
