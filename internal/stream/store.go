package stream

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"livecast/internal/storage"
	utils "livecast/pkg/utils"

	"github.com/google/uuid"
)

type StreamStoreImpl struct {
	db    *sql.DB
	blobs storage.Storage
}

func NewStreamStore(db *sql.DB, blobs storage.Storage) *StreamStoreImpl {
	return &StreamStoreImpl{db: db, blobs: blobs}
}

var _ SessionStore = (*StreamStoreImpl)(nil)
var _ RecordingLister = (*StreamStoreImpl)(nil)

func (ss *StreamStoreImpl) FindByStreamKey(ctx context.Context, streamKey string) (*Session, error) {
	session := &Session{}
	var settings []byte
	query := `
		SELECT id, user_id, stream_key, title, is_live, viewer_count, settings, created_at, updated_at
		FROM streams WHERE stream_key = $1
	`

	err := ss.db.QueryRowContext(ctx, query, streamKey).Scan(
		&session.ID, &session.OwnerUserID, &session.StreamKey, &session.Title,
		&session.IsLive, &session.ViewerCount, &settings, &session.CreatedAt, &session.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		utils.Logger.Errorf("Error scanning stream by key: %v", err)
		return nil, fmt.Errorf("database error: %w", err)
	}

	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &session.Settings); err != nil {
			utils.Logger.Warnf("Invalid settings document on stream %s: %v", session.ID, err)
		}
	}
	return session, nil
}

func (ss *StreamStoreImpl) Update(ctx context.Context, id uuid.UUID, fields SessionUpdate) error {
	if fields.Empty() {
		return nil
	}

	sets := make([]string, 0, 3)
	args := make([]interface{}, 0, 3)
	if fields.IsLive != nil {
		args = append(args, *fields.IsLive)
		sets = append(sets, fmt.Sprintf("is_live = $%d", len(args)))
	}
	if fields.ViewerCount != nil {
		args = append(args, *fields.ViewerCount)
		sets = append(sets, fmt.Sprintf("viewer_count = $%d", len(args)))
	}
	args = append(args, time.Now())
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)))
	args = append(args, id)

	query := fmt.Sprintf("UPDATE streams SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))

	result, err := ss.db.ExecContext(ctx, query, args...)
	if err != nil {
		utils.Logger.Errorf("Error updating stream %s: %v", id, err)
		return fmt.Errorf("failed to update stream: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		utils.Logger.Errorf("Error getting rows affected: %v", err)
		return fmt.Errorf("database error: %w", err)
	}
	if rowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// CreateAttachment writes the file to blob storage, then records it. A failed
// insert removes the blob again.
func (ss *StreamStoreImpl) CreateAttachment(ctx context.Context, collection string, attachment Attachment) (*Recording, error) {
	if collection != CollectionRecordings {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCollection, collection)
	}

	rec := &Recording{
		ID:          uuid.New(),
		OwnerUserID: attachment.OwnerUserID,
		StreamID:    attachment.SessionRef,
		Title:       attachment.Title,
		VideoFile:   path.Join(collection, attachment.SessionRef.String(), path.Base(attachment.FileName)),
		FileSize:    attachment.Size,
		CreatedAt:   time.Now(),
	}

	contentType := attachment.ContentType
	if contentType == "" {
		contentType = "video/mp4"
	}
	if err := ss.blobs.Write(ctx, rec.VideoFile, attachment.File, attachment.Size, contentType); err != nil {
		utils.Logger.Errorf("Error storing recording blob %s: %v", rec.VideoFile, err)
		return nil, fmt.Errorf("failed to store recording file: %w", err)
	}

	query := `
		INSERT INTO recordings (id, user_id, stream_id, title, video_file, file_size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := ss.db.ExecContext(ctx, query,
		rec.ID, rec.OwnerUserID, rec.StreamID, rec.Title, rec.VideoFile, rec.FileSize, rec.CreatedAt,
	)
	if err != nil {
		utils.Logger.Errorf("Error creating recording: %v", err)
		if delErr := ss.blobs.Delete(context.Background(), rec.VideoFile); delErr != nil {
			utils.Logger.Warnf("Failed to remove orphaned blob %s: %v", rec.VideoFile, delErr)
		}
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}

	return rec, nil
}

func (ss *StreamStoreImpl) ListRecordings(ctx context.Context, streamID uuid.UUID, limit int) ([]*Recording, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := `
		SELECT id, user_id, stream_id, title, video_file, file_size, created_at
		FROM recordings
		WHERE stream_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := ss.db.QueryContext(ctx, query, streamID, limit)
	if err != nil {
		utils.Logger.Errorf("Error querying recordings: %v", err)
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var recordings []*Recording
	for rows.Next() {
		rec := &Recording{}
		if err := rows.Scan(
			&rec.ID, &rec.OwnerUserID, &rec.StreamID, &rec.Title,
			&rec.VideoFile, &rec.FileSize, &rec.CreatedAt,
		); err != nil {
			utils.Logger.Errorf("Error scanning recording: %v", err)
			return nil, fmt.Errorf("database error: %w", err)
		}
		recordings = append(recordings, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return recordings, nil
}

// CheckDBConnection verifies the database connection is healthy
func (ss *StreamStoreImpl) CheckDBConnection() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ss.db.PingContext(ctx); err != nil {
		utils.Logger.Errorf("Database connection check failed: %v", err)
		return fmt.Errorf("database connection failed: %w", err)
	}
	return nil
}
