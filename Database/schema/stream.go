package schema

import (
	"database/sql"
	"fmt"
	"strings"

	utils "livecast/pkg/utils"
)

// isAlreadyExists reports errors from re-running DDL against an existing schema.
func isAlreadyExists(err error) bool {
	s := err.Error()
	return strings.Contains(s, "already exists") || strings.Contains(s, "duplicate key value") || strings.Contains(s, "already defined")
}

// CreateUpdatedAtFunction creates the trigger function shared by all tables
func CreateUpdatedAtFunction(db *sql.DB) error {
	query := `
		CREATE OR REPLACE FUNCTION update_updated_at_column()
		RETURNS TRIGGER AS $$
		BEGIN
			NEW.updated_at = NOW();
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql;
	`
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create updated_at function: %w", err)
	}
	return nil
}

// CreateStreamsTable creates the streams table. One row per channel; the
// orchestrator flips is_live and viewer_count on it.
func CreateStreamsTable(db *sql.DB) error {
	query := `
		CREATE TABLE IF NOT EXISTS streams (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			user_id UUID NOT NULL,
			stream_key VARCHAR(255) UNIQUE NOT NULL,
			title VARCHAR(200) NOT NULL DEFAULT '',
			is_live BOOLEAN NOT NULL DEFAULT false,
			viewer_count INTEGER NOT NULL DEFAULT 0,
			settings JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);

		-- Create indexes for performance
		CREATE INDEX IF NOT EXISTS idx_streams_user_id ON streams(user_id);
		CREATE INDEX IF NOT EXISTS idx_streams_stream_key ON streams(stream_key);

		-- Create partial index for live streams
		CREATE INDEX IF NOT EXISTS idx_streams_live ON streams(id) WHERE is_live = true;

		-- Add constraints
		ALTER TABLE streams ADD CONSTRAINT chk_viewer_count CHECK (viewer_count >= 0);

		-- Create updated_at trigger
		CREATE TRIGGER update_streams_updated_at
			BEFORE UPDATE ON streams
			FOR EACH ROW
			EXECUTE FUNCTION update_updated_at_column();
	`

	if _, err := db.Exec(query); err != nil && !isAlreadyExists(err) {
		utils.Logger.Errorf("Failed to create streams table: %v", err)
		return fmt.Errorf("failed to create streams table: %w", err)
	}

	utils.Logger.Info("Streams table created successfully")
	return nil
}

// CreateRecordingsTable creates the recordings table for uploaded captures
func CreateRecordingsTable(db *sql.DB) error {
	query := `
		CREATE TABLE IF NOT EXISTS recordings (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			user_id UUID NOT NULL,
			stream_id UUID NOT NULL REFERENCES streams(id) ON DELETE CASCADE,
			title VARCHAR(200) NOT NULL,
			video_file VARCHAR(2048) NOT NULL,
			file_size BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_recordings_stream_created ON recordings(stream_id, created_at DESC);

		ALTER TABLE recordings ADD CONSTRAINT chk_file_size CHECK (file_size >= 0);
	`

	if _, err := db.Exec(query); err != nil && !isAlreadyExists(err) {
		utils.Logger.Errorf("Failed to create recordings table: %v", err)
		return fmt.Errorf("failed to create recordings table: %w", err)
	}

	utils.Logger.Info("Recordings table created successfully")
	return nil
}

// CreateStreamTables creates every table the server uses, in dependency order
func CreateStreamTables(db *sql.DB) error {
	tables := []struct {
		name string
		fn   func(*sql.DB) error
	}{
		{"update_updated_at_column", CreateUpdatedAtFunction},
		{"streams", CreateStreamsTable},
		{"recordings", CreateRecordingsTable},
	}

	for _, table := range tables {
		utils.Logger.Infof("Creating %s...", table.name)
		if err := table.fn(db); err != nil {
			return fmt.Errorf("failed to create %s: %w", table.name, err)
		}
	}
	return nil
}
