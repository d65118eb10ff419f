package audit

import (
	"time"

	utils "livecast/pkg/utils"

	"github.com/sirupsen/logrus"
)

// AuditLogger writes publish and playback lifecycle decisions as structured
// log entries tagged log_type=audit.
type AuditLogger struct {
	logger *logrus.Logger
}

// NewAuditLogger creates a new audit logger. A nil logger uses utils.Logger.
func NewAuditLogger(logger *logrus.Logger) *AuditLogger {
	return &AuditLogger{logger: logger}
}

// LogPublishAccepted logs a publisher that passed token verification
func (al *AuditLogger) LogPublishAccepted(sessionID, streamKey, remoteAddr string) {
	al.storeAuditLog(logrus.InfoLevel, map[string]interface{}{
		"event_type":  "publish_accepted",
		"session_id":  sessionID,
		"stream_key":  streamKey,
		"remote_addr": remoteAddr,
	})
}

// LogPublishRejected logs a refused publish attempt and the reason
func (al *AuditLogger) LogPublishRejected(sessionID, streamKey, remoteAddr, reason string) {
	al.storeAuditLog(logrus.WarnLevel, map[string]interface{}{
		"event_type":  "publish_rejected",
		"session_id":  sessionID,
		"stream_key":  streamKey,
		"remote_addr": remoteAddr,
		"reason":      reason,
	})
}

func (al *AuditLogger) LogPlayRejected(sessionID, streamPath, remoteAddr, reason string) {
	al.storeAuditLog(logrus.WarnLevel, map[string]interface{}{
		"event_type":  "play_rejected",
		"session_id":  sessionID,
		"stream_path": streamPath,
		"remote_addr": remoteAddr,
		"reason":      reason,
	})
}

// LogStreamOffline logs the end of a live session
func (al *AuditLogger) LogStreamOffline(sessionID, streamKey string, duration time.Duration) {
	al.storeAuditLog(logrus.InfoLevel, map[string]interface{}{
		"event_type": "stream_offline",
		"session_id": sessionID,
		"stream_key": streamKey,
		"duration_s": int64(duration.Seconds()),
	})
}

func (al *AuditLogger) storeAuditLog(level logrus.Level, event map[string]interface{}) {
	logger := al.logger
	if logger == nil {
		logger = utils.GetLogger()
	}
	event["log_type"] = "audit"
	event["timestamp"] = time.Now().UTC()
	logger.WithFields(event).Log(level, event["event_type"])
}
