// Package orchestrator turns ingest lifecycle events into session store
// updates, viewer presence changes and recording jobs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"livecast/internal/audit"
	"livecast/internal/metrics"
	"livecast/internal/presence"
	"livecast/internal/recording"
	"livecast/internal/security"
	"livecast/internal/stream"
	utils "livecast/pkg/utils"
)

var (
	ErrStreamNotFound = errors.New("stream not found")
	ErrAlreadyLive    = errors.New("stream key already has a publisher")
	ErrWrongApp       = errors.New("stream path outside the live namespace")
)

// Event is one lifecycle callback from the ingest server.
type Event struct {
	SessionID  string
	StreamPath string
	Args       url.Values
	RemoteAddr string
}

// SessionControl terminates ingest or playback sessions.
type SessionControl interface {
	Reject(sessionID string)
}

type TokenVerifier interface {
	Verify(token, expectedStreamKey string) (*security.StreamClaims, error)
}

type Recorder interface {
	Start(req recording.Request) (recording.Job, error)
	Stop(sessionID string) bool
}

type Config struct {
	// App is the namespace segment of ingest paths, "live" by default.
	App string
	// IngestURL builds the address the capture process pulls from.
	IngestURL func(streamKey string) string
}

// Publisher is a live publishing session.
type Publisher struct {
	SessionID  string    `json:"session_id"`
	StreamKey  string    `json:"stream_key"`
	StreamID   string    `json:"stream_id"`
	RemoteAddr string    `json:"remote_addr"`
	StartedAt  time.Time `json:"started_at"`
	Viewers    int       `json:"viewers"`
}

type publisher struct {
	streamKey  string
	session    *stream.Session
	remoteAddr string
	startedAt  time.Time
}

type Orchestrator struct {
	cfg      Config
	store    stream.SessionStore
	verifier TokenVerifier
	presence *presence.Registry
	recorder Recorder
	control  SessionControl
	audit    *audit.AuditLogger
	metrics  *metrics.Metrics

	keys *keyLocks

	mu         sync.Mutex
	publishers map[string]*publisher // by ingest session id
	viewers    map[string]string     // play session id -> stream key
}

type Option func(*Orchestrator)

func WithAudit(a *audit.AuditLogger) Option {
	return func(o *Orchestrator) { o.audit = a }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func New(cfg Config, store stream.SessionStore, verifier TokenVerifier, reg *presence.Registry, recorder Recorder, control SessionControl, opts ...Option) *Orchestrator {
	if cfg.App == "" {
		cfg.App = "live"
	}
	o := &Orchestrator{
		cfg:        cfg,
		store:      store,
		verifier:   verifier,
		presence:   reg,
		recorder:   recorder,
		control:    control,
		audit:      audit.NewAuditLogger(nil),
		keys:       newKeyLocks(),
		publishers: make(map[string]*publisher),
		viewers:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetControl attaches the ingest server once it exists.
func (o *Orchestrator) SetControl(control SessionControl) {
	o.control = control
}

// PrePublish admits a publisher whose token matches the stream key and whose
// session exists, then marks the session live.
func (o *Orchestrator) PrePublish(ctx context.Context, ev Event) error {
	app, key, err := ParsePath(ev.StreamPath)
	if err != nil {
		return o.rejectPublish(ev, "", err)
	}
	if app != o.cfg.App {
		return o.rejectPublish(ev, key, ErrWrongApp)
	}

	if _, err := o.verifier.Verify(ev.Args.Get("token"), key); err != nil {
		return o.rejectPublish(ev, key, err)
	}

	unlock := o.keys.Lock(key)
	defer unlock()

	session, err := o.store.FindByStreamKey(ctx, key)
	if err != nil {
		if !errors.Is(err, stream.ErrSessionNotFound) {
			utils.ForSession(ev.SessionID, key).Errorf("Session lookup failed: %v", err)
		}
		return o.rejectPublish(ev, key, fmt.Errorf("%w: %v", ErrStreamNotFound, err))
	}

	if o.publishingSession(key) != "" {
		return o.rejectPublish(ev, key, ErrAlreadyLive)
	}

	if err := o.store.Update(ctx, session.ID, stream.Live(true)); err != nil {
		utils.ForSession(ev.SessionID, key).Errorf("Failed to mark session live: %v", err)
		return o.rejectPublish(ev, key, err)
	}

	o.presence.Open(key)

	o.mu.Lock()
	o.publishers[ev.SessionID] = &publisher{
		streamKey:  key,
		session:    session,
		remoteAddr: ev.RemoteAddr,
		startedAt:  time.Now(),
	}
	o.mu.Unlock()

	o.metrics.PublishAttempt("accepted")
	o.metrics.SessionLive()
	o.audit.LogPublishAccepted(ev.SessionID, key, ev.RemoteAddr)
	utils.ForSession(ev.SessionID, key).Info("Stream is live")
	return nil
}

// PostPublish schedules a recording when the session asks for one.
func (o *Orchestrator) PostPublish(ctx context.Context, ev Event) error {
	pub := o.publisher(ev.SessionID)
	if pub == nil {
		return nil
	}

	unlock := o.keys.Lock(pub.streamKey)
	defer unlock()
	if !o.IsPublishing(ev.SessionID) {
		return nil
	}

	// re-read so settings changed since PrePublish apply
	session, err := o.store.FindByStreamKey(ctx, pub.streamKey)
	if err != nil {
		utils.ForSession(ev.SessionID, pub.streamKey).Warnf("Session lookup failed, using settings from publish: %v", err)
		session = pub.session
	}
	if !session.Settings.SaveStream {
		return nil
	}

	var input string
	if o.cfg.IngestURL != nil {
		input = o.cfg.IngestURL(pub.streamKey)
	}
	_, err = o.recorder.Start(recording.Request{
		SessionID:   ev.SessionID,
		StreamKey:   pub.streamKey,
		InputURL:    input,
		StreamID:    session.ID,
		OwnerUserID: session.OwnerUserID,
		Title:       session.Title,
	})
	if err != nil {
		utils.ForSession(ev.SessionID, pub.streamKey).Errorf("Failed to schedule recording: %v", err)
		return err
	}
	return nil
}

// DonePublish takes the session offline. The recording is stopped even when
// the store write fails.
func (o *Orchestrator) DonePublish(ctx context.Context, ev Event) error {
	pub := o.publisher(ev.SessionID)
	if pub == nil {
		return nil
	}

	unlock := o.keys.Lock(pub.streamKey)
	defer unlock()

	o.mu.Lock()
	_, ok := o.publishers[ev.SessionID]
	delete(o.publishers, ev.SessionID)
	o.mu.Unlock()
	if !ok {
		return nil
	}

	o.recorder.Stop(ev.SessionID)
	o.presence.Clear(pub.streamKey)

	o.metrics.SessionOffline()
	o.audit.LogStreamOffline(ev.SessionID, pub.streamKey, time.Since(pub.startedAt))

	if err := o.store.Update(ctx, pub.session.ID, stream.Offline()); err != nil {
		utils.ForSession(ev.SessionID, pub.streamKey).Errorf("Failed to mark session offline: %v", err)
		return err
	}
	utils.ForSession(ev.SessionID, pub.streamKey).Info("Stream is offline")
	return nil
}

// PrePlay admits a viewer to a known session under the live namespace and
// counts it. Any lookup failure rejects.
func (o *Orchestrator) PrePlay(ctx context.Context, ev Event) error {
	app, key, err := ParsePath(ev.StreamPath)
	if err != nil {
		return o.rejectPlay(ev, err)
	}
	if app != o.cfg.App {
		return o.rejectPlay(ev, ErrWrongApp)
	}

	unlock := o.keys.Lock(key)
	defer unlock()

	if _, err := o.store.FindByStreamKey(ctx, key); err != nil {
		if !errors.Is(err, stream.ErrSessionNotFound) {
			utils.ForSession(ev.SessionID, key).Errorf("Session lookup failed: %v", err)
		}
		return o.rejectPlay(ev, fmt.Errorf("%w: %v", ErrStreamNotFound, err))
	}

	count := o.presence.Add(key, ev.SessionID)

	o.mu.Lock()
	o.viewers[ev.SessionID] = key
	o.mu.Unlock()

	o.metrics.PlayAttempt("accepted")
	utils.ForSession(ev.SessionID, key).WithField("viewers", count).Info("Viewer joined")
	return nil
}

// DonePlay removes the viewer. Unknown viewers are ignored.
func (o *Orchestrator) DonePlay(ctx context.Context, ev Event) error {
	o.mu.Lock()
	key, ok := o.viewers[ev.SessionID]
	delete(o.viewers, ev.SessionID)
	o.mu.Unlock()

	if !ok {
		_, parsed, err := ParsePath(ev.StreamPath)
		if err != nil {
			return nil
		}
		key = parsed
	}

	unlock := o.keys.Lock(key)
	defer unlock()

	count := o.presence.Remove(key, ev.SessionID)
	utils.ForSession(ev.SessionID, key).WithField("viewers", count).Info("Viewer left")
	return nil
}

// Publishers lists live publishing sessions with their current viewer counts.
func (o *Orchestrator) Publishers() []Publisher {
	o.mu.Lock()
	out := make([]Publisher, 0, len(o.publishers))
	for id, p := range o.publishers {
		out = append(out, Publisher{
			SessionID:  id,
			StreamKey:  p.streamKey,
			StreamID:   p.session.ID.String(),
			RemoteAddr: p.remoteAddr,
			StartedAt:  p.startedAt,
		})
	}
	o.mu.Unlock()

	for i := range out {
		out[i].Viewers = o.presence.Count(out[i].StreamKey)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// WatchedKeys lists stream keys with an open viewer set, live or not.
func (o *Orchestrator) WatchedKeys() []string {
	return o.presence.Keys()
}

// IsPublishing reports whether the ingest session is an admitted publisher.
func (o *Orchestrator) IsPublishing(sessionID string) bool {
	return o.publisher(sessionID) != nil
}

func (o *Orchestrator) publisher(sessionID string) *publisher {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.publishers[sessionID]
}

func (o *Orchestrator) publishingSession(streamKey string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, p := range o.publishers {
		if p.streamKey == streamKey {
			return id
		}
	}
	return ""
}

func (o *Orchestrator) rejectPublish(ev Event, streamKey string, cause error) error {
	o.reject(ev.SessionID)
	o.metrics.PublishAttempt("rejected")
	o.audit.LogPublishRejected(ev.SessionID, streamKey, ev.RemoteAddr, cause.Error())
	return fmt.Errorf("publish rejected: %w", cause)
}

func (o *Orchestrator) rejectPlay(ev Event, cause error) error {
	o.reject(ev.SessionID)
	o.metrics.PlayAttempt("rejected")
	o.audit.LogPlayRejected(ev.SessionID, ev.StreamPath, ev.RemoteAddr, cause.Error())
	return fmt.Errorf("play rejected: %w", cause)
}

func (o *Orchestrator) reject(sessionID string) {
	if o.control != nil {
		o.control.Reject(sessionID)
	}
}

// CountWriter mirrors presence counts into the session store.
func CountWriter(store stream.SessionStore) presence.CountWriter {
	return func(ctx context.Context, streamKey string, count int) error {
		session, err := store.FindByStreamKey(ctx, streamKey)
		if err != nil {
			return err
		}
		return store.Update(ctx, session.ID, stream.Viewers(count))
	}
}
