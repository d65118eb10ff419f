package recording

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"livecast/configs"
	"livecast/internal/metrics"
	"livecast/internal/stream"
	utils "livecast/pkg/utils"

	"github.com/sirupsen/logrus"
)

// AttachmentStore receives finished captures.
type AttachmentStore interface {
	CreateAttachment(ctx context.Context, collection string, attachment stream.Attachment) (*stream.Recording, error)
}

type Config struct {
	Dir             string
	StartDelay      time.Duration
	GracefulTimeout time.Duration
	ForcedTimeout   time.Duration
	SettleDelay     time.Duration
	MinFileSize     int64
	UploadTimeout   time.Duration
}

func ConfigFrom(cfg *configs.Config) Config {
	return Config{
		Dir:             cfg.Recording.Dir,
		StartDelay:      cfg.Recording.StartDelay,
		GracefulTimeout: cfg.Recording.GracefulTimeout,
		ForcedTimeout:   cfg.Recording.ForcedTimeout,
		SettleDelay:     cfg.Recording.SettleDelay,
		MinFileSize:     cfg.Recording.MinFileSize,
		UploadTimeout:   cfg.Recording.UploadTimeout,
	}
}

type Option func(*Supervisor)

// WithStateHook registers fn to observe every state change. It runs on the
// job's goroutine.
func WithStateHook(fn func(Job)) Option {
	return func(s *Supervisor) { s.onState = fn }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// Supervisor runs at most one capture per ingest session. Each job is driven
// by its own goroutine; the supervisor only keeps a handle to stop it.
type Supervisor struct {
	cfg     Config
	launch  Launcher
	store   AttachmentStore
	metrics *metrics.Metrics
	onState func(Job)

	mu     sync.Mutex
	jobs   map[string]*handle
	closed bool
	wg     sync.WaitGroup
}

type handle struct {
	job      Job
	input    string
	stop     chan struct{}
	stopOnce sync.Once
}

func (h *handle) requestStop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func NewSupervisor(cfg Config, launch Launcher, store AttachmentStore, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:    cfg,
		launch: launch,
		store:  store,
		jobs:   make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules a capture to begin after the start delay.
func (s *Supervisor) Start(req Request) (Job, error) {
	now := time.Now()
	title := req.Title
	if title == "" {
		title = DefaultTitle(now)
	}

	h := &handle{
		job: Job{
			SessionID:     req.SessionID,
			StreamKey:     req.StreamKey,
			OutputPath:    OutputPath(s.cfg.Dir, req.StreamKey, now),
			StreamStoreID: req.StreamID,
			OwnerUserID:   req.OwnerUserID,
			Title:         title,
			State:         StateScheduled,
			CreatedAt:     now,
		},
		input: req.InputURL,
		stop:  make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Job{}, ErrSupervisorDown
	}
	if _, ok := s.jobs[req.SessionID]; ok {
		s.mu.Unlock()
		return Job{}, ErrJobExists
	}
	s.jobs[req.SessionID] = h
	s.wg.Add(1)
	s.mu.Unlock()

	job := h.job
	s.metrics.RecordingStarted()
	s.notify(job)
	s.logger(job).Infof("Recording scheduled in %s", s.cfg.StartDelay)

	go s.run(h)
	return job, nil
}

// Stop asks the session's job to wind down. It reports whether a job existed.
func (s *Supervisor) Stop(sessionID string) bool {
	s.mu.Lock()
	h, ok := s.jobs[sessionID]
	s.mu.Unlock()
	if ok {
		h.requestStop()
	}
	return ok
}

// Jobs returns a snapshot of active jobs ordered by creation time.
func (s *Supervisor) Jobs() []Job {
	s.mu.Lock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, h := range s.jobs {
		jobs = append(jobs, h.job)
	}
	s.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs
}

// Shutdown stops every job and waits for them to reach a terminal state.
// Stopped captures are still validated and uploaded.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, h := range s.jobs {
		h.requestStop()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) run(h *handle) {
	defer s.wg.Done()

	timer := time.NewTimer(s.cfg.StartDelay)
	select {
	case <-timer.C:
	case <-h.stop:
		timer.Stop()
		s.fail(h, ErrCancelled)
		return
	}

	if err := os.MkdirAll(s.cfg.Dir, 0755); err != nil {
		s.fail(h, fmt.Errorf("create recording dir: %w", err))
		return
	}

	proc, err := s.launch(h.input, h.job.OutputPath)
	if err != nil {
		s.fail(h, fmt.Errorf("spawn capture: %w", err))
		return
	}
	s.setState(h, StateCapturing)
	s.logger(h.job).Infof("Capturing %s", h.input)

	select {
	case <-h.stop:
		s.stopProcess(h, proc)
	case <-proc.Done():
		if err := proc.Err(); err != nil {
			s.logger(h.job).Warnf("Capture process exited: %v", err)
		} else {
			s.logger(h.job).Info("Capture process exited")
		}
	}

	settle := time.NewTimer(s.cfg.SettleDelay)
	<-settle.C

	s.setState(h, StateValidating)
	size, err := s.validate(h)
	if err != nil {
		s.fail(h, err)
		return
	}

	s.setState(h, StateUploading)
	if err := s.upload(h, size); err != nil {
		s.logger(h.job).WithField("size", size).Errorf("Upload failed, keeping %s: %v", h.job.OutputPath, err)
		s.fail(h, err)
		return
	}

	if err := os.Remove(h.job.OutputPath); err != nil {
		s.logger(h.job).Warnf("Failed to delete local recording: %v", err)
	}
	s.finish(h, StateDone, nil)
}

// stopProcess sends quit, then SIGTERM after the graceful timeout, then
// SIGKILL after the forced timeout. It never waits past the forced timeout.
func (s *Supervisor) stopProcess(h *handle, proc Process) {
	s.setState(h, StateStoppingGraceful)
	if err := proc.Quit(); err != nil {
		s.logger(h.job).Warnf("Failed to send quit to capture: %v", err)
	}
	if waitExit(proc, s.cfg.GracefulTimeout) {
		return
	}

	s.setState(h, StateStoppingForced)
	if err := proc.Terminate(); err != nil {
		s.logger(h.job).Warnf("Failed to terminate capture: %v", err)
	}
	if waitExit(proc, s.cfg.ForcedTimeout) {
		return
	}

	s.logger(h.job).Warn("Capture ignored SIGTERM, killing")
	if err := proc.Kill(); err != nil {
		s.logger(h.job).Errorf("Failed to kill capture: %v", err)
	}
}

func waitExit(proc Process, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-proc.Done():
		return true
	case <-t.C:
		return false
	}
}

func (s *Supervisor) validate(h *handle) (int64, error) {
	info, err := os.Stat(h.job.OutputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrOutputMissing
		}
		return 0, fmt.Errorf("stat recording: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return 0, ErrOutputEmpty
	}
	if size < s.cfg.MinFileSize {
		s.logger(h.job).WithField("size", size).Warn("Recording is suspiciously small")
	}
	return size, nil
}

func (s *Supervisor) upload(h *handle, size int64) error {
	f, err := os.Open(h.job.OutputPath)
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	timeout := s.cfg.UploadTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	rec, err := s.store.CreateAttachment(ctx, stream.CollectionRecordings, stream.Attachment{
		OwnerUserID: h.job.OwnerUserID,
		SessionRef:  h.job.StreamStoreID,
		Title:       h.job.Title,
		FileName:    h.job.OutputPath,
		ContentType: "video/mp4",
		Size:        size,
		File:        f,
	})
	if err != nil {
		return err
	}

	s.logger(h.job).WithFields(logrus.Fields{
		"recording_id": rec.ID,
		"size":         size,
	}).Info("Recording uploaded")
	return nil
}

func (s *Supervisor) setState(h *handle, state State) {
	s.mu.Lock()
	h.job.State = state
	job := h.job
	s.mu.Unlock()

	s.logger(job).Debug("Recording state changed")
	s.notify(job)
}

func (s *Supervisor) fail(h *handle, err error) {
	s.finish(h, StateFailed, err)
}

func (s *Supervisor) finish(h *handle, state State, err error) {
	s.mu.Lock()
	h.job.State = state
	if err != nil {
		h.job.Error = err.Error()
	}
	job := h.job
	if s.jobs[job.SessionID] == h {
		delete(s.jobs, job.SessionID)
	}
	s.mu.Unlock()

	if err != nil {
		s.logger(job).Errorf("Recording failed: %v", err)
	} else {
		s.logger(job).Info("Recording finished")
	}
	s.metrics.RecordingFinished(state.String())
	s.notify(job)
}

func (s *Supervisor) notify(job Job) {
	if s.onState != nil {
		s.onState(job)
	}
}

func (s *Supervisor) logger(job Job) *logrus.Entry {
	return utils.ForSession(job.SessionID, job.StreamKey).WithField("state", job.State.String())
}
