package orchestrator

import (
	"context"
	"errors"
	"net/url"
	"reflect"
	"sync"
	"testing"
	"time"

	"livecast/internal/presence"
	"livecast/internal/recording"
	"livecast/internal/security"
	"livecast/internal/stream"
	"livecast/internal/stream/streamtest"
)

const testSecret = "test-secret"

type fakeControl struct {
	mu       sync.Mutex
	rejected []string
}

func (c *fakeControl) Reject(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected = append(c.rejected, sessionID)
}

func (c *fakeControl) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.rejected...)
}

type fakeRecorder struct {
	mu      sync.Mutex
	started []recording.Request
	stopped []string
}

func (r *fakeRecorder) Start(req recording.Request) (recording.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, req)
	return recording.Job{SessionID: req.SessionID, State: recording.StateScheduled}, nil
}

func (r *fakeRecorder) Stop(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, sessionID)
	return true
}

type fixture struct {
	orch     *Orchestrator
	store    *streamtest.Store
	presence *presence.Registry
	recorder *fakeRecorder
	control  *fakeControl
	verifier *security.TokenVerifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := streamtest.New()
	reg := presence.NewRegistry(CountWriter(store))
	rec := &fakeRecorder{}
	ctl := &fakeControl{}
	verifier := security.NewTokenVerifier(testSecret)
	orch := New(Config{
		App:       "live",
		IngestURL: func(key string) string { return "rtmp://127.0.0.1:1935/live/" + key },
	}, store, verifier, reg, rec, ctl)
	return &fixture{orch: orch, store: store, presence: reg, recorder: rec, control: ctl, verifier: verifier}
}

func (f *fixture) publishEvent(t *testing.T, sessionID, key string) Event {
	t.Helper()
	token, err := f.verifier.Issue(key, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return Event{SessionID: sessionID, StreamPath: "/live/" + key, Args: url.Values{"token": {token}}}
}

func TestPublishWithMatchingTokenGoesLive(t *testing.T) {
	f := newFixture(t)
	f.store.Add("abc", false)
	ctx := context.Background()

	if err := f.orch.PrePublish(ctx, f.publishEvent(t, "pub1", "abc")); err != nil {
		t.Fatalf("PrePublish: %v", err)
	}

	if !f.store.Session("abc").IsLive {
		t.Error("session not marked live")
	}
	if got := f.presence.Count("abc"); got != 0 {
		t.Errorf("presence count = %d, want 0", got)
	}
	if !reflect.DeepEqual(f.orch.WatchedKeys(), []string{"abc"}) {
		t.Errorf("watched keys = %v", f.orch.WatchedKeys())
	}
	if len(f.control.all()) != 0 {
		t.Errorf("unexpected rejects %v", f.control.all())
	}
	if pubs := f.orch.Publishers(); len(pubs) != 1 || pubs[0].StreamKey != "abc" {
		t.Errorf("Publishers = %+v", pubs)
	}
}

func TestPublishRejections(t *testing.T) {
	tests := []struct {
		name    string
		event   func(f *fixture) Event
		wantErr error
	}{
		{
			name: "missing token",
			event: func(f *fixture) Event {
				return Event{SessionID: "s", StreamPath: "/live/abc"}
			},
			wantErr: security.ErrMissingToken,
		},
		{
			name: "claim mismatch",
			event: func(f *fixture) Event {
				tok, _ := f.verifier.Issue("other", time.Minute)
				return Event{SessionID: "s", StreamPath: "/live/abc", Args: url.Values{"token": {tok}}}
			},
			wantErr: security.ErrClaimMismatch,
		},
		{
			name: "unknown stream",
			event: func(f *fixture) Event {
				tok, _ := f.verifier.Issue("nope", time.Minute)
				return Event{SessionID: "s", StreamPath: "/live/nope", Args: url.Values{"token": {tok}}}
			},
			wantErr: ErrStreamNotFound,
		},
		{
			name: "bad path",
			event: func(f *fixture) Event {
				return Event{SessionID: "s", StreamPath: "/abc"}
			},
			wantErr: ErrInvalidPath,
		},
		{
			name: "wrong namespace",
			event: func(f *fixture) Event {
				tok, _ := f.verifier.Issue("abc", time.Minute)
				return Event{SessionID: "s", StreamPath: "/vod/abc", Args: url.Values{"token": {tok}}}
			},
			wantErr: ErrWrongApp,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.store.Add("abc", true)

			err := f.orch.PrePublish(context.Background(), tt.event(f))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("PrePublish = %v, want %v", err, tt.wantErr)
			}
			if !reflect.DeepEqual(f.control.all(), []string{"s"}) {
				t.Errorf("rejected = %v, want [s]", f.control.all())
			}
			if f.store.Session("abc").IsLive {
				t.Error("rejected publish changed the store")
			}
			if len(f.store.Updates()) != 0 {
				t.Errorf("store writes on rejection: %v", f.store.Updates())
			}
		})
	}
}

func TestSecondPublisherIsRejected(t *testing.T) {
	f := newFixture(t)
	f.store.Add("abc", false)
	ctx := context.Background()

	if err := f.orch.PrePublish(ctx, f.publishEvent(t, "pub1", "abc")); err != nil {
		t.Fatal(err)
	}
	err := f.orch.PrePublish(ctx, f.publishEvent(t, "pub2", "abc"))
	if !errors.Is(err, ErrAlreadyLive) {
		t.Fatalf("second PrePublish = %v, want ErrAlreadyLive", err)
	}
	if !reflect.DeepEqual(f.control.all(), []string{"pub2"}) {
		t.Errorf("rejected = %v", f.control.all())
	}
}

func TestViewerCountSequence(t *testing.T) {
	f := newFixture(t)
	f.store.Add("abc", false)
	ctx := context.Background()
	if err := f.orch.PrePublish(ctx, f.publishEvent(t, "pub", "abc")); err != nil {
		t.Fatal(err)
	}

	var counts []int
	if err := f.orch.PrePlay(ctx, Event{SessionID: "v1", StreamPath: "/live/abc"}); err != nil {
		t.Fatal(err)
	}
	counts = append(counts, f.presence.Count("abc"))
	if err := f.orch.PrePlay(ctx, Event{SessionID: "v2", StreamPath: "/live/abc"}); err != nil {
		t.Fatal(err)
	}
	counts = append(counts, f.presence.Count("abc"))
	if err := f.orch.DonePlay(ctx, Event{SessionID: "v1", StreamPath: "/live/abc"}); err != nil {
		t.Fatal(err)
	}
	counts = append(counts, f.presence.Count("abc"))

	if !reflect.DeepEqual(counts, []int{1, 2, 1}) {
		t.Errorf("counts = %v, want [1 2 1]", counts)
	}

	f.presence.Wait()
	if got := f.store.Session("abc").ViewerCount; got != 1 {
		t.Errorf("store viewer_count = %d, want 1", got)
	}

	// leaving twice is a no-op
	f.orch.DonePlay(ctx, Event{SessionID: "v1", StreamPath: "/live/abc"})
	if got := f.presence.Count("abc"); got != 1 {
		t.Errorf("count after duplicate leave = %d", got)
	}
}

func TestViewerAttachedBeforePublishIsKept(t *testing.T) {
	f := newFixture(t)
	f.store.Add("abc", false)
	ctx := context.Background()

	if err := f.orch.PrePlay(ctx, Event{SessionID: "v1", StreamPath: "/live/abc"}); err != nil {
		t.Fatal(err)
	}
	if err := f.orch.PrePublish(ctx, f.publishEvent(t, "pub", "abc")); err != nil {
		t.Fatal(err)
	}
	f.presence.Wait()

	if got := f.presence.Count("abc"); got != 1 {
		t.Errorf("presence count after publish = %d, want 1", got)
	}
	if got := f.store.Session("abc").ViewerCount; got != f.presence.Count("abc") {
		t.Errorf("store viewer_count = %d, presence = %d", got, f.presence.Count("abc"))
	}

	if err := f.orch.DonePlay(ctx, Event{SessionID: "v1", StreamPath: "/live/abc"}); err != nil {
		t.Fatal(err)
	}
	f.presence.Wait()
	if got := f.store.Session("abc").ViewerCount; got != 0 {
		t.Errorf("store viewer_count after leave = %d, want 0", got)
	}
}

func TestPlayRejections(t *testing.T) {
	f := newFixture(t)
	f.store.Add("abc", false)
	ctx := context.Background()

	if err := f.orch.PrePlay(ctx, Event{SessionID: "v1", StreamPath: "/live/missing"}); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("unknown stream = %v", err)
	}
	if err := f.orch.PrePlay(ctx, Event{SessionID: "v2", StreamPath: "/other/abc"}); !errors.Is(err, ErrWrongApp) {
		t.Errorf("wrong namespace = %v", err)
	}

	// store outage is treated as not found
	f.store.FindErr = errors.New("connection refused")
	if err := f.orch.PrePlay(ctx, Event{SessionID: "v3", StreamPath: "/live/abc"}); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("store outage = %v", err)
	}

	if !reflect.DeepEqual(f.control.all(), []string{"v1", "v2", "v3"}) {
		t.Errorf("rejected = %v", f.control.all())
	}
	if got := f.presence.Count("abc"); got != 0 {
		t.Errorf("count = %d after rejected plays", got)
	}
}

func TestPostPublishSchedulesRecording(t *testing.T) {
	f := newFixture(t)
	session := f.store.Add("abc", true)
	ctx := context.Background()
	ev := f.publishEvent(t, "pub", "abc")

	if err := f.orch.PrePublish(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if err := f.orch.PostPublish(ctx, ev); err != nil {
		t.Fatal(err)
	}

	if len(f.recorder.started) != 1 {
		t.Fatalf("recordings started = %d, want 1", len(f.recorder.started))
	}
	req := f.recorder.started[0]
	if req.SessionID != "pub" || req.StreamKey != "abc" || req.StreamID != session.ID || req.OwnerUserID != session.OwnerUserID {
		t.Errorf("unexpected request %+v", req)
	}
	if req.InputURL != "rtmp://127.0.0.1:1935/live/abc" {
		t.Errorf("input = %s", req.InputURL)
	}
}

func TestPostPublishWithoutSaveStream(t *testing.T) {
	f := newFixture(t)
	f.store.Add("abc", false)
	ctx := context.Background()
	ev := f.publishEvent(t, "pub", "abc")

	f.orch.PrePublish(ctx, ev)
	f.orch.PostPublish(ctx, ev)
	if len(f.recorder.started) != 0 {
		t.Error("recording started with save_stream off")
	}

	// a rejected publisher never records either
	f.orch.PostPublish(ctx, Event{SessionID: "stranger", StreamPath: "/live/abc"})
	if len(f.recorder.started) != 0 {
		t.Error("recording started for unknown session")
	}
}

func TestDonePublishGoesOffline(t *testing.T) {
	f := newFixture(t)
	f.store.Add("abc", true)
	ctx := context.Background()
	ev := f.publishEvent(t, "pub", "abc")

	f.orch.PrePublish(ctx, ev)
	f.orch.PostPublish(ctx, ev)
	f.orch.PrePlay(ctx, Event{SessionID: "v1", StreamPath: "/live/abc"})
	f.orch.PrePlay(ctx, Event{SessionID: "v2", StreamPath: "/live/abc"})

	if err := f.orch.DonePublish(ctx, ev); err != nil {
		t.Fatalf("DonePublish: %v", err)
	}
	f.presence.Wait()

	s := f.store.Session("abc")
	if s.IsLive || s.ViewerCount != 0 {
		t.Errorf("session = live %v viewers %d, want offline with 0", s.IsLive, s.ViewerCount)
	}
	if f.presence.Count("abc") != 0 || len(f.presence.Keys()) != 0 {
		t.Error("presence set not cleared")
	}
	if !reflect.DeepEqual(f.recorder.stopped, []string{"pub"}) {
		t.Errorf("stopped = %v", f.recorder.stopped)
	}
	if len(f.orch.Publishers()) != 0 {
		t.Error("publisher still listed")
	}

	// a second done is ignored
	f.orch.DonePublish(ctx, ev)
	if len(f.recorder.stopped) != 1 {
		t.Error("second DonePublish stopped again")
	}
}

func TestDonePublishStopsRecordingWhenStoreFails(t *testing.T) {
	f := newFixture(t)
	f.store.Add("abc", true)
	ctx := context.Background()
	ev := f.publishEvent(t, "pub", "abc")
	f.orch.PrePublish(ctx, ev)
	f.orch.PostPublish(ctx, ev)

	f.store.SetUpdateErr(errors.New("store down"))
	if err := f.orch.DonePublish(ctx, ev); err == nil {
		t.Error("DonePublish returned nil despite store failure")
	}
	if !reflect.DeepEqual(f.recorder.stopped, []string{"pub"}) {
		t.Errorf("stopped = %v, want [pub]", f.recorder.stopped)
	}
}

func TestDonePublishWithoutPublishIsNoop(t *testing.T) {
	f := newFixture(t)
	f.store.Add("abc", true)
	if err := f.orch.DonePublish(context.Background(), Event{SessionID: "ghost", StreamPath: "/live/abc"}); err != nil {
		t.Fatal(err)
	}
	if len(f.store.Updates()) != 0 || len(f.recorder.stopped) != 0 {
		t.Error("DonePublish for an unadmitted session had side effects")
	}
}

func TestCountWriterUpdatesStore(t *testing.T) {
	store := streamtest.New()
	store.Add("abc", false)
	write := CountWriter(store)

	if err := write(context.Background(), "abc", 7); err != nil {
		t.Fatal(err)
	}
	if got := store.Session("abc").ViewerCount; got != 7 {
		t.Errorf("viewer_count = %d, want 7", got)
	}
	if err := write(context.Background(), "missing", 1); !errors.Is(err, stream.ErrSessionNotFound) {
		t.Errorf("missing key = %v", err)
	}
}
