package recording

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"livecast/internal/stream/streamtest"

	"github.com/google/uuid"
)

// exitOn controls which signal makes a fakeProcess exit.
type exitOn int

const (
	exitOnQuit exitOn = iota
	exitOnTerminate
	exitOnKill
)

type fakeProcess struct {
	mu      sync.Mutex
	exitOn  exitOn
	output  string
	payload []byte
	calls   []string
	done    chan struct{}
	once    sync.Once
}

func (p *fakeProcess) record(call string, trigger exitOn) error {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
	if trigger >= p.exitOn {
		p.exit()
	}
	return nil
}

func (p *fakeProcess) exit() {
	p.once.Do(func() {
		if p.payload != nil {
			os.WriteFile(p.output, p.payload, 0644)
		}
		close(p.done)
	})
}

func (p *fakeProcess) Quit() error           { return p.record("quit", exitOnQuit) }
func (p *fakeProcess) Terminate() error      { return p.record("terminate", exitOnTerminate) }
func (p *fakeProcess) Kill() error           { return p.record("kill", exitOnKill) }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Err() error            { return nil }

func (p *fakeProcess) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type fakeLauncher struct {
	mu       sync.Mutex
	exitOn   exitOn
	payload  []byte
	err      error
	launched []*fakeProcess
	inputs   []string
}

func (l *fakeLauncher) launch(input, output string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	p := &fakeProcess{exitOn: l.exitOn, output: output, payload: l.payload, done: make(chan struct{})}
	l.launched = append(l.launched, p)
	l.inputs = append(l.inputs, input)
	return p, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

func (l *fakeLauncher) last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launched[len(l.launched)-1]
}

type stateLog struct {
	mu     sync.Mutex
	states []State
	final  chan Job
	seen   chan State
}

func newStateLog() *stateLog {
	return &stateLog{final: make(chan Job, 1), seen: make(chan State, 32)}
}

func (l *stateLog) hook(job Job) {
	l.mu.Lock()
	l.states = append(l.states, job.State)
	l.mu.Unlock()
	l.seen <- job.State
	if job.State.Terminal() {
		l.final <- job
	}
}

func (l *stateLog) all() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func (l *stateLog) waitFor(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-l.seen:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s, saw %v", want, l.all())
		}
	}
}

func (l *stateLog) waitFinal(t *testing.T) Job {
	t.Helper()
	select {
	case job := <-l.final:
		return job
	case <-time.After(3 * time.Second):
		t.Fatalf("job never finished, saw %v", l.all())
		return Job{}
	}
}

func testConfig(dir string) Config {
	return Config{
		Dir:             dir,
		StartDelay:      10 * time.Millisecond,
		GracefulTimeout: 30 * time.Millisecond,
		ForcedTimeout:   30 * time.Millisecond,
		SettleDelay:     5 * time.Millisecond,
		MinFileSize:     1024,
		UploadTimeout:   time.Second,
	}
}

func testRequest() Request {
	return Request{
		SessionID:   "sess-1",
		StreamKey:   "abc",
		InputURL:    "rtmp://127.0.0.1:1935/live/abc",
		StreamID:    uuid.New(),
		OwnerUserID: uuid.New(),
	}
}

func TestRecordingHappyPath(t *testing.T) {
	dir := t.TempDir()
	launcher := &fakeLauncher{payload: make([]byte, 2048)}
	store := streamtest.New()
	log := newStateLog()
	sup := NewSupervisor(testConfig(dir), launcher.launch, store, WithStateHook(log.hook))

	req := testRequest()
	job, err := sup.Start(req)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(job.OutputPath), "abc-") {
		t.Errorf("output path = %s", job.OutputPath)
	}

	log.waitFor(t, StateCapturing)
	if !sup.Stop(req.SessionID) {
		t.Fatal("Stop found no job")
	}
	final := log.waitFinal(t)

	if final.State != StateDone {
		t.Fatalf("final state = %s (%s)", final.State, final.Error)
	}
	want := []State{StateScheduled, StateCapturing, StateStoppingGraceful, StateValidating, StateUploading, StateDone}
	if got := log.all(); !reflect.DeepEqual(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}

	attachments := store.Attachments()
	if len(attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(attachments))
	}
	a := attachments[0]
	if a.Collection != "recordings" || a.Meta.SessionRef != req.StreamID || a.Meta.OwnerUserID != req.OwnerUserID {
		t.Errorf("unexpected attachment %+v", a.Meta)
	}
	if !strings.HasPrefix(a.Meta.Title, "Recording ") {
		t.Errorf("title = %q", a.Meta.Title)
	}
	if len(a.Data) != 2048 {
		t.Errorf("uploaded %d bytes, want 2048", len(a.Data))
	}
	if _, err := os.Stat(job.OutputPath); !os.IsNotExist(err) {
		t.Error("local file not removed after upload")
	}
	if got := launcher.last().Calls(); !reflect.DeepEqual(got, []string{"quit"}) {
		t.Errorf("process calls = %v", got)
	}
	if len(sup.Jobs()) != 0 {
		t.Error("finished job still listed")
	}
}

func TestStopWhileScheduledNeverSpawns(t *testing.T) {
	launcher := &fakeLauncher{payload: []byte("x")}
	log := newStateLog()
	cfg := testConfig(t.TempDir())
	cfg.StartDelay = time.Hour
	sup := NewSupervisor(cfg, launcher.launch, streamtest.New(), WithStateHook(log.hook))

	req := testRequest()
	if _, err := sup.Start(req); err != nil {
		t.Fatal(err)
	}
	sup.Stop(req.SessionID)

	final := log.waitFinal(t)
	if final.State != StateFailed || final.Error != ErrCancelled.Error() {
		t.Errorf("final = %s %q, want failed %q", final.State, final.Error, ErrCancelled)
	}
	if launcher.count() != 0 {
		t.Errorf("launched %d processes, want 0", launcher.count())
	}
}

func TestForcedStopEscalation(t *testing.T) {
	tests := []struct {
		name      string
		exitOn    exitOn
		wantCalls []string
	}{
		{"terminate", exitOnTerminate, []string{"quit", "terminate"}},
		{"kill", exitOnKill, []string{"quit", "terminate", "kill"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			launcher := &fakeLauncher{exitOn: tt.exitOn, payload: make([]byte, 4096)}
			log := newStateLog()
			sup := NewSupervisor(testConfig(t.TempDir()), launcher.launch, streamtest.New(), WithStateHook(log.hook))

			req := testRequest()
			sup.Start(req)
			log.waitFor(t, StateCapturing)
			sup.Stop(req.SessionID)

			final := log.waitFinal(t)
			if final.State != StateDone {
				t.Fatalf("final = %s (%s)", final.State, final.Error)
			}
			if got := launcher.last().Calls(); !reflect.DeepEqual(got, tt.wantCalls) {
				t.Errorf("calls = %v, want %v", got, tt.wantCalls)
			}
			found := false
			for _, s := range log.all() {
				if s == StateStoppingForced {
					found = true
				}
			}
			if !found {
				t.Errorf("never entered %s: %v", StateStoppingForced, log.all())
			}
		})
	}
}

func TestValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		wantErr error
	}{
		{"missing", nil, ErrOutputMissing},
		{"empty", []byte{}, ErrOutputEmpty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			launcher := &fakeLauncher{payload: tt.payload}
			store := streamtest.New()
			log := newStateLog()
			sup := NewSupervisor(testConfig(t.TempDir()), launcher.launch, store, WithStateHook(log.hook))

			req := testRequest()
			sup.Start(req)
			log.waitFor(t, StateCapturing)
			sup.Stop(req.SessionID)

			final := log.waitFinal(t)
			if final.State != StateFailed || final.Error != tt.wantErr.Error() {
				t.Errorf("final = %s %q, want failed %q", final.State, final.Error, tt.wantErr)
			}
			if len(store.Attachments()) != 0 {
				t.Error("upload attempted for invalid output")
			}
		})
	}
}

func TestSmallFileStillUploads(t *testing.T) {
	launcher := &fakeLauncher{payload: []byte("tiny")}
	store := streamtest.New()
	log := newStateLog()
	sup := NewSupervisor(testConfig(t.TempDir()), launcher.launch, store, WithStateHook(log.hook))

	req := testRequest()
	sup.Start(req)
	log.waitFor(t, StateCapturing)
	sup.Stop(req.SessionID)

	if final := log.waitFinal(t); final.State != StateDone {
		t.Fatalf("final = %s (%s)", final.State, final.Error)
	}
	if len(store.Attachments()) != 1 {
		t.Error("small recording was not uploaded")
	}
}

func TestUploadFailureKeepsFile(t *testing.T) {
	launcher := &fakeLauncher{payload: make([]byte, 2048)}
	store := streamtest.New()
	store.AttachErr = errors.New("store unavailable")
	log := newStateLog()
	sup := NewSupervisor(testConfig(t.TempDir()), launcher.launch, store, WithStateHook(log.hook))

	req := testRequest()
	job, _ := sup.Start(req)
	log.waitFor(t, StateCapturing)
	sup.Stop(req.SessionID)

	final := log.waitFinal(t)
	if final.State != StateFailed {
		t.Fatalf("final = %s, want failed", final.State)
	}
	info, err := os.Stat(job.OutputPath)
	if err != nil {
		t.Fatalf("local file gone after failed upload: %v", err)
	}
	if info.Size() != 2048 {
		t.Errorf("kept file size = %d", info.Size())
	}
}

func TestSpawnFailure(t *testing.T) {
	launcher := &fakeLauncher{err: errors.New("exec: not found")}
	log := newStateLog()
	sup := NewSupervisor(testConfig(t.TempDir()), launcher.launch, streamtest.New(), WithStateHook(log.hook))

	sup.Start(testRequest())
	final := log.waitFinal(t)
	if final.State != StateFailed || !strings.Contains(final.Error, "spawn capture") {
		t.Errorf("final = %s %q", final.State, final.Error)
	}
}

func TestProcessExitingOnItsOwnIsStillUploaded(t *testing.T) {
	launcher := &fakeLauncher{payload: make([]byte, 2048)}
	store := streamtest.New()
	log := newStateLog()
	sup := NewSupervisor(testConfig(t.TempDir()), launcher.launch, store, WithStateHook(log.hook))

	sup.Start(testRequest())
	log.waitFor(t, StateCapturing)
	launcher.last().exit()

	if final := log.waitFinal(t); final.State != StateDone {
		t.Fatalf("final = %s (%s)", final.State, final.Error)
	}
	if calls := launcher.last().Calls(); len(calls) != 0 {
		t.Errorf("signals sent to exited process: %v", calls)
	}
}

func TestOneJobPerSession(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.StartDelay = time.Hour
	sup := NewSupervisor(cfg, (&fakeLauncher{}).launch, streamtest.New())

	req := testRequest()
	if _, err := sup.Start(req); err != nil {
		t.Fatal(err)
	}
	if _, err := sup.Start(req); !errors.Is(err, ErrJobExists) {
		t.Errorf("second Start = %v, want ErrJobExists", err)
	}
	if len(sup.Jobs()) != 1 {
		t.Errorf("Jobs = %d, want 1", len(sup.Jobs()))
	}
	if err := sup.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestShutdownStopsAllJobs(t *testing.T) {
	launcher := &fakeLauncher{payload: make([]byte, 2048)}
	store := streamtest.New()
	sup := NewSupervisor(testConfig(t.TempDir()), launcher.launch, store)

	for _, id := range []string{"a", "b"} {
		req := testRequest()
		req.SessionID = id
		req.StreamKey = id
		if _, err := sup.Start(req); err != nil {
			t.Fatal(err)
		}
	}
	// let both reach Capturing
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sup.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if len(sup.Jobs()) != 0 {
		t.Errorf("jobs left after Shutdown: %v", sup.Jobs())
	}
	if len(store.Attachments()) != 2 {
		t.Errorf("uploads = %d, want 2", len(store.Attachments()))
	}
	if _, err := sup.Start(testRequest()); !errors.Is(err, ErrSupervisorDown) {
		t.Errorf("Start after Shutdown = %v", err)
	}
}

func TestOutputPath(t *testing.T) {
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	got := OutputPath("/rec", "abc", at)
	if want := filepath.Join("/rec", "abc-2024-01-01T12-00-00-000Z.mp4"); got != want {
		t.Errorf("OutputPath = %s, want %s", got, want)
	}
}
