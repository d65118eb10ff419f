package rtmp

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"livecast/internal/orchestrator"
	utils "livecast/pkg/utils"

	"github.com/nareix/joy5/format/rtmp"
)

// Hooks receives the lifecycle events of every ingest and playback session.
type Hooks interface {
	PrePublish(ctx context.Context, ev orchestrator.Event) error
	PostPublish(ctx context.Context, ev orchestrator.Event) error
	DonePublish(ctx context.Context, ev orchestrator.Event) error
	PrePlay(ctx context.Context, ev orchestrator.Event) error
	DonePlay(ctx context.Context, ev orchestrator.Event) error
}

// Server accepts RTMP connections through joy5, reports their lifecycle to
// Hooks and relays published packets to players of the same stream key.
type Server struct {
	config   Config
	hooks    Hooks
	rtmpSrv  *rtmp.Server
	listener net.Listener

	mu          sync.RWMutex
	connections map[string]*Connection
	relays      map[string]*relay

	wg        sync.WaitGroup
	startTime time.Time
	closing   chan struct{}
	closeOnce sync.Once
}

func NewServer(config Config, hooks Hooks) *Server {
	if config.HookTimeout <= 0 {
		config.HookTimeout = 10 * time.Second
	}
	if config.App == "" {
		config.App = "live"
	}

	s := &Server{
		config:      config,
		hooks:       hooks,
		connections: make(map[string]*Connection),
		relays:      make(map[string]*relay),
		startTime:   time.Now(),
		closing:     make(chan struct{}),
	}

	s.rtmpSrv = rtmp.NewServer()
	s.rtmpSrv.HandleConn = s.handleConn
	return s
}

// Start listens on the configured port and serves until Stop is called.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	utils.Logger.Infof("RTMP server listening on %s", listener.Addr())

	for {
		nc, err := listener.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				utils.Logger.Warnf("Temporary accept error: %v", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}

		// handleConn clears the deadline once publish or play is negotiated
		if s.config.HandshakeTimeout > 0 {
			nc.SetDeadline(time.Now().Add(s.config.HandshakeTimeout))
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.rtmpSrv.HandleNetConn(nc)
		}()
	}
}

// Stop closes the listener and every open connection, then waits for their
// lifecycle hooks to run.
func (s *Server) Stop(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for _, conn := range s.connections {
		conn.nc.Close()
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

// Reject closes the network connection of an ingest or playback session.
func (s *Server) Reject(sessionID string) {
	s.mu.RLock()
	conn, ok := s.connections[sessionID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	utils.Logger.WithField("session_id", sessionID).Info("Closing rejected RTMP session")
	conn.nc.Close()
}

func (s *Server) GetConnections() []Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Connection, 0, len(s.connections))
	for _, c := range s.connections {
		out = append(out, *c)
	}
	return out
}

func (s *Server) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := Stats{
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
		Connections: len(s.connections),
		Relays:      len(s.relays),
	}
	for _, r := range s.relays {
		if r.isPublishing() {
			stats.LiveRelays++
		}
	}
	for _, c := range s.connections {
		switch c.Type {
		case ConnPublisher:
			stats.Publishers++
		case ConnSubscriber:
			stats.Subscribers++
		}
	}
	return stats
}

func (s *Server) GetConfig() Config {
	return s.config
}

func (s *Server) addConnection(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[c.ID] = c
}

func (s *Server) removeConnection(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, id)
}

func (s *Server) acquireRelay(key string) *relay {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.relays[key]
	if !ok {
		r = newRelay(key, s.config.SubscriberBuffer)
		s.relays[key] = r
	}
	return r
}

// releaseRelay drops the relay once nobody publishes or plays on it.
func (s *Server) releaseRelay(r *relay) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.relays[r.key] == r && r.idle() {
		delete(s.relays, r.key)
	}
}
