package rtmp

import (
	"context"
	"net"
	"time"

	"livecast/internal/orchestrator"
	utils "livecast/pkg/utils"

	"github.com/google/uuid"
	"github.com/nareix/joy5/format/rtmp"
	"github.com/sirupsen/logrus"
)

// handleConn runs once joy5 has read the publish or play command.
func (s *Server) handleConn(c *rtmp.Conn, nc net.Conn) {
	defer nc.Close()
	nc.SetDeadline(time.Time{})

	if c.URL == nil {
		return
	}

	conn := &Connection{
		ID:         uuid.NewString(),
		StreamPath: c.URL.Path,
		RemoteAddr: nc.RemoteAddr().String(),
		StartTime:  time.Now(),
		nc:         nc,
	}
	_, conn.StreamKey, _ = orchestrator.ParsePath(c.URL.Path)
	if c.Publishing {
		conn.Type = ConnPublisher
	} else {
		conn.Type = ConnSubscriber
	}

	ev := orchestrator.Event{
		SessionID:  conn.ID,
		StreamPath: c.URL.Path,
		Args:       c.URL.Query(),
		RemoteAddr: conn.RemoteAddr,
	}

	s.addConnection(conn)
	defer s.removeConnection(conn.ID)

	log := utils.ForSession(conn.ID, conn.StreamKey).WithField("remote_addr", conn.RemoteAddr)
	if c.Publishing {
		s.publish(c, conn, ev, log)
	} else {
		s.play(c, conn, ev, log)
	}
}

func (s *Server) publish(c *rtmp.Conn, conn *Connection, ev orchestrator.Event, log *logrus.Entry) {
	if err := s.callHook(s.hooks.PrePublish, ev); err != nil {
		log.Warnf("Publish refused: %v", err)
		return
	}
	defer s.callHook(s.hooks.DonePublish, ev)

	r := s.acquireRelay(conn.StreamKey)
	r.startPublishing()
	defer s.releaseRelay(r)
	defer r.stopPublishing()

	if err := s.callHook(s.hooks.PostPublish, ev); err != nil {
		log.Warnf("Post-publish hook failed: %v", err)
	}

	log.Info("Publisher connected")
	var packets int64
	for {
		pkt, err := c.ReadPacket()
		if err != nil {
			log.WithField("packets", packets).Infof("Publisher disconnected: %v", err)
			return
		}
		packets++
		r.write(pkt)
	}
}

func (s *Server) play(c *rtmp.Conn, conn *Connection, ev orchestrator.Event, log *logrus.Entry) {
	if err := s.callHook(s.hooks.PrePlay, ev); err != nil {
		log.Warnf("Play refused: %v", err)
		return
	}
	defer s.callHook(s.hooks.DonePlay, ev)

	r := s.acquireRelay(conn.StreamKey)
	sub := r.subscribe()
	defer s.releaseRelay(r)
	defer r.unsubscribe(sub)

	log.Info("Player connected")
	closed := c.CloseNotify()
	for {
		select {
		case pkt, ok := <-sub.ch:
			if !ok {
				log.Info("Stream ended for player")
				return
			}
			if err := c.WritePacket(pkt); err != nil {
				log.Infof("Player disconnected: %v", err)
				return
			}
		case <-closed:
			log.Info("Player disconnected")
			return
		case <-s.closing:
			return
		}
	}
}

func (s *Server) callHook(hook func(context.Context, orchestrator.Event) error, ev orchestrator.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.HookTimeout)
	defer cancel()
	return hook(ctx, ev)
}
