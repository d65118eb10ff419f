package reaction

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"livecast/internal/metrics"
	utils "livecast/pkg/utils"
)

// Config controls heartbeat and per-connection rate limiting.
type Config struct {
	HeartbeatInterval time.Duration
	RatePerSecond     int
	Burst             int
}

// Stats is a point-in-time view of the rooms.
type Stats struct {
	Rooms   int            `json:"rooms"`
	Clients int            `json:"clients"`
	PerRoom map[string]int `json:"per_room"`
}

type outbound struct {
	streamID string
	data     []byte
}

type directMessage struct {
	client *Client
	data   []byte
}

// Hub fans reactions out to the clients of each room. Run owns the room map;
// everything else talks to it over channels.
type Hub struct {
	cfg     Config
	broker  Broker
	metrics *metrics.Metrics

	// relaying is true while a broker subscription is confirmed. Until then
	// reactions are delivered locally only.
	relaying  atomic.Bool
	retryBase time.Duration
	retryMax  time.Duration

	rooms      map[string]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound
	replies    chan directMessage
	stats      chan chan Stats
	done       chan struct{}
}

type Option func(*Hub)

// WithBroker relays published reactions through b so every hub instance
// subscribed to it delivers them.
func WithBroker(b Broker) Option {
	return func(h *Hub) { h.broker = b }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

func NewHub(cfg Config, opts ...Option) *Hub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	h := &Hub{
		cfg:        cfg,
		rooms:      make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, 256),
		replies:    make(chan directMessage, 64),
		stats:      make(chan chan Stats),
		done:       make(chan struct{}),
		retryBase:  500 * time.Millisecond,
		retryMax:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run serves the hub until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()

	if h.broker != nil {
		go h.subscribe(ctx)
	}

	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			room, ok := h.rooms[client.streamID]
			if !ok {
				room = make(map[*Client]struct{})
				h.rooms[client.streamID] = room
			}
			room[client] = struct{}{}
			h.reply(client, newConnectionMessage(client.streamID))
			h.updateClientGauge()
			utils.Logger.WithField("stream_id", client.streamID).Debugf("Reaction client %s joined (%d in room)", client.id, len(room))

		case client := <-h.unregister:
			h.remove(client)

		case out := <-h.broadcast:
			for client := range h.rooms[out.streamID] {
				select {
				case client.send <- out.data:
				default:
					// slow consumer
					h.remove(client)
					client.conn.Close()
				}
			}

		case d := <-h.replies:
			if _, ok := h.rooms[d.client.streamID][d.client]; ok {
				select {
				case d.client.send <- d.data:
				default:
				}
			}

		case reply := <-h.stats:
			reply <- h.snapshot()

		case <-ticker.C:
			h.heartbeat()
		}
	}
}

// subscribe keeps a broker subscription open until ctx is done, retrying with
// exponential backoff.
func (h *Hub) subscribe(ctx context.Context) {
	delay := h.retryBase
	for {
		confirmed := false
		err := h.broker.Subscribe(ctx, func() {
			confirmed = true
			h.relaying.Store(true)
		}, h.Deliver)
		h.relaying.Store(false)
		if ctx.Err() != nil {
			return
		}
		if confirmed {
			delay = h.retryBase
		}
		utils.Logger.Warnf("Reaction broker subscription ended, retrying in %v: %v", delay, err)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if delay *= 2; delay > h.retryMax {
			delay = h.retryMax
		}
	}
}

// heartbeat terminates clients that never answered the previous ping and
// pings the rest.
func (h *Hub) heartbeat() {
	for _, room := range h.rooms {
		for client := range room {
			if !client.alive.Load() {
				utils.Logger.WithField("stream_id", client.streamID).Infof("Terminating unresponsive reaction client %s", client.id)
				h.remove(client)
				client.conn.Close()
				continue
			}
			client.alive.Store(false)
			client.requestPing()
		}
	}
}

func (h *Hub) remove(client *Client) {
	room, ok := h.rooms[client.streamID]
	if !ok {
		return
	}
	if _, ok := room[client]; !ok {
		return
	}
	delete(room, client)
	close(client.send)
	if len(room) == 0 {
		delete(h.rooms, client.streamID)
	}
	h.updateClientGauge()
}

func (h *Hub) shutdown() {
	close(h.done)
	for streamID, room := range h.rooms {
		for client := range room {
			close(client.send)
		}
		delete(h.rooms, streamID)
	}
	h.updateClientGauge()
}

// reply queues msg for a single client. Only called from Run.
func (h *Hub) reply(client *Client, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		utils.Logger.Errorf("Error marshaling message: %v", err)
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

func (h *Hub) snapshot() Stats {
	s := Stats{Rooms: len(h.rooms), PerRoom: make(map[string]int, len(h.rooms))}
	for id, room := range h.rooms {
		s.PerRoom[id] = len(room)
		s.Clients += len(room)
	}
	return s
}

func (h *Hub) updateClientGauge() {
	n := 0
	for _, room := range h.rooms {
		n += len(room)
	}
	h.metrics.SetReactionClients(n)
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) direct(c *Client, data []byte) {
	select {
	case h.replies <- directMessage{client: c, data: data}:
	case <-h.done:
	}
}

// Publish sends msg to its room on every hub instance. Without a confirmed
// broker subscription, or when the broker is unreachable, it is delivered
// locally only.
func (h *Hub) Publish(msg *Message) {
	if h.broker != nil && h.relaying.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		err := h.broker.Publish(ctx, msg)
		cancel()
		if err == nil {
			return
		}
		utils.Logger.Warnf("Reaction broker publish failed, delivering locally: %v", err)
	}
	h.Deliver(msg)
}

// Deliver broadcasts msg to the local clients of its room.
func (h *Hub) Deliver(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		utils.Logger.Errorf("Error marshaling message: %v", err)
		return
	}
	select {
	case h.broadcast <- outbound{streamID: msg.StreamID, data: data}:
	case <-h.done:
	}
}

// Stats returns the room sizes. It returns an empty value once Run has exited.
func (h *Hub) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case h.stats <- reply:
		return <-reply
	case <-h.done:
		return Stats{PerRoom: map[string]int{}}
	}
}
