package rtmp

import (
	"sync"

	"github.com/nareix/joy5/av"
)

// maxGOPPackets caps the cached group of pictures. Longer GOPs are not cached.
const maxGOPPackets = 2048

// relay fans packets from one publisher out to the players of a stream key.
// Late joiners first get the cached sequence headers, metadata and current
// GOP so they can start decoding right away.
type relay struct {
	key    string
	buffer int

	mu          sync.Mutex
	publishing  bool
	metadata    *av.Packet
	videoConfig *av.Packet
	audioConfig *av.Packet
	gop         []av.Packet
	subs        map[*subscriber]struct{}
}

type subscriber struct {
	ch     chan av.Packet
	closed bool
}

func newRelay(key string, buffer int) *relay {
	if buffer <= 0 {
		buffer = 512
	}
	return &relay{
		key:    key,
		buffer: buffer,
		subs:   make(map[*subscriber]struct{}),
	}
}

// startPublishing resets caches left over from a previous publisher.
func (r *relay) startPublishing() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishing = true
	r.metadata, r.videoConfig, r.audioConfig = nil, nil, nil
	r.gop = nil
}

// stopPublishing ends every subscriber stream.
func (r *relay) stopPublishing() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishing = false
	r.gop = nil
	for sub := range r.subs {
		r.closeSub(sub)
	}
}

func (r *relay) write(pkt av.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch pkt.Type {
	case av.Metadata:
		p := pkt
		r.metadata = &p
	case av.H264DecoderConfig:
		p := pkt
		r.videoConfig = &p
	case av.AACDecoderConfig:
		p := pkt
		r.audioConfig = &p
	case av.H264:
		if pkt.IsKeyFrame {
			r.gop = r.gop[:0]
			r.gop = append(r.gop, pkt)
		} else if r.gop != nil && len(r.gop) < maxGOPPackets {
			r.gop = append(r.gop, pkt)
		} else {
			r.gop = nil
		}
	default:
		if r.gop != nil && len(r.gop) < maxGOPPackets {
			r.gop = append(r.gop, pkt)
		}
	}

	for sub := range r.subs {
		select {
		case sub.ch <- pkt:
		default:
			// too slow to keep up
			r.closeSub(sub)
		}
	}
}

// subscribe registers a player. The returned channel is closed when the
// publisher leaves or the player falls behind.
func (r *relay) subscribe() *subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()

	backlog := len(r.gop) + 3
	size := r.buffer
	if backlog > size {
		size = backlog
	}
	sub := &subscriber{ch: make(chan av.Packet, size)}
	for _, p := range []*av.Packet{r.metadata, r.videoConfig, r.audioConfig} {
		if p != nil {
			sub.ch <- *p
		}
	}
	for _, p := range r.gop {
		sub.ch <- p
	}
	r.subs[sub] = struct{}{}
	return sub
}

func (r *relay) unsubscribe(sub *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeSub(sub)
}

func (r *relay) closeSub(sub *subscriber) {
	if _, ok := r.subs[sub]; !ok {
		return
	}
	delete(r.subs, sub)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// idle reports whether nobody publishes or plays.
func (r *relay) idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.publishing && len(r.subs) == 0
}

func (r *relay) isPublishing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.publishing
}
