package rtmp

import (
	"testing"

	"github.com/nareix/joy5/av"
)

func drain(ch chan av.Packet) []av.Packet {
	var out []av.Packet
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, p)
		default:
			return out
		}
	}
}

func TestRelayLateJoinerGetsHeadersAndGOP(t *testing.T) {
	r := newRelay("abc", 16)
	r.startPublishing()

	r.write(av.Packet{Type: av.Metadata})
	r.write(av.Packet{Type: av.H264DecoderConfig})
	r.write(av.Packet{Type: av.AACDecoderConfig})
	r.write(av.Packet{Type: av.H264, IsKeyFrame: true, Data: []byte{1}})
	r.write(av.Packet{Type: av.H264, Data: []byte{2}})
	r.write(av.Packet{Type: av.AAC, Data: []byte{3}})

	sub := r.subscribe()
	got := drain(sub.ch)
	if len(got) != 6 {
		t.Fatalf("late joiner got %d packets, want 6", len(got))
	}
	if got[0].Type != av.Metadata || got[1].Type != av.H264DecoderConfig || got[2].Type != av.AACDecoderConfig {
		t.Errorf("headers out of order: %v %v %v", got[0].Type, got[1].Type, got[2].Type)
	}
	if !got[3].IsKeyFrame {
		t.Error("GOP does not start with a keyframe")
	}

	// a new keyframe resets the cached GOP
	r.write(av.Packet{Type: av.H264, IsKeyFrame: true, Data: []byte{4}})
	late := r.subscribe()
	if got := drain(late.ch); len(got) != 4 {
		t.Errorf("after new keyframe late joiner got %d packets, want 4", len(got))
	}
}

func TestRelayStopPublishingClosesSubscribers(t *testing.T) {
	r := newRelay("abc", 4)
	r.startPublishing()
	sub := r.subscribe()

	r.write(av.Packet{Type: av.AAC})
	r.stopPublishing()

	if got := drain(sub.ch); len(got) != 1 {
		t.Errorf("got %d packets before close, want 1", len(got))
	}
	if _, ok := <-sub.ch; ok {
		t.Error("subscriber channel still open")
	}
	if !r.idle() {
		t.Error("relay not idle after publisher left")
	}
	// unsubscribing after close is safe
	r.unsubscribe(sub)
}

func TestRelayDropsSlowSubscriber(t *testing.T) {
	r := newRelay("abc", 2)
	r.startPublishing()
	slow := r.subscribe()

	for i := 0; i < 5; i++ {
		r.write(av.Packet{Type: av.AAC})
	}

	drain(slow.ch)
	if _, ok := <-slow.ch; ok {
		t.Error("slow subscriber was not dropped")
	}
	if !r.isPublishing() {
		t.Error("publisher affected by slow subscriber")
	}
}
