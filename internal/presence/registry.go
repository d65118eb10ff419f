// Package presence tracks which playback connections are attached to each
// live stream and mirrors the viewer count into the session store.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"livecast/internal/metrics"
	utils "livecast/pkg/utils"
)

// CountWriter persists the viewer count for a stream key.
type CountWriter func(ctx context.Context, streamKey string, count int) error

type Option func(*Registry)

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(r *Registry) { r.writeTimeout = d }
}

// Registry is the authoritative in-memory viewer set per stream key. The
// store only ever receives a mirror of it.
type Registry struct {
	mu      sync.Mutex
	sets    map[string]*presenceSet
	writers map[string]*keyWriter

	writer       CountWriter
	writeTimeout time.Duration
	metrics      *metrics.Metrics
	pending      sync.WaitGroup
}

type presenceSet struct {
	conns map[string]struct{}
	// held is set while a publisher owns the key; an unheld set is dropped
	// when its last viewer leaves.
	held    bool
	cleared bool
}

// keyWriter orders count writes for one key and lets Clear wait for the one
// in flight. It lives only while writes or a Clear reference it.
type keyWriter struct {
	mu   sync.Mutex
	refs int
}

func NewRegistry(writer CountWriter, opts ...Option) *Registry {
	r := &Registry{
		sets:         make(map[string]*presenceSet),
		writers:      make(map[string]*keyWriter),
		writer:       writer,
		writeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open marks the key as published. Viewers that attached before the publisher
// are kept.
func (r *Registry) Open(streamKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sets[streamKey]
	if !ok {
		set = &presenceSet{conns: make(map[string]struct{})}
		r.sets[streamKey] = set
	}
	set.held = true
}

// Add attaches connID and returns the new count. Adding a connection that is
// already present does not change the count.
func (r *Registry) Add(streamKey, connID string) int {
	r.mu.Lock()
	set, ok := r.sets[streamKey]
	if !ok {
		set = &presenceSet{conns: make(map[string]struct{})}
		r.sets[streamKey] = set
	}
	_, dup := set.conns[connID]
	set.conns[connID] = struct{}{}
	count := len(set.conns)
	r.mu.Unlock()

	if !dup {
		r.publish(streamKey, set)
	}
	return count
}

// Remove detaches connID and returns the new count. Unknown keys and
// connections are a no-op.
func (r *Registry) Remove(streamKey, connID string) int {
	r.mu.Lock()
	set, ok := r.sets[streamKey]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	_, present := set.conns[connID]
	delete(set.conns, connID)
	count := len(set.conns)
	if count == 0 && !set.held {
		delete(r.sets, streamKey)
	}
	r.mu.Unlock()

	if present {
		r.publish(streamKey, set)
	}
	return count
}

func (r *Registry) Count(streamKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.sets[streamKey]; ok {
		return len(set.conns)
	}
	return 0
}

// Clear drops the set. Count writes issued before the call never reach the
// store once it returns.
func (r *Registry) Clear(streamKey string) {
	r.mu.Lock()
	set, ok := r.sets[streamKey]
	if !ok {
		r.mu.Unlock()
		return
	}
	set.cleared = true
	delete(r.sets, streamKey)
	w := r.acquireWriter(streamKey)
	r.mu.Unlock()

	// wait out a write that already passed its check
	w.mu.Lock()
	w.mu.Unlock()
	r.releaseWriter(streamKey, w)
}

// Keys lists the stream keys with an open set, sorted.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.sets))
	for k := range r.sets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Wait blocks until every issued count write has finished or been dropped.
func (r *Registry) Wait() {
	r.pending.Wait()
}

// acquireWriter must be called with r.mu held.
func (r *Registry) acquireWriter(streamKey string) *keyWriter {
	w, ok := r.writers[streamKey]
	if !ok {
		w = &keyWriter{}
		r.writers[streamKey] = w
	}
	w.refs++
	return w
}

func (r *Registry) releaseWriter(streamKey string, w *keyWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w.refs--
	if w.refs == 0 && r.writers[streamKey] == w {
		delete(r.writers, streamKey)
	}
}

func (r *Registry) publish(streamKey string, set *presenceSet) {
	if r.writer == nil {
		return
	}
	r.mu.Lock()
	w := r.acquireWriter(streamKey)
	r.mu.Unlock()

	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		defer r.releaseWriter(streamKey, w)
		w.mu.Lock()
		defer w.mu.Unlock()

		// The count is read at write time so the last write to land carries
		// the latest size. A set dropped by its last viewer leaving still
		// writes, and that write carries zero.
		r.mu.Lock()
		if set.cleared {
			r.mu.Unlock()
			return
		}
		count := 0
		if cur, ok := r.sets[streamKey]; ok {
			count = len(cur.conns)
		}
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		defer cancel()
		if err := r.writer(ctx, streamKey, count); err != nil {
			r.metrics.PresenceWriteFailed()
			utils.Logger.WithFields(map[string]interface{}{
				"stream_key": streamKey,
				"count":      count,
				"error":      err.Error(),
			}).Warn("Failed to persist viewer count")
		}
	}()
}
