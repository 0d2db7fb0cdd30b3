// Package session holds the in-process registry of live capture sessions.
// The registry is the single source of truth for whether a session still
// accepts input; its state is volatile and scoped to one server process.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iamedic/ultrasound-capture-service/internal/domain/entity"
	"github.com/iamedic/ultrasound-capture-service/internal/domain/port"
	"github.com/iamedic/ultrasound-capture-service/internal/domain/runs"
)

type bufferedFrame struct {
	index        int
	timestampSec float64
	data         []byte
}

// Entry is one session's mutable ingestion state. All mutation must happen
// under Lock: chunk appends, frame processing, and finalization for the same
// session race on the score-oracle round trip otherwise.
type Entry struct {
	mu sync.Mutex

	Session    *entity.Session
	RunState   runs.State
	Scores     []float64 // append-only, one probability per processed frame
	Sink       port.VideoSink
	SinkClosed bool
	Finalized  bool

	// VideoKey and RepairMethod survive a failed finalize attempt. Once the
	// recording is committed the spool is gone, so a retry must reuse the
	// stored key instead of repairing and uploading again.
	VideoKey     string
	RepairMethod port.RepairMethod

	recent    []bufferedFrame
	recentCap int
	removed   bool
}

func (e *Entry) Lock()   { e.mu.Lock() }
func (e *Entry) Unlock() { e.mu.Unlock() }

// Removed reports whether the cleanup sweep took this entry out of the
// registry while the caller was waiting on the lock.
func (e *Entry) Removed() bool { return e.removed }

// RememberFrame keeps the raw bytes of a recently processed frame so the
// finalize flush can persist a genuine still for a trailing run.
func (e *Entry) RememberFrame(index int, timestampSec float64, data []byte) {
	if e.recentCap <= 0 {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	e.recent = append(e.recent, bufferedFrame{index: index, timestampSec: timestampSec, data: buf})
	if len(e.recent) > e.recentCap {
		e.recent = e.recent[len(e.recent)-e.recentCap:]
	}
}

// RecentFrame returns the buffered bytes and timestamp for a frame index, if
// it is still inside the rolling window.
func (e *Entry) RecentFrame(index int) ([]byte, float64, bool) {
	for i := len(e.recent) - 1; i >= 0; i-- {
		if e.recent[i].index == index {
			return e.recent[i].data, e.recent[i].timestampSec, true
		}
	}
	return nil, 0, false
}

// Registry maps session ids to entries. It is constructed once at startup and
// passed by reference to every component that needs it.
type Registry struct {
	mu        sync.RWMutex
	entries   map[uuid.UUID]*Entry
	recentCap int
}

// NewRegistry builds an empty registry. recentFrames bounds the per-session
// rolling buffer of raw frames kept for the end-of-stream flush.
func NewRegistry(recentFrames int) *Registry {
	return &Registry{
		entries:   make(map[uuid.UUID]*Entry),
		recentCap: recentFrames,
	}
}

// Create registers a new session. Ids are generated server-side, so a
// collision means a caller bug rather than bad input.
func (r *Registry) Create(sess *entity.Session, sink port.VideoSink) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[sess.ID]; exists {
		return nil, fmt.Errorf("session id %s already registered", sess.ID)
	}
	e := &Entry{
		Session:   sess,
		Sink:      sink,
		recentCap: r.recentCap,
	}
	r.entries[sess.ID] = e
	return e, nil
}

func (r *Registry) Get(id uuid.UUID) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.removed = true
		delete(r.entries, id)
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// List snapshots every registered session.
func (r *Registry) List() []entity.SessionInfo {
	return r.list(false)
}

// ListActive snapshots only sessions still accepting input.
func (r *Registry) ListActive() []entity.SessionInfo {
	return r.list(true)
}

func (r *Registry) list(activeOnly bool) []entity.SessionInfo {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]entity.SessionInfo, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed && (!activeOnly || e.Session.Active) {
			out = append(out, e.Session.Info())
		}
		e.mu.Unlock()
	}
	return out
}

// CleanupIdle removes sessions with no activity for longer than maxIdle. It
// takes the same per-entry lock as normal operations, so it never races a
// concurrent append or frame for the same session. release is invoked for
// each removed entry, outside all locks, to free its sink.
func (r *Registry) CleanupIdle(maxIdle time.Duration, release func(*Entry)) int {
	cutoff := time.Now().UTC().Add(-maxIdle)

	r.mu.RLock()
	candidates := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		candidates = append(candidates, e)
	}
	r.mu.RUnlock()

	removed := 0
	for _, e := range candidates {
		e.mu.Lock()
		idle := !e.removed && e.Session.LastActivity.Before(cutoff)
		if idle {
			e.removed = true
		}
		e.mu.Unlock()

		if !idle {
			continue
		}
		r.mu.Lock()
		delete(r.entries, e.Session.ID)
		r.mu.Unlock()

		if release != nil {
			release(e)
		}
		removed++
	}
	return removed
}
