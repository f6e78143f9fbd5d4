package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is the registered state of one frame's pixel callback. Ctx holds the
// value returned by the caller's InitFunc once the frame's first row arrives.
type Entry struct {
	ID        uuid.UUID
	Mode      Mode
	Threads   int
	CreatedAt time.Time

	mu  sync.Mutex
	ctx any
}

// Context returns the caller context stored for the frame.
func (e *Entry) Context() any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

func (e *Entry) setContext(ctx any) {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()
}

// Registry maps frame ids to callback state. A Registry may be shared by
// many dispatchers.
type Registry struct {
	log     *slog.Logger
	mu      sync.RWMutex
	entries map[uuid.UUID]*Entry
}

// NewRegistry creates an empty registry. If log is nil, slog.Default() is used.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log.With("component", "callback-registry"),
		entries: make(map[uuid.UUID]*Entry),
	}
}

// Create registers a new entry under a fresh id.
func (r *Registry) Create(mode Mode, threads int) *Entry {
	e := &Entry{
		ID:        uuid.New(),
		Mode:      mode,
		Threads:   threads,
		CreatedAt: time.Now(),
	}
	r.mu.Lock()
	r.entries[e.ID] = e
	r.mu.Unlock()
	r.log.Debug("callback registered", "id", e.ID, "mode", mode)
	return e
}

// Get returns the entry for id.
func (r *Registry) Get(id uuid.UUID) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Remove deletes the entry for id and returns it.
func (r *Registry) Remove(id uuid.UUID) (*Entry, bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if ok {
		r.log.Debug("callback released", "id", id, "held", time.Since(e.CreatedAt))
	}
	return e, ok
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// List returns all live entries.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	return entries
}
