package plugin

import (
	"slices"
	"sync"

	"github.com/virelabs/toolhost/internal/errors"
	"github.com/virelabs/toolhost/internal/rpc"
)

// Registry is the single source of truth for plugin name → record. It is
// written by the Provisioner and read by the catalog and dispatcher; none
// of its operations perform I/O. Records are never silently removed.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*record
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*record, 8),
	}
}

// Add inserts a Provisioning record for the name. A present name is
// rejected with DuplicateError regardless of its status; stale Failed
// records must be removed explicitly before re-adding.
func (r *Registry) Add(name, image string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[name]; ok {
		return &errors.DuplicateError{Plugin: name}
	}

	r.records[name] = &record{
		name:   name,
		image:  image,
		status: StatusProvisioning,
	}
	r.order = append(r.order, name)

	return nil
}

// Get returns a snapshot of the named record.
func (r *Registry) Get(name string) (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[name]
	if !ok {
		return Snapshot{}, &errors.NotFoundError{Plugin: name}
	}

	return rec.snapshot(), nil
}

// List returns snapshots of all records in insertion order.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.records[name].snapshot())
	}

	return out
}

// Remove deletes the named record, closing its channel and killing its
// process if still alive, so no live handle is orphaned.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()

	rec, ok := r.records[name]
	if !ok {
		r.mu.Unlock()

		return &errors.NotFoundError{Plugin: name}
	}

	delete(r.records, name)

	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })

	r.mu.Unlock()

	// Tear down outside the lock: channel close waits on its read loop.
	if rec.channel != nil {
		rec.channel.Close()
	}

	if rec.proc != nil {
		_ = rec.proc.Close()
	}

	return nil
}

// attach records the process handle and channel once the plugin process
// has been launched.
func (r *Registry) attach(name string, proc ProcessHandle, channel *rpc.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[name]; ok {
		rec.proc = proc
		rec.channel = channel
	}
}

// setRunning marks discovery success: tools recorded, status Running. A
// record that failed while discovery was in flight (the stream closed
// right after answering) stays Failed; setRunning reports whether the
// transition happened.
func (r *Registry) setRunning(name string, tools []ToolDescriptor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[name]
	if !ok || rec.status == StatusFailed {
		return false
	}

	rec.status = StatusRunning
	rec.tools = tools
	rec.lastError = ""

	return true
}

// markFailed transitions a record to Failed. A record that already failed
// keeps its first error.
func (r *Registry) markFailed(name, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[name]
	if !ok || rec.status == StatusFailed {
		return
	}

	rec.status = StatusFailed
	rec.lastError = message
}
