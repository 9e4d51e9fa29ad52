// Package registry holds the set of devices a server exports over
// USB/IP, keyed by bus-id and dev-id, and enforces the single-importer
// rule: at most one client connection may have a device attached at a
// time.
package registry

import (
	"sync"

	"github.com/ardnew/usbipd/device"
	"github.com/ardnew/usbipd/pkg"
)

// Entry is one exported device: its USB/IP identity plus the emulated
// device.Device backing it.
type Entry struct {
	BusID  string // e.g. "1-1", unique
	DevID  uint32 // encodes bus/port, unique
	BusNum uint32
	DevNum uint32
	Path   string // sysfs-style path reported to clients
	Speed  device.Speed
	Device *device.Device

	mu       sync.Mutex
	attached string // remote address of the owning connection, "" if free
}

// Attached reports whether the entry currently has an importer.
func (e *Entry) Attached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attached != ""
}

// Owner returns the remote address of the current importer, or "" if
// unattached.
func (e *Entry) Owner() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attached
}

func (e *Entry) tryAttach(owner string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.attached != "" {
		return false
	}
	e.attached = owner
	return true
}

func (e *Entry) release(owner string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.attached != owner {
		return false
	}
	e.attached = ""
	return true
}

// Registry holds the exported device set. The map itself is immutable
// once a server starts serving connections (spec.md §4.5); the Add
// method is intended for use during startup wiring only. Per-entry
// attachment state is safe for concurrent use throughout.
type Registry struct {
	mu    sync.RWMutex
	byBus map[string]*Entry
	byDev map[uint32]*Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byBus: make(map[string]*Entry),
		byDev: make(map[uint32]*Entry),
	}
}

// Add registers an entry. Returns an error if bus-id or dev-id is
// already registered.
func (r *Registry) Add(e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byBus[e.BusID]; exists {
		return pkg.ErrBusy
	}
	if _, exists := r.byDev[e.DevID]; exists {
		return pkg.ErrBusy
	}
	r.byBus[e.BusID] = e
	r.byDev[e.DevID] = e

	pkg.LogInfo(pkg.ComponentRegistry, "device registered",
		"busid", e.BusID, "devid", e.DevID)
	return nil
}

// All returns a snapshot of every registered entry.
func (r *Registry) All() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entry, 0, len(r.byBus))
	for _, e := range r.byBus {
		out = append(out, e)
	}
	return out
}

// ByBus looks up an entry by bus-id.
func (r *Registry) ByBus(busID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byBus[busID]
	return e, ok
}

// ByDev looks up an entry by dev-id.
func (r *Registry) ByDev(devID uint32) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byDev[devID]
	return e, ok
}

// TryAttach imports the device identified by busID on behalf of owner
// (typically the connection's remote address). Fails with pkg.ErrNoDevice
// if the bus-id is unknown, or pkg.ErrBusy if the device is already
// attached to another connection.
func (r *Registry) TryAttach(busID, owner string) (*Entry, error) {
	e, ok := r.ByBus(busID)
	if !ok {
		return nil, pkg.ErrNoDevice
	}
	if !e.tryAttach(owner) {
		return nil, pkg.ErrBusy
	}
	pkg.LogInfo(pkg.ComponentRegistry, "device attached",
		"busid", busID, "owner", owner)
	return e, nil
}

// Summary is a read-only snapshot of an Entry, safe to hand to callers
// outside the registry (e.g. the admin API) without exposing Device.
type Summary struct {
	BusID    string
	DevID    uint32
	Attached bool
	Owner    string
}

// Summaries returns a read-only snapshot of every registered entry's
// identity and attachment state.
func (r *Registry) Summaries() []Summary {
	entries := r.All()
	out := make([]Summary, len(entries))
	for i, e := range entries {
		out[i] = Summary{
			BusID:    e.BusID,
			DevID:    e.DevID,
			Attached: e.Attached(),
			Owner:    e.Owner(),
		}
	}
	return out
}

// Release detaches the entry if owner currently holds it. Safe to call
// on connection teardown even if the entry was never attached.
func (r *Registry) Release(e *Entry, owner string) {
	if e == nil {
		return
	}
	if e.release(owner) {
		pkg.LogInfo(pkg.ComponentRegistry, "device released",
			"busid", e.BusID, "owner", owner)
	}
}
