package server

import (
	"github.com/ardnew/usbipd/registry"
)

// ConnState is the Phase 1 state of a connection: whether it has asked
// for the device list, and whether it has successfully imported a
// device and moved on to Phase 2 URB traffic.
type ConnState int

// Connection states.
const (
	StateAwaitingOp ConnState = iota
	StateDeviceListed
	StateAttached
)

// String returns a human-readable connection state name.
func (s ConnState) String() string {
	switch s {
	case StateAwaitingOp:
		return "awaiting-op"
	case StateDeviceListed:
		return "device-listed"
	case StateAttached:
		return "attached"
	default:
		return "unknown"
	}
}

// session tracks one client connection's Phase 1 state.
type session struct {
	remote string
	state  ConnState
	entry  *registry.Entry
	disp   *dispatcher
}

func newSession(remote string) *session {
	return &session{remote: remote, state: StateAwaitingOp}
}

// Info is a read-only snapshot of a session, surfaced through the admin
// API. It never exposes the underlying connection or dispatcher.
type Info struct {
	Remote     string
	State      string
	BusID      string
	DevID      uint32
	PendingURB int
}

func (s *session) info() Info {
	info := Info{Remote: s.remote, State: s.state.String()}
	if s.entry != nil {
		info.BusID = s.entry.BusID
		info.DevID = s.entry.DevID
	}
	if s.disp != nil {
		info.PendingURB = s.disp.PendingCount()
	}
	return info
}
