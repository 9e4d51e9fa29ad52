package device

import (
	"context"

	"github.com/ardnew/usbipd/pkg"
)

// TransferKind identifies which USB transfer type a Request carries.
type TransferKind uint8

const (
	TransferControl TransferKind = iota
	TransferBulk
	TransferInterrupt
	TransferIsochronous
)

// String returns a human-readable transfer kind name.
func (k TransferKind) String() string {
	switch k {
	case TransferControl:
		return "control"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	case TransferIsochronous:
		return "isochronous"
	default:
		return "unknown"
	}
}

// Request is one URB dispatched to an interface's Handler. For control
// transfers Setup is non-nil and Data carries the OUT payload, if any, or
// is nil/empty for an IN data stage the handler must fill via Completion.
// For bulk/interrupt/isochronous OUT transfers Data holds the host payload;
// for IN transfers Data is nil and the handler returns the payload in
// Completion.Data.
type Request struct {
	Endpoint *Endpoint
	Kind     TransferKind
	Setup    *SetupPacket
	Data     []byte
	Length   int // requested IN length, or 0 for OUT/control-with-data
	Seq      uint32
}

// Completion is the asynchronous result of a dispatched Request.
type Completion struct {
	Data   []byte
	Status pkg.TransferStatus
}

// Handler is the single per-interface extension point a concrete device
// class implements: class-specific control requests and every
// bulk/interrupt/isochronous transfer addressed to one of its endpoints.
// HandleURB must observe ctx cancellation promptly; a cancelled context
// corresponds to an unlinked URB and the handler must return before the
// caller gives up waiting on it.
type Handler interface {
	// Init attaches the handler to the interface it serves.
	Init(iface *Interface) error

	// HandleURB services one Request and returns its Completion, or an
	// error if the request cannot be serviced at all (stalls the
	// endpoint). Implementations must return promptly when ctx is done.
	HandleURB(ctx context.Context, req *Request) (*Completion, error)

	// SetAlternate is called when the interface's alternate setting
	// changes via SET_INTERFACE.
	SetAlternate(iface *Interface, alt uint8) error

	// Close releases resources held by the handler.
	Close() error
}

// DescriptorProvider is implemented by handlers that contribute
// class-specific descriptor bytes, inserted immediately after an
// interface's standard descriptor and before its endpoint descriptors
// (e.g. the HID descriptor, or CDC functional descriptors). A handler
// shared by more than one interface (e.g. a CDC-ACM control+data pair)
// uses iface to decide which of its interfaces, if any, own the bytes.
type DescriptorProvider interface {
	ClassDescriptor(iface *Interface) []byte
}
