// Package device implements the emulated USB device model served over
// USB/IP: descriptors, the standard-request handler, and the endpoint
// handler contract. It has no transport of its own; the server package
// drives it from wire-protocol frames.
//
// # Architecture
//
// The model is organized into several layers:
//
//   - [Device] manages device state, descriptors, and configurations
//   - [Configuration] groups interfaces and serializes the full
//     configuration descriptor (config + associations + interfaces +
//     class descriptors + endpoints)
//   - [Interface] groups endpoints and owns a [Handler]
//   - [Endpoint] tracks per-endpoint stall/toggle/frame state
//   - [Request] and [Completion] carry one URB to and from an interface's
//     [Handler]
//
// # Transfer Types
//
// All four USB transfer types are modeled:
//
//   - Control: Setup/data/status phases for device configuration
//   - Bulk: large data transfers
//   - Interrupt: periodic, typically small, transfers
//   - Isochronous: timestamped streaming without retries
//
// # Device States
//
// [Device] tracks the USB 2.0 device states it is driven through:
//
//	Attached → Default → Address → Configured
//
// A new device is Attached; Reset moves it to Default, SET_ADDRESS to
// Address, and SET_CONFIGURATION to Configured (SET_CONFIGURATION(0)
// returns it to Address). StatePowered and StateSuspended are defined
// but no code path enters them.
//
// # Zero-Allocation Design
//
// Key patterns carried over from the wider stack:
//
//   - Serialization via MarshalTo(buf) instead of allocating Bytes()
//   - Parse functions with output parameters instead of returning pointers
//   - Fixed-size arrays instead of maps for endpoints, interfaces, etc.
//   - Caller-provided buffers for descriptor and string generation
//
// # Handlers
//
// The [Handler] interface is the single extension point for class-specific
// behavior:
//
//	type Handler interface {
//	    Init(iface *Interface) error
//	    HandleURB(ctx context.Context, req *Request) (*Completion, error)
//	    SetAlternate(iface *Interface, alt uint8) error
//	    Close() error
//	}
//
// HandleURB replaces a synchronous setup callback: it is invoked for
// every class-specific control request and for every bulk/interrupt/
// isochronous transfer addressed to the interface's endpoints, and must
// return promptly when ctx is cancelled (the request's URB was unlinked).
//
// Built-in reference handlers:
//
//   - [github.com/ardnew/usbipd/device/class/hid] - Human Interface Device
//   - [github.com/ardnew/usbipd/device/class/cdc] - Communications Device Class (CDC-ACM)
//   - [github.com/ardnew/usbipd/device/class/msc] - Mass Storage Class (Bulk-Only Transport)
//
// # Example
//
//	dev, err := device.NewDeviceBuilder().
//	    WithVendorProduct(0xCAFE, 0xBABE).
//	    WithStrings("Example Co", "Example Device", "0001").
//	    AddConfiguration(1).
//	    Build(ctx)
//
// dev is then registered with the server's device registry; the server
// drives descriptor requests and URB dispatch from there.
package device
