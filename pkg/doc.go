// Package pkg provides shared utilities used across usbipd's packages:
// the emulated USB device model, the USB/IP wire protocol, the device
// registry, and the network server.
//
// This includes:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for USB protocol errors
//   - Errno-style status codes for the USB/IP wire protocol
//   - Component identifiers for log filtering
//
// The package itself has no third-party dependencies beyond
// golang.org/x/sys, used for the standard Linux errno values a usbip
// client expects on the wire.
//
// # Logging
//
// The logging subsystem wraps [log/slog] with USB-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentDevice, "device configured", "config", 1)
//
// # Errors
//
// Common USB errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrStall) {
//	    // Handle endpoint stall
//	}
package pkg
