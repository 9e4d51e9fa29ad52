// Package cdc implements the USB Communications Device Class (CDC) as a
// reference device.Handler for the usbipd server.
//
// This package provides CDC-ACM (Abstract Control Model) functionality for
// implementing USB serial devices. CDC-ACM is the standard class for USB
// to serial adapters and virtual COM ports.
//
// # Architecture
//
// A CDC-ACM device consists of two interfaces:
//
//   - Control Interface (Communications Class): Handles CDC-specific requests
//     like SET_LINE_CODING and SET_CONTROL_LINE_STATE
//   - Data Interface (Data Class): Handles bulk data transfer via IN and OUT
//     endpoints
//
// # Buffers
//
//   - Line coding and the CDC functional descriptors are built in
//     fixed-size buffers owned by the handler
//   - Bulk OUT data is copied into a fixed-size loopback ring buffer
//   - Each completed IN transfer (bulk data, GET_LINE_CODING, SERIAL_STATE
//     notification) returns a newly allocated slice
//
// # Usage
//
// To create a CDC-ACM device:
//
//	// Create the CDC-ACM handler
//	acm := cdc.NewACM()
//
//	// Configure callbacks
//	acm.SetOnLineCodingChange(func(lc *cdc.LineCoding) {
//	    // Handle baud rate, data bits, etc. changes
//	})
//
//	// Add to a device configuration
//	builder := device.NewDeviceBuilder().
//	    WithVendorProduct(0xCAFE, 0xBABE).
//	    WithStrings("Manufacturer", "CDC Device", "12345").
//	    AddConfiguration(1)
//
//	// Add CDC-ACM interfaces (notify EP, data IN EP, data OUT EP)
//	acm.ConfigureDevice(builder, 0x81, 0x82, 0x02)
//
//	// Build device
//	dev, _ := builder.Build(ctx)
//
//	// Attach the handler to interfaces in configuration 1
//	// (interface 0 = control, interface 1 = data)
//	acm.AttachToInterfaces(dev, 1, 0, 1)
//
//	// Register dev with the server; bulk transfers loop through an
//	// internal ring buffer (loopback reference implementation).
//
// # CDC Descriptors
//
// The package includes functional descriptors required by CDC-ACM:
//
//   - Header Functional Descriptor
//   - Call Management Functional Descriptor
//   - ACM Functional Descriptor
//   - Union Functional Descriptor
package cdc
