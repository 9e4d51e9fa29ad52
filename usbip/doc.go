// Package usbip implements the USB/IP wire protocol: the two-phase
// framing spoken over one TCP connection (operation commands before
// import, URB commands after), and the fixed byte layouts a real Linux
// usbip client expects bit-for-bit.
//
// # Endianness discipline
//
// Four distinct byte orders appear on the wire, matching the Linux
// usbip kernel driver:
//
//   - Phase 1 operation headers and device/interface blocks: big-endian
//     (network order)
//   - Phase 2 URB headers and their command-specific extensions:
//     big-endian
//   - USB descriptors embedded in URB payloads (GET_DESCRIPTOR
//     responses): little-endian, USB-native
//   - USB setup packets: little-endian, USB-native
//
// Only the first two are this package's concern; descriptor and setup
// packet encoding live in the device package.
package usbip
