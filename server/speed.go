package server

import (
	"github.com/ardnew/usbipd/device"
	"github.com/ardnew/usbipd/usbip"
)

// wireSpeed converts the emulator's local speed numbering to the wire
// speed values a Linux usbip client expects in a device block.
func wireSpeed(s device.Speed) uint32 {
	switch s {
	case device.SpeedLow:
		return usbip.WireSpeedLow
	case device.SpeedFull:
		return usbip.WireSpeedFull
	case device.SpeedHigh:
		return usbip.WireSpeedHigh
	case device.SpeedSuper:
		return usbip.WireSpeedSuper
	default:
		return usbip.WireSpeedUnknown
	}
}
