package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ardnew/usbipd/config"
	"github.com/ardnew/usbipd/device"
	"github.com/ardnew/usbipd/device/class/cdc"
	"github.com/ardnew/usbipd/device/class/hid"
	"github.com/ardnew/usbipd/device/class/msc"
	"github.com/ardnew/usbipd/registry"
)

// bootKeyboardReportDescriptor is the standard 8-byte boot-protocol
// keyboard report used by every hid-keyboard device this server
// exports; real keyboards vary but the boot report is what a USB/IP
// client's HID driver actually parses.
var bootKeyboardReportDescriptor = []byte{
	0x05, 0x01, // Usage Page (Generic Desktop)
	0x09, 0x06, // Usage (Keyboard)
	0xA1, 0x01, // Collection (Application)
	0x05, 0x07, //   Usage Page (Key Codes)
	0x19, 0xE0, //   Usage Minimum (224)
	0x29, 0xE7, //   Usage Maximum (231)
	0x15, 0x00, //   Logical Minimum (0)
	0x25, 0x01, //   Logical Maximum (1)
	0x75, 0x01, //   Report Size (1)
	0x95, 0x08, //   Report Count (8)
	0x81, 0x02, //   Input (Data, Variable, Absolute)
	0x95, 0x01, //   Report Count (1)
	0x75, 0x08, //   Report Size (8)
	0x81, 0x01, //   Input (Constant)
	0x95, 0x06, //   Report Count (6)
	0x75, 0x08, //   Report Size (8)
	0x15, 0x00, //   Logical Minimum (0)
	0x25, 0x65, //   Logical Maximum (101)
	0x05, 0x07, //   Usage Page (Key Codes)
	0x19, 0x00, //   Usage Minimum (0)
	0x29, 0x65, //   Usage Maximum (101)
	0x81, 0x00, //   Input (Data, Array)
	0xC0, // End Collection
}

// parseBusID splits a "bus-port" bus-id (e.g. "1-1") into its bus and
// device numbers.
func parseBusID(busID string) (busNum, devNum uint32, err error) {
	parts := strings.SplitN(busID, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("busid %q: expected form <bus>-<port>", busID)
	}
	bus, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("busid %q: %w", busID, err)
	}
	dev, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("busid %q: %w", busID, err)
	}
	return uint32(bus), uint32(dev), nil
}

// buildEntry constructs a registry.Entry from a device config, wiring
// the requested reference class handler into a fresh emulated device.
func buildEntry(ctx context.Context, dc config.DeviceConfig) (*registry.Entry, error) {
	busNum, devNum, err := parseBusID(dc.BusID)
	if err != nil {
		return nil, err
	}

	builder := device.NewDeviceBuilder().
		WithVendorProduct(dc.VendorID, dc.ProductID).
		WithStrings("usbipd", dc.Class, dc.Serial).
		AddConfiguration(1)

	var dev *device.Device

	switch dc.Class {
	case "hid-keyboard":
		kbd := hid.New(bootKeyboardReportDescriptor)
		kbd.ConfigureDevice(builder, 0x81, hid.SubclassBoot, hid.ProtocolKeyboard)
		dev, err = builder.Build(ctx)
		if err != nil {
			return nil, fmt.Errorf("busid %q: %w", dc.BusID, err)
		}
		if err := kbd.AttachToInterface(dev, 1, 0); err != nil {
			return nil, fmt.Errorf("busid %q: attach hid: %w", dc.BusID, err)
		}

	case "hid-mouse":
		// Boot mouse report: [buttons, x, y].
		mouseReportDescriptor := []byte{
			0x05, 0x01, 0x09, 0x02, 0xA1, 0x01, 0x09, 0x01,
			0xA1, 0x00, 0x05, 0x09, 0x19, 0x01, 0x29, 0x03,
			0x15, 0x00, 0x25, 0x01, 0x95, 0x03, 0x75, 0x01,
			0x81, 0x02, 0x95, 0x01, 0x75, 0x05, 0x81, 0x01,
			0x05, 0x01, 0x09, 0x30, 0x09, 0x31, 0x15, 0x81,
			0x25, 0x7F, 0x75, 0x08, 0x95, 0x02, 0x81, 0x06,
			0xC0, 0xC0,
		}
		mouse := hid.New(mouseReportDescriptor)
		mouse.ConfigureDevice(builder, 0x81, hid.SubclassBoot, hid.ProtocolMouse)
		dev, err = builder.Build(ctx)
		if err != nil {
			return nil, fmt.Errorf("busid %q: %w", dc.BusID, err)
		}
		if err := mouse.AttachToInterface(dev, 1, 0); err != nil {
			return nil, fmt.Errorf("busid %q: attach hid: %w", dc.BusID, err)
		}

	case "cdc-acm":
		acm := cdc.NewACM()
		acm.ConfigureDevice(builder, 0x83, 0x82, 0x02)
		dev, err = builder.Build(ctx)
		if err != nil {
			return nil, fmt.Errorf("busid %q: %w", dc.BusID, err)
		}
		if err := acm.AttachToInterfaces(dev, 1, 0, 1); err != nil {
			return nil, fmt.Errorf("busid %q: attach cdc: %w", dc.BusID, err)
		}

	case "mass-storage":
		var storage msc.Storage
		if dc.BackedFile != "" {
			fs, err := msc.NewFileStorage(dc.BackedFile, 512, false)
			if err != nil {
				return nil, fmt.Errorf("busid %q: %w", dc.BusID, err)
			}
			storage = fs
		} else {
			storage = msc.NewMemoryStorage(16*1024*1024, 512)
		}
		drive := msc.New(storage, fmt.Sprintf("%04x", dc.VendorID), fmt.Sprintf("%04x", dc.ProductID))
		drive.ConfigureDevice(builder, 0x81, 0x02)
		dev, err = builder.Build(ctx)
		if err != nil {
			return nil, fmt.Errorf("busid %q: %w", dc.BusID, err)
		}
		if err := drive.AttachToInterface(dev, 1, 0); err != nil {
			return nil, fmt.Errorf("busid %q: attach msc: %w", dc.BusID, err)
		}

	default:
		return nil, fmt.Errorf("busid %q: unknown device class %q", dc.BusID, dc.Class)
	}

	return &registry.Entry{
		BusID:  dc.BusID,
		DevID:  busNum<<16 | devNum,
		BusNum: busNum,
		DevNum: devNum,
		Path:   fmt.Sprintf("/sys/devices/virtual/usbipd/usb%d/%d-%d", busNum, busNum, devNum),
		Speed:  device.SpeedHigh,
		Device: dev,
	}, nil
}

// buildRegistry builds a registry.Registry from every device in cfg.
func buildRegistry(ctx context.Context, cfg *config.Config) (*registry.Registry, error) {
	reg := registry.New()
	for _, dc := range cfg.Devices {
		entry, err := buildEntry(ctx, dc)
		if err != nil {
			return nil, err
		}
		if err := reg.Add(entry); err != nil {
			return nil, fmt.Errorf("busid %q: %w", dc.BusID, err)
		}
	}
	return reg, nil
}
