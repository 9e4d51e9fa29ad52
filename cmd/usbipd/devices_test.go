package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbipd/config"
)

func TestParseBusID(t *testing.T) {
	bus, dev, err := parseBusID("1-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), bus)
	assert.Equal(t, uint32(1), dev)

	_, _, err = parseBusID("garbage")
	assert.Error(t, err)
}

func TestBuildEntryHIDKeyboard(t *testing.T) {
	dc := config.DeviceConfig{
		BusID:     "1-1",
		VendorID:  0x1d6b,
		ProductID: 0x0001,
		Class:     "hid-keyboard",
		Serial:    "0001",
	}
	entry, err := buildEntry(context.Background(), dc)
	require.NoError(t, err)
	assert.Equal(t, "1-1", entry.BusID)
	assert.NotNil(t, entry.Device)
}

func TestBuildEntryMassStorage(t *testing.T) {
	dc := config.DeviceConfig{
		BusID:     "1-2",
		VendorID:  0x1d6b,
		ProductID: 0x0002,
		Class:     "mass-storage",
	}
	entry, err := buildEntry(context.Background(), dc)
	require.NoError(t, err)
	assert.Equal(t, "1-2", entry.BusID)
}

func TestBuildEntryUnknownClass(t *testing.T) {
	dc := config.DeviceConfig{BusID: "1-3", Class: "does-not-exist"}
	_, err := buildEntry(context.Background(), dc)
	assert.Error(t, err)
}

func TestBuildRegistryRejectsDuplicateBusID(t *testing.T) {
	cfg := &config.Config{
		Listen: ":3240",
		Devices: []config.DeviceConfig{
			{BusID: "1-1", Class: "hid-keyboard", VendorID: 1, ProductID: 1},
			{BusID: "1-1", Class: "hid-mouse", VendorID: 2, ProductID: 2},
		},
	}
	_, err := buildRegistry(context.Background(), cfg)
	assert.Error(t, err)
}
