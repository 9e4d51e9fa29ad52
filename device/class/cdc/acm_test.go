package cdc

import (
	"context"
	"testing"

	"github.com/ardnew/usbipd/device"
)

func buildTestACM(t *testing.T) (*ACM, *device.Device) {
	t.Helper()

	acm := NewACM()
	builder := device.NewDeviceBuilder().
		WithVendorProduct(0x1d6b, 0x0003).
		AddConfiguration(1)
	acm.ConfigureDevice(builder, 0x83, 0x82, 0x02)

	dev, err := builder.Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := acm.AttachToInterfaces(dev, 1, 0, 1); err != nil {
		t.Fatalf("AttachToInterfaces: %v", err)
	}
	return acm, dev
}

func TestSendSerialStateDeliversOnNotifyEndpoint(t *testing.T) {
	acm, dev := buildTestACM(t)

	if err := acm.SendSerialState(SerialStateTxCarrier | SerialStateRxCarrier); err != nil {
		t.Fatalf("SendSerialState: %v", err)
	}

	notifyEP := dev.GetEndpoint(0x83)
	if notifyEP == nil {
		t.Fatal("notify endpoint not found")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	completion, err := acm.HandleURB(ctx, &device.Request{
		Endpoint: notifyEP,
		Kind:     device.TransferInterrupt,
		Length:   SerialStateNotificationSize,
	})
	if err != nil {
		t.Fatalf("HandleURB: %v", err)
	}
	if len(completion.Data) != SerialStateNotificationSize {
		t.Fatalf("got %d bytes, want %d", len(completion.Data), SerialStateNotificationSize)
	}
	if completion.Data[1] != NotificationSerialState {
		t.Fatalf("bNotification = 0x%02x, want 0x%02x", completion.Data[1], NotificationSerialState)
	}
	gotState := uint16(completion.Data[8]) | uint16(completion.Data[9])<<8
	wantState := uint16(SerialStateTxCarrier | SerialStateRxCarrier)
	if gotState != wantState {
		t.Fatalf("state = 0x%04x, want 0x%04x", gotState, wantState)
	}
}

func TestHandleURBNotifyEndpointCancelledByUnlink(t *testing.T) {
	acm, dev := buildTestACM(t)
	notifyEP := dev.GetEndpoint(0x83)
	if notifyEP == nil {
		t.Fatal("notify endpoint not found")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := acm.HandleURB(ctx, &device.Request{Endpoint: notifyEP, Kind: device.TransferInterrupt})
	if err == nil {
		t.Fatal("expected cancellation error, got nil")
	}
}

func TestDataEndpointsUnaffectedByNotifyRouting(t *testing.T) {
	acm, dev := buildTestACM(t)
	dataOutEP := dev.GetEndpoint(0x02)
	dataInEP := dev.GetEndpoint(0x82)
	if dataOutEP == nil || dataInEP == nil {
		t.Fatal("data endpoints not found")
	}

	ctx := context.Background()
	if _, err := acm.HandleURB(ctx, &device.Request{
		Endpoint: dataOutEP,
		Kind:     device.TransferBulk,
		Data:     []byte("hello"),
		Length:   5,
	}); err != nil {
		t.Fatalf("HandleURB out: %v", err)
	}

	completion, err := acm.HandleURB(ctx, &device.Request{
		Endpoint: dataInEP,
		Kind:     device.TransferBulk,
		Length:   5,
	})
	if err != nil {
		t.Fatalf("HandleURB in: %v", err)
	}
	if string(completion.Data) != "hello" {
		t.Fatalf("got %q, want %q", completion.Data, "hello")
	}
}
