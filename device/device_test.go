package device

import (
	"context"
	"testing"

	"github.com/ardnew/usbipd/pkg"
)

func TestNewDevice(t *testing.T) {
	desc := &DeviceDescriptor{
		Length:            18,
		DescriptorType:    DescriptorTypeDevice,
		USBVersion:        0x0200,
		DeviceClass:       ClassPerInterface,
		MaxPacketSize0:    64,
		VendorID:          0x1234,
		ProductID:         0x5678,
		NumConfigurations: 1,
	}

	dev := NewDevice(desc)

	if dev.Descriptor != desc {
		t.Error("Descriptor not set")
	}
	if dev.State() != StateAttached {
		t.Errorf("State() = %v, want %v", dev.State(), StateAttached)
	}
	if dev.Speed() != SpeedFull {
		t.Errorf("Speed() = %v, want %v", dev.Speed(), SpeedFull)
	}
	if dev.ep0 == nil {
		t.Error("EP0 not initialized")
	}
	if dev.ep0.MaxPacketSize != 64 {
		t.Errorf("EP0 MaxPacketSize = %d, want 64", dev.ep0.MaxPacketSize)
	}
}

func TestDeviceConfiguration(t *testing.T) {
	dev := NewDevice(&DeviceDescriptor{MaxPacketSize0: 64})
	config := NewConfiguration(1)

	if err := dev.AddConfiguration(config); err != nil {
		t.Fatalf("AddConfiguration() error = %v", err)
	}
	if err := dev.AddConfiguration(config); err == nil {
		t.Error("AddConfiguration() should fail for duplicate")
	}

	if got := dev.GetConfiguration(1); got != config {
		t.Error("GetConfiguration(1) returned wrong config")
	}
	if got := dev.GetConfiguration(2); got != nil {
		t.Error("GetConfiguration(2) should return nil")
	}
}

func TestDeviceStrings(t *testing.T) {
	dev := NewDevice(&DeviceDescriptor{MaxPacketSize0: 64})

	var langBuf [4]byte
	langLen := LanguageDescriptorTo(langBuf[:], LangIDUSEnglish)
	dev.SetLanguages(langBuf[:langLen])

	var mfrBuf [256]byte
	mfrLen := StringDescriptorTo(mfrBuf[:], "Test Manufacturer")
	dev.SetString(1, mfrBuf[:mfrLen])

	lang := dev.GetString(0)
	if lang == nil {
		t.Fatal("GetString(0) returned nil")
	}
	if lang[0] != 4 { // 2 bytes header + 2 bytes lang ID
		t.Errorf("language descriptor length = %d, want 4", lang[0])
	}

	mfr := dev.GetString(1)
	if mfr == nil {
		t.Fatal("GetString(1) returned nil")
	}
	if mfr[1] != DescriptorTypeString {
		t.Errorf("string descriptor type = 0x%02X, want 0x%02X", mfr[1], DescriptorTypeString)
	}
}

// TestDeviceStateTransitions exercises the same state machine a USB/IP
// import drives: bus reset, SET_ADDRESS, SET_CONFIGURATION(0|N).
func TestDeviceStateTransitions(t *testing.T) {
	dev := NewDevice(&DeviceDescriptor{MaxPacketSize0: 64})
	config := NewConfiguration(1)
	dev.AddConfiguration(config)

	if dev.State() != StateAttached {
		t.Errorf("initial state = %v, want %v", dev.State(), StateAttached)
	}

	dev.Reset()
	if dev.State() != StateDefault {
		t.Errorf("after reset, state = %v, want %v", dev.State(), StateDefault)
	}

	if err := dev.SetAddress(5); err != nil {
		t.Fatalf("SetAddress() error = %v", err)
	}
	if dev.State() != StateAddress {
		t.Errorf("after set address, state = %v, want %v", dev.State(), StateAddress)
	}
	if dev.Address() != 5 {
		t.Errorf("Address() = %d, want 5", dev.Address())
	}

	if err := dev.SetConfiguration(1); err != nil {
		t.Fatalf("SetConfiguration() error = %v", err)
	}
	if dev.State() != StateConfigured {
		t.Errorf("after configure, state = %v, want %v", dev.State(), StateConfigured)
	}
	if !dev.IsConfigured() {
		t.Error("IsConfigured() should return true")
	}

	if err := dev.SetConfiguration(0); err != nil {
		t.Fatalf("SetConfiguration(0) error = %v", err)
	}
	if dev.State() != StateAddress {
		t.Errorf("after unconfigure, state = %v, want %v", dev.State(), StateAddress)
	}
}

func TestDeviceSetAddressInvalidState(t *testing.T) {
	dev := NewDevice(&DeviceDescriptor{MaxPacketSize0: 64})
	if err := dev.SetAddress(5); err != pkg.ErrInvalidState {
		t.Errorf("SetAddress() error = %v, want %v", err, pkg.ErrInvalidState)
	}
}

func TestDeviceSetConfigurationInvalidState(t *testing.T) {
	dev := NewDevice(&DeviceDescriptor{MaxPacketSize0: 64})
	dev.Reset()
	if err := dev.SetConfiguration(1); err != pkg.ErrInvalidState {
		t.Errorf("SetConfiguration() error = %v, want %v", err, pkg.ErrInvalidState)
	}
}

func TestDeviceSetConfigurationInvalid(t *testing.T) {
	dev := NewDevice(&DeviceDescriptor{MaxPacketSize0: 64})
	dev.Reset()
	dev.SetAddress(5)

	if err := dev.SetConfiguration(2); err != pkg.ErrInvalidRequest {
		t.Errorf("SetConfiguration() error = %v, want %v", err, pkg.ErrInvalidRequest)
	}
}

func TestDeviceRemoteWakeup(t *testing.T) {
	dev := NewDevice(&DeviceDescriptor{MaxPacketSize0: 64})

	if dev.IsRemoteWakeupEnabled() {
		t.Error("remote wakeup should be disabled by default")
	}

	dev.EnableRemoteWakeup(true)
	if !dev.IsRemoteWakeupEnabled() {
		t.Error("remote wakeup should be enabled")
	}

	dev.EnableRemoteWakeup(false)
	if dev.IsRemoteWakeupEnabled() {
		t.Error("remote wakeup should be disabled")
	}
}

func TestDeviceGetInterface(t *testing.T) {
	dev := NewDevice(&DeviceDescriptor{MaxPacketSize0: 64})
	config := NewConfiguration(1)
	iface := NewInterface(&InterfaceDescriptor{InterfaceNumber: 0})
	config.AddInterface(iface)
	dev.AddConfiguration(config)

	if got := dev.GetInterface(0); got != nil {
		t.Error("GetInterface should return nil when not configured")
	}

	dev.Reset()
	dev.SetAddress(1)
	dev.SetConfiguration(1)

	if got := dev.GetInterface(0); got != iface {
		t.Error("GetInterface(0) returned wrong interface")
	}
	if got := dev.GetInterface(1); got != nil {
		t.Error("GetInterface(1) should return nil")
	}
}

func TestDeviceGetEndpoint(t *testing.T) {
	dev := NewDevice(&DeviceDescriptor{MaxPacketSize0: 64})
	config := NewConfiguration(1)
	iface := NewInterface(&InterfaceDescriptor{InterfaceNumber: 0})
	ep := &Endpoint{Address: 0x81, Attributes: EndpointTypeBulk, MaxPacketSize: 512}
	iface.AddEndpoint(ep)
	config.AddInterface(iface)
	dev.AddConfiguration(config)
	dev.Reset()
	dev.SetAddress(1)
	dev.SetConfiguration(1)

	if got := dev.GetEndpoint(0); got != dev.ControlEndpoint() {
		t.Error("GetEndpoint(0) should return EP0")
	}
	if got := dev.GetEndpoint(0x80); got != dev.ControlEndpoint() {
		t.Error("GetEndpoint(0x80) should return EP0")
	}
	if got := dev.GetEndpoint(0x81); got != ep {
		t.Error("GetEndpoint(0x81) returned wrong endpoint")
	}
	if got := dev.GetEndpoint(0x82); got != nil {
		t.Error("GetEndpoint(0x82) should return nil")
	}
}

func TestDeviceSetEndpointStall(t *testing.T) {
	dev := NewDevice(&DeviceDescriptor{MaxPacketSize0: 64})
	config := NewConfiguration(1)
	iface := NewInterface(&InterfaceDescriptor{InterfaceNumber: 0})
	ep := &Endpoint{Address: 0x81, Attributes: EndpointTypeBulk}
	iface.AddEndpoint(ep)
	config.AddInterface(iface)
	dev.AddConfiguration(config)
	dev.Reset()
	dev.SetAddress(1)
	dev.SetConfiguration(1)

	if err := dev.SetEndpointStall(0x81, true); err != nil {
		t.Fatalf("SetEndpointStall() error = %v", err)
	}
	if !ep.IsStalled() {
		t.Error("endpoint should be stalled")
	}

	if err := dev.SetEndpointStall(0x81, false); err != nil {
		t.Fatalf("SetEndpointStall() error = %v", err)
	}
	if ep.IsStalled() {
		t.Error("endpoint should not be stalled")
	}

	if err := dev.SetEndpointStall(0x82, true); err != pkg.ErrInvalidEndpoint {
		t.Errorf("SetEndpointStall() error = %v, want %v", err, pkg.ErrInvalidEndpoint)
	}
}

func TestDeviceGetStatus(t *testing.T) {
	dev := NewDevice(&DeviceDescriptor{MaxPacketSize0: 64})
	config := NewConfiguration(1)
	config.SetSelfPowered(true)
	dev.AddConfiguration(config)
	dev.Reset()
	dev.SetAddress(1)
	dev.SetConfiguration(1)

	status := dev.GetStatus()
	if status&DeviceStatusSelfPowered == 0 {
		t.Error("status should indicate self-powered")
	}
	if status&DeviceStatusRemoteWakeup != 0 {
		t.Error("status should not indicate remote wakeup")
	}

	dev.EnableRemoteWakeup(true)
	status = dev.GetStatus()
	if status&DeviceStatusRemoteWakeup == 0 {
		t.Error("status should indicate remote wakeup")
	}
}

func TestDeviceClose(t *testing.T) {
	dev := NewDevice(&DeviceDescriptor{MaxPacketSize0: 64})
	driver := &mockClassDriver{}
	iface := NewInterface(&InterfaceDescriptor{InterfaceNumber: 0})
	iface.SetHandler(driver)
	config := NewConfiguration(1)
	config.AddInterface(iface)
	dev.AddConfiguration(config)

	if err := dev.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !driver.closeCalled {
		t.Error("class driver Close() should be called")
	}
}

func TestDeviceBuilder(t *testing.T) {
	dev, err := NewDeviceBuilder().
		WithVendorProduct(0x1234, 0x5678).
		WithStrings("Test Mfr", "Test Prod", "12345").
		AddConfiguration(1).
		AddInterface(ClassCDC, 0x02, 0x01).
		AddEndpoint(0x81, EndpointTypeBulk, 512).
		AddEndpoint(0x02, EndpointTypeBulk, 512).
		Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if dev.Descriptor.VendorID != 0x1234 {
		t.Errorf("VendorID = 0x%04X, want 0x1234", dev.Descriptor.VendorID)
	}
	if dev.Descriptor.ProductID != 0x5678 {
		t.Errorf("ProductID = 0x%04X, want 0x5678", dev.Descriptor.ProductID)
	}

	config := dev.GetConfiguration(1)
	if config == nil {
		t.Fatal("configuration 1 not found")
	}

	iface := config.GetInterface(0)
	if iface == nil {
		t.Fatal("interface 0 not found")
	}
	if iface.Class != ClassCDC {
		t.Errorf("interface class = 0x%02X, want 0x%02X", iface.Class, ClassCDC)
	}
	if iface.NumEndpoints() != 2 {
		t.Errorf("interface has %d endpoints, want 2", iface.NumEndpoints())
	}
}

func TestDeviceBuilderNoDevice(t *testing.T) {
	_, err := NewDeviceBuilder().
		AddConfiguration(1).
		Build(context.Background())
	if err == nil {
		t.Error("Build() should fail without device initialization")
	}
}

func TestDeviceBuilderEdgeCases(t *testing.T) {
	t.Run("AddInterfaceWithoutConfig", func(t *testing.T) {
		_, err := NewDeviceBuilder().
			WithVendorProduct(0x1234, 0x5678).
			AddInterface(ClassCDC, 0x02, 0x01).
			Build(context.Background())
		if err == nil {
			t.Error("Build() should fail without configuration")
		}
	})

	t.Run("AddEndpointWithoutInterface", func(t *testing.T) {
		_, err := NewDeviceBuilder().
			WithVendorProduct(0x1234, 0x5678).
			AddConfiguration(1).
			AddEndpoint(0x81, EndpointTypeBulk, 512).
			Build(context.Background())
		if err == nil {
			t.Error("Build() should fail without interface")
		}
	})

	t.Run("MultipleConfigurations", func(t *testing.T) {
		dev, err := NewDeviceBuilder().
			WithVendorProduct(0x1234, 0x5678).
			AddConfiguration(1).
			AddInterface(ClassCDC, 0x02, 0x01).
			AddEndpoint(0x81, EndpointTypeBulk, 512).
			AddConfiguration(2).
			AddInterface(ClassHID, 0x01, 0x01).
			AddEndpoint(0x82, EndpointTypeInterrupt, 8).
			Build(context.Background())
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		if dev.Descriptor.NumConfigurations != 2 {
			t.Errorf("NumConfigurations = %d, want 2", dev.Descriptor.NumConfigurations)
		}
		if dev.GetConfiguration(1) == nil {
			t.Error("configuration 1 not found")
		}
		if dev.GetConfiguration(2) == nil {
			t.Error("configuration 2 not found")
		}
	})
}

func TestDeviceConcurrentAccess(t *testing.T) {
	dev := NewDevice(&DeviceDescriptor{MaxPacketSize0: 64})
	config := NewConfiguration(1)
	iface := NewInterface(&InterfaceDescriptor{InterfaceNumber: 0})
	ep := &Endpoint{Address: 0x81, Attributes: EndpointTypeBulk}
	iface.AddEndpoint(ep)
	config.AddInterface(iface)
	dev.AddConfiguration(config)
	dev.Reset()
	dev.SetAddress(1)
	dev.SetConfiguration(1)

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				_ = dev.State()
				_ = dev.Address()
				_ = dev.Speed()
				_ = dev.IsConfigured()
				_ = dev.IsRemoteWakeupEnabled()
				_ = dev.GetStatus()
				_ = dev.GetEndpoint(0x81)
				_ = dev.GetInterface(0)
				_ = dev.ControlEndpoint()
				_ = dev.ActiveConfiguration()
			}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}

// TestDeviceImportSequence drives a freshly built device through the bus
// reset server.Engine performs on a successful import and then the
// control-transfer sequence a USB/IP client issues: each SetupPacket
// (built here with the Get*Setup helpers) is dispatched through
// NewStandardRequestHandler(dev).HandleSetup, as Engine.execute does on
// ep 0 — not a hand-constructed Device method call. This is the
// observable behavior the USB/IP server actually exposes to a client.
func TestDeviceImportSequence(t *testing.T) {
	dev, err := NewDeviceBuilder().
		WithVendorProduct(0x1d6b, 0x0104).
		WithStrings("usbipd", "test device", "0001").
		AddConfiguration(1).
		AddInterface(ClassHID, 0x00, 0x00).
		AddEndpoint(0x81, EndpointTypeInterrupt, 8).
		Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	dev.Reset() // as the engine does on a successful import
	handler := NewStandardRequestHandler(dev)

	var setup SetupPacket
	GetDescriptorSetup(&setup, DescriptorTypeDevice, 0, DeviceDescriptorSize)
	respDevDesc, err := handler.HandleSetup(&setup, nil)
	if err != nil {
		t.Fatalf("GET_DESCRIPTOR(device): %v", err)
	}
	if len(respDevDesc) != DeviceDescriptorSize {
		t.Fatalf("device descriptor length = %d, want %d", len(respDevDesc), DeviceDescriptorSize)
	}
	if respDevDesc[1] != DescriptorTypeDevice {
		t.Fatalf("bDescriptorType = 0x%02x, want 0x%02x", respDevDesc[1], DescriptorTypeDevice)
	}

	GetSetAddressSetup(&setup, 7)
	if _, err := handler.HandleSetup(&setup, nil); err != nil {
		t.Fatalf("SET_ADDRESS: %v", err)
	}
	if dev.Address() != 7 {
		t.Fatalf("Address() = %d, want 7", dev.Address())
	}

	GetSetConfigurationSetup(&setup, 1)
	if _, err := handler.HandleSetup(&setup, nil); err != nil {
		t.Fatalf("SET_CONFIGURATION: %v", err)
	}
	if !dev.IsConfigured() {
		t.Fatal("device should be configured after SET_CONFIGURATION")
	}

	GetStatusSetup(&setup, RequestRecipientDevice, 0)
	respStatus, err := handler.HandleSetup(&setup, nil)
	if err != nil {
		t.Fatalf("GET_STATUS: %v", err)
	}
	if len(respStatus) != 2 {
		t.Fatalf("GET_STATUS response length = %d, want 2", len(respStatus))
	}
}

// TestDeviceImportSequenceUnknownConfiguration matches how the engine
// reports a SET_CONFIGURATION for a value the device never advertised:
// HandleSetup returns pkg.ErrInvalidRequest, which the engine sends back
// as a RET_SUBMIT error status (-EINVAL), never a panic.
func TestDeviceImportSequenceUnknownConfiguration(t *testing.T) {
	dev, err := NewDeviceBuilder().
		WithVendorProduct(0x1d6b, 0x0104).
		AddConfiguration(1).
		AddInterface(ClassHID, 0x00, 0x00).
		AddEndpoint(0x81, EndpointTypeInterrupt, 8).
		Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	handler := NewStandardRequestHandler(dev)

	var setup SetupPacket
	GetSetAddressSetup(&setup, 3)
	if _, err := handler.HandleSetup(&setup, nil); err != nil {
		t.Fatalf("SET_ADDRESS: %v", err)
	}

	GetSetConfigurationSetup(&setup, 9)
	if _, err := handler.HandleSetup(&setup, nil); err != pkg.ErrInvalidRequest {
		t.Errorf("SET_CONFIGURATION(9) error = %v, want %v", err, pkg.ErrInvalidRequest)
	}
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkNewDevice(b *testing.B) {
	desc := &DeviceDescriptor{
		Length:            DeviceDescriptorSize,
		DescriptorType:    DescriptorTypeDevice,
		USBVersion:        0x0200,
		MaxPacketSize0:    64,
		VendorID:          0x1234,
		ProductID:         0x5678,
		NumConfigurations: 1,
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = NewDevice(desc)
	}
}

func BenchmarkDeviceGetEndpoint(b *testing.B) {
	dev := NewDevice(&DeviceDescriptor{MaxPacketSize0: 64})
	config := NewConfiguration(1)
	iface := NewInterface(&InterfaceDescriptor{InterfaceNumber: 0})
	for addr := uint8(0x81); addr <= 0x84; addr++ {
		iface.AddEndpoint(&Endpoint{Address: addr, Attributes: EndpointTypeBulk})
	}
	config.AddInterface(iface)
	dev.AddConfiguration(config)
	dev.Reset()
	dev.SetAddress(1)
	dev.SetConfiguration(1)

	b.Run("EP0", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			_ = dev.GetEndpoint(0)
		}
	})
	b.Run("BulkIN", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			_ = dev.GetEndpoint(0x81)
		}
	})
	b.Run("NotFound", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			_ = dev.GetEndpoint(0x8F)
		}
	})
}

func BenchmarkDeviceImportSequence(b *testing.B) {
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dev, _ := NewDeviceBuilder().
			WithVendorProduct(0x1d6b, 0x0104).
			AddConfiguration(1).
			AddInterface(ClassHID, 0x00, 0x00).
			AddEndpoint(0x81, EndpointTypeInterrupt, 8).
			Build(context.Background())
		handler := NewStandardRequestHandler(dev)
		var setup SetupPacket
		GetSetAddressSetup(&setup, 7)
		_, _ = handler.HandleSetup(&setup, nil)
		GetSetConfigurationSetup(&setup, 1)
		_, _ = handler.HandleSetup(&setup, nil)
	}
}
