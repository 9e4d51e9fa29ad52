package hid

import (
	"context"
	"sync"

	"github.com/ardnew/usbipd/device"
	"github.com/ardnew/usbipd/pkg"
)

// MaxReportSize is the maximum HID report size.
const MaxReportSize = 64

// MaxQueuedReports is the depth of the pending input-report queue.
const MaxQueuedReports = 8

// HID implements a boot-protocol HID class handler (keyboard or mouse).
// HandleURB blocks on an internal channel for interrupt IN requests until
// a report is queued or the request's context is cancelled (URB unlink).
type HID struct {
	iface *device.Interface

	inEP  *device.Endpoint // Interrupt IN for input reports
	outEP *device.Endpoint // Interrupt OUT for output reports (optional)

	reportDescriptor []byte
	hidDescriptor    HIDDescriptor

	protocol uint8 // 0 = boot, 1 = report
	idleRate uint8 // idle rate in 4ms units (0 = infinite)

	onOutputReport  func(data []byte)
	onFeatureReport func(reportID uint8, data []byte)
	onSetProtocol   func(protocol uint8)
	onSetIdle       func(rate uint8, reportID uint8)

	reports chan []byte

	classDescBuf [HIDDescriptorSize]byte

	mutex      sync.RWMutex
	configured bool
}

// New creates a HID handler with the given report descriptor. The report
// descriptor is stored by reference.
func New(reportDescriptor []byte) *HID {
	return &HID{
		reportDescriptor: reportDescriptor,
		hidDescriptor: HIDDescriptor{
			Length:         HIDDescriptorSize,
			DescriptorType: DescriptorTypeHID,
			HIDVersion:     0x0111,
			CountryCode:    CountryNone,
			NumDescriptors: 1,
			ReportDescType: DescriptorTypeReport,
			ReportDescLen:  uint16(len(reportDescriptor)),
		},
		protocol: ProtocolReport,
		reports:  make(chan []byte, MaxQueuedReports),
	}
}

// SetOnOutputReport sets the callback for output reports from the host.
func (h *HID) SetOnOutputReport(cb func(data []byte)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onOutputReport = cb
}

// SetOnFeatureReport sets the callback for feature report requests.
func (h *HID) SetOnFeatureReport(cb func(reportID uint8, data []byte)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onFeatureReport = cb
}

// SetOnSetProtocol sets the callback for protocol changes.
func (h *HID) SetOnSetProtocol(cb func(protocol uint8)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onSetProtocol = cb
}

// SetOnSetIdle sets the callback for idle rate changes.
func (h *HID) SetOnSetIdle(cb func(rate uint8, reportID uint8)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onSetIdle = cb
}

// Protocol returns the current protocol (boot or report).
func (h *HID) Protocol() uint8 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.protocol
}

// IdleRate returns the current idle rate.
func (h *HID) IdleRate() uint8 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.idleRate
}

// ReportDescriptor returns the report descriptor.
func (h *HID) ReportDescriptor() []byte {
	return h.reportDescriptor
}

// Init attaches the handler to its interface and locates its endpoints.
func (h *HID) Init(iface *device.Interface) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.iface = iface

	for _, ep := range iface.Endpoints() {
		if ep.IsInterrupt() {
			if ep.IsIn() {
				h.inEP = ep
			} else {
				h.outEP = ep
			}
		}
	}

	if h.inEP == nil {
		return pkg.ErrInvalidEndpoint
	}

	h.configured = true
	pkg.LogDebug(pkg.ComponentDevice, "HID configured",
		"inEP", h.inEP.Address,
		"reportDescLen", len(h.reportDescriptor))

	return nil
}

// ClassDescriptor returns the HID descriptor bytes (implements
// device.DescriptorProvider).
func (h *HID) ClassDescriptor(iface *device.Interface) []byte {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	n := h.hidDescriptor.MarshalTo(h.classDescBuf[:])
	return h.classDescBuf[:n]
}

// HandleURB services control requests and the interrupt IN polling loop.
func (h *HID) HandleURB(ctx context.Context, req *device.Request) (*device.Completion, error) {
	if req.Kind == device.TransferControl {
		return h.handleControl(req)
	}

	if req.Endpoint != nil && req.Endpoint.IsIn() {
		select {
		case report := <-h.reports:
			return &device.Completion{Data: report, Status: pkg.TransferStatusSuccess}, nil
		case <-ctx.Done():
			return nil, pkg.ErrCancelled
		}
	}

	if req.Endpoint != nil && req.Endpoint.IsOut() {
		h.mutex.RLock()
		cb := h.onOutputReport
		h.mutex.RUnlock()
		if cb != nil {
			cb(req.Data)
		}
		return &device.Completion{Status: pkg.TransferStatusSuccess}, nil
	}

	return nil, pkg.ErrInvalidEndpoint
}

func (h *HID) handleControl(req *device.Request) (*device.Completion, error) {
	setup := req.Setup

	if setup.IsStandard() && setup.Request == device.RequestGetDescriptor {
		return h.handleGetDescriptor(setup)
	}

	if !setup.IsClass() {
		return nil, pkg.ErrNotSupported
	}

	switch setup.Request {
	case RequestGetReport:
		return h.handleGetReport(setup)
	case RequestSetReport:
		return h.handleSetReport(setup, req.Data)
	case RequestGetIdle:
		return h.handleGetIdle()
	case RequestSetIdle:
		return h.handleSetIdle(setup)
	case RequestGetProtocol:
		return h.handleGetProtocol()
	case RequestSetProtocol:
		return h.handleSetProtocol(setup)
	default:
		return nil, pkg.ErrNotSupported
	}
}

func (h *HID) handleGetDescriptor(setup *device.SetupPacket) (*device.Completion, error) {
	switch setup.DescriptorType() {
	case DescriptorTypeHID:
		return &device.Completion{Data: h.ClassDescriptor(h.iface), Status: pkg.TransferStatusSuccess}, nil
	case DescriptorTypeReport:
		return &device.Completion{Data: h.reportDescriptor, Status: pkg.TransferStatusSuccess}, nil
	default:
		return nil, pkg.ErrNotSupported
	}
}

func (h *HID) handleGetReport(setup *device.SetupPacket) (*device.Completion, error) {
	reportType := uint8(setup.Value >> 8)
	reportID := uint8(setup.Value & 0xFF)

	pkg.LogDebug(pkg.ComponentDevice, "GET_REPORT", "type", reportType, "id", reportID)

	return &device.Completion{Data: make([]byte, int(setup.Length)), Status: pkg.TransferStatusSuccess}, nil
}

func (h *HID) handleSetReport(setup *device.SetupPacket, data []byte) (*device.Completion, error) {
	reportType := uint8(setup.Value >> 8)
	reportID := uint8(setup.Value & 0xFF)

	pkg.LogDebug(pkg.ComponentDevice, "SET_REPORT", "type", reportType, "id", reportID, "len", len(data))

	h.mutex.RLock()
	outputCb := h.onOutputReport
	featureCb := h.onFeatureReport
	h.mutex.RUnlock()

	switch reportType {
	case ReportTypeOutput:
		if outputCb != nil {
			outputCb(data)
		}
	case ReportTypeFeature:
		if featureCb != nil {
			featureCb(reportID, data)
		}
	}

	return &device.Completion{Status: pkg.TransferStatusSuccess}, nil
}

func (h *HID) handleGetIdle() (*device.Completion, error) {
	h.mutex.RLock()
	rate := h.idleRate
	h.mutex.RUnlock()
	return &device.Completion{Data: []byte{rate}, Status: pkg.TransferStatusSuccess}, nil
}

func (h *HID) handleSetIdle(setup *device.SetupPacket) (*device.Completion, error) {
	rate := uint8(setup.Value >> 8)
	reportID := uint8(setup.Value & 0xFF)

	h.mutex.Lock()
	h.idleRate = rate
	cb := h.onSetIdle
	h.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentDevice, "SET_IDLE", "rate", rate, "reportID", reportID)

	if cb != nil {
		cb(rate, reportID)
	}
	return &device.Completion{Status: pkg.TransferStatusSuccess}, nil
}

func (h *HID) handleGetProtocol() (*device.Completion, error) {
	h.mutex.RLock()
	p := h.protocol
	h.mutex.RUnlock()
	return &device.Completion{Data: []byte{p}, Status: pkg.TransferStatusSuccess}, nil
}

func (h *HID) handleSetProtocol(setup *device.SetupPacket) (*device.Completion, error) {
	protocol := uint8(setup.Value & 0xFF)

	h.mutex.Lock()
	h.protocol = protocol
	cb := h.onSetProtocol
	h.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentDevice, "SET_PROTOCOL", "protocol", protocol)

	if cb != nil {
		cb(protocol)
	}
	return &device.Completion{Status: pkg.TransferStatusSuccess}, nil
}

// SetAlternate handles alternate setting changes.
func (h *HID) SetAlternate(iface *device.Interface, alt uint8) error {
	pkg.LogDebug(pkg.ComponentDevice, "HID alternate setting", "interface", iface.Number, "alt", alt)
	return nil
}

// Close releases resources held by the handler.
func (h *HID) Close() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.iface = nil
	h.inEP = nil
	h.outEP = nil
	h.configured = false
	return nil
}

// SendReport queues an input report for delivery on the next interrupt IN
// poll. It does not block; if the queue is full the oldest report is
// dropped in favor of the new one.
func (h *HID) SendReport(data []byte) error {
	h.mutex.RLock()
	configured := h.configured
	h.mutex.RUnlock()

	if !configured {
		return pkg.ErrNotConfigured
	}

	report := make([]byte, len(data))
	copy(report, data)

	select {
	case h.reports <- report:
	default:
		select {
		case <-h.reports:
		default:
		}
		h.reports <- report
	}
	return nil
}

// SendKeyboardReport sends a keyboard report to the host.
func (h *HID) SendKeyboardReport(report *KeyboardReport) error {
	var buf [MaxReportSize]byte
	n := report.MarshalTo(buf[:])
	if n == 0 {
		return pkg.ErrBufferTooSmall
	}
	return h.SendReport(buf[:n])
}

// SendMouseReport sends a mouse report to the host.
func (h *HID) SendMouseReport(report *MouseReport) error {
	var buf [MaxReportSize]byte
	n := report.MarshalTo(buf[:])
	if n == 0 {
		return pkg.ErrBufferTooSmall
	}
	return h.SendReport(buf[:n])
}

// ConfigureDevice adds the HID interface to a device builder.
func (h *HID) ConfigureDevice(builder *device.DeviceBuilder, inEPAddr uint8, subclass, protocol uint8) *device.DeviceBuilder {
	builder.AddInterface(ClassHID, subclass, protocol)
	builder.AddEndpoint(inEPAddr|device.EndpointDirectionIn, device.EndpointTypeInterrupt, 8)
	return builder
}

// ConfigureDeviceWithOutEP adds the HID interface with an OUT endpoint.
func (h *HID) ConfigureDeviceWithOutEP(builder *device.DeviceBuilder, inEPAddr, outEPAddr uint8, subclass, protocol uint8) *device.DeviceBuilder {
	builder.AddInterface(ClassHID, subclass, protocol)
	builder.AddEndpoint(inEPAddr|device.EndpointDirectionIn, device.EndpointTypeInterrupt, 8)
	builder.AddEndpoint(outEPAddr&0x0F, device.EndpointTypeInterrupt, 8)
	return builder
}

// AttachToInterface installs this handler on the named interface.
func (h *HID) AttachToInterface(dev *device.Device, configValue, ifaceNum uint8) error {
	config := dev.GetConfiguration(configValue)
	if config == nil {
		return pkg.ErrInvalidRequest
	}

	iface := config.GetInterface(ifaceNum)
	if iface == nil {
		return pkg.ErrInvalidRequest
	}
	return iface.SetHandler(h)
}

var _ device.Handler = (*HID)(nil)
var _ device.DescriptorProvider = (*HID)(nil)
