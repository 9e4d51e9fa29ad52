package cdc

import (
	"context"
	"sync"

	"github.com/ardnew/usbipd/device"
	"github.com/ardnew/usbipd/pkg"
)

// MaxRingBufferSize is the capacity of the internal loopback ring buffer.
const MaxRingBufferSize = 4096

// MaxQueuedNotifications is the depth of the pending SERIAL_STATE
// notification queue.
const MaxQueuedNotifications = 8

// ACM implements a CDC-ACM (Abstract Control Model) class handler. It
// provides a USB serial port whose bulk transfers loop through an
// internal ring buffer: bytes written OUT by the host are read back IN.
type ACM struct {
	controlIface *device.Interface
	dataIface    *device.Interface

	classDescBuf [HeaderDescriptorSize + CallManagementDescriptorSize + ACMDescriptorSize + UnionDescriptorSize]byte

	notifyEP  *device.Endpoint // Interrupt IN for notifications
	dataInEP  *device.Endpoint // Bulk IN for data to host
	dataOutEP *device.Endpoint // Bulk OUT for data from host

	lineCoding   LineCoding
	controlState uint16
	serialState  uint16

	onLineCodingChange   func(*LineCoding)
	onControlStateChange func(dtr, rts bool)
	onBreak              func(millis uint16)

	ring      [MaxRingBufferSize]byte
	ringHead  int
	ringTail  int
	ringCount int
	ringCond  *sync.Cond

	notify chan []byte

	responseBuf [LineCodingSize]byte

	mutex      sync.RWMutex
	configured bool
}

// NewACM creates a CDC-ACM class handler.
func NewACM() *ACM {
	a := &ACM{
		lineCoding: DefaultLineCoding,
		notify:     make(chan []byte, MaxQueuedNotifications),
	}
	a.ringCond = sync.NewCond(&a.mutex)
	return a
}

// SendSerialState queues a SERIAL_STATE notification carrying state
// (SerialState* bits) for delivery on the next interrupt IN request to
// the notification endpoint. Returns pkg.ErrBusy if the queue is full.
func (a *ACM) SendSerialState(state uint16) error {
	a.mutex.Lock()
	var ifaceNum uint8
	if a.controlIface != nil {
		ifaceNum = a.controlIface.Number
	}
	a.serialState = state
	a.mutex.Unlock()

	notif := SerialStateNotification{Interface: ifaceNum, State: state}
	buf := make([]byte, SerialStateNotificationSize)
	notif.MarshalTo(buf)

	select {
	case a.notify <- buf:
		return nil
	default:
		return pkg.ErrBusy
	}
}

// SetOnLineCodingChange sets the callback for line coding changes.
func (a *ACM) SetOnLineCodingChange(cb func(*LineCoding)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onLineCodingChange = cb
}

// SetOnControlStateChange sets the callback for control line state changes.
func (a *ACM) SetOnControlStateChange(cb func(dtr, rts bool)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onControlStateChange = cb
}

// SetOnBreak sets the callback for break signaling.
func (a *ACM) SetOnBreak(cb func(millis uint16)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onBreak = cb
}

// LineCoding returns the current line coding configuration.
func (a *ACM) LineCoding() LineCoding {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.lineCoding
}

// DTR returns the current DTR (Data Terminal Ready) state.
func (a *ACM) DTR() bool {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.controlState&ControlLineDTR != 0
}

// RTS returns the current RTS (Request To Send) state.
func (a *ACM) RTS() bool {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.controlState&ControlLineRTS != 0
}

// Init attaches the handler to one of its two interfaces (control or
// data); both must be attached before the handler is considered ready.
func (a *ACM) Init(iface *device.Interface) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if iface.Class == ClassCDC {
		a.controlIface = iface
		for _, ep := range iface.Endpoints() {
			if ep.IsIn() && ep.IsInterrupt() {
				a.notifyEP = ep
				break
			}
		}
	} else if iface.Class == ClassCDCData {
		a.dataIface = iface
		for _, ep := range iface.Endpoints() {
			if ep.IsIn() && ep.IsBulk() {
				a.dataInEP = ep
			} else if ep.IsOut() && ep.IsBulk() {
				a.dataOutEP = ep
			}
		}
	}

	if a.controlIface != nil && a.dataIface != nil &&
		a.dataInEP != nil && a.dataOutEP != nil {
		a.configured = true
		pkg.LogDebug(pkg.ComponentDevice, "CDC-ACM configured",
			"dataIn", a.dataInEP.Address,
			"dataOut", a.dataOutEP.Address)
	}

	return nil
}

// ClassDescriptor assembles the CDC functional descriptors (Header, Call
// Management, ACM, Union) owned by the control interface. The data
// interface carries no class-specific descriptor.
func (a *ACM) ClassDescriptor(iface *device.Interface) []byte {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if a.controlIface == nil || iface != a.controlIface {
		return nil
	}

	var dataNum, controlNum uint8
	if a.dataIface != nil {
		dataNum = a.dataIface.Number
	}
	controlNum = a.controlIface.Number

	offset := 0
	header := HeaderDescriptor{CDCVersion: 0x0110}
	offset += header.MarshalTo(a.classDescBuf[offset:])

	callMgmt := CallManagementDescriptor{
		Capabilities:  CallMgmtCallMgmtOverDataClass,
		DataInterface: dataNum,
	}
	offset += callMgmt.MarshalTo(a.classDescBuf[offset:])

	acmDesc := ACMDescriptor{Capabilities: ACMCapLineCoding}
	offset += acmDesc.MarshalTo(a.classDescBuf[offset:])

	union := UnionDescriptor{
		MasterInterface: controlNum,
		SlaveInterface0: dataNum,
	}
	offset += union.MarshalTo(a.classDescBuf[offset:])

	return a.classDescBuf[:offset]
}

// HandleURB services class-specific control requests and loops bulk data
// through the internal ring buffer.
func (a *ACM) HandleURB(ctx context.Context, req *device.Request) (*device.Completion, error) {
	if req.Kind == device.TransferControl {
		return a.handleControl(req)
	}

	if req.Endpoint == nil {
		return nil, pkg.ErrInvalidEndpoint
	}

	a.mutex.RLock()
	notifyEP := a.notifyEP
	a.mutex.RUnlock()

	if req.Endpoint == notifyEP {
		select {
		case notif := <-a.notify:
			return &device.Completion{Data: notif, Status: pkg.TransferStatusSuccess}, nil
		case <-ctx.Done():
			return nil, pkg.ErrCancelled
		}
	}

	if req.Endpoint.IsOut() {
		a.ringWrite(req.Data)
		return &device.Completion{Status: pkg.TransferStatusSuccess}, nil
	}

	if req.Endpoint.IsIn() {
		data, err := a.ringRead(ctx, req.Length)
		if err != nil {
			return nil, err
		}
		return &device.Completion{Data: data, Status: pkg.TransferStatusSuccess}, nil
	}

	return nil, pkg.ErrInvalidEndpoint
}

func (a *ACM) ringWrite(data []byte) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	for _, b := range data {
		if a.ringCount >= MaxRingBufferSize {
			break // drop on overrun
		}
		a.ring[a.ringTail] = b
		a.ringTail = (a.ringTail + 1) % MaxRingBufferSize
		a.ringCount++
	}
	a.ringCond.Broadcast()
}

// ringRead blocks until at least one byte is available, ctx is cancelled,
// or the connection is torn down.
func (a *ACM) ringRead(ctx context.Context, max int) ([]byte, error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.mutex.Lock()
			a.ringCond.Broadcast()
			a.mutex.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	for a.ringCount == 0 {
		if ctx.Err() != nil {
			return nil, pkg.ErrCancelled
		}
		a.ringCond.Wait()
	}
	if ctx.Err() != nil {
		return nil, pkg.ErrCancelled
	}

	n := a.ringCount
	if max > 0 && n > max {
		n = max
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = a.ring[a.ringHead]
		a.ringHead = (a.ringHead + 1) % MaxRingBufferSize
	}
	a.ringCount -= n
	return out, nil
}

func (a *ACM) handleControl(req *device.Request) (*device.Completion, error) {
	setup := req.Setup
	if !setup.IsClass() {
		return nil, pkg.ErrNotSupported
	}

	switch setup.Request {
	case RequestSetLineCoding:
		return a.handleSetLineCoding(req.Data)
	case RequestGetLineCoding:
		return a.handleGetLineCoding()
	case RequestSetControlLineState:
		return a.handleSetControlLineState(setup)
	case RequestSendBreak:
		return a.handleSendBreak(setup)
	default:
		return nil, pkg.ErrNotSupported
	}
}

func (a *ACM) handleSetLineCoding(data []byte) (*device.Completion, error) {
	if len(data) < LineCodingSize {
		return nil, pkg.ErrBufferTooSmall
	}

	a.mutex.Lock()
	if !ParseLineCoding(data, &a.lineCoding) {
		a.mutex.Unlock()
		return nil, pkg.ErrBufferTooSmall
	}
	cb := a.onLineCodingChange
	lc := a.lineCoding
	a.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentDevice, "line coding set",
		"baud", lc.DTERate, "dataBits", lc.DataBits,
		"parity", lc.ParityType, "stopBits", lc.CharFormat)

	if cb != nil {
		cb(&lc)
	}
	return &device.Completion{Status: pkg.TransferStatusSuccess}, nil
}

func (a *ACM) handleGetLineCoding() (*device.Completion, error) {
	a.mutex.RLock()
	n := a.lineCoding.MarshalTo(a.responseBuf[:])
	a.mutex.RUnlock()

	if n == 0 {
		return nil, pkg.ErrBufferTooSmall
	}
	out := make([]byte, n)
	copy(out, a.responseBuf[:n])
	return &device.Completion{Data: out, Status: pkg.TransferStatusSuccess}, nil
}

func (a *ACM) handleSetControlLineState(setup *device.SetupPacket) (*device.Completion, error) {
	a.mutex.Lock()
	a.controlState = setup.Value
	cb := a.onControlStateChange
	dtr := a.controlState&ControlLineDTR != 0
	rts := a.controlState&ControlLineRTS != 0
	a.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentDevice, "control line state set", "dtr", dtr, "rts", rts)

	if cb != nil {
		cb(dtr, rts)
	}
	return &device.Completion{Status: pkg.TransferStatusSuccess}, nil
}

func (a *ACM) handleSendBreak(setup *device.SetupPacket) (*device.Completion, error) {
	millis := setup.Value

	a.mutex.RLock()
	cb := a.onBreak
	a.mutex.RUnlock()

	pkg.LogDebug(pkg.ComponentDevice, "break signaled", "duration_ms", millis)

	if cb != nil {
		cb(millis)
	}
	return &device.Completion{Status: pkg.TransferStatusSuccess}, nil
}

// SetAlternate handles alternate setting changes.
func (a *ACM) SetAlternate(iface *device.Interface, alt uint8) error {
	pkg.LogDebug(pkg.ComponentDevice, "CDC alternate setting", "interface", iface.Number, "alt", alt)
	return nil
}

// Close releases resources held by the handler.
func (a *ACM) Close() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.controlIface = nil
	a.dataIface = nil
	a.notifyEP = nil
	a.dataInEP = nil
	a.dataOutEP = nil
	a.configured = false
	return nil
}

// ConfigureDevice adds CDC-ACM control and data interfaces to a device
// builder. Call this after AddConfiguration.
func (a *ACM) ConfigureDevice(builder *device.DeviceBuilder, notifyEPAddr, dataInEPAddr, dataOutEPAddr uint8) *device.DeviceBuilder {
	builder.AddInterface(ClassCDC, SubclassACM, ProtocolAT)
	builder.AddEndpoint(notifyEPAddr|device.EndpointDirectionIn, device.EndpointTypeInterrupt, 8)

	builder.AddInterface(ClassCDCData, 0, 0)
	builder.AddEndpoint(dataInEPAddr|device.EndpointDirectionIn, device.EndpointTypeBulk, 64)
	builder.AddEndpoint(dataOutEPAddr&0x0F, device.EndpointTypeBulk, 64)

	return builder
}

// AttachToInterfaces installs this handler on both the control and data
// interfaces of a CDC-ACM function.
func (a *ACM) AttachToInterfaces(dev *device.Device, configValue, controlIfaceNum, dataIfaceNum uint8) error {
	config := dev.GetConfiguration(configValue)
	if config == nil {
		return pkg.ErrInvalidRequest
	}

	controlIface := config.GetInterface(controlIfaceNum)
	if controlIface == nil {
		return pkg.ErrInvalidRequest
	}

	dataIface := config.GetInterface(dataIfaceNum)
	if dataIface == nil {
		return pkg.ErrInvalidRequest
	}

	if err := controlIface.SetHandler(a); err != nil {
		return err
	}
	return dataIface.SetHandler(a)
}

var _ device.Handler = (*ACM)(nil)
var _ device.DescriptorProvider = (*ACM)(nil)
