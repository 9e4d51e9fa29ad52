package msc

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/ardnew/usbipd/device"
	"github.com/ardnew/usbipd/pkg"
)

// MSC implements the Mass Storage Class Bulk-Only Transport handler. Each
// bulk OUT URB is inspected: a well-formed CBW starts a new command,
// processed in its own goroutine so later OUT URBs can deliver its data
// stage; anything else is forwarded as data-stage bytes to the in-flight
// command. Bulk IN URBs drain a queue of reply chunks (data stage then
// CSW) fed by sendCSW/sendData.
type MSC struct {
	iface *device.Interface

	bulkInEP  *device.Endpoint // Bulk IN (device to host)
	bulkOutEP *device.Endpoint // Bulk OUT (host to device)

	storage Storage
	inquiry InquiryResponse

	currentCBW  CommandBlockWrapper
	currentTag  uint32
	dataResidue uint32

	senseKey uint8
	asc      uint8
	ascq     uint8

	cbwBuf   [CBWSize]byte
	cswBuf   [CSWSize]byte
	dataBuf  [MaxTransferSize]byte
	senseBuf [18]byte

	inData  chan []byte
	outData chan []byte

	mutex      sync.RWMutex
	configured bool

	maxLUN uint8
}

// New creates a new MSC class handler with the given storage backend.
// vendorID and productID are 8 and 16 character strings respectively.
func New(storage Storage, vendorID, productID string) *MSC {
	m := &MSC{
		storage: storage,
		maxLUN:  0,
		inData:  make(chan []byte, 4),
		outData: make(chan []byte, 4),
	}

	m.inquiry = *NewInquiryResponse(
		DeviceTypeDisk,
		storage.IsRemovable(),
		vendorID,
		productID,
		"1.0",
	)

	m.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)

	return m
}

// SetMaxLUN sets the maximum Logical Unit Number (0-15).
func (m *MSC) SetMaxLUN(lun uint8) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if lun <= 15 {
		m.maxLUN = lun
	}
}

// Init attaches the handler to its interface and locates its bulk endpoints.
func (m *MSC) Init(iface *device.Interface) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.iface = iface

	for _, ep := range iface.Endpoints() {
		if ep.IsBulk() {
			if ep.IsIn() {
				m.bulkInEP = ep
			} else {
				m.bulkOutEP = ep
			}
		}
	}

	if m.bulkInEP == nil || m.bulkOutEP == nil {
		return pkg.ErrInvalidEndpoint
	}

	m.configured = true
	pkg.LogDebug(pkg.ComponentDevice, "MSC configured",
		"bulkIn", m.bulkInEP.Address,
		"bulkOut", m.bulkOutEP.Address)

	return nil
}

// HandleURB services class-specific control requests and the bulk-only
// transport's command/data/status phases.
func (m *MSC) HandleURB(ctx context.Context, req *device.Request) (*device.Completion, error) {
	if req.Kind == device.TransferControl {
		return m.handleControl(req)
	}

	if req.Endpoint == nil {
		return nil, pkg.ErrInvalidEndpoint
	}

	if req.Endpoint.IsOut() {
		return m.handleBulkOut(ctx, req.Data)
	}

	if req.Endpoint.IsIn() {
		select {
		case chunk := <-m.inData:
			return &device.Completion{Data: chunk, Status: pkg.TransferStatusSuccess}, nil
		case <-ctx.Done():
			return nil, pkg.ErrCancelled
		}
	}

	return nil, pkg.ErrInvalidEndpoint
}

func (m *MSC) handleBulkOut(ctx context.Context, data []byte) (*device.Completion, error) {
	var cbw CommandBlockWrapper
	if ParseCBW(data, &cbw) {
		m.currentCBW = cbw
		m.currentTag = cbw.Tag

		pkg.LogDebug(pkg.ComponentDevice, "CBW received",
			"tag", cbw.Tag,
			"dataLen", cbw.DataTransferLength,
			"flags", cbw.Flags,
			"lun", cbw.LUN,
			"cbLen", cbw.CBLength,
			"opcode", cbw.CB[0])

		go m.runCommand(ctx, cbw)
		return &device.Completion{Status: pkg.TransferStatusSuccess}, nil
	}

	// Data-stage bytes for a command already in flight (e.g. WRITE(10)).
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case m.outData <- cp:
	case <-ctx.Done():
		return nil, pkg.ErrCancelled
	}
	return &device.Completion{Status: pkg.TransferStatusSuccess}, nil
}

func (m *MSC) runCommand(ctx context.Context, cbw CommandBlockWrapper) {
	status, residue := m.handleSCSICommand(ctx, &cbw)
	if err := m.sendCSW(ctx, status, residue); err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "CSW send failed", "error", err)
	}
}

func (m *MSC) handleControl(req *device.Request) (*device.Completion, error) {
	setup := req.Setup
	if !setup.IsClass() {
		return nil, pkg.ErrNotSupported
	}

	switch setup.Request {
	case RequestBulkOnlyMassStorageReset:
		return m.handleReset()
	case RequestGetMaxLUN:
		return m.handleGetMaxLUN()
	default:
		return nil, pkg.ErrNotSupported
	}
}

func (m *MSC) handleReset() (*device.Completion, error) {
	pkg.LogDebug(pkg.ComponentDevice, "MSC reset requested")

	m.mutex.Lock()
	m.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)
	m.mutex.Unlock()

	return &device.Completion{Status: pkg.TransferStatusSuccess}, nil
}

func (m *MSC) handleGetMaxLUN() (*device.Completion, error) {
	m.mutex.RLock()
	maxLUN := m.maxLUN
	m.mutex.RUnlock()

	pkg.LogDebug(pkg.ComponentDevice, "Get Max LUN", "maxLUN", maxLUN)

	return &device.Completion{Data: []byte{maxLUN}, Status: pkg.TransferStatusSuccess}, nil
}

// SetAlternate handles alternate setting changes.
func (m *MSC) SetAlternate(iface *device.Interface, alt uint8) error {
	pkg.LogDebug(pkg.ComponentDevice, "MSC alternate setting",
		"interface", iface.Number,
		"alt", alt)
	return nil
}

// Close releases resources held by the handler.
func (m *MSC) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.iface = nil
	m.bulkInEP = nil
	m.bulkOutEP = nil
	m.configured = false

	return nil
}

// setSense sets sense data for the next REQUEST SENSE command.
func (m *MSC) setSense(key, asc, ascq uint8) {
	m.senseKey = key
	m.asc = asc
	m.ascq = ascq
}

// ConfigureDevice adds the MSC interface to a device builder.
func (m *MSC) ConfigureDevice(builder *device.DeviceBuilder, bulkInEPAddr, bulkOutEPAddr uint8) *device.DeviceBuilder {
	builder.AddInterface(ClassMSC, SubclassSCSI, ProtocolBulkOnly)
	builder.AddEndpoint(bulkInEPAddr|device.EndpointDirectionIn, device.EndpointTypeBulk, 64)
	builder.AddEndpoint(bulkOutEPAddr&0x0F, device.EndpointTypeBulk, 64)
	return builder
}

// AttachToInterface installs this handler on the named interface.
func (m *MSC) AttachToInterface(dev *device.Device, configValue, ifaceNum uint8) error {
	config := dev.GetConfiguration(configValue)
	if config == nil {
		return pkg.ErrInvalidRequest
	}

	iface := config.GetInterface(ifaceNum)
	if iface == nil {
		return pkg.ErrInvalidRequest
	}

	return iface.SetHandler(m)
}

// sendCSW sends a Command Status Wrapper to the reply queue.
func (m *MSC) sendCSW(ctx context.Context, status uint8, residue uint32) error {
	csw := NewCSW(m.currentTag, residue, status)
	buf := make([]byte, CSWSize)
	csw.MarshalTo(buf)

	select {
	case m.inData <- buf:
	case <-ctx.Done():
		return pkg.ErrCancelled
	}

	pkg.LogDebug(pkg.ComponentDevice, "CSW sent",
		"tag", csw.Tag,
		"residue", residue,
		"status", status)
	return nil
}

// parseU16BE parses a big-endian uint16 from data at offset.
func parseU16BE(data []byte, offset int) uint16 {
	if offset+2 > len(data) {
		return 0
	}
	return binary.BigEndian.Uint16(data[offset:])
}

// parseU32BE parses a big-endian uint32 from data at offset.
func parseU32BE(data []byte, offset int) uint32 {
	if offset+4 > len(data) {
		return 0
	}
	return binary.BigEndian.Uint32(data[offset:])
}

// parseU64BE parses a big-endian uint64 from data at offset.
func parseU64BE(data []byte, offset int) uint64 {
	if offset+8 > len(data) {
		return 0
	}
	return binary.BigEndian.Uint64(data[offset:])
}

var _ device.Handler = (*MSC)(nil)
