package usbip

import (
	"encoding/binary"

	"github.com/ardnew/usbipd/pkg"
)

// Version is the USB/IP protocol version advertised in every Phase 1
// operation header.
const Version uint16 = 0x0111

// Phase 1 operation codes.
const (
	OpReqDevlist uint16 = 0x8005
	OpRepDevlist uint16 = 0x0005
	OpReqImport  uint16 = 0x8003
	OpRepImport  uint16 = 0x0003
)

// Phase 2 command codes.
const (
	CmdSubmit uint32 = 0x00000001
	CmdUnlink uint32 = 0x00000002
	RetSubmit uint32 = 0x00000003
	RetUnlink uint32 = 0x00000004
)

// Direction values carried in the Phase 2 header.
const (
	DirOut uint32 = 0
	DirIn  uint32 = 1
)

// Speed values as they appear in a device block, per the Linux usbip
// wire protocol (distinct from device.Speed's local numbering).
const (
	WireSpeedUnknown  uint32 = 0
	WireSpeedLow      uint32 = 1
	WireSpeedFull     uint32 = 2
	WireSpeedHigh     uint32 = 3
	WireSpeedWireless uint32 = 4
	WireSpeedSuper    uint32 = 5
)

// Fixed field widths for the padded string fields in a device block.
const (
	BusIDSize = 32
	PathSize  = 256
)

// Byte sizes of the fixed wire structures.
const (
	OpHeaderSize       = 8
	DeviceBlockSize    = PathSize + BusIDSize + 4 + 4 + 4 + 2 + 2 + 2 + 1 + 1 + 1 + 1 + 1 + 1
	InterfaceBlockSize = 4
	HeaderSize         = 20
	SubmitExtraSize    = 28
	RetSubmitExtraSize = 28
	UnlinkExtraSize    = 28
	RetUnlinkExtraSize = 28
)

// OpHeader is the 8-byte header that begins every Phase 1 operation
// frame: version, command code, and a status word (always zero in
// requests).
type OpHeader struct {
	Version uint16
	Command uint16
	Status  uint32
}

// MarshalTo writes the header to buf in network byte order.
func (h *OpHeader) MarshalTo(buf []byte) int {
	if len(buf) < OpHeaderSize {
		return 0
	}
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Status)
	return OpHeaderSize
}

// ParseOpHeader parses an 8-byte operation header from data into out.
func ParseOpHeader(data []byte, out *OpHeader) error {
	if len(data) < OpHeaderSize {
		return pkg.ErrBufferTooSmall
	}
	out.Version = binary.BigEndian.Uint16(data[0:2])
	out.Command = binary.BigEndian.Uint16(data[2:4])
	out.Status = binary.BigEndian.Uint32(data[4:8])
	return nil
}

// DeviceBlock is the 312-byte device record embedded in OP_REP_DEVLIST
// and OP_REP_IMPORT replies.
type DeviceBlock struct {
	Path               string // padded to PathSize, NUL-terminated
	BusID              string // padded to BusIDSize, NUL-terminated
	BusNum             uint32
	DevNum             uint32
	Speed              uint32
	VendorID           uint16
	ProductID          uint16
	BCDDevice          uint16
	DeviceClass        uint8
	DeviceSubClass     uint8
	DeviceProtocol     uint8
	ConfigurationValue uint8
	NumConfigurations  uint8
	NumInterfaces      uint8
}

// MarshalTo writes the device block to buf. Returns the number of
// bytes written, or 0 if buf is too small.
func (d *DeviceBlock) MarshalTo(buf []byte) int {
	if len(buf) < DeviceBlockSize {
		return 0
	}
	off := 0
	off += putPaddedString(buf[off:off+PathSize], d.Path)
	off += putPaddedString(buf[off:off+BusIDSize], d.BusID)
	binary.BigEndian.PutUint32(buf[off:off+4], d.BusNum)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], d.DevNum)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], d.Speed)
	off += 4
	binary.BigEndian.PutUint16(buf[off:off+2], d.VendorID)
	off += 2
	binary.BigEndian.PutUint16(buf[off:off+2], d.ProductID)
	off += 2
	binary.BigEndian.PutUint16(buf[off:off+2], d.BCDDevice)
	off += 2
	buf[off] = d.DeviceClass
	off++
	buf[off] = d.DeviceSubClass
	off++
	buf[off] = d.DeviceProtocol
	off++
	buf[off] = d.ConfigurationValue
	off++
	buf[off] = d.NumConfigurations
	off++
	buf[off] = d.NumInterfaces
	off++
	return off
}

// putPaddedString writes s into buf, NUL-padded to len(buf). Truncates
// if s is longer than the field.
func putPaddedString(buf []byte, s string) int {
	n := copy(buf, s)
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return len(buf)
}

// InterfaceBlock is the 4-byte per-interface record following each
// device block in an OP_REP_DEVLIST reply.
type InterfaceBlock struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

// MarshalTo writes the interface block to buf.
func (b *InterfaceBlock) MarshalTo(buf []byte) int {
	if len(buf) < InterfaceBlockSize {
		return 0
	}
	buf[0] = b.Class
	buf[1] = b.SubClass
	buf[2] = b.Protocol
	buf[3] = 0
	return InterfaceBlockSize
}

// Header is the common 20-byte Phase 2 URB frame header shared by
// CMD_SUBMIT, CMD_UNLINK, RET_SUBMIT, and RET_UNLINK.
type Header struct {
	Command   uint32
	Seqnum    uint32
	Devid     uint32
	Direction uint32
	Ep        uint32
}

// MarshalTo writes the header to buf in big-endian order.
func (h *Header) MarshalTo(buf []byte) int {
	if len(buf) < HeaderSize {
		return 0
	}
	binary.BigEndian.PutUint32(buf[0:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Seqnum)
	binary.BigEndian.PutUint32(buf[8:12], h.Devid)
	binary.BigEndian.PutUint32(buf[12:16], h.Direction)
	binary.BigEndian.PutUint32(buf[16:20], h.Ep)
	return HeaderSize
}

// ParseHeader parses a 20-byte Phase 2 header from data into out.
func ParseHeader(data []byte, out *Header) error {
	if len(data) < HeaderSize {
		return pkg.ErrBufferTooSmall
	}
	out.Command = binary.BigEndian.Uint32(data[0:4])
	out.Seqnum = binary.BigEndian.Uint32(data[4:8])
	out.Devid = binary.BigEndian.Uint32(data[8:12])
	out.Direction = binary.BigEndian.Uint32(data[12:16])
	out.Ep = binary.BigEndian.Uint32(data[16:20])
	return nil
}

// SubmitExtra carries the 28 bytes of CMD_SUBMIT fields that follow
// the common header.
type SubmitExtra struct {
	TransferFlags        uint32
	TransferBufferLength uint32
	StartFrame           uint32
	NumberOfPackets      uint32
	Interval             uint32
	Setup                [8]byte
}

// MarshalTo writes the extra fields to buf.
func (e *SubmitExtra) MarshalTo(buf []byte) int {
	if len(buf) < SubmitExtraSize {
		return 0
	}
	binary.BigEndian.PutUint32(buf[0:4], e.TransferFlags)
	binary.BigEndian.PutUint32(buf[4:8], e.TransferBufferLength)
	binary.BigEndian.PutUint32(buf[8:12], e.StartFrame)
	binary.BigEndian.PutUint32(buf[12:16], e.NumberOfPackets)
	binary.BigEndian.PutUint32(buf[16:20], e.Interval)
	copy(buf[20:28], e.Setup[:])
	return SubmitExtraSize
}

// ParseSubmitExtra parses 28 bytes of CMD_SUBMIT extra fields from data
// into out.
func ParseSubmitExtra(data []byte, out *SubmitExtra) error {
	if len(data) < SubmitExtraSize {
		return pkg.ErrBufferTooSmall
	}
	out.TransferFlags = binary.BigEndian.Uint32(data[0:4])
	out.TransferBufferLength = binary.BigEndian.Uint32(data[4:8])
	out.StartFrame = binary.BigEndian.Uint32(data[8:12])
	out.NumberOfPackets = binary.BigEndian.Uint32(data[12:16])
	out.Interval = binary.BigEndian.Uint32(data[16:20])
	copy(out.Setup[:], data[20:28])
	return nil
}

// RetSubmitExtra carries the 28 bytes of RET_SUBMIT fields that follow
// the common header.
type RetSubmitExtra struct {
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
}

// MarshalTo writes the extra fields to buf, zero-padding the trailing
// reserved bytes.
func (e *RetSubmitExtra) MarshalTo(buf []byte) int {
	if len(buf) < RetSubmitExtraSize {
		return 0
	}
	binary.BigEndian.PutUint32(buf[0:4], uint32(e.Status))
	binary.BigEndian.PutUint32(buf[4:8], e.ActualLength)
	binary.BigEndian.PutUint32(buf[8:12], e.StartFrame)
	binary.BigEndian.PutUint32(buf[12:16], e.NumberOfPackets)
	binary.BigEndian.PutUint32(buf[16:20], e.ErrorCount)
	for i := 20; i < RetSubmitExtraSize; i++ {
		buf[i] = 0
	}
	return RetSubmitExtraSize
}

// ParseRetSubmitExtra parses 28 bytes of RET_SUBMIT extra fields from
// data into out, ignoring the trailing reserved bytes.
func ParseRetSubmitExtra(data []byte, out *RetSubmitExtra) error {
	if len(data) < RetSubmitExtraSize {
		return pkg.ErrBufferTooSmall
	}
	out.Status = int32(binary.BigEndian.Uint32(data[0:4]))
	out.ActualLength = binary.BigEndian.Uint32(data[4:8])
	out.StartFrame = binary.BigEndian.Uint32(data[8:12])
	out.NumberOfPackets = binary.BigEndian.Uint32(data[12:16])
	out.ErrorCount = binary.BigEndian.Uint32(data[16:20])
	return nil
}

// UnlinkExtra carries the target sequence number plus reserved padding
// that follows the common header in a CMD_UNLINK frame.
type UnlinkExtra struct {
	UnlinkSeqnum uint32
}

// ParseUnlinkExtra parses the 28-byte CMD_UNLINK extra fields from data
// into out.
func ParseUnlinkExtra(data []byte, out *UnlinkExtra) error {
	if len(data) < UnlinkExtraSize {
		return pkg.ErrBufferTooSmall
	}
	out.UnlinkSeqnum = binary.BigEndian.Uint32(data[0:4])
	return nil
}

// RetUnlinkExtra carries the status field plus reserved padding that
// follows the common header in a RET_UNLINK frame.
type RetUnlinkExtra struct {
	Status int32
}

// MarshalTo writes the extra fields to buf, zero-padding the trailing
// reserved bytes.
func (e *RetUnlinkExtra) MarshalTo(buf []byte) int {
	if len(buf) < RetUnlinkExtraSize {
		return 0
	}
	binary.BigEndian.PutUint32(buf[0:4], uint32(e.Status))
	for i := 4; i < RetUnlinkExtraSize; i++ {
		buf[i] = 0
	}
	return RetUnlinkExtraSize
}
