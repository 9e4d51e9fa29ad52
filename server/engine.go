// Package server implements the USB/IP network protocol: the Phase 1
// operation exchange (device list, import) and the Phase 2 URB stream
// that follows a successful import, each driven over one TCP
// connection per client.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/ardnew/usbipd/device"
	"github.com/ardnew/usbipd/pkg"
	"github.com/ardnew/usbipd/registry"
	"github.com/ardnew/usbipd/usbip"
)

// Engine accepts USB/IP client connections and serves them against a
// shared device Registry.
type Engine struct {
	registry *registry.Registry

	sessMu   sync.Mutex
	sessions map[string]*session
}

// NewEngine creates an Engine serving the given registry.
func NewEngine(reg *registry.Registry) *Engine {
	return &Engine{
		registry: reg,
		sessions: make(map[string]*session),
	}
}

// Registry returns the Engine's device registry, for read-only
// introspection by the admin API.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Sessions returns a snapshot of every connection currently in Phase 2,
// for read-only introspection by the admin API.
func (e *Engine) Sessions() []Info {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()

	out := make([]Info, 0, len(e.sessions))
	for _, sess := range e.sessions {
		out = append(out, sess.info())
	}
	return out
}

func (e *Engine) trackSession(sess *session) {
	e.sessMu.Lock()
	e.sessions[sess.remote] = sess
	e.sessMu.Unlock()
}

func (e *Engine) untrackSession(sess *session) {
	e.sessMu.Lock()
	delete(e.sessions, sess.remote)
	e.sessMu.Unlock()
}

// Serve runs the accept loop on ln until ctx is cancelled or ln is
// closed. It always returns a non-nil error; a cancelled ctx yields
// nil only via the caller checking ctx.Err() after Serve returns.
func (e *Engine) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	pkg.LogInfo(pkg.ComponentServer, "listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		go e.serveConn(ctx, conn)
	}
}

func (e *Engine) serveConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	pkg.LogInfo(pkg.ComponentServer, "connection accepted", "remote", remote)
	defer conn.Close()

	if err := e.handleConn(ctx, conn, remote); err != nil && !isClientDisconnect(err) {
		pkg.LogWarn(pkg.ComponentServer, "connection ended with error",
			"remote", remote, "error", err)
	} else {
		pkg.LogInfo(pkg.ComponentServer, "connection closed", "remote", remote)
	}
}

// handleConn runs the Phase 1 operation loop for one connection,
// transitioning into the Phase 2 URB stream once a device import
// succeeds. It returns when the connection is closed or a protocol
// error occurs.
func (e *Engine) handleConn(ctx context.Context, conn net.Conn, remote string) error {
	sess := newSession(remote)

	for {
		var hdrBuf [usbip.OpHeaderSize]byte
		if err := usbip.ReadExact(conn, hdrBuf[:]); err != nil {
			return err
		}
		var hdr usbip.OpHeader
		if err := usbip.ParseOpHeader(hdrBuf[:], &hdr); err != nil {
			return err
		}
		if hdr.Version != usbip.Version {
			return fmt.Errorf("server: unsupported protocol version 0x%04x", hdr.Version)
		}

		switch hdr.Command {
		case usbip.OpReqDevlist:
			if err := e.handleDevList(conn); err != nil {
				return err
			}
			sess.state = StateDeviceListed

		case usbip.OpReqImport:
			entry, err := e.handleImport(conn, remote)
			if err != nil {
				return err
			}
			if entry == nil {
				// Import failed at the application level; the reply was
				// already sent and the connection stays in Phase 1.
				continue
			}
			sess.state = StateAttached
			sess.entry = entry
			// A new import starts from a bus reset, so the device
			// accepts SET_ADDRESS from the Default state.
			entry.Device.Reset()
			return e.handleURBStream(ctx, conn, sess)

		default:
			return fmt.Errorf("server: unknown operation code 0x%04x", hdr.Command)
		}
	}
}

// handleDevList replies to OP_REQ_DEVLIST with every registered device
// and its interfaces.
func (e *Engine) handleDevList(conn net.Conn) error {
	entries := e.registry.All()

	var body []byte
	replyHdr := usbip.OpHeader{Version: usbip.Version, Command: usbip.OpRepDevlist, Status: 0}
	hdrBuf := make([]byte, usbip.OpHeaderSize)
	replyHdr.MarshalTo(hdrBuf)
	body = append(body, hdrBuf...)

	count := make([]byte, 4)
	putUint32(count, uint32(len(entries)))
	body = append(body, count...)

	for _, entry := range entries {
		devBuf := make([]byte, usbip.DeviceBlockSize)
		deviceBlockFor(entry).MarshalTo(devBuf)
		body = append(body, devBuf...)

		for _, ib := range interfaceBlocksFor(entry) {
			ibBuf := make([]byte, usbip.InterfaceBlockSize)
			ib.MarshalTo(ibBuf)
			body = append(body, ibBuf...)
		}
	}

	return usbip.WriteAll(conn, body)
}

// handleImport reads the requested bus-id, attempts to attach the
// device, and writes OP_REP_IMPORT. A nil, nil return means the import
// failed but the connection remains usable for further Phase 1 ops; a
// non-nil error means the connection itself is unusable.
func (e *Engine) handleImport(conn net.Conn, owner string) (*registry.Entry, error) {
	busIDBuf := make([]byte, usbip.BusIDSize)
	if err := usbip.ReadExact(conn, busIDBuf); err != nil {
		return nil, err
	}
	busID := strings.TrimRight(string(busIDBuf), "\x00")

	entry, attachErr := e.registry.TryAttach(busID, owner)

	status := uint32(0)
	if attachErr != nil {
		status = 1
	}
	hdr := usbip.OpHeader{Version: usbip.Version, Command: usbip.OpRepImport, Status: status}
	hdrBuf := make([]byte, usbip.OpHeaderSize)
	hdr.MarshalTo(hdrBuf)

	var reply []byte
	reply = append(reply, hdrBuf...)
	if attachErr == nil {
		devBuf := make([]byte, usbip.DeviceBlockSize)
		deviceBlockFor(entry).MarshalTo(devBuf)
		reply = append(reply, devBuf...)
	}

	if err := usbip.WriteAll(conn, reply); err != nil {
		return nil, err
	}
	if attachErr != nil {
		pkg.LogInfo(pkg.ComponentServer, "import rejected",
			"busid", busID, "remote", owner, "error", attachErr)
		return nil, nil
	}
	return entry, nil
}

// handleURBStream runs the Phase 2 loop for an attached connection:
// reading CMD_SUBMIT/CMD_UNLINK frames and dispatching them against
// the imported device until the connection closes.
func (e *Engine) handleURBStream(ctx context.Context, conn net.Conn, sess *session) error {
	defer e.registry.Release(sess.entry, sess.remote)

	d := newDispatcher(conn)
	defer d.Close()
	sess.disp = d

	e.trackSession(sess)
	defer e.untrackSession(sess)

	for {
		var hdrBuf [usbip.HeaderSize]byte
		if err := usbip.ReadExact(conn, hdrBuf[:]); err != nil {
			return err
		}
		var hdr usbip.Header
		if err := usbip.ParseHeader(hdrBuf[:], &hdr); err != nil {
			return err
		}

		switch hdr.Command {
		case usbip.CmdSubmit:
			if err := e.readAndDispatchSubmit(ctx, conn, sess, d, hdr); err != nil {
				return err
			}

		case usbip.CmdUnlink:
			var extraBuf [usbip.UnlinkExtraSize]byte
			if err := usbip.ReadExact(conn, extraBuf[:]); err != nil {
				return err
			}
			var extra usbip.UnlinkExtra
			if err := usbip.ParseUnlinkExtra(extraBuf[:], &extra); err != nil {
				return err
			}

			cancelled := d.Unlink(extra.UnlinkSeqnum)
			status := int32(0)
			if cancelled {
				status = pkg.Errno(pkg.ErrCancelled)
			}
			frame := buildRetUnlink(hdr, status)
			if err := d.enqueue(frame); err != nil {
				return err
			}

		default:
			return fmt.Errorf("server: unknown URB command 0x%08x", hdr.Command)
		}
	}
}

func (e *Engine) readAndDispatchSubmit(ctx context.Context, conn net.Conn, sess *session, d *dispatcher, hdr usbip.Header) error {
	var extraBuf [usbip.SubmitExtraSize]byte
	if err := usbip.ReadExact(conn, extraBuf[:]); err != nil {
		return err
	}
	var extra usbip.SubmitExtra
	if err := usbip.ParseSubmitExtra(extraBuf[:], &extra); err != nil {
		return err
	}

	var payload []byte
	if hdr.Direction == usbip.DirOut && extra.TransferBufferLength > 0 {
		payload = make([]byte, extra.TransferBufferLength)
		if err := usbip.ReadExact(conn, payload); err != nil {
			return err
		}
	}

	entry := sess.entry
	d.Submit(ctx, hdr.Seqnum, func(hctx context.Context) (*device.Completion, error) {
		return e.execute(hctx, entry, hdr, extra, payload)
	}, func(completion *device.Completion, err error) {
		frame := buildRetSubmit(hdr, completion, err)
		if werr := d.enqueue(frame); werr != nil {
			pkg.LogWarn(pkg.ComponentDispatcher, "dropped RET_SUBMIT, connection closed",
				"seq", hdr.Seqnum, "error", werr)
		}
	})
	return nil
}

// execute dispatches one URB to the emulated device: standard control
// requests are handled entirely here, everything else is forwarded to
// the owning interface's Handler.
func (e *Engine) execute(ctx context.Context, entry *registry.Entry, hdr usbip.Header, extra usbip.SubmitExtra, payload []byte) (*device.Completion, error) {
	dev := entry.Device
	ep := uint8(hdr.Ep)

	if ep == 0 {
		var setup device.SetupPacket
		if err := device.ParseSetupPacket(extra.Setup[:], &setup); err != nil {
			return nil, err
		}

		if setup.IsStandard() {
			resp, err := device.NewStandardRequestHandler(dev).HandleSetup(&setup, payload)
			if err != nil {
				return nil, err
			}
			return &device.Completion{Data: resp, Status: pkg.TransferStatusSuccess}, nil
		}

		iface := dev.GetInterface(setup.InterfaceNumber())
		if iface == nil {
			return nil, pkg.ErrInvalidEndpoint
		}
		return iface.HandleURB(ctx, &device.Request{
			Endpoint: dev.ControlEndpoint(),
			Kind:     device.TransferControl,
			Setup:    &setup,
			Data:     payload,
			Length:   int(setup.Length),
			Seq:      hdr.Seqnum,
		})
	}

	addr := ep
	if hdr.Direction == usbip.DirIn {
		addr |= device.EndpointDirectionIn
	}

	epObj := dev.GetEndpoint(addr)
	if epObj == nil {
		return nil, pkg.ErrInvalidEndpoint
	}
	iface := findInterfaceForEndpoint(dev, addr)
	if iface == nil {
		return nil, pkg.ErrInvalidEndpoint
	}

	return iface.HandleURB(ctx, &device.Request{
		Endpoint: epObj,
		Kind:     transferKindFor(epObj),
		Data:     payload,
		Length:   int(extra.TransferBufferLength),
		Seq:      hdr.Seqnum,
	})
}

func findInterfaceForEndpoint(dev *device.Device, addr uint8) *device.Interface {
	cfg := dev.ActiveConfiguration()
	if cfg == nil {
		return nil
	}
	for _, iface := range cfg.Interfaces() {
		if iface.GetEndpoint(addr) != nil {
			return iface
		}
	}
	return nil
}

func transferKindFor(ep *device.Endpoint) device.TransferKind {
	switch {
	case ep.IsBulk():
		return device.TransferBulk
	case ep.IsInterrupt():
		return device.TransferInterrupt
	case ep.IsIsochronous():
		return device.TransferIsochronous
	default:
		return device.TransferControl
	}
}

func buildRetSubmit(hdr usbip.Header, completion *device.Completion, err error) []byte {
	status := int32(0)
	var data []byte
	switch {
	case err != nil:
		status = pkg.Errno(err)
	case completion != nil:
		status = pkg.ErrnoForStatus(completion.Status)
		data = completion.Data
	}

	retHdr := usbip.Header{
		Command:   usbip.RetSubmit,
		Seqnum:    hdr.Seqnum,
		Devid:     hdr.Devid,
		Direction: hdr.Direction,
		Ep:        hdr.Ep,
	}
	retExtra := usbip.RetSubmitExtra{Status: status, ActualLength: uint32(len(data))}

	frame := make([]byte, usbip.HeaderSize+usbip.RetSubmitExtraSize+len(data))
	off := retHdr.MarshalTo(frame)
	off += retExtra.MarshalTo(frame[off:])
	copy(frame[off:], data)
	return frame
}

func buildRetUnlink(hdr usbip.Header, status int32) []byte {
	retHdr := usbip.Header{
		Command:   usbip.RetUnlink,
		Seqnum:    hdr.Seqnum,
		Devid:     hdr.Devid,
		Direction: hdr.Direction,
		Ep:        hdr.Ep,
	}
	retExtra := usbip.RetUnlinkExtra{Status: status}

	frame := make([]byte, usbip.HeaderSize+usbip.RetUnlinkExtraSize)
	off := retHdr.MarshalTo(frame)
	retExtra.MarshalTo(frame[off:])
	return frame
}

func deviceBlockFor(e *registry.Entry) *usbip.DeviceBlock {
	dev := e.Device
	desc := dev.Descriptor

	numIfaces := uint8(0)
	if cfg := dev.GetConfiguration(1); cfg != nil {
		numIfaces = uint8(cfg.NumInterfaces())
	}

	return &usbip.DeviceBlock{
		Path:               e.Path,
		BusID:              e.BusID,
		BusNum:             e.BusNum,
		DevNum:             e.DevNum,
		Speed:              wireSpeed(e.Speed),
		VendorID:           desc.VendorID,
		ProductID:          desc.ProductID,
		BCDDevice:          desc.DeviceVersion,
		DeviceClass:        desc.DeviceClass,
		DeviceSubClass:     desc.DeviceSubClass,
		DeviceProtocol:     desc.DeviceProtocol,
		ConfigurationValue: 1,
		NumConfigurations:  desc.NumConfigurations,
		NumInterfaces:      numIfaces,
	}
}

func interfaceBlocksFor(e *registry.Entry) []usbip.InterfaceBlock {
	cfg := e.Device.GetConfiguration(1)
	if cfg == nil {
		return nil
	}
	ifaces := cfg.Interfaces()
	blocks := make([]usbip.InterfaceBlock, len(ifaces))
	for i, iface := range ifaces {
		blocks[i] = usbip.InterfaceBlock{
			Class:    iface.Class,
			SubClass: iface.SubClass,
			Protocol: iface.Protocol,
		}
	}
	return blocks
}

func putUint32(buf []byte, v uint32) {
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
}

// isClientDisconnect reports whether err is an ordinary consequence of
// the remote end going away rather than a genuine protocol failure.
func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "reset by peer") ||
		strings.Contains(err.Error(), "broken pipe")
}
