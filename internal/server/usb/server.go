// Package usb implements the USB/IP server: the management handshake
// (devlist/import) and the URB stream, translated into EP0 dispatcher
// events and device bulk transfers.
package usb

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/doyke/eztool/internal/log"
	"github.com/doyke/eztool/usb"
	"github.com/doyke/eztool/usbip"
	"github.com/doyke/eztool/virtualbus"
)

const headerPeekSize = 8

type Server struct {
	config    *ServerConfig
	logger    *slog.Logger
	rawLogger log.RawLogger
	busses    map[uint32]*virtualbus.VirtualBus
	busesMu   sync.Mutex
	ready     chan struct{}
	readyOnce sync.Once
	ln        net.Listener
}

func New(config ServerConfig, logger *slog.Logger, rawLogger log.RawLogger) *Server {
	return &Server{
		config:    &config,
		logger:    logger,
		rawLogger: rawLogger,
		busses:    make(map[uint32]*virtualbus.VirtualBus),
		ready:     make(chan struct{}),
	}
}

// AddBus registers a bus with the server. If the bus number is already
// present, an error is returned.
func (s *Server) AddBus(bus *virtualbus.VirtualBus) error {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	if bus == nil {
		return fmt.Errorf("bus is nil")
	}
	if _, ok := s.busses[bus.BusID()]; ok {
		return fmt.Errorf("bus %d already registered", bus.BusID())
	}
	s.busses[bus.BusID()] = bus
	return nil
}

// RemoveBus unregisters a bus from the server, detaching any devices still
// on it.
func (s *Server) RemoveBus(busID uint32) error {
	s.busesMu.Lock()
	bus, ok := s.busses[busID]
	if !ok {
		s.busesMu.Unlock()
		return fmt.Errorf("bus %d not found", busID)
	}
	devices := bus.Devices()
	s.busesMu.Unlock()

	if len(devices) > 0 {
		s.logger.Warn("Removing non-empty bus; detaching devices", "bus", busID, "devices", len(devices))
		for _, dev := range devices {
			_ = bus.Remove(dev)
		}
	}

	s.busesMu.Lock()
	delete(s.busses, busID)
	s.busesMu.Unlock()

	return bus.Close()
}

// RemoveDeviceByID removes a device by bus number and device ID string,
// cancelling its connections.
func (s *Server) RemoveDeviceByID(busID uint32, deviceID string) error {
	s.busesMu.Lock()
	bus, ok := s.busses[busID]
	s.busesMu.Unlock()
	if !ok {
		return fmt.Errorf("bus %d not found", busID)
	}
	return bus.RemoveDeviceByID(deviceID)
}

// ListBuses returns a snapshot of active bus numbers.
func (s *Server) ListBuses() []uint32 {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	out := make([]uint32, 0, len(s.busses))
	for k := range s.busses {
		out = append(out, k)
	}
	return out
}

// GetBus returns a bus by ID or nil if not present.
func (s *Server) GetBus(busID uint32) *virtualbus.VirtualBus {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	return s.busses[busID]
}

// ListenAndServe starts the USB/IP server and handles incoming connections.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("USB/IP server listening", "addr", s.config.Addr)
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || strings.Contains(strings.ToLower(err.Error()), "use of closed network connection") {
				s.logger.Info("USB/IP server stopped")
				return nil
			}
			s.logger.Error("Accept error", "error", err)
			continue
		}
		s.logger.Info("Client connected", "remote", c.RemoteAddr())
		go func() {
			if err := s.handleConn(c); err != nil {
				if isClientDisconnect(err) {
					s.logger.Info("Client disconnected", "error", err)
				} else {
					s.logger.Error("Connection handler error", "error", err)
				}
			}
		}()
	}
}

// Ready returns a channel closed once the server is bound to its listen
// address and accepting connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Close stops the server by closing its listener.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

// GetListenPort extracts the port number from the server's listen address.
func (s *Server) GetListenPort() uint16 {
	_, portStr, err := net.SplitHostPort(s.config.Addr)
	if err != nil {
		return 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(port)
}

// --

func (s *Server) handleConn(conn net.Conn) error {
	defer conn.Close()
	conn = &logConn{Conn: conn, s: s}
	if err := conn.SetDeadline(time.Now().Add(s.config.ConnectionTimeout)); err != nil {
		s.logger.Warn("Failed to set deadline", "error", err)
	}

	// The first 8 bytes distinguish management ops from a stray URB stream.
	var hdrBuf [headerPeekSize]byte
	if err := usbip.ReadExactly(conn, hdrBuf[:]); err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	ver := binary.BigEndian.Uint16(hdrBuf[0:2])
	code := binary.BigEndian.Uint16(hdrBuf[2:4])

	if ver == usbip.Version && (code == usbip.OpReqDevlist || code == usbip.OpReqImport) {
		switch code {
		case usbip.OpReqDevlist:
			s.logger.Info("OP_REQ_DEVLIST")
			return s.handleDevList(conn)
		case usbip.OpReqImport:
			s.logger.Info("OP_REQ_IMPORT")
			m, err := s.handleImport(conn)
			if err != nil {
				return fmt.Errorf("handle import: %w", err)
			}
			return s.handleUrbStream(conn, m)
		}
	}

	return fmt.Errorf("protocol violation: client sent URB data without OP_REQ_IMPORT")
}

func (s *Server) handleDevList(conn net.Conn) error {
	_ = conn.SetDeadline(time.Time{})
	var buf bytes.Buffer
	rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepDevlist, Status: 0}
	_ = rep.Write(&buf)
	metas := s.getAllDeviceMetas()
	dlh := usbip.DevListReplyHeader{NDevices: uint32(len(metas))}
	_ = dlh.Write(&buf)
	for _, m := range metas {
		exp := exportedDevice(m)
		_ = exp.WriteDevlist(&buf)
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write devlist: %w", err)
	}
	return nil
}

func (s *Server) handleImport(conn net.Conn) (virtualbus.DeviceMeta, error) {
	var busid [usbip.BusIDSize]byte
	if err := usbip.ReadExactly(conn, busid[:]); err != nil {
		return virtualbus.DeviceMeta{}, fmt.Errorf("read import busid: %w", err)
	}
	reqBus := string(busid[:bytes.IndexByte(busid[:], 0)])
	s.logger.Info("Import request", "busid", reqBus)

	var chosen *virtualbus.DeviceMeta
	for _, m := range s.getAllDeviceMetas() {
		if m.Meta.BusDevID() == reqBus {
			chosen = &m
			break
		}
	}
	if chosen == nil {
		return virtualbus.DeviceMeta{}, fmt.Errorf("no device matches busid %s", reqBus)
	}

	var buf bytes.Buffer
	rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport, Status: 0}
	_ = rep.Write(&buf)
	exp := exportedDevice(*chosen)
	_ = exp.WriteImport(&buf)
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return virtualbus.DeviceMeta{}, fmt.Errorf("write import reply: %w", err)
	}
	return *chosen, nil
}

// exportedDevice assembles the devlist/import wire entry for one attached
// device. The interface triplets come from the first configuration's alt-0
// settings; bConfigurationValue reflects the live enumeration state.
func exportedDevice(m virtualbus.DeviceMeta) usbip.ExportedDevice {
	desc := m.Dev.GetDescriptor()
	exp := usbip.ExportedDevice{
		ExportMeta:         m.Meta,
		Speed:              desc.Device.Speed,
		IDVendor:           desc.Device.IDVendor,
		IDProduct:          desc.Device.IDProduct,
		BcdDevice:          desc.Device.BcdDevice,
		BDeviceClass:       desc.Device.BDeviceClass,
		BDeviceSubClass:    desc.Device.BDeviceSubClass,
		BDeviceProtocol:    desc.Device.BDeviceProtocol,
		BNumConfigurations: uint8(len(desc.Configurations)),
	}
	if m.Dispatcher != nil {
		exp.BConfigurationValue = m.Dispatcher.DeviceState().ConfigurationValue()
	}
	if len(desc.Configurations) > 0 {
		cfg := desc.Configurations[0]
		exp.BNumInterfaces = cfg.NumInterfaces()
		for _, ic := range cfg.Interfaces {
			if ic.Descriptor.BAlternateSetting != 0 {
				continue
			}
			exp.Interfaces = append(exp.Interfaces, usbip.InterfaceDesc{
				Class:    ic.Descriptor.BInterfaceClass,
				SubClass: ic.Descriptor.BInterfaceSubClass,
				Protocol: ic.Descriptor.BInterfaceProtocol,
			})
		}
	}
	return exp
}

// getAllDeviceMetas aggregates device metas from all registered busses.
func (s *Server) getAllDeviceMetas() []virtualbus.DeviceMeta {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	out := []virtualbus.DeviceMeta{}
	for _, b := range s.busses {
		out = append(out, b.GetAllDeviceMetas()...)
	}
	return out
}

type logConn struct {
	net.Conn
	s *Server
}

func (lc *logConn) Read(p []byte) (int, error) {
	n, err := lc.Conn.Read(p)
	if n > 0 && lc.s.rawLogger != nil {
		lc.s.rawLogger.Log(true, p[:n])
	}
	return n, err
}

func (lc *logConn) Write(p []byte) (int, error) {
	n, err := lc.Conn.Write(p)
	if n > 0 && lc.s.rawLogger != nil {
		lc.s.rawLogger.Log(false, p[:n])
	}
	return n, err
}

func (s *Server) handleUrbStream(conn net.Conn, m virtualbus.DeviceMeta) error {
	_ = conn.SetDeadline(time.Time{})

	var owningBus *virtualbus.VirtualBus
	s.busesMu.Lock()
	buses := make([]*virtualbus.VirtualBus, 0, len(s.busses))
	for _, b := range s.busses {
		buses = append(buses, b)
	}
	s.busesMu.Unlock()
	for _, b := range buses {
		for _, d := range b.Devices() {
			if d == m.Dev {
				owningBus = b
				break
			}
		}
		if owningBus != nil {
			break
		}
	}
	if owningBus == nil {
		return fmt.Errorf("device does not belong to any bus")
	}

	ctx := owningBus.GetDeviceContext(m.Dev)
	if ctx == nil {
		return fmt.Errorf("no device context available from bus")
	}

	// a fresh attach re-enumerates from reset defaults
	owningBus.ResetDevice(m.Dev)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("device removed, closing URB stream")
			return nil
		default:
		}

		hdr, err := usbip.ReadURBHeader(conn)
		if err != nil {
			return fmt.Errorf("read URB header: %w", err)
		}

		switch hdr.Command() {
		case usbip.CmdUnlinkCode:
			u := usbip.DecodeCmdUnlink(hdr)
			s.logger.Debug("USBIP_CMD_UNLINK", "seq", u.Basic.Seqnum, "unlink", u.UnlinkSeqnum)
			// URBs complete synchronously here, so the unlinked transfer is
			// already answered; reply as if the URB had been torn down.
			ret := usbip.RetUnlink{
				Basic:  usbip.HeaderBasic{Command: usbip.RetUnlinkCode, Seqnum: u.Basic.Seqnum},
				Status: usbip.StatusEConnReset,
			}
			if err := ret.Write(conn); err != nil {
				return fmt.Errorf("write RET_UNLINK: %w", err)
			}

		case usbip.CmdSubmitCode:
			c := usbip.DecodeCmdSubmit(hdr)
			var outPayload []byte
			if c.Basic.Dir == usbip.DirOut && c.TransferBufferLen > 0 {
				outPayload = make([]byte, c.TransferBufferLen)
				if err := usbip.ReadExactly(conn, outPayload); err != nil {
					return fmt.Errorf("read OUT payload: %w", err)
				}
			}

			data, status := s.processSubmit(m, c, outPayload)

			actual := uint32(len(data))
			if c.Basic.Dir == usbip.DirOut && status == usbip.StatusOK {
				actual = uint32(len(outPayload))
			}
			ret := usbip.RetSubmit{
				Basic:        usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: c.Basic.Seqnum},
				Status:       status,
				ActualLength: actual,
			}
			var out bytes.Buffer
			if err := ret.Write(&out); err != nil {
				return fmt.Errorf("build RET_SUBMIT header: %w", err)
			}
			if len(data) > 0 {
				out.Write(data)
			}
			if _, err := conn.Write(out.Bytes()); err != nil {
				return fmt.Errorf("write RET_SUBMIT: %w", err)
			}

		default:
			return fmt.Errorf("unsupported cmd %d", hdr.Command())
		}
	}
}

// processSubmit executes one URB. EP0 goes through the control dispatcher;
// other endpoints go to the device's bulk handler unless halted.
func (s *Server) processSubmit(m virtualbus.DeviceMeta, c usbip.CmdSubmit, out []byte) ([]byte, int32) {
	if c.Basic.Ep == 0 {
		req := usb.DecodeSetup(c.Setup)
		s.logger.Log(context.Background(), log.LevelTrace, "EP0 SETUP", "seq", c.Basic.Seqnum, "request", req.String())
		in, stalled := runControlTransfer(m.Dispatcher, c.Setup, out)
		if stalled {
			s.logger.Debug("EP0 request stalled", "request", req.String(), "cause", m.Dispatcher.StallCause())
			return nil, usbip.StatusEPipe
		}
		if len(in) > int(c.TransferBufferLen) {
			in = in[:c.TransferBufferLen]
		}
		return in, usbip.StatusOK
	}

	addr := uint8(c.Basic.Ep) & usb.EndpointNumMask
	if c.Basic.Dir == usbip.DirIn {
		addr |= usb.EndpointDirMask
	}
	if m.Dispatcher != nil && m.Dispatcher.DeviceState().IsHalted(addr) {
		return nil, usbip.StatusEPipe
	}
	return m.Dev.HandleTransfer(c.Basic.Ep, c.Basic.Dir, out), usbip.StatusOK
}

// isClientDisconnect reports whether an error is a normal client disconnect
// (EOF, ECONNRESET, broken pipe, or the Windows forcibly-closed variant),
// logged at Info instead of Error.
func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errno, ok := opErr.Err.(syscall.Errno); ok {
			if errno == syscall.ECONNRESET || errno == syscall.EPIPE {
				return true
			}
		}
	}
	e := strings.ToLower(err.Error())
	return strings.Contains(e, "connection reset by peer") ||
		strings.Contains(e, "forcibly closed") ||
		strings.Contains(e, "aborted")
}
