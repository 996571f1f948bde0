//go:build linux

package ble

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	goble "github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"
	"github.com/go-ble/ble/linux/hci/evt"

	"github.com/chaz8081/bleprov/internal/ble/protocol"
)

// HCIAdapter drives a controller directly through an HCI user socket using
// go-ble. Unlike BlueZ it forwards every read, write and descriptor access
// to the Handler and exposes the negotiated MTU of each link.
//
// The controller must not be managed by bluetoothd at the same time
// (e.g. `hciconfig hci0 down` and stop the service first).
type HCIAdapter struct {
	deviceID int
	name     string
	ids      requestIDs

	// mu protects the fields below.
	mu      sync.Mutex
	dev     *linux.Device
	handler Handler
	handles map[uint16]string // connection handle -> peer address
	mtus    map[string]int    // last TX MTU reported per peer
}

func newHCIAdapter(opts BackendOptions) (Adapter, error) {
	return NewHCIAdapter(opts.HCIDevice), nil
}

// NewHCIAdapter creates an adapter on hciN.
func NewHCIAdapter(deviceID int) *HCIAdapter {
	return &HCIAdapter{
		deviceID: deviceID,
		name:     hostName(),
		handles:  make(map[uint16]string),
		mtus:     make(map[string]int),
	}
}

func (a *HCIAdapter) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dev != nil
}

// Enable opens the HCI socket and initializes the controller.
func (a *HCIAdapter) Enable() error {
	dev, err := linux.NewDevice(
		goble.OptDeviceID(a.deviceID),
		goble.OptConnectHandler(a.onConnect),
		goble.OptDisconnectHandler(a.onDisconnect),
	)
	if err != nil {
		return fmt.Errorf("ble: open hci%d: %w", a.deviceID, err)
	}
	a.mu.Lock()
	a.dev = dev
	a.mu.Unlock()
	return nil
}

// Close releases the HCI socket.
func (a *HCIAdapter) Close() error {
	a.mu.Lock()
	dev := a.dev
	a.dev = nil
	a.mu.Unlock()
	if dev == nil {
		return nil
	}
	return dev.Stop()
}

func (a *HCIAdapter) Name() string { return a.name }

// SupportsAdvertising is true for any LE controller; go-ble rejects non-LE
// controllers in Enable.
func (a *HCIAdapter) SupportsAdvertising() bool { return true }

func (a *HCIAdapter) OpenServer(h Handler) (Server, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dev == nil {
		return nil, errors.New("ble: hci adapter not enabled")
	}
	a.handler = h
	return &hciServer{adapter: a, dev: a.dev}, nil
}

func (a *HCIAdapter) Advertiser() (Advertiser, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dev == nil {
		return nil, errors.New("ble: hci adapter not enabled")
	}
	return &hciAdvertiser{dev: a.dev}, nil
}

// ReadPhy issues LE Read PHY for the link to dev.
func (a *HCIAdapter) ReadPhy(d Device) (tx, rx Phy, err error) {
	a.mu.Lock()
	dev := a.dev
	handle, ok := a.handleFor(d.Address)
	a.mu.Unlock()
	if dev == nil {
		return 0, 0, errors.New("ble: hci adapter not enabled")
	}
	if !ok {
		return 0, 0, fmt.Errorf("ble: no connection to %s", d.Address)
	}

	var rp leReadPhyRP
	if err := dev.HCI.Send(&leReadPhy{ConnectionHandle: handle}, &rp); err != nil {
		return 0, 0, fmt.Errorf("ble: LE read PHY: %w", err)
	}
	if rp.Status != 0 {
		return 0, 0, fmt.Errorf("ble: LE read PHY: controller status 0x%02x", rp.Status)
	}
	return Phy(rp.TxPhy), Phy(rp.RxPhy), nil
}

// handleFor finds the connection handle for addr (caller must hold mu).
func (a *HCIAdapter) handleFor(addr string) (uint16, bool) {
	for h, peer := range a.handles {
		if peer == addr {
			return h, true
		}
	}
	return 0, false
}

// Compile-time checks for HCIAdapter.
var (
	_ Adapter   = (*HCIAdapter)(nil)
	_ PhyReader = (*HCIAdapter)(nil)
)

func (a *HCIAdapter) currentHandler() Handler {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handler
}

func (a *HCIAdapter) onConnect(e evt.LEConnectionComplete) {
	addr := peerAddress(e.PeerAddress())
	a.mu.Lock()
	if e.Status() == 0 {
		a.handles[e.ConnectionHandle()] = addr
	}
	h := a.handler
	a.mu.Unlock()
	if h == nil {
		return
	}
	if e.Status() != 0 {
		h.ConnectionStateChanged(Device{Address: addr}, Status(e.Status()), StateDisconnected)
		return
	}
	h.ConnectionStateChanged(Device{Address: addr}, StatusSuccess, StateConnected)
}

func (a *HCIAdapter) onDisconnect(e evt.DisconnectionComplete) {
	a.mu.Lock()
	addr, ok := a.handles[e.ConnectionHandle()]
	delete(a.handles, e.ConnectionHandle())
	delete(a.mtus, addr)
	h := a.handler
	a.mu.Unlock()
	if h == nil || !ok {
		return
	}
	slog.Debug("[BLE] hci disconnection", "device", addr, "reason", fmt.Sprintf("0x%02x", e.Reason()))
	h.ConnectionStateChanged(Device{Address: addr}, Status(e.Status()), StateDisconnected)
}

// observe resolves the requesting central and reports a new TX MTU the
// first time a request arrives after an exchange.
func (a *HCIAdapter) observe(conn goble.Conn) Device {
	dev := Device{Address: strings.ToUpper(conn.RemoteAddr().String())}
	mtu := conn.TxMTU()

	a.mu.Lock()
	prev, ok := a.mtus[dev.Address]
	if !ok {
		prev = protocol.DefaultMTU
	}
	changed := mtu > 0 && mtu != prev
	if changed {
		a.mtus[dev.Address] = mtu
	}
	h := a.handler
	a.mu.Unlock()

	if changed && h != nil {
		h.MTUChanged(dev, mtu)
	}
	return dev
}

// peerAddress formats a little-endian HCI address as AA:BB:CC:DD:EE:FF.
func peerAddress(b [6]byte) string {
	mac := make(net.HardwareAddr, 6)
	for i := range b {
		mac[i] = b[5-i]
	}
	return strings.ToUpper(mac.String())
}

// respond writes a Handler response into go-ble's response writer,
// truncated to what fits in one PDU. Centrals fetch the rest with
// offset reads.
func respond(rsp goble.ResponseWriter, resp Response) {
	if resp.Status >= 0x100 {
		rsp.SetStatus(goble.ErrUnlikely)
		return
	}
	rsp.SetStatus(goble.ATTError(resp.Status))
	if resp.Status != StatusSuccess || len(resp.Value) == 0 {
		return
	}
	v := resp.Value
	if c := rsp.Cap(); len(v) > c {
		v = v[:c]
	}
	if _, err := rsp.Write(v); err != nil {
		slog.Warn("[BLE] writing response", "error", err)
	}
}

type hciServer struct {
	adapter *HCIAdapter
	dev     *linux.Device
}

func (s *hciServer) AddService(svc *Service) error {
	h := s.adapter.currentHandler()

	bs, err := s.buildService(svc)
	if err != nil {
		return err
	}
	if err := s.dev.AddService(bs); err != nil {
		if h != nil {
			h.ServiceAdded(StatusFailure, svc)
		}
		return fmt.Errorf("ble: add service: %w", err)
	}
	if h != nil {
		h.ServiceAdded(StatusSuccess, svc)
	}
	return nil
}

func (s *hciServer) buildService(svc *Service) (*goble.Service, error) {
	u, err := goble.Parse(svc.UUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}
	bs := goble.NewService(u)

	for _, c := range svc.Characteristics {
		cu, err := goble.Parse(c.UUID)
		if err != nil {
			return nil, fmt.Errorf("ble: parse characteristic UUID: %w", err)
		}
		bc := bs.NewCharacteristic(cu)
		if c.Properties.Has(PropertyRead) {
			bc.HandleRead(s.readCharacteristic(c))
		}
		if c.Properties.Has(PropertyWrite) {
			bc.HandleWrite(s.writeCharacteristic(c))
		}

		for _, d := range c.Descriptors {
			du, err := goble.Parse(d.UUID)
			if err != nil {
				return nil, fmt.Errorf("ble: parse descriptor UUID: %w", err)
			}
			bd := bc.NewDescriptor(du)
			if d.Permissions.Has(PermissionRead) {
				bd.HandleRead(s.readDescriptor(d))
			}
			if d.Permissions.Has(PermissionWrite) {
				bd.HandleWrite(s.writeDescriptor(d))
			}
		}
	}
	return bs, nil
}

func (s *hciServer) readCharacteristic(c *Characteristic) goble.ReadHandler {
	return goble.ReadHandlerFunc(func(req goble.Request, rsp goble.ResponseWriter) {
		h := s.adapter.currentHandler()
		if h == nil {
			rsp.SetStatus(goble.ErrUnlikely)
			return
		}
		dev := s.adapter.observe(req.Conn())
		respond(rsp, h.ReadCharacteristic(ReadRequest{
			Device:    dev,
			RequestID: s.adapter.ids.next(),
			Offset:    req.Offset(),
		}, c))
	})
}

func (s *hciServer) writeCharacteristic(c *Characteristic) goble.WriteHandler {
	return goble.WriteHandlerFunc(func(req goble.Request, rsp goble.ResponseWriter) {
		h := s.adapter.currentHandler()
		if h == nil {
			rsp.SetStatus(goble.ErrUnlikely)
			return
		}
		dev := s.adapter.observe(req.Conn())
		resp := h.WriteCharacteristic(WriteRequest{
			Device:         dev,
			RequestID:      s.adapter.ids.next(),
			Offset:         req.Offset(),
			Value:          append([]byte(nil), req.Data()...),
			ResponseNeeded: true,
		}, c)
		// ATT write responses carry no payload.
		resp.Value = nil
		respond(rsp, resp)
	})
}

func (s *hciServer) readDescriptor(d *Descriptor) goble.ReadHandler {
	return goble.ReadHandlerFunc(func(req goble.Request, rsp goble.ResponseWriter) {
		h := s.adapter.currentHandler()
		if h == nil {
			rsp.SetStatus(goble.ErrUnlikely)
			return
		}
		dev := s.adapter.observe(req.Conn())
		respond(rsp, h.ReadDescriptor(ReadRequest{
			Device:    dev,
			RequestID: s.adapter.ids.next(),
			Offset:    req.Offset(),
		}, d))
	})
}

func (s *hciServer) writeDescriptor(d *Descriptor) goble.WriteHandler {
	return goble.WriteHandlerFunc(func(req goble.Request, rsp goble.ResponseWriter) {
		h := s.adapter.currentHandler()
		if h == nil {
			rsp.SetStatus(goble.ErrUnlikely)
			return
		}
		dev := s.adapter.observe(req.Conn())
		resp := h.WriteDescriptor(WriteRequest{
			Device:         dev,
			RequestID:      s.adapter.ids.next(),
			Offset:         req.Offset(),
			Value:          append([]byte(nil), req.Data()...),
			ResponseNeeded: true,
		}, d)
		resp.Value = nil
		respond(rsp, resp)
	})
}

func (s *hciServer) Close() error {
	s.adapter.mu.Lock()
	s.adapter.handler = nil
	s.adapter.mu.Unlock()
	return s.dev.RemoveAllServices()
}

type hciAdvertiser struct {
	dev *linux.Device

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// advParams converts settings into LE Set Advertising Parameters.
func advParams(settings AdvertiseSettings) cmd.LESetAdvertisingParameters {
	// Interval is in units of 0.625 ms.
	interval := uint16(settings.Mode.Interval().Microseconds() / 625)
	advType := uint8(0x00) // ADV_IND
	if !settings.Connectable {
		advType = 0x02 // ADV_SCAN_IND
	}
	return cmd.LESetAdvertisingParameters{
		AdvertisingIntervalMin:  interval,
		AdvertisingIntervalMax:  interval,
		AdvertisingType:         advType,
		OwnAddressType:          0x00,
		DirectAddressType:       0x00,
		AdvertisingChannelMap:   0x07,
		AdvertisingFilterPolicy: 0x00,
	}
}

func (a *hciAdvertiser) Start(ctx context.Context, settings AdvertiseSettings, data AdvertiseData) error {
	uuids := make([]goble.UUID, 0, len(data.ServiceUUIDs))
	for _, s := range data.ServiceUUIDs {
		u, err := goble.Parse(s)
		if err != nil {
			return fmt.Errorf("ble: parse advertised UUID: %w", err)
		}
		uuids = append(uuids, u)
	}
	name := ""
	if data.IncludeDeviceName {
		name = data.LocalName
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}

	if err := a.dev.HCI.Option(goble.OptAdvParams(advParams(settings))); err != nil {
		return fmt.Errorf("ble: set advertising parameters: %w", err)
	}
	slog.Debug("[BLE] hci advertising uses controller default tx power", "requested", settings.TxPower)
	if err := a.dev.HCI.AdvertiseNameAndServices(name, uuids...); err != nil {
		return err
	}
	a.running = true

	if settings.Timeout > 0 {
		tctx, cancel := context.WithTimeout(context.Background(), settings.Timeout)
		a.cancel = cancel
		go func() {
			<-tctx.Done()
			if errors.Is(tctx.Err(), context.DeadlineExceeded) {
				slog.Info("[BLE] advertising timeout reached", "timeout", settings.Timeout)
				if err := a.Stop(); err != nil {
					slog.Warn("[BLE] stop advertising after timeout", "error", err)
				}
			}
		}()
	}
	return nil
}

func (a *hciAdvertiser) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if !a.running {
		return nil
	}
	a.running = false
	return a.dev.HCI.StopAdvertising()
}

// leReadPhy is the HCI LE Read PHY command (OGF 0x08, OCF 0x0030), which
// go-ble's generated command set predates.
type leReadPhy struct {
	ConnectionHandle uint16
}

func (c *leReadPhy) OpCode() int { return 0x08<<10 | 0x0030 }
func (c *leReadPhy) Len() int    { return 2 }

func (c *leReadPhy) Marshal(b []byte) error {
	if len(b) < 2 {
		return errors.New("ble: LE read PHY buffer too small")
	}
	binary.LittleEndian.PutUint16(b, c.ConnectionHandle)
	return nil
}

// leReadPhyRP is the LE Read PHY return parameters.
type leReadPhyRP struct {
	Status           uint8
	ConnectionHandle uint16
	TxPhy            uint8
	RxPhy            uint8
}

func (rp *leReadPhyRP) Unmarshal(b []byte) error {
	if len(b) < 5 {
		return fmt.Errorf("ble: LE read PHY reply is %d bytes, want 5", len(b))
	}
	rp.Status = b[0]
	rp.ConnectionHandle = binary.LittleEndian.Uint16(b[1:3])
	rp.TxPhy = b[3]
	rp.RxPhy = b[4]
	return nil
}
