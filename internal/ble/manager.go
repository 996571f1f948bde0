package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/bleprov/internal/ble/protocol"
)

// ManagerOptions configures the peripheral.
type ManagerOptions struct {
	Service    ServiceOptions
	DeviceName string // advertised name; empty uses the adapter's name
	Advertise  AdvertiseSettings

	// OnCredential is called whenever a non-prepared write leaves the
	// characteristic holding a parseable credential. Each fragment of a long
	// write is spliced in at its offset, so a later call supersedes an
	// earlier one. It runs on the backend's callback goroutine and must not
	// block.
	OnCredential func(dev Device, cred protocol.Credential)
}

// DefaultManagerOptions returns the stock service and advertise settings.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		Service:   DefaultServiceOptions(),
		Advertise: DefaultAdvertiseSettings(),
	}
}

// Manager runs the Wi-Fi credential peripheral: it publishes the service,
// advertises it and answers every request with success.
type Manager struct {
	adapter Adapter
	opts    ManagerOptions
	service *Service

	// mu serializes Open and Close.
	mu     sync.Mutex
	server Server
	adv    Advertiser
	open   bool

	// stateMu protects the fields below, which backends update from their
	// own goroutines.
	stateMu sync.Mutex
	value   []byte
	conns   map[string]Device
	mtus    map[string]int
}

// Compile-time check that Manager implements Handler.
var _ Handler = (*Manager)(nil)

// NewManager creates a peripheral manager on the given adapter.
func NewManager(adapter Adapter, opts ManagerOptions) *Manager {
	return &Manager{
		adapter: adapter,
		opts:    opts,
		service: NewWifiService(opts.Service),
		conns:   make(map[string]Device),
		mtus:    make(map[string]int),
	}
}

// Service returns the service definition the manager publishes.
func (m *Manager) Service() *Service {
	return m.service
}

// Open powers the adapter if needed, publishes the service and starts
// advertising. Calling Open on an open manager is a no-op.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.open {
		return nil
	}

	if !m.adapter.Enabled() {
		if err := m.adapter.Enable(); err != nil {
			slog.Error("[BLE] open failed", "error", err)
			return fmt.Errorf("ble: enable adapter: %w", err)
		}
	}

	if !m.adapter.SupportsAdvertising() {
		slog.Error("[BLE] open failed: peripheral mode not supported by this adapter")
		return ErrAdvertisingUnsupported
	}

	if err := m.initService(); err != nil {
		slog.Error("[BLE] open failed", "error", err)
		return err
	}

	if err := m.startAdvertising(ctx); err != nil {
		if cerr := m.server.Close(); cerr != nil {
			slog.Warn("[BLE] closing server after advertise failure", "error", cerr)
		}
		m.server = nil
		return err
	}

	m.open = true
	return nil
}

// initService opens the GATT server and adds the credential service
// (caller must hold mu).
func (m *Manager) initService() error {
	server, err := m.adapter.OpenServer(m)
	if err != nil {
		return fmt.Errorf("ble: open server: %w", err)
	}
	if err := server.AddService(m.service); err != nil {
		_ = server.Close()
		return fmt.Errorf("ble: add service %s: %w", m.service.UUID, err)
	}
	m.server = server
	return nil
}

// startAdvertising starts connectable advertising of the service UUID and
// device name (caller must hold mu).
func (m *Manager) startAdvertising(ctx context.Context) error {
	adv, err := m.adapter.Advertiser()
	if err != nil {
		slog.Error("[BLE] advertising failed to start", "error", err)
		return fmt.Errorf("ble: advertiser: %w", err)
	}

	name := m.opts.DeviceName
	if name == "" {
		name = m.adapter.Name()
	}
	data := AdvertiseData{
		IncludeDeviceName: true,
		LocalName:         name,
		ServiceUUIDs:      []string{m.service.UUID},
	}
	settings := m.opts.Advertise

	if err := adv.Start(ctx, settings, data); err != nil {
		slog.Error("[BLE] advertising failed to start", "error", err)
		return fmt.Errorf("ble: start advertising: %w", err)
	}
	m.adv = adv

	slog.Info("[BLE] advertising started",
		"name", name,
		"service", m.service.UUID,
		"mode", settings.Mode,
		"interval", settings.Mode.Interval(),
		"tx_power", settings.TxPower,
		"connectable", settings.Connectable,
		"timeout", settings.Timeout,
	)
	return nil
}

// Close stops advertising and closes the GATT server. It is safe to call
// more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	if m.adv != nil {
		if err := m.adv.Stop(); err != nil {
			firstErr = fmt.Errorf("ble: stop advertising: %w", err)
		}
		m.adv = nil
	}
	if m.server != nil {
		if err := m.server.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("ble: close server: %w", err)
		}
		m.server = nil
	}
	if m.open {
		slog.Info("[BLE] peripheral closed")
	}
	m.open = false
	return firstErr
}

// Value returns a copy of the credential characteristic's current value.
func (m *Manager) Value() []byte {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return append([]byte(nil), m.value...)
}

// Connected returns the centrals currently connected.
func (m *Manager) Connected() []Device {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	devs := make([]Device, 0, len(m.conns))
	for _, d := range m.conns {
		devs = append(devs, d)
	}
	return devs
}

// MTU returns the last MTU reported for the device at addr.
func (m *Manager) MTU(addr string) int {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if mtu, ok := m.mtus[addr]; ok {
		return mtu
	}
	return protocol.DefaultMTU
}

// ReadPhy reports the PHY in use on dev's link and delivers it to PhyRead.
// Adapters that cannot query the controller report LE 1M, the PHY every
// legacy-advertising connection starts on.
func (m *Manager) ReadPhy(dev Device) (tx, rx Phy, err error) {
	tx, rx = Phy1M, Phy1M
	status := StatusSuccess
	if pr, ok := m.adapter.(PhyReader); ok {
		tx, rx, err = pr.ReadPhy(dev)
		if err != nil {
			status = StatusFailure
		}
	}
	m.PhyRead(dev, tx, rx, status)
	return tx, rx, err
}

// ConnectionStateChanged logs the transition and tracks connected centrals.
// A successful connect on a PhyReader adapter also queries the link PHY.
func (m *Manager) ConnectionStateChanged(dev Device, status Status, state ConnState) {
	slog.Info("[BLE] connection state changed", "device", dev, "status", status, "state", state)

	m.stateMu.Lock()
	switch state {
	case StateConnected:
		m.conns[dev.Address] = dev
	case StateDisconnected:
		delete(m.conns, dev.Address)
		delete(m.mtus, dev.Address)
	}
	m.stateMu.Unlock()

	// Query off the callback goroutine: the backend may be inside its
	// event loop, which the PHY command reply has to pass through.
	if _, ok := m.adapter.(PhyReader); ok && state == StateConnected && status == StatusSuccess {
		go func() {
			if _, _, err := m.ReadPhy(dev); err != nil {
				slog.Debug("[BLE] PHY query failed", "device", dev, "error", err)
			}
		}()
	}
}

// ServiceAdded logs the result of publishing the service.
func (m *Manager) ServiceAdded(status Status, svc *Service) {
	if status != StatusSuccess {
		slog.Warn("[BLE] service add failed", "service", svc.UUID, "status", status)
		return
	}
	slog.Info("[BLE] service added", "service", svc.UUID, "characteristics", len(svc.Characteristics))
}

// ReadCharacteristic answers with the stored value at the request offset,
// limited to one PDU at the device's MTU.
func (m *Manager) ReadCharacteristic(req ReadRequest, c *Characteristic) Response {
	slog.Info("[BLE] characteristic read", "device", req.Device, "uuid", c.UUID, "request", req.RequestID, "offset", req.Offset)
	return Response{
		Status: StatusSuccess,
		Offset: req.Offset,
		Value:  m.readPayload(req.Device, protocol.Window(m.Value(), req.Offset)),
	}
}

// readPayload trims a read window to the first PDU that fits dev's MTU.
// Centrals fetch the remainder with further offset reads.
func (m *Manager) readPayload(dev Device, window []byte) []byte {
	chunks := protocol.Chunk(window, m.MTU(dev.Address))
	if len(chunks) == 0 {
		return window
	}
	return chunks[0]
}

// WriteCharacteristic stores a non-prepared write at its offset, so fragments of
// a long write rebuild the whole value, and reports the credential it now
// holds. The response echoes the request.
func (m *Manager) WriteCharacteristic(req WriteRequest, c *Characteristic) Response {
	if req.Prepared {
		// Prepared writes are acknowledged but not queued.
		slog.Info("[BLE] characteristic write", "device", req.Device, "uuid", c.UUID,
			"request", req.RequestID, "offset", req.Offset, "prepared", true, "bytes", len(req.Value))
		return Response{Status: StatusSuccess, Offset: req.Offset, Value: req.Value}
	}

	m.stateMu.Lock()
	m.value = protocol.Splice(m.value, req.Offset, req.Value)
	value := append([]byte(nil), m.value...)
	m.stateMu.Unlock()

	cred, perr := protocol.ParseCredential(value)
	if perr != nil {
		slog.Info("[BLE] characteristic write", "device", req.Device, "uuid", c.UUID,
			"request", req.RequestID, "offset", req.Offset, "prepared", false,
			"bytes", len(req.Value), "total", len(value), "parse_error", perr)
	} else {
		slog.Info("[BLE] characteristic write", "device", req.Device, "uuid", c.UUID,
			"request", req.RequestID, "offset", req.Offset, "prepared", false,
			"bytes", len(req.Value), "total", len(value), "credential", cred)
		if m.opts.OnCredential != nil {
			m.opts.OnCredential(req.Device, cred)
		}
	}

	return Response{Status: StatusSuccess, Offset: req.Offset, Value: req.Value}
}

// ReadDescriptor answers with the descriptor text at the request offset.
func (m *Manager) ReadDescriptor(req ReadRequest, d *Descriptor) Response {
	slog.Info("[BLE] descriptor read", "device", req.Device, "uuid", d.UUID, "request", req.RequestID, "offset", req.Offset)
	return Response{
		Status: StatusSuccess,
		Offset: req.Offset,
		Value:  m.readPayload(req.Device, protocol.Window(d.Value, req.Offset)),
	}
}

// WriteDescriptor logs the write and acknowledges it without storing it.
func (m *Manager) WriteDescriptor(req WriteRequest, d *Descriptor) Response {
	slog.Info("[BLE] descriptor write", "device", req.Device, "uuid", d.UUID, "request", req.RequestID, "value", fmt.Sprintf("%x", req.Value))
	return Response{Status: StatusSuccess, Offset: req.Offset}
}

// ExecuteWrite acknowledges the end of a prepared write; nothing was queued.
func (m *Manager) ExecuteWrite(dev Device, requestID int, execute bool) Response {
	slog.Info("[BLE] execute write", "device", dev, "request", requestID, "execute", execute)
	return Response{Status: StatusSuccess}
}

// NotificationSent logs the delivery status.
func (m *Manager) NotificationSent(dev Device, status Status) {
	slog.Info("[BLE] notification sent", "device", dev, "status", status)
}

// MTUChanged records the negotiated MTU for the device.
func (m *Manager) MTUChanged(dev Device, mtu int) {
	slog.Info("[BLE] MTU changed", "device", dev, "mtu", mtu)
	m.stateMu.Lock()
	m.mtus[dev.Address] = mtu
	m.stateMu.Unlock()
}

// PhyUpdated logs a PHY change on the link.
func (m *Manager) PhyUpdated(dev Device, tx, rx Phy, status Status) {
	slog.Info("[BLE] PHY updated", "device", dev, "tx", tx, "rx", rx, "status", status)
}

// PhyRead logs the result of a PHY query.
func (m *Manager) PhyRead(dev Device, tx, rx Phy, status Status) {
	slog.Info("[BLE] PHY read", "device", dev, "tx", tx, "rx", rx, "status", status)
}
