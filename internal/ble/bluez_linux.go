//go:build linux

package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/bleprov/internal/ble/protocol"
)

// BlueZAdapter wraps tinygo-org/bluetooth on Linux, which registers the
// GATT application and advertisement with BlueZ over D-Bus.
//
// BlueZ answers reads from the characteristic's stored value, so
// Handler.ReadCharacteristic is never invoked on this backend. Writes are
// delivered and spliced into the stored value at their offset for later
// reads. BlueZ exposes neither descriptors, MTU exchanges nor PHY changes
// through this library.
//
// Write events carry no peer address. While exactly one central is
// connected, writes are attributed to its address; otherwise they carry a
// placeholder "conn-N" address.
type BlueZAdapter struct {
	adapter *bluetooth.Adapter
	name    string

	// mu protects the fields below.
	mu        sync.Mutex
	enabled   bool
	handler   Handler
	connected map[string]bool
}

func newBlueZAdapter(BackendOptions) (Adapter, error) {
	return NewBlueZAdapter(), nil
}

// NewBlueZAdapter creates an adapter on the default BlueZ controller.
func NewBlueZAdapter() *BlueZAdapter {
	return &BlueZAdapter{
		adapter:   bluetooth.DefaultAdapter,
		name:      hostName(),
		connected: make(map[string]bool),
	}
}

func (a *BlueZAdapter) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

func (a *BlueZAdapter) Enable() error {
	// Register before Enable so centrals connecting right after the first
	// advertisement are reported.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addr := device.Address.String()
		a.mu.Lock()
		if connected {
			a.connected[addr] = true
		} else {
			delete(a.connected, addr)
		}
		h := a.handler
		a.mu.Unlock()
		if h == nil {
			return
		}
		state := StateDisconnected
		if connected {
			state = StateConnected
		}
		h.ConnectionStateChanged(Device{Address: addr}, StatusSuccess, state)
	})

	if err := a.adapter.Enable(); err != nil {
		return err
	}
	a.mu.Lock()
	a.enabled = true
	a.mu.Unlock()
	return nil
}

func (a *BlueZAdapter) Name() string { return a.name }

// writer resolves the central behind a write event.
func (a *BlueZAdapter) writer(client bluetooth.Connection) Device {
	a.mu.Lock()
	defer a.mu.Unlock()
	addrs := make([]string, 0, len(a.connected))
	for addr := range a.connected {
		addrs = append(addrs, addr)
	}
	return soleDevice(addrs, fmt.Sprintf("conn-%v", client))
}

// SupportsAdvertising is always true: BlueZ implements LEAdvertisingManager1
// on every controller it manages.
func (a *BlueZAdapter) SupportsAdvertising() bool { return true }

func (a *BlueZAdapter) OpenServer(h Handler) (Server, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
	return &blueZServer{adapter: a, handler: h}, nil
}

func (a *BlueZAdapter) Advertiser() (Advertiser, error) {
	adv := a.adapter.DefaultAdvertisement()
	if adv == nil {
		return nil, fmt.Errorf("ble: default advertisement is nil")
	}
	return &blueZAdvertiser{adv: adv}, nil
}

// Compile-time check that BlueZAdapter implements Adapter.
var _ Adapter = (*BlueZAdapter)(nil)

type blueZServer struct {
	adapter *BlueZAdapter
	handler Handler
	ids     requestIDs

	mu     sync.Mutex
	closed bool
}

func (s *blueZServer) AddService(svc *Service) error {
	svcUUID, err := bluetooth.ParseUUID(svc.UUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}

	configs := make([]bluetooth.CharacteristicConfig, 0, len(svc.Characteristics))
	for _, c := range svc.Characteristics {
		cfg, err := s.characteristicConfig(c)
		if err != nil {
			return err
		}
		configs = append(configs, cfg)
	}

	err = s.adapter.adapter.AddService(&bluetooth.Service{
		UUID:            svcUUID,
		Characteristics: configs,
	})
	if err != nil {
		s.handler.ServiceAdded(StatusFailure, svc)
		return fmt.Errorf("ble: register service: %w", err)
	}
	s.handler.ServiceAdded(StatusSuccess, svc)
	return nil
}

func (s *blueZServer) characteristicConfig(c *Characteristic) (bluetooth.CharacteristicConfig, error) {
	charUUID, err := bluetooth.ParseUUID(c.UUID)
	if err != nil {
		return bluetooth.CharacteristicConfig{}, fmt.Errorf("ble: parse characteristic UUID: %w", err)
	}
	for _, d := range c.Descriptors {
		slog.Warn("[BLE] bluez backend cannot publish descriptors, skipping", "descriptor", d.UUID)
	}

	var flags bluetooth.CharacteristicPermissions
	if c.Properties.Has(PropertyRead) {
		flags |= bluetooth.CharacteristicReadPermission
	}
	if c.Properties.Has(PropertyWrite) {
		flags |= bluetooth.CharacteristicWritePermission
	}
	if c.Properties.Has(PropertyNotify) {
		flags |= bluetooth.CharacteristicNotifyPermission
	}

	handle := &bluetooth.Characteristic{}
	var stored []byte // guarded by s.mu
	return bluetooth.CharacteristicConfig{
		Handle: handle,
		UUID:   charUUID,
		Value:  []byte{},
		Flags:  flags,
		WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
			if s.isClosed() {
				return
			}
			req := WriteRequest{
				Device:         s.adapter.writer(client),
				RequestID:      s.ids.next(),
				Offset:         offset,
				Value:          append([]byte(nil), value...),
				ResponseNeeded: true,
			}
			resp := s.handler.WriteCharacteristic(req, c)
			if resp.Status != StatusSuccess {
				return
			}

			// Long writes arrive as fragments at increasing offsets.
			s.mu.Lock()
			stored = protocol.Splice(stored, offset, resp.Value)
			v := append([]byte(nil), stored...)
			s.mu.Unlock()
			if _, err := handle.Write(v); err != nil {
				slog.Warn("[BLE] storing written value failed", "uuid", c.UUID, "error", err)
			}
		},
	}, nil
}

func (s *blueZServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close detaches the handler. tinygo bluetooth has no way to unregister
// the GATT application, so BlueZ keeps it until the process exits.
func (s *blueZServer) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.adapter.mu.Lock()
	if s.adapter.handler == s.handler {
		s.adapter.handler = nil
	}
	s.adapter.mu.Unlock()
	return nil
}

type blueZAdvertiser struct {
	adv *bluetooth.Advertisement

	mu      sync.Mutex
	running bool
	timer   *time.Timer
}

func (a *blueZAdvertiser) Start(ctx context.Context, settings AdvertiseSettings, data AdvertiseData) error {
	uuids := make([]bluetooth.UUID, 0, len(data.ServiceUUIDs))
	for _, s := range data.ServiceUUIDs {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return fmt.Errorf("ble: parse advertised UUID: %w", err)
		}
		uuids = append(uuids, u)
	}

	opts := bluetooth.AdvertisementOptions{
		ServiceUUIDs: uuids,
		Interval:     bluetooth.NewDuration(settings.Mode.Interval()),
	}
	if data.IncludeDeviceName {
		opts.LocalName = data.LocalName
	}
	if !settings.Connectable {
		slog.Warn("[BLE] bluez backend always advertises as connectable")
	}
	slog.Debug("[BLE] bluez manages tx power itself", "requested", settings.TxPower)

	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	if err := a.adv.Configure(opts); err != nil {
		return fmt.Errorf("ble: configure advertisement: %w", err)
	}
	if err := a.adv.Start(); err != nil {
		return err
	}
	a.running = true

	if settings.Timeout > 0 {
		a.timer = time.AfterFunc(settings.Timeout, func() {
			slog.Info("[BLE] advertising timeout reached", "timeout", settings.Timeout)
			if err := a.Stop(); err != nil {
				slog.Warn("[BLE] stop advertising after timeout", "error", err)
			}
		})
	}
	return nil
}

func (a *blueZAdvertiser) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if !a.running {
		return nil
	}
	a.running = false
	return a.adv.Stop()
}
