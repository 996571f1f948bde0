// Package ble implements a BLE peripheral that advertises a single GATT
// service and accepts a Wi-Fi credential string over one characteristic.
// The radio, ATT framing and advertising packet layout belong to the host
// stack; this package only wires callbacks to it.
package ble

import (
	"context"
	"errors"
)

// Default UUIDs of the Wi-Fi credential service.
const (
	ServiceUUID        = "00001111-0000-1000-8000-00805f9b34fb"
	CredentialCharUUID = "00008888-0000-1000-8000-00805f9b34fb"
	ConfigDescUUID     = "00002902-0000-1000-8000-00805f9b34fb"

	// DefaultDescriptorValue is the text served by the config descriptor.
	DefaultDescriptorValue = "WIFI ACCOUNT"
)

var (
	// ErrAdvertisingUnsupported is returned by Open when the adapter cannot
	// act as an advertising peripheral.
	ErrAdvertisingUnsupported = errors.New("ble: peripheral advertising not supported")
	// ErrUnsupportedPlatform is returned when no backend exists for this OS.
	ErrUnsupportedPlatform = errors.New("ble: no peripheral backend for this platform")
	// ErrUnknownBackend is returned by NewAdapter for unrecognized names.
	ErrUnknownBackend = errors.New("ble: unknown backend")
)

// Handler receives every GATT server event. Request callbacks return the
// response the backend hands back to the stack.
type Handler interface {
	ConnectionStateChanged(dev Device, status Status, state ConnState)
	ServiceAdded(status Status, svc *Service)
	ReadCharacteristic(req ReadRequest, c *Characteristic) Response
	WriteCharacteristic(req WriteRequest, c *Characteristic) Response
	ReadDescriptor(req ReadRequest, d *Descriptor) Response
	WriteDescriptor(req WriteRequest, d *Descriptor) Response
	ExecuteWrite(dev Device, requestID int, execute bool) Response
	NotificationSent(dev Device, status Status)
	MTUChanged(dev Device, mtu int)
	PhyUpdated(dev Device, tx, rx Phy, status Status)
	PhyRead(dev Device, tx, rx Phy, status Status)
}

// Server is an open GATT server bound to a Handler.
type Server interface {
	// AddService publishes svc. The backend reports completion through
	// Handler.ServiceAdded.
	AddService(svc *Service) error
	// Close removes all services and releases the server.
	Close() error
}

// Advertiser broadcasts the peripheral's presence.
type Advertiser interface {
	// Start begins advertising. It returns once advertising is running or
	// has failed to start; ctx bounds only the start itself.
	Start(ctx context.Context, settings AdvertiseSettings, data AdvertiseData) error
	// Stop ends advertising. Stopping an idle advertiser is not an error.
	Stop() error
}

// Adapter abstracts the local BLE controller for testing.
type Adapter interface {
	// Enabled reports whether the adapter is powered.
	Enabled() bool
	// Enable powers on the adapter.
	Enable() error
	// Name is the local device name used when advertising includes it.
	Name() string
	// SupportsAdvertising reports whether the controller can run as an
	// advertising peripheral.
	SupportsAdvertising() bool
	// OpenServer opens a GATT server that delivers events to h.
	OpenServer(h Handler) (Server, error)
	// Advertiser returns the adapter's advertiser.
	Advertiser() (Advertiser, error)
}

// PhyReader is implemented by adapters that can query a link's PHY.
type PhyReader interface {
	ReadPhy(dev Device) (tx, rx Phy, err error)
}
