package ble

import (
	"fmt"
	"strings"
	"time"
)

// Device identifies a remote central.
type Device struct {
	Address string
	Name    string
}

func (d Device) String() string {
	if d.Name == "" {
		return d.Address
	}
	return fmt.Sprintf("%s (%s)", d.Address, d.Name)
}

// Status is a GATT status code.
type Status uint16

const (
	StatusSuccess                Status = 0x00
	StatusReadNotPermitted       Status = 0x02
	StatusWriteNotPermitted      Status = 0x03
	StatusRequestNotSupported    Status = 0x06
	StatusInvalidOffset          Status = 0x07
	StatusInvalidAttributeLength Status = 0x0d
	StatusFailure                Status = 0x101
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusReadNotPermitted:
		return "read not permitted"
	case StatusWriteNotPermitted:
		return "write not permitted"
	case StatusRequestNotSupported:
		return "request not supported"
	case StatusInvalidOffset:
		return "invalid offset"
	case StatusInvalidAttributeLength:
		return "invalid attribute length"
	case StatusFailure:
		return "failure"
	}
	return fmt.Sprintf("status 0x%02x", uint16(s))
}

// ConnState is the state of a link to a central.
type ConnState int

const (
	StateDisconnected  ConnState = 0
	StateConnecting    ConnState = 1
	StateConnected     ConnState = 2
	StateDisconnecting ConnState = 3
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Phy is an LE physical layer.
type Phy int

const (
	Phy1M    Phy = 1
	Phy2M    Phy = 2
	PhyCoded Phy = 3
)

func (p Phy) String() string {
	switch p {
	case Phy1M:
		return "LE 1M"
	case Phy2M:
		return "LE 2M"
	case PhyCoded:
		return "LE Coded"
	}
	return fmt.Sprintf("phy(%d)", int(p))
}

// Property is the characteristic properties bit field.
type Property uint8

const (
	PropertyRead   Property = 0x02
	PropertyWrite  Property = 0x08
	PropertyNotify Property = 0x10
)

// Has reports whether all bits of q are set in p.
func (p Property) Has(q Property) bool { return p&q == q }

// Permission is the attribute permission bit field.
type Permission uint16

const (
	PermissionRead  Permission = 0x01
	PermissionWrite Permission = 0x10
)

// Has reports whether all bits of q are set in p.
func (p Permission) Has(q Permission) bool { return p&q == q }

// ServiceType distinguishes primary from secondary services.
type ServiceType int

const (
	ServicePrimary   ServiceType = 0
	ServiceSecondary ServiceType = 1
)

// Descriptor is a characteristic descriptor with a static value.
type Descriptor struct {
	UUID        string
	Permissions Permission
	Value       []byte
}

// Characteristic is a GATT characteristic and its descriptors.
type Characteristic struct {
	UUID        string
	Properties  Property
	Permissions Permission
	Descriptors []*Descriptor
}

// Descriptor returns the descriptor with the given UUID, or nil.
func (c *Characteristic) Descriptor(uuid string) *Descriptor {
	for _, d := range c.Descriptors {
		if strings.EqualFold(d.UUID, uuid) {
			return d
		}
	}
	return nil
}

// Service is a GATT service.
type Service struct {
	UUID            string
	Type            ServiceType
	Characteristics []*Characteristic
}

// Characteristic returns the characteristic with the given UUID, or nil.
func (s *Service) Characteristic(uuid string) *Characteristic {
	for _, c := range s.Characteristics {
		if strings.EqualFold(c.UUID, uuid) {
			return c
		}
	}
	return nil
}

// ServiceOptions names the attributes of the Wi-Fi credential service.
type ServiceOptions struct {
	ServiceUUID        string
	CharacteristicUUID string
	DescriptorUUID     string
	DescriptorValue    string
}

// DefaultServiceOptions returns the stock UUIDs and descriptor text.
func DefaultServiceOptions() ServiceOptions {
	return ServiceOptions{
		ServiceUUID:        ServiceUUID,
		CharacteristicUUID: CredentialCharUUID,
		DescriptorUUID:     ConfigDescUUID,
		DescriptorValue:    DefaultDescriptorValue,
	}
}

// NewWifiService builds the primary service holding one read/write
// credential characteristic with one read-only descriptor.
func NewWifiService(opts ServiceOptions) *Service {
	def := DefaultServiceOptions()
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = def.ServiceUUID
	}
	if opts.CharacteristicUUID == "" {
		opts.CharacteristicUUID = def.CharacteristicUUID
	}
	if opts.DescriptorUUID == "" {
		opts.DescriptorUUID = def.DescriptorUUID
	}

	desc := &Descriptor{
		UUID:        opts.DescriptorUUID,
		Permissions: PermissionRead,
		Value:       []byte(opts.DescriptorValue),
	}
	char := &Characteristic{
		UUID:        opts.CharacteristicUUID,
		Properties:  PropertyRead | PropertyWrite,
		Permissions: PermissionRead | PermissionWrite,
		Descriptors: []*Descriptor{desc},
	}
	return &Service{
		UUID:            opts.ServiceUUID,
		Type:            ServicePrimary,
		Characteristics: []*Characteristic{char},
	}
}

// ReadRequest is a read of a characteristic or descriptor value.
type ReadRequest struct {
	Device    Device
	RequestID int
	Offset    int
}

// WriteRequest is a write to a characteristic or descriptor value.
type WriteRequest struct {
	Device         Device
	RequestID      int
	Offset         int
	Value          []byte
	Prepared       bool // part of a queued (long) write
	ResponseNeeded bool
}

// Response answers a read, write or execute-write request.
type Response struct {
	Status Status
	Offset int
	Value  []byte
}

// AdvertiseMode trades discovery latency for power.
type AdvertiseMode int

const (
	AdvertiseLowPower   AdvertiseMode = 0
	AdvertiseBalanced   AdvertiseMode = 1
	AdvertiseLowLatency AdvertiseMode = 2
)

// Interval returns the advertising interval used for the mode.
func (m AdvertiseMode) Interval() time.Duration {
	switch m {
	case AdvertiseLowLatency:
		return 100 * time.Millisecond
	case AdvertiseBalanced:
		return 250 * time.Millisecond
	default:
		return 1000 * time.Millisecond
	}
}

func (m AdvertiseMode) String() string {
	switch m {
	case AdvertiseLowPower:
		return "low_power"
	case AdvertiseBalanced:
		return "balanced"
	case AdvertiseLowLatency:
		return "low_latency"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseAdvertiseMode parses a config mode name.
func ParseAdvertiseMode(s string) (AdvertiseMode, error) {
	switch s {
	case "low_power":
		return AdvertiseLowPower, nil
	case "balanced":
		return AdvertiseBalanced, nil
	case "low_latency":
		return AdvertiseLowLatency, nil
	}
	return 0, fmt.Errorf("ble: unknown advertise mode %q", s)
}

// TxPower is the requested advertising transmit power level.
type TxPower int

const (
	TxPowerUltraLow TxPower = 0
	TxPowerLow      TxPower = 1
	TxPowerMedium   TxPower = 2
	TxPowerHigh     TxPower = 3
)

func (p TxPower) String() string {
	switch p {
	case TxPowerUltraLow:
		return "ultra_low"
	case TxPowerLow:
		return "low"
	case TxPowerMedium:
		return "medium"
	case TxPowerHigh:
		return "high"
	}
	return fmt.Sprintf("tx_power(%d)", int(p))
}

// ParseTxPower parses a config power level name.
func ParseTxPower(s string) (TxPower, error) {
	switch s {
	case "ultra_low":
		return TxPowerUltraLow, nil
	case "low":
		return TxPowerLow, nil
	case "medium":
		return TxPowerMedium, nil
	case "high":
		return TxPowerHigh, nil
	}
	return 0, fmt.Errorf("ble: unknown tx power %q", s)
}

// AdvertiseSettings controls how advertising runs.
type AdvertiseSettings struct {
	Mode        AdvertiseMode
	TxPower     TxPower
	Connectable bool
	Timeout     time.Duration // 0 advertises until stopped
}

// DefaultAdvertiseSettings returns low-latency, high-power, connectable
// advertising with no timeout.
func DefaultAdvertiseSettings() AdvertiseSettings {
	return AdvertiseSettings{
		Mode:        AdvertiseLowLatency,
		TxPower:     TxPowerHigh,
		Connectable: true,
	}
}

// AdvertiseData is the payload broadcast while advertising.
type AdvertiseData struct {
	IncludeDeviceName bool
	LocalName         string
	ServiceUUIDs      []string
}
