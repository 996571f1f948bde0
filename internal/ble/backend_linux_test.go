//go:build linux

package ble

func isBlueZ(a Adapter) bool {
	_, ok := a.(*BlueZAdapter)
	return ok
}

func isHCI(a Adapter) bool {
	h, ok := a.(*HCIAdapter)
	return ok && h.deviceID == 1
}
