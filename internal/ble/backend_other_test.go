//go:build !linux

package ble

func isBlueZ(Adapter) bool { return false }
func isHCI(Adapter) bool   { return false }
