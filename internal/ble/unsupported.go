//go:build !linux

package ble

func newBlueZAdapter(BackendOptions) (Adapter, error) {
	return nil, ErrUnsupportedPlatform
}

func newHCIAdapter(BackendOptions) (Adapter, error) {
	return nil, ErrUnsupportedPlatform
}
