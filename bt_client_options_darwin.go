//go:build darwin
// +build darwin

package btthermo

import "github.com/fako1024/gatt"

func btClientOptions(_ int) []gatt.Option {
	return []gatt.Option{
		gatt.MacDeviceRole(gatt.CentralManager),
	}
}
