//go:build linux
// +build linux

package btthermo

import "github.com/fako1024/gatt"

func btClientOptions(maxConnections int) []gatt.Option {
	return []gatt.Option{
		gatt.LnxDeviceID(-1, true),
		gatt.LnxMaxConnections(maxConnections),
	}
}
