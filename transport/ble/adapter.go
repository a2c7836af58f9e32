// Package ble implements the GATT-shaped transport described in spec
// §4.4: a Nordic-UART-like profile with one service and RX/TX
// characteristics, peer discovery/connection state machine, and a
// chunking protocol for payloads larger than a single write.
//
// Spec §1 places the BLE stack itself out of scope ("only the
// per-transport contract is specified") and no BLE/GATT library exists
// anywhere in the retrieval pack, so the physical adapter is abstracted
// behind gattAdapter — the seam a real binding (e.g. a CoreBluetooth or
// BlueZ wrapper) would implement.
package ble

import (
	"context"
	"errors"
)

// ErrLinkClosed is returned by WriteRX once a Link's peer has dropped the
// connection, so a synchronous write failure can drive the same
// Connected -> Disconnected transition as an adapter-reported async
// disconnect.
var ErrLinkClosed = errors.New("ble: link closed by peer")

// Service/characteristic UUIDs, Nordic UART layout (spec §6).
const (
	ServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	RXCharUUID  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	TXCharUUID  = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// DiscoveredDevice is an advertisement observed by a scan.
type DiscoveredDevice struct {
	Address string
	Name    string
}

// Link is an established GATT connection to one peer: we write to its RX
// characteristic and receive its TX notifications.
type Link interface {
	// WriteRX sends a chunk/terminator frame to the peer's RX
	// characteristic. Must respect the caller's context deadline
	// (spec §5: BLE per-write timeout <= 2s).
	WriteRX(ctx context.Context, data []byte) error
	// Close tears down the connection.
	Close() error
}

// gattAdapter is the hardware seam: scan for advertisers, connect to one,
// subscribe to its TX notifications.
type gattAdapter interface {
	// Scan collects advertisements matching ServiceUUID for roughly the
	// given duration.
	Scan(ctx context.Context) ([]DiscoveredDevice, error)
	// Connect establishes a link and subscribes to TX notifications,
	// delivering each notified frame to onNotify. onDisconnect is
	// invoked at most once, from the adapter's own goroutine, if the
	// peer tears the link down asynchronously (spec §4.4 "* ->
	// Disconnected"); a binding with no such event may simply never
	// call it, relying on a WriteRX-returned ErrLinkClosed instead.
	Connect(ctx context.Context, addr string, onNotify func([]byte), onDisconnect func(error)) (Link, error)
}
