package ble

import "errors"

// errSendQueueFull is returned by Send when the bounded outbound queue
// is saturated; the caller is never blocked (spec §4.2).
var errSendQueueFull = errors.New("ble: send queue full")
