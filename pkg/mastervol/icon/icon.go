// Package icon holds the tray and notification icons
package icon

import (
	_ "embed"
)

// Logo is shown while the master output is audible
//
//go:embed logo.ico
var Logo []byte

// Muted is shown while the master output is muted or no device is attached
//
//go:embed muted.ico
var Muted []byte
