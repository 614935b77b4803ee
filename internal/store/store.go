// Package store persists the device registry: which devices the hub manages
// and what discovery last reported about them. The session core never touches
// it; a fresh session re-runs discovery and the hub reconciles the result.
package store

import "errors"

// ErrNotFound is returned when a requested device does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	SaveDevice(dev *Device) error
	GetDevice(deviceID string) (*Device, error)
	DeleteDevice(deviceID string) error
	ListDevices() ([]*Device, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction. Returns ErrNotFound if the device does not exist.
	UpdateDevice(deviceID string, fn func(dev *Device) error) error

	Close() error
}
