package storage

import (
	"github.com/heliogrid/heliogrid/pkg/types"
)

// Store defines the interface for supervisor state storage
type Store interface {
	// Devices
	CreateDevice(device *types.Device) error
	GetDevice(id string) (*types.Device, error)
	ListDevices() ([]*types.Device, error)
	UpdateDevice(device *types.Device) error
	DeleteDevice(id string) error

	// Utility
	Close() error
}
