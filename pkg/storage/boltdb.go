package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/heliogrid/heliogrid/pkg/security"
	"github.com/heliogrid/heliogrid/pkg/types"
)

var (
	// Bucket names
	bucketDevices = []byte("devices")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db      *bolt.DB
	secrets *security.SecretsManager
}

// Option configures a BoltStore
type Option func(*BoltStore)

// WithSecrets seals portal passwords before they are written to disk
func WithSecrets(sm *security.SecretsManager) Option {
	return func(s *BoltStore) {
		s.secrets = sm
	}
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string, opts ...Option) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "heliogrid.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDevices); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketDevices, err)
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	s := &BoltStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// CreateDevice stores a new device, assigning the next sequence number as
// its ID when none is set
func (s *BoltStore) CreateDevice(device *types.Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)

		if device.ID == "" {
			seq, err := b.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to allocate device id: %w", err)
			}
			device.ID = strconv.FormatUint(seq, 10)
		} else if b.Get([]byte(device.ID)) != nil {
			return fmt.Errorf("device already exists: %s", device.ID)
		}

		now := time.Now()
		if device.CreatedAt.IsZero() {
			device.CreatedAt = now
		}
		device.LastUpdate = now
		if device.State == "" {
			device.State = types.DeviceStateNone
		}

		return s.putDevice(b, device)
	})
}

func (s *BoltStore) GetDevice(id string) (*types.Device, error) {
	var device types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data := b.Get([]byte(id))
		if data == nil {
			return types.NotFoundError(fmt.Sprintf("device %s", id))
		}
		return s.decodeDevice(data, &device)
	})
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// ListDevices returns every device ordered by numeric ID
func (s *BoltStore) ListDevices() ([]*types.Device, error) {
	devices := []*types.Device{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		return b.ForEach(func(k, v []byte) error {
			var device types.Device
			if err := s.decodeDevice(v, &device); err != nil {
				return err
			}
			devices = append(devices, &device)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// Keys sort as strings, so "10" would come before "9"
	sort.SliceStable(devices, func(i, j int) bool {
		a, errA := strconv.ParseUint(devices[i].ID, 10, 64)
		b, errB := strconv.ParseUint(devices[j].ID, 10, 64)
		if errA != nil || errB != nil {
			return devices[i].ID < devices[j].ID
		}
		return a < b
	})

	return devices, nil
}

// UpdateDevice replaces an existing device record
func (s *BoltStore) UpdateDevice(device *types.Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b.Get([]byte(device.ID)) == nil {
			return types.NotFoundError(fmt.Sprintf("device %s", device.ID))
		}
		device.LastUpdate = time.Now()
		return s.putDevice(b, device)
	})
}

func (s *BoltStore) DeleteDevice(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b.Get([]byte(id)) == nil {
			return types.NotFoundError(fmt.Sprintf("device %s", id))
		}
		return b.Delete([]byte(id))
	})
}

// putDevice writes a copy of device so sealing never touches the caller's value
func (s *BoltStore) putDevice(b *bolt.Bucket, device *types.Device) error {
	record := *device
	if s.secrets != nil {
		sealed, err := s.secrets.Seal(record.Password)
		if err != nil {
			return fmt.Errorf("failed to seal password for device %s: %w", record.ID, err)
		}
		record.Password = sealed
	}

	data, err := json.Marshal(&record)
	if err != nil {
		return err
	}
	return b.Put([]byte(record.ID), data)
}

func (s *BoltStore) decodeDevice(data []byte, device *types.Device) error {
	if err := json.Unmarshal(data, device); err != nil {
		return err
	}
	if !security.IsSealed(device.Password) {
		return nil
	}
	if s.secrets == nil {
		return types.ConfigError(fmt.Sprintf("device %s has an encrypted password but no secret key is configured", device.ID), nil)
	}

	plain, err := s.secrets.Open(device.Password)
	if err != nil {
		return types.ConfigError(fmt.Sprintf("cannot decrypt password for device %s", device.ID), err)
	}
	device.Password = plain
	return nil
}
