package types

import (
	"strings"
	"time"
)

// Device is a registered inverter and the supervisor's view of its worker
type Device struct {
	ID           string
	Name         string
	TemplateType string // Template used to materialize the worker (e.g. "goodwe")
	Region       string // Portal region prefix (e.g. "au", "eu")
	Timezone     string
	Username     string
	Password     string
	Interval     int // Polling interval in seconds
	State        DeviceState
	Handle       *WorkerHandle
	LastError    string
	CreatedAt    time.Time
	LastUpdate   time.Time
}

// DeviceState is the lifecycle state of a device's worker
type DeviceState string

const (
	DeviceStateNone     DeviceState = "none"
	DeviceStateBuilding DeviceState = "building"
	DeviceStateActive   DeviceState = "active"
	DeviceStateInactive DeviceState = "inactive"
	DeviceStateError    DeviceState = "error"
)

const (
	// DefaultInterval is the polling interval used when a device does not set one
	DefaultInterval = 300

	// DefaultTimezone is used when a device does not set a timezone
	DefaultTimezone = "UTC"
)

// WorkerHandle is the supervisor's record of a running worker
type WorkerHandle struct {
	ID        string // Execution backend identifier
	DeviceID  string
	Image     string
	Dir       string // Worker private directory
	Status    WorkerStatus
	UpdatedAt time.Time
}

// WorkerStatus is the status reported by the execution backend
type WorkerStatus string

const (
	WorkerStatusPending  WorkerStatus = "pending"
	WorkerStatusActive   WorkerStatus = "active"
	WorkerStatusError    WorkerStatus = "error"
	WorkerStatusInactive WorkerStatus = "inactive"
	WorkerStatusNotFound WorkerStatus = "not_found"
)

// WorkerTemplate is a named file set plus the schema its config must satisfy
type WorkerTemplate struct {
	Name        string
	Description string
	Version     string
	Image       string            // Base worker image the template runs on
	Files       map[string]string // Logical role (destination name) -> source file name
	Schema      ConfigSchema
}

// ConfigSchema lists the required sections of a worker config document
type ConfigSchema struct {
	Sections []SchemaSection
}

// SchemaSection lists required fields of one config section
type SchemaSection struct {
	Name       string
	Fields     []string
	AllowBlank []string // Fields that must be present but may be empty
}

// WorkerSpec is the resolved, device-specific worker configuration.
// It is never mutated once built; a restart builds a new one.
type WorkerSpec struct {
	DeviceID     string
	DeviceName   string
	TemplateType string
	Credentials  PortalCredentials
	Sink         SinkConfig
	Settings     WorkerSettings
}

// PortalCredentials are the vendor portal login details
type PortalCredentials struct {
	Username string
	Password string
	Region   string
}

// WorkerSettings are the runtime knobs of the collection loop
type WorkerSettings struct {
	Interval int
	Timezone string
}

// SinkConfig holds time-series endpoint coordinates
type SinkConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// Configured reports whether a token has been supplied
func (s SinkConfig) Configured() bool {
	return strings.TrimSpace(s.Token) != ""
}

// TelemetrySample is one normalized point produced by a collection cycle
type TelemetrySample struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]interface{}
	Timestamp   time.Time
}
