package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	_ "time/tzdata" // timezone validation must not depend on the host zoneinfo

	"github.com/go-playground/validator/v10"

	"github.com/heliogrid/heliogrid/pkg/types"
)

// ConfigFile is the name of the generated document inside a worker directory
const ConfigFile = "config.json"

// WorkerConfig is the typed form of the worker configuration document.
// Section names are shared with existing templates and must not change.
type WorkerConfig struct {
	Device   DeviceSection   `json:"device,omitempty"`
	SEMS     SEMSSection     `json:"sems"`
	InfluxDB InfluxSection   `json:"influxdb"`
	Settings SettingsSection `json:"settings"`
}

// DeviceSection identifies the device a worker collects for
type DeviceSection struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	Template string `json:"template,omitempty"`
}

// SEMSSection holds portal credentials
type SEMSSection struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password"`
	Region   string `json:"region" validate:"required,alphanum"`
}

// InfluxSection holds the sink coordinates
type InfluxSection struct {
	URL    string `json:"url" validate:"required,url"`
	Token  string `json:"token"` // blank until the operator supplies one
	Org    string `json:"org" validate:"required"`
	Bucket string `json:"bucket" validate:"required"`
}

// SettingsSection holds collection loop settings
type SettingsSection struct {
	Interval int    `json:"interval" validate:"required,min=1"`
	Timezone string `json:"timezone" validate:"required,timezone"`
}

var validate = validator.New()

func init() {
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// NewWorkerConfig renders a WorkerSpec into the document a worker reads at startup
func NewWorkerConfig(spec *types.WorkerSpec) *WorkerConfig {
	return &WorkerConfig{
		Device: DeviceSection{
			ID:       spec.DeviceID,
			Name:     spec.DeviceName,
			Template: spec.TemplateType,
		},
		SEMS: SEMSSection{
			Username: spec.Credentials.Username,
			Password: spec.Credentials.Password,
			Region:   spec.Credentials.Region,
		},
		InfluxDB: InfluxSection{
			URL:    spec.Sink.URL,
			Token:  spec.Sink.Token,
			Org:    spec.Sink.Org,
			Bucket: spec.Sink.Bucket,
		},
		Settings: SettingsSection{
			Interval: spec.Settings.Interval,
			Timezone: spec.Settings.Timezone,
		},
	}
}

// TemplateType returns the template the document was built from
func (c *WorkerConfig) TemplateType() string {
	if c.Device.Template != "" {
		return c.Device.Template
	}
	return DefaultTemplateType
}

// Validate runs the schema check followed by the typed field checks
func (c *WorkerConfig) Validate() error {
	doc, err := ToDocument(c)
	if err != nil {
		return err
	}
	if err := ValidateConfig(c.TemplateType(), doc); err != nil {
		return err
	}
	return c.checkFields()
}

func (c *WorkerConfig) checkFields() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return types.ConfigError("invalid worker configuration", err)
		}
		verrs := &ValidationErrors{}
		for _, fe := range fieldErrs {
			verrs.add(fieldPath(fe), formatValidationMessage(fe))
		}
		return types.ConfigError("invalid worker configuration", verrs)
	}

	return nil
}

// ParseWorkerConfig decodes and validates a worker configuration document
func ParseWorkerConfig(data []byte) (*WorkerConfig, error) {
	var cfg WorkerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, types.MalformedError("invalid worker configuration document", err)
	}

	// Schema check runs on the raw document so absent keys are told apart from zero values
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, types.MalformedError("worker configuration must be an object of sections", err)
	}
	if err := ValidateConfig(cfg.TemplateType(), doc); err != nil {
		return nil, err
	}

	if err := cfg.checkFields(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// fieldPath turns "WorkerConfig.sems.region" into "sems.region"
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func formatValidationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field is empty"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "url":
		return "must be a valid URL"
	case "timezone":
		return "must be an IANA timezone name"
	case "alphanum":
		return "must be alphanumeric"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
