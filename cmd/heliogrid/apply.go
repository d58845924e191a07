package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/heliogrid/heliogrid/pkg/api"
	"github.com/heliogrid/heliogrid/pkg/client"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Register devices from a YAML file",
	Long: `Register devices described in a YAML file. Devices whose name is
already registered are skipped.

Examples:
  # Register one inverter
  heliogrid apply -f rooftop.yaml

  # Register a fleet (multiple YAML documents separated by ---)
  heliogrid apply -f fleet.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	applyCmd.Flags().String("daemon", defaultDaemonAddr, "Supervisor daemon address")
	_ = applyCmd.MarkFlagRequired("file")
}

// Resource is one document of an apply file
type Resource struct {
	Kind     string           `yaml:"kind"`
	Metadata ResourceMetadata `yaml:"metadata"`
	Spec     DeviceSpec       `yaml:"spec"`
}

type ResourceMetadata struct {
	Name string `yaml:"name"`
}

// DeviceSpec mirrors the create request. passwordEnv names an environment
// variable so files can be committed without secrets.
type DeviceSpec struct {
	Template    string `yaml:"template"`
	Region      string `yaml:"region"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	PasswordEnv string `yaml:"passwordEnv"`
	Timezone    string `yaml:"timezone"`
	Interval    int    `yaml:"interval"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	daemonAddr, _ := cmd.Flags().GetString("daemon")

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	defer f.Close()

	resources, err := decodeResources(f)
	if err != nil {
		return err
	}

	c, err := client.NewClient(daemonAddr)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}

	existing, err := c.ListDevices(cmd.Context())
	if err != nil {
		return err
	}
	registered := make(map[string]string, len(existing))
	for _, d := range existing {
		registered[d.Name] = d.ID
	}

	for _, r := range resources {
		name := r.Metadata.Name
		if id, ok := registered[name]; ok {
			fmt.Printf("Device already exists: %s (ID: %s, skipping)\n", name, id)
			continue
		}

		password := r.Spec.Password
		if r.Spec.PasswordEnv != "" {
			password = os.Getenv(r.Spec.PasswordEnv)
		}

		fmt.Printf("Creating device: %s\n", name)
		dev, err := c.CreateDevice(cmd.Context(), api.CreateDeviceRequest{
			Name:     name,
			Template: r.Spec.Template,
			Region:   r.Spec.Region,
			Username: r.Spec.Username,
			Password: password,
			Timezone: r.Spec.Timezone,
			Interval: r.Spec.Interval,
		})
		if err != nil {
			return fmt.Errorf("failed to create device %s: %w", name, err)
		}
		registered[name] = dev.ID
		fmt.Printf("✓ Device created: %s (ID: %s)\n", name, dev.ID)
	}

	return nil
}

func decodeResources(r io.Reader) ([]Resource, error) {
	var resources []Resource

	dec := yaml.NewDecoder(r)
	for {
		var res Resource
		err := dec.Decode(&res)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}

		if res.Kind != "Device" {
			return nil, fmt.Errorf("unsupported resource kind: %q", res.Kind)
		}
		if res.Metadata.Name == "" {
			return nil, fmt.Errorf("device %d: metadata.name is required", len(resources)+1)
		}
		resources = append(resources, res)
	}

	if len(resources) == 0 {
		return nil, fmt.Errorf("no resources found")
	}
	return resources, nil
}
