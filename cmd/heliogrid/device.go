package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/heliogrid/heliogrid/pkg/api"
	"github.com/heliogrid/heliogrid/pkg/client"
)

const defaultDaemonAddr = "127.0.0.1:8080"

var deviceCmd = &cobra.Command{
	Use:     "device",
	Aliases: []string{"devices"},
	Short:   "Manage registered inverters and their workers",
}

var deviceCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Register an inverter and start its worker",
	Long: `Register an inverter and start its worker.

The portal password is read from --password or, when that is empty, from
the HELIOGRID_PORTAL_PASSWORD environment variable.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := daemonClient(cmd)
		if err != nil {
			return err
		}

		tpl, _ := cmd.Flags().GetString("template")
		region, _ := cmd.Flags().GetString("region")
		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")
		timezone, _ := cmd.Flags().GetString("timezone")
		interval, _ := cmd.Flags().GetInt("interval")
		if password == "" {
			password = os.Getenv("HELIOGRID_PORTAL_PASSWORD")
		}

		dev, err := c.CreateDevice(cmd.Context(), api.CreateDeviceRequest{
			Name:     args[0],
			Template: tpl,
			Region:   region,
			Username: username,
			Password: password,
			Timezone: timezone,
			Interval: interval,
		})
		if err != nil {
			return err
		}

		fmt.Printf("✓ Device created: %s (ID: %s, state: %s)\n", dev.Name, dev.ID, dev.State)
		return nil
	},
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := daemonClient(cmd)
		if err != nil {
			return err
		}

		devices, err := c.ListDevices(cmd.Context())
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Println("No devices registered")
			return nil
		}

		fmt.Printf("%-6s %-24s %-10s %-8s %-10s %s\n", "ID", "NAME", "TEMPLATE", "REGION", "STATE", "WORKER")
		for _, d := range devices {
			worker := "-"
			if d.Worker != nil {
				worker = d.Worker.ID + " (" + d.Worker.Status + ")"
			}
			fmt.Printf("%-6s %-24s %-10s %-8s %-10s %s\n", d.ID, d.Name, d.Template, d.Region, d.State, worker)
		}
		return nil
	},
}

var deviceGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := daemonClient(cmd)
		if err != nil {
			return err
		}

		d, err := c.GetDevice(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("ID:          %s\n", d.ID)
		fmt.Printf("Name:        %s\n", d.Name)
		fmt.Printf("Template:    %s\n", d.Template)
		fmt.Printf("Region:      %s\n", d.Region)
		fmt.Printf("Username:    %s\n", d.Username)
		fmt.Printf("Timezone:    %s\n", d.Timezone)
		fmt.Printf("Interval:    %ds\n", d.Interval)
		fmt.Printf("State:       %s\n", d.State)
		if d.LastError != "" {
			fmt.Printf("Last error:  %s\n", d.LastError)
		}
		if d.Worker != nil {
			fmt.Printf("Worker:      %s (%s)\n", d.Worker.ID, d.Worker.Status)
			fmt.Printf("Image:       %s\n", d.Worker.Image)
		}
		fmt.Printf("Created:     %s\n", d.CreatedAt.Format(time.RFC3339))
		fmt.Printf("Updated:     %s\n", d.LastUpdate.Format(time.RFC3339))
		return nil
	},
}

var deviceStartCmd = &cobra.Command{
	Use:   "start ID",
	Short: "Rebuild and start a device's worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := daemonClient(cmd)
		if err != nil {
			return err
		}
		if err := c.StartDevice(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Start dispatched for device %s\n", args[0])
		return nil
	},
}

var deviceStopCmd = &cobra.Command{
	Use:   "stop ID",
	Short: "Stop a device's worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := daemonClient(cmd)
		if err != nil {
			return err
		}
		if err := c.StopDevice(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Stop requested for device %s\n", args[0])
		fmt.Printf("  Check progress with: heliogrid device status %s\n", args[0])
		return nil
	},
}

var deviceStatusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Show a device's state and live worker status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := daemonClient(cmd)
		if err != nil {
			return err
		}
		st, err := c.DeviceStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Device %s: state=%s worker=%s\n", st.DeviceID, st.State, st.WorkerStatus)
		if st.LastError != "" {
			fmt.Printf("Last error: %s\n", st.LastError)
		}
		return nil
	},
}

var deviceLogsCmd = &cobra.Command{
	Use:   "logs ID",
	Short: "Print the tail of a worker's log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := daemonClient(cmd)
		if err != nil {
			return err
		}
		tail, _ := cmd.Flags().GetInt("tail")
		logs, err := c.DeviceLogs(cmd.Context(), args[0], tail)
		if err != nil {
			return err
		}
		fmt.Print(logs)
		if !strings.HasSuffix(logs, "\n") {
			fmt.Println()
		}
		return nil
	},
}

var deviceTelemetryCmd = &cobra.Command{
	Use:   "telemetry ID",
	Short: "Show the latest telemetry values for a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := daemonClient(cmd)
		if err != nil {
			return err
		}
		row, err := c.LastTelemetry(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Time: %s\n", row.Time.Format(time.RFC3339))
		keys := make([]string, 0, len(row.Values))
		for k := range row.Values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %-16s %v\n", k, row.Values[k])
		}
		return nil
	},
}

var deviceDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Stop a device's worker and remove the device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := daemonClient(cmd)
		if err != nil {
			return err
		}
		if err := c.DeleteDevice(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Delete requested for device %s\n", args[0])
		return nil
	},
}

func init() {
	deviceCmd.PersistentFlags().String("daemon", defaultDaemonAddr, "Supervisor daemon address")

	deviceCreateCmd.Flags().String("template", "", "Worker template (default goodwe)")
	deviceCreateCmd.Flags().String("region", "eu", "Portal region")
	deviceCreateCmd.Flags().String("username", "", "Portal username (required)")
	deviceCreateCmd.Flags().String("password", "", "Portal password")
	deviceCreateCmd.Flags().String("timezone", "", "IANA timezone (default UTC)")
	deviceCreateCmd.Flags().Int("interval", 0, "Collection interval in seconds (default 300)")
	_ = deviceCreateCmd.MarkFlagRequired("username")

	deviceLogsCmd.Flags().Int("tail", 100, "Number of lines to show")

	deviceCmd.AddCommand(deviceCreateCmd)
	deviceCmd.AddCommand(deviceListCmd)
	deviceCmd.AddCommand(deviceGetCmd)
	deviceCmd.AddCommand(deviceStartCmd)
	deviceCmd.AddCommand(deviceStopCmd)
	deviceCmd.AddCommand(deviceStatusCmd)
	deviceCmd.AddCommand(deviceLogsCmd)
	deviceCmd.AddCommand(deviceTelemetryCmd)
	deviceCmd.AddCommand(deviceDeleteCmd)
}

func daemonClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("daemon")
	c, err := client.NewClient(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	return c, nil
}
