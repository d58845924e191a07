package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/heliogrid/heliogrid/pkg/collector"
	"github.com/heliogrid/heliogrid/pkg/log"
	"github.com/heliogrid/heliogrid/pkg/metrics"
	"github.com/heliogrid/heliogrid/pkg/sems"
	"github.com/heliogrid/heliogrid/pkg/sink"
	"github.com/heliogrid/heliogrid/pkg/template"
	"github.com/heliogrid/heliogrid/pkg/types"
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run a collection worker (worker entry point)",
	Long: `Run a collection worker for one device.

The worker reads its whole configuration from the document written into its
private directory at build time, logs in to the vendor portal and writes
inverter telemetry to the time-series sink on a fixed interval until it is
signalled to stop.`,
	RunE: runCollect,
}

func init() {
	collectCmd.Flags().String("config", template.ConfigFile, "Worker configuration document")
	collectCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
}

func runCollect(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	data, err := os.ReadFile(path)
	if err != nil {
		return types.ConfigError(fmt.Sprintf("worker configuration %s", path), err)
	}
	wc, err := template.ParseWorkerConfig(data)
	if err != nil {
		return err
	}

	logger := log.WithDeviceID(wc.Device.ID)

	session := sems.NewClient(sems.Credentials{
		Username: wc.SEMS.Username,
		Password: wc.SEMS.Password,
		Region:   wc.SEMS.Region,
	})

	ts, err := sink.NewInfluxSink(types.SinkConfig{
		URL:    wc.InfluxDB.URL,
		Token:  wc.InfluxDB.Token,
		Org:    wc.InfluxDB.Org,
		Bucket: wc.InfluxDB.Bucket,
	})
	if err != nil {
		return err
	}
	defer ts.Close()

	loop, err := collector.NewLoop(session, ts, collector.Config{
		DeviceID:   wc.Device.ID,
		DeviceName: wc.Device.Name,
		Interval:   time.Duration(wc.Settings.Interval) * time.Second,
		Timezone:   wc.Settings.Timezone,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("addr", metricsAddr).Msg("Metrics server failed")
			}
		}()
		defer srv.Close()
	}

	logger.Info().
		Str("template", wc.TemplateType()).
		Str("region", wc.SEMS.Region).
		Str("bucket", wc.InfluxDB.Bucket).
		Msg("Worker starting")

	return loop.Run(ctx)
}
