// loadcell-host streams and calibrates load cell samples from the
// sampling MCU over its serial protocol.
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"loadcell/core"
	"loadcell/host/loadcell"
	"loadcell/host/mcu"
	"loadcell/protocol"
)

var (
	configPath string
	device     string
	verbose    bool

	tareSamples int
)

var rootCmd = &cobra.Command{
	Use:   "loadcell-host",
	Short: "Host tooling for the load cell sampling MCU",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	},
}

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Start capture and print scaled samples until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, conn, err := connect()
		if err != nil {
			return err
		}
		defer conn.Close()

		decoder := &loadcell.StreamDecoder{}
		err = conn.OnResponse("sensor_bulk_data", func(data *[]byte) error {
			oid, err := protocol.DecodeVLQUint(data)
			if err != nil {
				return err
			}
			sequence, err := protocol.DecodeVLQUint(data)
			if err != nil {
				return err
			}
			payload, err := protocol.DecodeVLQBytes(data)
			if err != nil {
				return err
			}

			samples, lost, err := decoder.Frame(uint16(sequence), payload)
			if err != nil {
				return err
			}
			if lost > 0 {
				log.Warn().Uint16("lost_frames", lost).Msg("bulk frames dropped")
			}
			for _, s := range samples {
				log.Info().
					Uint32("oid", oid).
					Int32("counts", s).
					Float64("grams", cfg.Calibration.Scale(s)).
					Msg("sample")
			}
			return nil
		})
		if err != nil {
			return err
		}

		if err := startCapture(cfg, conn); err != nil {
			return err
		}
		log.Info().Str("device", cfg.Device).Msg("streaming, ctrl-c to stop")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		log.Info().
			Uint32("total_lost_frames", decoder.LostFrames()).
			Msg("stopping capture")
		return conn.StopCapture(sensorCommand(cfg), 0)
	},
}

var tareCmd = &cobra.Command{
	Use:   "tare",
	Short: "Sample the unloaded cell and print a new tare offset",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, conn, err := connect()
		if err != nil {
			return err
		}
		defer conn.Close()

		collected := make([]int32, 0, tareSamples)
		done := make(chan struct{})
		err = conn.OnResponse("sensor_bulk_data", func(data *[]byte) error {
			if _, err := protocol.DecodeVLQUint(data); err != nil {
				return err
			}
			if _, err := protocol.DecodeVLQUint(data); err != nil {
				return err
			}
			payload, err := protocol.DecodeVLQBytes(data)
			if err != nil {
				return err
			}
			samples, err := loadcell.DecodeSamples(payload)
			if err != nil {
				return err
			}
			if len(collected) < tareSamples {
				collected = append(collected, samples...)
				if len(collected) >= tareSamples {
					close(done)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		if err := startCapture(cfg, conn); err != nil {
			return err
		}

		select {
		case <-done:
		case <-time.After(30 * time.Second):
			return errors.New("timed out waiting for samples")
		}
		_ = conn.StopCapture(sensorCommand(cfg), 0)

		offset, err := loadcell.Tare(collected)
		if err != nil {
			return err
		}
		log.Info().
			Int("samples", len(collected)).
			Int32("tare_counts", offset).
			Msg("update calibration.tare_counts with this value")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the sensor's buffer and readiness state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, conn, err := connect()
		if err != nil {
			return err
		}
		defer conn.Close()

		done := make(chan struct{})
		err = conn.OnResponse("sensor_bulk_status", func(data *[]byte) error {
			oid, _ := protocol.DecodeVLQUint(data)
			clock, _ := protocol.DecodeVLQUint(data)
			queryTicks, _ := protocol.DecodeVLQUint(data)
			nextSequence, _ := protocol.DecodeVLQUint(data)
			buffered, _ := protocol.DecodeVLQUint(data)
			overflows, err := protocol.DecodeVLQUint(data)
			if err != nil {
				return err
			}

			log.Info().
				Uint32("oid", oid).
				Uint32("clock", clock).
				Uint32("query_ticks", queryTicks).
				Uint32("next_sequence", nextSequence).
				Uint32("buffered_bytes", buffered).
				Uint32("possible_overflows", overflows).
				Msg("sensor status")
			close(done)
			return nil
		})
		if err != nil {
			return err
		}

		if err := conn.QueryStatus(sensorCommand(cfg), 0); err != nil {
			return err
		}

		select {
		case <-done:
			return nil
		case <-time.After(5 * time.Second):
			log.Error().Msg("no status response from MCU")
			return nil
		}
	},
}

// connect loads the config and opens the MCU connection
func connect() (*loadcell.Config, *mcu.MCU, error) {
	var cfg *loadcell.Config
	var err error
	if configPath != "" {
		cfg, err = loadcell.LoadConfig(configPath)
		if err != nil {
			return nil, nil, err
		}
	} else {
		cfg = loadcell.DefaultConfig()
	}
	if device != "" {
		cfg.Device = device
	}

	conn := mcu.NewMCU()
	if err := conn.Connect(cfg.Device); err != nil {
		return nil, nil, err
	}
	return cfg, conn, nil
}

// sensorCommand maps the configured sensor type to its command prefix
func sensorCommand(cfg *loadcell.Config) string {
	if cfg.Sensor.Type == loadcell.SensorADS1220 {
		return "ads1220"
	}
	return "hx71x"
}

// startCapture arms sensor oid 0 at the configured sample rate
func startCapture(cfg *loadcell.Config, conn *mcu.MCU) error {
	restTicks := uint32(core.TimerFreq / cfg.Sensor.SampleRateHz)
	return conn.StartCapture(sensorCommand(cfg), 0, restTicks)
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVarP(&device, "device", "d", "", "serial device (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	tareCmd.Flags().IntVarP(&tareSamples, "samples", "n", 100, "number of samples to average")

	rootCmd.AddCommand(streamCmd, tareCmd, statusCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}
