package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/bghosh412/aquanet-go/core"
	"github.com/bghosh412/aquanet-go/transport"
	"github.com/bghosh412/aquanet-go/transport/mqtt"
	"github.com/bghosh412/aquanet-go/transport/serial"
	"github.com/spf13/cobra"
)

var (
	// Radio identity
	localAddr string

	// Serial bridge flags
	serialPort string
	baudRate   int

	// MQTT bridge flags
	mqttBroker   string
	mqttUsername string
	mqttPassword string
	mqttTLS      bool
	networkID    string

	// Logging flags
	logLevel string
	logJSON  bool
)

var rootCmd = &cobra.Command{
	Use:   "aquanet",
	Short: "Hub and node runtime for small radio control networks",
	Long: `Aquanet runs either side of a hub-and-spoke control network: a hub
that discovers, provisions and commands peripheral nodes, or a node that
announces itself and executes commands.

The radio is reached through one of two bridges:
  Serial: --serial-port /dev/ttyUSB0 [--baud 115200]
  MQTT:   --mqtt-broker tcp://broker:1883 --network tank-1

Every endpoint needs a radio address: --addr AA:BB:CC:DD:EE:FF.`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&localAddr, "addr", "", "Local radio address (AA:BB:CC:DD:EE:FF)")

	pf.StringVar(&serialPort, "serial-port", "", "Serial port of the radio modem")
	pf.IntVar(&baudRate, "baud", serial.DefaultBaudRate, "Serial baud rate")

	pf.StringVar(&mqttBroker, "mqtt-broker", "", "MQTT broker URL (tcp:// or ssl://)")
	pf.StringVar(&mqttUsername, "mqtt-username", "", "MQTT username")
	pf.StringVar(&mqttPassword, "mqtt-password", "", "MQTT password")
	pf.BoolVar(&mqttTLS, "mqtt-tls", false, "Enable TLS for the MQTT connection")
	pf.StringVar(&networkID, "network", "", "Control network id (MQTT bridge)")

	pf.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	pf.BoolVar(&logJSON, "log-json", false, "Emit JSON logs")
}

// newLogger builds the process logger from the logging flags.
func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if logJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}

// buildRadio constructs the configured radio bridge.
func buildRadio(logger *slog.Logger) (transport.Radio, core.NodeAddr, error) {
	if localAddr == "" {
		return nil, core.NodeAddr{}, fmt.Errorf("--addr is required")
	}
	addr, err := core.ParseNodeAddr(localAddr)
	if err != nil {
		return nil, core.NodeAddr{}, fmt.Errorf("parsing --addr: %w", err)
	}

	switch {
	case serialPort != "" && mqttBroker != "":
		return nil, core.NodeAddr{}, fmt.Errorf("--serial-port and --mqtt-broker are mutually exclusive")

	case serialPort != "":
		return serial.New(serial.Config{
			Port:      serialPort,
			BaudRate:  baudRate,
			LocalAddr: addr,
			Logger:    logger,
		}), addr, nil

	case mqttBroker != "":
		if networkID == "" {
			return nil, core.NodeAddr{}, fmt.Errorf("--network is required with --mqtt-broker")
		}
		return mqtt.New(mqtt.Config{
			Broker:    mqttBroker,
			Username:  mqttUsername,
			Password:  mqttPassword,
			UseTLS:    mqttTLS,
			NetworkID: networkID,
			LocalAddr: addr,
			Logger:    logger,
		}), addr, nil

	default:
		return nil, core.NodeAddr{}, fmt.Errorf("either --serial-port or --mqtt-broker is required")
	}
}
