package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bghosh412/aquanet-go/core"
	"github.com/bghosh412/aquanet-go/core/codec"
	"github.com/bghosh412/aquanet-go/hub"
	"github.com/bghosh412/aquanet-go/link"
	"github.com/spf13/cobra"
)

var (
	hubPeerTimeout   time.Duration
	hubSweepInterval time.Duration
	hubStatsInterval time.Duration
)

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run the network hub",
	Long: `Run the central hub: accept announcing nodes, hand out acks, track
heartbeats and expose the node directory through periodic log lines.

Examples:
  # Hub on a serial radio modem
  aquanet hub --addr 24:6F:28:00:00:01 --serial-port /dev/ttyUSB0

  # Hub over an MQTT-bridged radio
  aquanet hub --addr 24:6F:28:00:00:01 --mqtt-broker tcp://broker:1883 --network tank-1`,
	RunE: runHub,
}

func init() {
	rootCmd.AddCommand(hubCmd)
	hubCmd.Flags().DurationVar(&hubPeerTimeout, "peer-timeout", hub.DefaultPeerTimeout,
		"Heartbeat silence before a node is marked offline")
	hubCmd.Flags().DurationVar(&hubSweepInterval, "sweep-interval", hub.DefaultSweepInterval,
		"How often silent nodes are checked for")
	hubCmd.Flags().DurationVar(&hubStatsInterval, "stats-interval", time.Minute,
		"How often link counters and the node directory are logged")
}

func runHub(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}

	radio, addr, err := buildRadio(logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr := link.New(link.Config{
		Radio:    radio,
		NodeType: codec.NodeHub,
		Logger:   logger,
		OnPeerStateChange: func(node core.NodeAddr, online bool) {
			if online {
				logger.Info("node online", "node", node)
			} else {
				logger.Warn("node offline", "node", node)
			}
		},
	})

	h := hub.New(hub.Config{
		Manager:       mgr,
		PeerTimeout:   hubPeerTimeout,
		SweepInterval: hubSweepInterval,
		Logger:        logger,
		OnStatus: func(node core.NodeAddr, msg *codec.Status) {
			logger.Info("status report",
				"node", node, "command", msg.CommandID, "status", msg.StatusCode)
		},
	})

	if err := radio.Start(ctx); err != nil {
		return fmt.Errorf("starting radio: %w", err)
	}
	defer radio.Stop()

	mgr.Start(ctx)
	defer mgr.Stop()
	h.Start(ctx)
	defer h.Stop()

	logger.Info("hub running", "addr", addr)

	ticker := time.NewTicker(hubStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
			logStats(logger, mgr, h)
		}
	}
}

func logStats(logger *slog.Logger, mgr *link.Manager, h *hub.Hub) {
	c := mgr.Counters()
	logger.Info("link counters",
		"sent", c.MessagesSent,
		"received", c.MessagesReceived,
		"send_failures", c.SendFailures,
		"retries", c.Retries,
		"duplicates", c.DuplicatesDropped,
		"malformed", c.MalformedDropped,
		"queue_drops", c.QueueDrops)

	for _, rec := range h.Nodes() {
		logger.Info("node",
			"addr", rec.Addr,
			"type", codec.NodeTypeName(rec.NodeType),
			"group", rec.GroupID,
			"name", rec.Name,
			"online", h.IsNodeOnline(rec.Addr),
			"uptime_min", rec.LastUptime)
	}
}
