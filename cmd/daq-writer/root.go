package main

import (
	"github.com/spf13/cobra"

	"daq-writer/internal/platform/config"
)

func newRootCommand(cfg config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "daq-writer",
		Short:         "Receive detector frames and write them to a run file",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWriter(cmd.Context(), cfg)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&cfg.ConnectAddress, "connect", cfg.ConnectAddress, "Streamer address to receive frames from (host:port or tcp://host:port)")
	flags.StringVarP(&cfg.OutputFile, "output", "o", cfg.OutputFile, "Output file path")
	flags.IntVarP(&cfg.NFrames, "frames", "n", cfg.NFrames, "Number of frames to write; 0 runs until stopped")
	flags.IntVar(&cfg.UserID, "user-id", cfg.UserID, "Run as this user and group id; -1 keeps the current one")
	flags.IntVar(&cfg.RestPort, "rest-port", cfg.RestPort, "Control API port")
	flags.StringVar(&cfg.NotifyAddress, "notify", cfg.NotifyAddress, "Base URL of the acquisition window service")
	flags.StringVar(&cfg.FormatFile, "format", cfg.FormatFile, "Format descriptor YAML")
	flags.IntVar(&cfg.BufferSlots, "buffer-slots", cfg.BufferSlots, "Number of slots in the frame buffer")
	flags.IntVar(&cfg.SlotBytes, "slot-bytes", cfg.SlotBytes, "Largest frame payload in bytes")
	flags.StringVar(&cfg.StatsAddress, "stats", cfg.StatsAddress, "Address to publish statistics on")
	flags.StringVar(&cfg.Compression, "compression", cfg.Compression, "On-disk frame compression: none, lz4 or zstd")
	flags.StringVar(&cfg.HeaderFields, "header-fields", cfg.HeaderFields, "Header fields to store, as name:type,...")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")

	rootCmd.AddCommand(newSimulateCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}
