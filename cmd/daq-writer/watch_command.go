package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"

	"github.com/spf13/cobra"

	"daq-writer/internal/transport"
)

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <address>",
		Short: "Print statistics published by a running writer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchStatistics(cmd.Context(), args[0], cmd.OutOrStdout())
		},
	}
}

// watchStatistics prints every statistics message from the publisher at
// address as one JSON line. It returns nil when ctx ends or the publisher
// closes the connection.
func watchStatistics(ctx context.Context, address string, out io.Writer) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", transport.HostPort(address))
	if err != nil {
		return err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	enc := json.NewEncoder(out)
	for {
		var stats map[string]any
		topic, err := transport.DecodeMessage(conn, &stats)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if topic != transport.StatisticsTopic {
			continue
		}
		if err := enc.Encode(stats); err != nil {
			return err
		}
	}
}
