package main

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"daq-writer/internal/codec"
	"daq-writer/internal/daq"
	"daq-writer/internal/transport"
)

type simulateOptions struct {
	listen      string
	frames      int
	width       int
	height      int
	dtype       string
	pulseStart  uint64
	interval    time.Duration
	compression string
}

func newSimulateCommand() *cobra.Command {
	opts := simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Stream synthetic frames to a connecting writer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ln, err := net.Listen("tcp", opts.listen)
			if err != nil {
				return err
			}
			defer ln.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "Waiting for writer on %s\n", ln.Addr())

			conn, err := ln.Accept()
			if err != nil {
				return err
			}
			defer conn.Close()

			sent, err := simulate(conn, opts)
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %d frames\n", sent)
			return err
		},
	}

	cmd.Flags().StringVar(&opts.listen, "listen", "127.0.0.1:9999", "Address to stream from")
	cmd.Flags().IntVarP(&opts.frames, "frames", "n", 100, "Number of frames to send")
	cmd.Flags().IntVar(&opts.width, "width", 64, "Frame width")
	cmd.Flags().IntVar(&opts.height, "height", 64, "Frame height")
	cmd.Flags().StringVar(&opts.dtype, "type", "uint16", "Pixel type")
	cmd.Flags().Uint64Var(&opts.pulseStart, "pulse-start", 1, "Pulse id of the first frame")
	cmd.Flags().DurationVar(&opts.interval, "interval", 10*time.Millisecond, "Delay between frames")
	cmd.Flags().StringVar(&opts.compression, "compression", "none", "Payload compression: none, lz4 or zstd")
	return cmd
}

// simulate writes opts.frames synthetic frames to conn and returns how many
// were sent.
func simulate(conn net.Conn, opts simulateOptions) (int, error) {
	dtype, err := daq.ParseDataType(opts.dtype)
	if err != nil || dtype.Size() <= 0 {
		return 0, fmt.Errorf("unsupported pixel type %q", opts.dtype)
	}
	tag, err := codec.ParseTag(opts.compression)
	if err != nil {
		return 0, err
	}

	raw := make([]byte, opts.width*opts.height*dtype.Size())
	var compressed []byte
	for i := 0; i < opts.frames; i++ {
		for j := range raw {
			raw[j] = byte(i + j)
		}
		payload, frameTag := raw, tag
		if tag != codec.None {
			compressed, err = codec.Compress(compressed[:0], raw, tag)
			switch {
			case errors.Is(err, codec.ErrIncompressible):
				frameTag = codec.None
			case err != nil:
				return i, err
			default:
				payload = compressed
			}
		}

		header := transport.FrameHeader{
			Frame:       uint64(i),
			Shape:       []uint64{uint64(opts.height), uint64(opts.width)},
			Type:        string(dtype),
			Compression: frameTag.String(),
			Values:      map[string]any{daq.PulseIDField: opts.pulseStart + uint64(i)},
		}
		if err := transport.WriteFrame(conn, header, payload); err != nil {
			return i, err
		}
		if opts.interval > 0 {
			time.Sleep(opts.interval)
		}
	}
	return opts.frames, nil
}
