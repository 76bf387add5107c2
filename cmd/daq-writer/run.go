package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"daq-writer/internal/codec"
	"daq-writer/internal/daq"
	"daq-writer/internal/filestore"
	"daq-writer/internal/platform/config"
	"daq-writer/internal/platform/logger"
	"daq-writer/internal/platform/metrics"
	"daq-writer/internal/transport"
	"daq-writer/internal/writer"
)

func runWriter(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	headerFields, err := daq.ParseHeaderFields(cfg.HeaderFields)
	if err != nil {
		return fmt.Errorf("header fields: %w", err)
	}
	compression, err := codec.ParseTag(cfg.Compression)
	if err != nil {
		return err
	}
	format := &filestore.Format{}
	if cfg.FormatFile != "" {
		if format, err = filestore.LoadFormat(cfg.FormatFile); err != nil {
			return err
		}
	}

	if err := setProcessID(cfg.UserID, log); err != nil {
		return err
	}
	if err := createDestinationFolder(cfg.OutputFile, log); err != nil {
		return err
	}

	runID := uuid.NewString()
	manager := writer.NewManager(format.Parameters, cfg.OutputFile, uint64(cfg.NFrames), runID, log)

	receiver := transport.NewReceiver(cfg.ConnectAddress, cfg.ReceiveTimeout, headerFields, log)
	receiver.SetMaxFrameBytes(cfg.SlotBytes)
	defer receiver.Close()

	store := filestore.NewWriter(cfg.OutputFile, filestore.Options{
		Compression: compression,
		CommitEvery: cfg.CommitEvery,
		RunID:       runID,
	}, log)

	var stats writer.StatisticsSender
	if cfg.StatsAddress != "" {
		publisher := transport.NewPublisher(cfg.StatsAddress, log)
		if err := publisher.Bind(); err != nil {
			return err
		}
		defer publisher.Close()
		stats = publisher
	}

	met := metrics.New()
	pm, err := writer.NewProcessManager(writer.ProcessConfig{
		Manager: manager,
		Source:  receiver,
		Sink:    store,
		Format: func(params map[string]daq.Value) error {
			return store.WriteFormat(format, params)
		},
		Notifier:   writer.NewNotifier(cfg.NotifyAddress, cfg.NotifyTimeout, log),
		Statistics: stats,
		Metrics:    met,
		Options: writer.Options{
			BufferSlots:             cfg.BufferSlots,
			SlotBytes:               cfg.SlotBytes,
			BufferWriteTimeout:      cfg.BufferWriteTimeout,
			ReadRetryInterval:       cfg.ReadRetryInterval,
			ParametersRetryInterval: cfg.ParametersRetryInterval,
			StatisticsInterval:      cfg.StatsInterval,
		},
		Log: log,
	})
	if err != nil {
		return err
	}

	h := writer.NewHandler(manager, pm.Buffer(), log, met)
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(h.RefreshGauges).ServeHTTP(w, r)
	})
	h.Routes(r)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go handleSignals(ctx, cancel, manager, log)

	log.Info("writer starting",
		slog.String("run_id", runID),
		slog.String("connect_address", cfg.ConnectAddress),
		slog.String("output_file", cfg.OutputFile),
		slog.Int("n_frames", cfg.NFrames),
		slog.Int("rest_port", cfg.RestPort),
		slog.Int("buffer_slots", cfg.BufferSlots),
	)

	server := writer.NewServer(":"+strconv.Itoa(cfg.RestPort), r, log)
	return pm.Run(ctx, server)
}

// handleSignals stops the control surface on the first signal, which stops
// the run and starts the drain. A second signal kills the run so the drain
// does not wait for parameters that can no longer arrive.
func handleSignals(ctx context.Context, cancel context.CancelFunc, manager *writer.Manager, log *slog.Logger) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		return
	case sig := <-sigCh:
		log.Info("shutdown signal received, draining", slog.String("signal", sig.String()))
		cancel()
	}

	sig := <-sigCh
	log.Warn("second signal received, killing", slog.String("signal", sig.String()))
	manager.Kill()
}
