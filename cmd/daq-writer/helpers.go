package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// setProcessID switches the process to the given user and group id. A
// negative id keeps the current identity.
func setProcessID(id int, log *slog.Logger) error {
	if id < 0 {
		return nil
	}
	log.Info("setting process id", slog.Int("user_id", id))

	if err := unix.Setgid(id); err != nil {
		return fmt.Errorf("set group id to %d: %w", id, err)
	}
	if err := unix.Setuid(id); err != nil {
		return fmt.Errorf("set user id to %d: %w", id, err)
	}
	return nil
}

// createDestinationFolder creates the parent folder of outputFile.
func createDestinationFolder(outputFile string, log *slog.Logger) error {
	dir := filepath.Dir(outputFile)
	if dir == "." || dir == "/" {
		return nil
	}
	log.Info("creating destination folder", slog.String("path", dir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create destination folder: %w", err)
	}
	return nil
}
