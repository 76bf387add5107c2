package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"daq-writer/internal/platform/config"
)

func main() {
	_ = config.Load()

	cmd := newRootCommand(config.FromEnv())
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
