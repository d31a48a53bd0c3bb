package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/FastLED/FastLED-sub016/cmd/ledbus/commands"
)

// Version information - set during build
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	commands.SetVersionInfo(version, commit, date)
	if err := commands.Execute(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}
