package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jnovack/flag"

	"github.com/tusdisk/tusdisk/cmd/tusdisk/cli"
)

func main() {
	if err := cli.ParseFlags(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "[tusdisk] %s\n", err)
		os.Exit(2)
	}

	if cli.Flags.ShowVersion {
		cli.ShowVersion()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "[tusdisk] %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	cli.SetupStructuredLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.CreateComposer(); err != nil {
		return err
	}
	defer func() {
		if err := cli.CloseComposer(); err != nil {
			cli.Logger.Error("CloseError", "error", err)
		}
	}()

	return cli.Serve(ctx)
}
