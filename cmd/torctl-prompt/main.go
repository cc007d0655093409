// Command torctl-prompt is an interactive prompt for tor's control
// interface. It connects to a running tor, or launches one when nothing is
// listening, and relays the lines you type straight to the control port.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/ferrovax/torctl"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Broken config file:", err)

		return 1
	}

	flag.StringVar(&cfg.Address, "address", cfg.Address, "control port address")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "control port")
	flag.StringVar(&cfg.Socket, "socket", cfg.Socket, "control socket file, used instead of the control port")
	flag.StringVar(&cfg.Password, "password", cfg.Password, "controller authentication password")
	flag.StringVar(&cfg.TorPath, "tor", cfg.TorPath, "tor binary to launch if nothing is listening")

	debug := flag.Bool("debug", false, "log controller internals to stderr")

	flag.Parse()

	log := torctl.NopLogger()
	if *debug {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	opts := []torctl.Option{
		torctl.WithLogger(log),
		torctl.WithAddress(cfg.Address),
		torctl.WithPort(cfg.Port),
		torctl.WithPassword(cfg.Password),
		torctl.WithTorPath(cfg.TorPath),
		torctl.WithInitMsgHandler(func(line string) {
			fmt.Println("  " + line)
		}),
	}

	if cfg.Socket != "" {
		opts = append(opts, torctl.WithSocketFile(cfg.Socket))
	}

	ctx := context.Background()

	// The banner comes first so a slow or failed launch doesn't leave the
	// terminal blank.
	torctl.PrintUsage(os.Stdout)

	control, err := torctl.Connect(ctx, opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Unable to connect to tor:", err)

		return 1
	}

	runREPL(ctx, control, cfg.HistoryFile)

	// If we launched the tor instance this asks before taking it down again.
	if err := torctl.Stop(ctx, control, true); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to stop tor:", err)

		return 1
	}

	return 0
}
