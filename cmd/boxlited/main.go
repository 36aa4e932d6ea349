// Command boxlited is a thin daemon example binary: it starts one
// boxlite.Runtime and reports status over a Unix socket, mirroring
// mux_server.go's lock-file-plus-listener shape. It is not the CLI
// spec.md puts out of scope — there is no subcommand vocabulary here,
// just /ping, /version, /list, and /shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"

	"github.com/banksean/boxlite"
	"github.com/banksean/boxlite/internal/config"
)

type CLI struct {
	Home       string `placeholder:"<dir>" help:"boxlite home directory (defaults to config.ResolveHome)"`
	LogLevel   string `default:"info" placeholder:"<debug|info|warn|error>" help:"logging level"`
	SocketPath string `placeholder:"<path>" help:"Unix socket path for the status server (defaults to <home>/boxlited.sock)"`
}

func main() {
	var cli CLI
	kong.Parse(&cli, kong.Description("boxlite daemon: owns one Runtime, reports status over a Unix socket"))

	level, err := config.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log level: %v\n", err)
		os.Exit(1)
	}

	home := cli.Home
	if home == "" {
		h, err := config.ResolveHome()
		if err != nil {
			fmt.Fprintf(os.Stderr, "resolve home: %v\n", err)
			os.Exit(1)
		}
		home = h
	}

	log, err := config.NewLogger(home, level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "new logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	socketPath := cli.SocketPath
	if socketPath == "" {
		socketPath = filepath.Join(home, "boxlited.sock")
	}

	ctx := context.Background()
	rt, err := boxlite.Open(ctx, boxlite.RuntimeOptions{HomeDir: home})
	if err != nil {
		log.Error("open runtime failed", "err", err)
		os.Exit(1)
	}

	d := newDaemon(rt, home, socketPath, log)
	if err := d.serve(ctx); err != nil {
		log.Error("daemon exited with error", "err", err)
		os.Exit(1)
	}
}
