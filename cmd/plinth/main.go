package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/plinthml/plinth/internal/logger"
)

func main() {
	app := &cli.Command{
		Name:  "plinth",
		Usage: "Program runtime CLI",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runCmd(),
			inspectCmd(),
			serveCmd(),
			pullCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogger builds the logger selected by the logging flags.
func setupLogger() logger.Logger {
	level := logLevel
	if debug {
		level = "debug"
	}
	lvl := logger.ParseLevel(level)
	switch strings.ToLower(strings.TrimSpace(logFormat)) {
	case "json":
		return logger.JSON(os.Stderr, lvl)
	case "text":
		return logger.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	default:
		return logger.Pretty(os.Stderr, lvl)
	}
}
