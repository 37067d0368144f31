package main

import (
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/plinthml/plinth/pkg/runtime"
)

var (
	programPath  string
	programsPath string
	cacheDir     string
	verifyMode   string
	logLevel     string
	logFormat    string
	debug        bool
)

func commonProgramFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "program",
			Aliases:     []string{"p"},
			Usage:       "path to .plp file, or gs:// reference",
			Destination: &programPath,
		},
		&cli.StringFlag{
			Name:        "programs-path",
			Aliases:     []string{"path"},
			Usage:       "path to directory containing .plp programs",
			Destination: &programsPath,
		},
		&cli.StringFlag{
			Name:        "cache-dir",
			Usage:       "directory for fetched artifacts",
			Destination: &cacheDir,
		},
		&cli.StringFlag{
			Name:        "verify",
			Usage:       "load-time verification depth (minimal, full)",
			Value:       "minimal",
			Destination: &verifyMode,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func verificationFromFlag() runtime.Verification {
	if strings.EqualFold(strings.TrimSpace(verifyMode), "full") {
		return runtime.VerifyFull
	}
	return runtime.VerifyMinimal
}
