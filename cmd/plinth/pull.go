package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/plinthml/plinth/internal/blobs"
	"github.com/plinthml/plinth/internal/logger"
)

func pullCmd() *cli.Command {
	var output string

	flags := append([]cli.Flag{}, loggingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "output",
			Aliases:     []string{"o"},
			Usage:       "destination path (default: cache)",
			Destination: &output,
		},
		&cli.StringFlag{
			Name:        "cache-dir",
			Usage:       "directory for fetched artifacts",
			Destination: &cacheDir,
		},
	)

	return &cli.Command{
		Name:      "pull",
		Usage:     "Fetch a program artifact into the local cache",
		ArgsUsage: "gs://bucket/key",
		Flags:     flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyPullConfig(cmd, LoadConfig())
			log := setupLogger()
			ctx = logger.WithContext(ctx, log)

			ref := strings.TrimSpace(cmd.Args().First())
			if ref == "" {
				return cli.Exit("error: pull requires a gs:// reference or file path", 1)
			}

			path, err := blobs.Resolve(ctx, ref, cacheDirOrDefault())
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: fetch %s: %v", ref, err), 1)
			}

			if output != "" {
				if err := copyFile(path, output); err != nil {
					return cli.Exit(fmt.Sprintf("error: copy to %s: %v", output, err), 1)
				}
				path = output
			}

			fmt.Println(path)
			return nil
		},
	}
}

func copyFile(src, dst string) error {
	if filepath.Clean(src) == filepath.Clean(dst) {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
