// Command drip downloads the torrent given as argument and exits when all
// pieces are verified on disk.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cenkalti/log"
	"github.com/mitchellh/go-homedir"
	"github.com/urfave/cli"

	"github.com/driptorrent/drip"
	"github.com/driptorrent/drip/internal/downloader"
	"github.com/driptorrent/drip/internal/piecemanager"
	"github.com/driptorrent/drip/internal/tracker"
)

// exit codes, one per way a download can fail
const (
	exitUsage          = 1
	exitInvalidTorrent = 2
	exitTracker        = 3
	exitSwarmExhausted = 4
	exitSwarmCorrupt   = 5
	exitAborted        = 6
)

func main() {
	app := cli.NewApp()
	app.Name = "drip"
	app.Usage = "download a torrent from its HTTP tracker swarm"
	app.Version = drip.Version
	app.ArgsUsage = "<torrent file>"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "read config from `FILE`",
			Value: "~/.drip.yaml",
		},
		cli.StringFlag{
			Name:  "output, o",
			Usage: "download into `DIR`",
		},
		cli.IntFlag{
			Name:  "port, p",
			Usage: "port reported to the tracker",
		},
		cli.Int64Flag{
			Name:  "limit, l",
			Usage: "download rate limit in bytes per second",
		},
		cli.BoolFlag{
			Name:  "debug, d",
			Usage: "enable debug log",
		},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		code := exitUsage
		var ec cli.ExitCoder
		if errors.As(err, &ec) {
			code = ec.ExitCode()
		}
		os.Exit(code)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("give exactly one torrent file", exitUsage)
	}

	if c.Bool("debug") {
		drip.SetLogLevel(log.DEBUG)
	}

	configPath, err := homedir.Expand(c.String("config"))
	if err != nil {
		return cli.NewExitError(err.Error(), exitUsage)
	}
	cfg, err := drip.LoadConfig(configPath)
	if err != nil {
		return cli.NewExitError(err.Error(), exitUsage)
	}
	if dir := c.String("output"); dir != "" {
		cfg.DownloadDir = dir
	}
	if port := c.Int("port"); port != 0 {
		cfg.Port = port
	}
	if limit := c.Int64("limit"); limit != 0 {
		cfg.DownloadRateLimit = limit
	}

	d, err := drip.New(c.Args().First(), cfg)
	if err != nil {
		return cli.NewExitError(err.Error(), exitInvalidTorrent)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = d.Run(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, downloader.ErrTrackerUnreachable):
		return cli.NewExitError(err.Error(), exitTracker)
	case errors.Is(err, downloader.ErrSwarmExhausted):
		return cli.NewExitError(err.Error(), exitSwarmExhausted)
	case errors.Is(err, piecemanager.ErrSwarmCorrupt):
		return cli.NewExitError(err.Error(), exitSwarmCorrupt)
	default:
		var terr *tracker.Error
		if errors.As(err, &terr) {
			return cli.NewExitError("tracker: "+terr.FailureReason, exitTracker)
		}
		return cli.NewExitError(err.Error(), exitAborted)
	}
}
