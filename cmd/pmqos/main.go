package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/cockroachdb/errors"
	"github.com/urfave/cli/v3"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/yoonhyunwoo/pmqos/internal/config"
)

func newRootCommand() *cli.Command {
	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)

	return &cli.Command{
		Name:  "pmqos",
		Usage: "Aggregate power-management quality-of-service requests and apply the result.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the YAML configuration (default " + config.DefaultPath + " when present)",
			},
			&cli.StringFlag{Name: "socket-dir", Usage: "directory holding one socket per class"},
			&cli.StringFlag{Name: "state-dir", Usage: "directory holding class snapshots"},
			&cli.StringFlag{Name: "http-addr", Usage: "address of the metrics and debug HTTP server"},
			&cli.IntFlag{Name: "v", Usage: "log verbosity"},
			&cli.BoolFlag{Name: "json", Usage: "always print JSON"},
		},
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			if err := klogFlags.Set("v", fmt.Sprint(command.Int("v"))); err != nil {
				return ctx, errors.Wrap(err, "main: failed to set log verbosity")
			}
			return ctx, nil
		},
		Commands: []*cli.Command{
			newServeCommand(),
			newClassesCommand(),
			newConfigCommand(),
			newRequestCommand(),
			newReadCommand(),
			newStatusCommand(),
			newDumpCommand(),
			newFlagsCommand(),
		},
	}
}

// loadConfig reads the configuration named by --config, or the default file
// when it exists, and applies the directory and address overrides.
func loadConfig(command *cli.Command) (*config.Config, error) {
	path := command.String("config")
	explicit := path != ""
	if !explicit {
		path = config.DefaultPath
	}

	var cfg *config.Config
	if _, err := os.Stat(path); err == nil || explicit {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, errors.Wrap(err, "main: failed to load configuration")
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if command.IsSet("socket-dir") {
		cfg.SocketDir = command.String("socket-dir")
	}
	if command.IsSet("state-dir") {
		cfg.StateDir = command.String("state-dir")
	}
	if command.IsSet("http-addr") {
		cfg.HTTPAddr = command.String("http-addr")
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.Run(ctx, os.Args); err != nil {
		klog.Error(err)
		klog.Flush()
		stop()
		os.Exit(1)
	}
	klog.Flush()
}
