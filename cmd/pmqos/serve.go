package main

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/urfave/cli/v3"
	"k8s.io/klog/v2"

	"github.com/yoonhyunwoo/pmqos/internal/daemon"
)

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the daemon: one socket per class, bindings, snapshots and the metrics endpoint.",
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := loadConfig(command)
			if err != nil {
				return err
			}

			d, err := daemon.New(cfg)
			if err != nil {
				return errors.Wrap(err, "main: failed to set up daemon")
			}
			klog.InfoS("main: serving", "sockets", cfg.SocketDir, "http", cfg.HTTPAddr)
			if err := d.Run(ctx); err != nil {
				return errors.Wrap(err, "main: daemon failed")
			}
			return nil
		},
	}
}
