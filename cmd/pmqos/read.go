package main

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/urfave/cli/v3"

	"github.com/yoonhyunwoo/pmqos/internal/devfs"
)

func newReadCommand() *cli.Command {
	return &cli.Command{
		Name:      "read",
		Usage:     "Print the current aggregate of a class.",
		ArgsUsage: "<class>",
		Action: func(_ context.Context, command *cli.Command) error {
			if command.Args().Len() != 1 {
				return errors.New("main: class is required")
			}
			class := command.Args().First()

			cfg, err := loadConfig(command)
			if err != nil {
				return err
			}

			conn, err := devfs.Dial(devfs.SocketPath(cfg.SocketDir, class))
			if err != nil {
				return errors.Wrapf(err, "main: failed to open class %s", class)
			}
			defer conn.Close()

			v, err := conn.Read()
			if err != nil {
				return errors.Wrapf(err, "main: failed to read class %s", class)
			}
			fmt.Fprintln(stdout(command), v)
			return nil
		},
	}
}
