package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/urfave/cli/v3"

	"github.com/yoonhyunwoo/pmqos/internal/devfs"
)

func newFlagsCommand() *cli.Command {
	return &cli.Command{
		Name:      "flags",
		Usage:     "Print a flag set, or raise flags in it until interrupted.",
		ArgsUsage: "<set> [flags]",
		Action: func(ctx context.Context, command *cli.Command) error {
			if n := command.Args().Len(); n < 1 || n > 2 {
				return errors.New("main: flag set and optional flags are required")
			}
			name := command.Args().Get(0)

			cfg, err := loadConfig(command)
			if err != nil {
				return err
			}

			conn, err := devfs.Dial(devfs.FlagsSocketPath(cfg.SocketDir, name))
			if err != nil {
				return errors.Wrapf(err, "main: failed to open flag set %s", name)
			}
			defer conn.Close()

			if command.Args().Len() == 1 {
				v, err := conn.Read()
				if err != nil {
					return errors.Wrapf(err, "main: failed to read flag set %s", name)
				}
				fmt.Fprintf(stdout(command), "%#x\n", v)
				return nil
			}

			raw := command.Args().Get(1)
			flags, err := strconv.ParseInt(raw, 0, 32)
			if err != nil {
				return errors.Wrapf(err, "main: invalid flags %q", raw)
			}
			v, err := conn.Set(int32(flags))
			if err != nil {
				return errors.Wrapf(err, "main: failed to raise flags on %s", name)
			}
			fmt.Fprintf(stdout(command), "%s: raised %#x, effective %#x\n", name, flags, v)
			<-ctx.Done()
			return nil
		},
	}
}
