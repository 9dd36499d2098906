package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/urfave/cli/v3"
	"k8s.io/utils/cpuset"

	"github.com/yoonhyunwoo/pmqos/internal/devfs"
)

func newRequestCommand() *cli.Command {
	return &cli.Command{
		Name:      "request",
		Usage:     "Hold a request on a class until interrupted or the timeout elapses.",
		ArgsUsage: "<class> <value>",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "timeout", Usage: "let the daemon drop the request back to the default after this long"},
			&cli.BoolFlag{Name: "text", Usage: "send the value as hexadecimal text instead of binary"},
			&cli.StringFlag{Name: "cpus", Usage: "apply the request to these CPUs only, e.g. 0-3,6"},
			&cli.IntFlag{Name: "irq", Value: -1, Usage: "apply the request to the CPUs this IRQ is routed to"},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.Args().Len() != 2 {
				return errors.New("main: class and value are required")
			}
			class := command.Args().Get(0)
			value := command.Args().Get(1)
			if command.IsSet("cpus") && command.IsSet("irq") {
				return errors.New("main: --cpus and --irq are mutually exclusive")
			}

			cfg, err := loadConfig(command)
			if err != nil {
				return err
			}

			conn, err := devfs.Dial(devfs.SocketPath(cfg.SocketDir, class))
			if err != nil {
				return errors.Wrapf(err, "main: failed to open class %s", class)
			}
			defer conn.Close()

			if err := setAffinity(conn, command); err != nil {
				return errors.Wrapf(err, "main: failed to set affinity on %s", class)
			}

			aggregate, err := sendValue(conn, command, value)
			if err != nil {
				return errors.Wrapf(err, "main: failed to request %s on %s", value, class)
			}
			fmt.Fprintf(stdout(command), "%s: requested %s, aggregate %d\n", class, value, aggregate)

			if timeout := command.Duration("timeout"); timeout > 0 {
				timer := time.NewTimer(timeout)
				defer timer.Stop()
				select {
				case <-ctx.Done():
				case <-timer.C:
				}
				return nil
			}
			<-ctx.Done()
			return nil
		},
	}
}

func setAffinity(conn *devfs.Conn, command *cli.Command) error {
	switch {
	case command.IsSet("cpus"):
		cpus, err := cpuset.Parse(command.String("cpus"))
		if err != nil {
			return errors.Wrapf(err, "invalid CPU list %q", command.String("cpus"))
		}
		_, err = conn.SetAffinity(cpus)
		return err
	case command.IsSet("irq"):
		_, err := conn.SetIRQ(int(command.Int("irq")))
		return err
	}
	return nil
}

// sendValue writes value, as a timed write when --timeout is set so the
// daemon reverts it even if this process dies first.
func sendValue(conn *devfs.Conn, command *cli.Command, value string) (int32, error) {
	timeout := command.Duration("timeout")
	if command.Bool("text") {
		if timeout > 0 {
			return conn.SetTextTimeout(value, timeout)
		}
		return conn.SetText(value)
	}

	v, err := strconv.ParseInt(value, 0, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid value %q", value)
	}
	if timeout > 0 {
		return conn.SetTimeout(int32(v), timeout)
	}
	return conn.Set(int32(v))
}
