package main

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/urfave/cli/v3"

	"github.com/yoonhyunwoo/pmqos/internal/state"
)

func newStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Print the snapshots the daemon keeps in its state directory.",
		ArgsUsage: "[class]",
		Action: func(_ context.Context, command *cli.Command) error {
			if command.Args().Len() > 1 {
				return errors.New("main: at most one class may be given")
			}

			cfg, err := loadConfig(command)
			if err != nil {
				return err
			}
			store := state.NewStore(cfg.StateDir)

			var snaps []*state.Snapshot
			if command.Args().Present() {
				snap, err := store.Load(command.Args().First())
				if err != nil {
					return errors.Wrap(err, "main: failed to get class state")
				}
				snaps = append(snaps, snap)
			} else {
				snaps, err = store.List()
				if err != nil {
					return errors.Wrap(err, "main: failed to list class states")
				}
			}

			rows := make([][]string, 0, len(snaps))
			for _, s := range snaps {
				rows = append(rows, []string{
					s.Name,
					s.Type.String(),
					strconv.Itoa(int(s.Target)),
					strconv.Itoa(s.ActiveRequests),
					strconv.Itoa(s.TotalRequests),
					s.Updated.Format(time.RFC3339),
				})
			}
			return render(command, snaps, []string{"Class", "Type", "Value", "Active", "Total", "Updated"}, rows)
		},
	}
}
