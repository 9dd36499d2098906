package main

import (
	"context"
	"strconv"

	"github.com/urfave/cli/v3"
)

func newClassesCommand() *cli.Command {
	return &cli.Command{
		Name:  "classes",
		Usage: "List the configured classes.",
		Action: func(_ context.Context, command *cli.Command) error {
			cfg, err := loadConfig(command)
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(cfg.Classes))
			for _, c := range cfg.Classes {
				def := strconv.Itoa(int(c.Default))
				if c.DefaultFromCPUs {
					def = "ncpus"
				}
				noConstraint := def
				if c.NoConstraint != nil {
					noConstraint = strconv.Itoa(int(*c.NoConstraint))
				}
				rows = append(rows, []string{c.Name, c.Type.String(), def, noConstraint})
			}
			return render(command, cfg.Classes, []string{"Class", "Type", "Default", "No constraint"}, rows)
		},
	}
}
