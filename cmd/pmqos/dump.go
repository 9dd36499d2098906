package main

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/urfave/cli/v3"
)

func newDumpCommand() *cli.Command {
	return &cli.Command{
		Name:      "dump",
		Usage:     "Print every request in a class, as listed by the daemon.",
		ArgsUsage: "<class>",
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.Args().Len() != 1 {
				return errors.New("main: class is required")
			}
			class := command.Args().First()

			cfg, err := loadConfig(command)
			if err != nil {
				return err
			}
			if cfg.HTTPAddr == "" {
				return errors.New("main: the daemon's HTTP server is disabled")
			}

			u := url.URL{Scheme: "http", Host: cfg.HTTPAddr, Path: "/debug/qos/" + class}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return errors.Wrap(err, "main: failed to build request")
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return errors.Wrap(err, "main: failed to reach the daemon")
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				return errors.Newf("main: dump of %s failed: %s: %s", class, resp.Status, strings.TrimSpace(string(body)))
			}
			_, err = io.Copy(stdout(command), resp.Body)
			return errors.Wrap(err, "main: failed to print dump")
		},
	}
}
