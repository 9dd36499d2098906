package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/yoonhyunwoo/pmqos/internal/linux/term"
)

func stdout(command *cli.Command) io.Writer {
	if w := command.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func terminalFD(w io.Writer) (int, bool) {
	f, ok := w.(*os.File)
	if !ok {
		return 0, false
	}
	fd := int(f.Fd())
	return fd, term.IsTerminal(fd)
}

// render prints rows as a table on a terminal and v as JSON otherwise.
func render(command *cli.Command, v any, header []string, rows [][]string) error {
	w := stdout(command)
	fd, isTerm := terminalFD(w)
	if !isTerm || command.Bool("json") {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	table := tablewriter.NewWriter(w)
	if width, err := term.Width(fd); err == nil && len(header) > 0 {
		table.SetColWidth(width / len(header))
	}
	table.SetHeader(header)
	table.AppendBulk(rows)
	table.Render()
	return nil
}
