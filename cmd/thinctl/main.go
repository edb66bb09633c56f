// Command thinctl is a control-socket client for thinpoold: it sends
// constructor/message/status requests and prints the resulting status line
// (spec.md §4.7, §6.3).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/spin-stack/thinpool/internal/control"
)

var version = "dev"

const defaultSocket = "/run/thinpool/thinpoold.sock"

func main() {
	app := &cli.App{
		Name:    "thinctl",
		Usage:   "control client for thinpoold",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "socket", Value: defaultSocket, Usage: "control socket path", EnvVars: []string{"THINPOOLD_SOCKET"}},
		},
		Commands: []*cli.Command{
			messageCommand("create-thin", "create_thin", "<dev-id>"),
			messageCommand("create-snap", "create_snap", "<dev-id> <origin-id>"),
			messageCommand("delete", "delete", "<dev-id>"),
			messageCommand("trim", "trim", "<dev-id> <new-blocks>"),
			messageCommand("set-transaction-id", "set_transaction_id", "<old> <new>"),
			{
				Name:      "bind",
				Usage:     "bind a thin device to its pool (preresume)",
				ArgsUsage: "<dev-id> <declared-data-blocks>",
				Action:    simpleOp("bind"),
			},
			{
				Name:      "unbind",
				Usage:     "unbind a thin device from its pool (postsuspend)",
				ArgsUsage: "<dev-id>",
				Action:    simpleOp("unbind"),
			},
			{
				Name:   "pool-info",
				Usage:  "print the Pool INFO status line",
				Action: simpleOp("pool_info"),
			},
			{
				Name:   "pool-table",
				Usage:  "print the Pool TABLE status line",
				Action: simpleOp("pool_table"),
			},
			{
				Name:      "thin-info",
				Usage:     "print the Thin INFO status line",
				ArgsUsage: "<dev-id>",
				Action:    simpleOp("thin_info"),
			},
			{
				Name:      "thin-table",
				Usage:     "print the Thin TABLE status line",
				ArgsUsage: "<dev-id>",
				Action:    simpleOp("thin_table"),
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func messageCommand(name, msg, argsUsage string) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     fmt.Sprintf("dispatch the %s message", msg),
		ArgsUsage: argsUsage,
		Action: func(cliCtx *cli.Context) error {
			return call(cliCtx, "message", msg, cliCtx.Args().Slice())
		},
	}
}

func simpleOp(op string) cli.ActionFunc {
	return func(cliCtx *cli.Context) error {
		return call(cliCtx, op, "", cliCtx.Args().Slice())
	}
}

func call(cliCtx *cli.Context, op, msg string, args []string) error {
	ctx := context.Background()
	client, err := control.Dial(ctx, cliCtx.String("socket"))
	if err != nil {
		return err
	}
	defer client.Close()

	req := control.NewRequest("", op, msg, args)
	line, err := client.Call(req)
	if err != nil {
		return err
	}
	if line != "" {
		fmt.Println(line)
	}
	return nil
}
