package mailoutcli

import (
	"flag"
	"fmt"
	"os"

	"github.com/foxcpp/mailout/framework/log"
	"github.com/urfave/cli/v2"
)

var app *cli.App

func init() {
	app = cli.NewApp()
	app.Usage = "high-volume outbound mail delivery engine"
	app.Description = `Mailout pulls queued messages from a queue broker and delivers them to
remote MX servers, handling source IP pools, connection reuse, MTA-STS,
DKIM signing and DSN generation.

This executable can be used to start the delivery engine ('run') and for
configuration and signing diagnostics (all other subcommands).
`
	app.Authors = []*cli.Author{
		{
			Name:  "Mailout maintainers & contributors",
			Email: "~foxcpp/mailout@lists.sr.ht",
		},
	}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			log.Println(err)
			cli.OsExiter(1)
		}
	}
	app.EnableBashCompletion = true
	app.Commands = []*cli.Command{
		{
			Name:   "generate-man",
			Hidden: true,
			Action: func(c *cli.Context) error {
				man, err := app.ToMan()
				if err != nil {
					return err
				}
				fmt.Println(man)
				return nil
			},
		},
		{
			Name:   "generate-fish-completion",
			Hidden: true,
			Action: func(c *cli.Context) error {
				cp, err := app.ToFishCompletion()
				if err != nil {
					return err
				}
				fmt.Println(cp)
				return nil
			},
		},
	}
}

func AddGlobalFlag(f cli.Flag) {
	app.Flags = append(app.Flags, f)
	if err := f.Apply(flag.CommandLine); err != nil {
		log.Println("GlobalFlag", f, "could not be mapped to stdlib flag:", err)
	}
}

func AddSubcommand(cmd *cli.Command) {
	app.Commands = append(app.Commands, cmd)
}

func Run() {
	// Actual entry point is registered in mailout.go.

	mapStdlibFlags(app)

	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("app.Run failed", err)
	}
}
