/*
Mailout - high-volume outbound mail delivery engine.
Copyright © 2021-2024 Max Mazurov <fox.cpp@disroot.org>, Mailout contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package ctl

import (
	"fmt"
	"path/filepath"

	"github.com/foxcpp/mailout"
	"github.com/foxcpp/mailout/framework/log"
	"github.com/foxcpp/mailout/internal/classify"
	mailoutcli "github.com/foxcpp/mailout/internal/cli"
	"github.com/foxcpp/mailout/internal/config"
	"github.com/foxcpp/mailout/internal/dkim"
	"github.com/urfave/cli/v2"
)

func init() {
	mailoutcli.AddSubcommand(&cli.Command{
		Name:  "check-config",
		Usage: "Validate the configuration file and the secondary files it references, then exit",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "configuration file to use",
				EnvVars: []string{"MAILOUT_CONFIG"},
				Value:   filepath.Join(mailout.ConfigDirectory, "mailout.yml"),
			},
		},
		Action: checkConfig,
	})
}

func checkConfig(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	fmt.Printf("configuration OK: %d zones, %d pools, store driver %s\n",
		len(cfg.Zones), len(cfg.Pools), cfg.Store.Driver)

	if cfg.Bounce.Rules != "" {
		rules, err := classify.LoadRules(cfg.Bounce.Rules)
		if err != nil {
			return err
		}
		fmt.Printf("bounce rules OK: %d rules from %s\n", rules.Len(), cfg.Bounce.Rules)
	} else {
		fmt.Printf("bounce rules: built-in set (%d rules)\n", classify.DefaultRules().Len())
	}

	if cfg.DKIM.KeyDir != "" {
		keys, err := dkim.NewKeyStore(cfg.DKIM.KeyDir, log.Logger{Name: "dkim"})
		if err != nil {
			return err
		}
		fmt.Printf("dkim keys OK: %d keys from %s\n", keys.Len(), cfg.DKIM.KeyDir)
	}

	return nil
}
