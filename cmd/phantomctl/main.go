// Copyright (C) 2026 The go-phantom Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command phantomctl inspects the FireWire bus and drives PHANTOM devices.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang/glog"
	"github.com/urfave/cli"
)

// cfg is loaded before any command runs.
var cfg = defaultConfig()

func main() {
	app := cli.NewApp()
	app.Name = "phantomctl"
	app.Usage = "Inspect the FireWire bus and drive SensAble PHANTOM devices"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "Configuration file (default ~/.phantomctl.yaml)",
		},
		cli.IntFlag{
			Name:  "v",
			Usage: "glog verbosity; 1 logs register traffic, 2 every iso cycle",
		},
		cli.BoolFlag{
			Name:  "logtostderr",
			Usage: "Log to stderr instead of files",
		},
	}
	app.Commands = COMMANDS
	app.Before = func(c *cli.Context) error {
		if err := flag.Set("v", strconv.Itoa(c.GlobalInt("v"))); err != nil {
			return err
		}
		if err := flag.Set("logtostderr", strconv.FormatBool(c.GlobalBool("logtostderr"))); err != nil {
			return err
		}
		var err error
		cfg, err = loadConfig(c.GlobalString("config"))
		return err
	}
	app.After = func(c *cli.Context) error {
		glog.Flush()
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		glog.Flush()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
