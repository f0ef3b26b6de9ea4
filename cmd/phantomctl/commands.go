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

package main

import (
	"github.com/urfave/cli"
)

var COMMANDS = []cli.Command{
	{
		Name:  "nodes",
		Usage: "Print the configuration ROM of every node on every card",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "format, f",
				Value: "text",
				Usage: "Output format: text or yaml",
			},
		},
		Action: nodesCommand,
	},
	{
		Name:   "channels",
		Usage:  "Check isochronous channel allocation at the IRM of the first card",
		Action: channelsCommand,
	},
	{
		Name:   "find",
		Usage:  "Open every PHANTOM, close them and find the last one again by serial",
		Action: findCommand,
	},
	{
		Name:  "stream",
		Usage: "Stream telemetry from a PHANTOM; button 1 applies a force on X, re-docking exits",
		Flags: []cli.Flag{
			cli.UintFlag{
				Name:  "serial, s",
				Usage: "Serial number of the device (default: configured serial, 0 for any)",
			},
			cli.IntFlag{
				Name:  "cycles",
				Usage: "Stop after this many iterations (0 runs until the stylus is re-docked)",
			},
		},
		Action: streamCommand,
	},
}
