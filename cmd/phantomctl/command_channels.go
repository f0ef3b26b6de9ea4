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
	"fmt"
	"io"

	"github.com/urfave/cli"

	"github.com/phantom-drivers/go-phantom/firewire"
)

// checkChannels finds a free channel, claims it, checks the next free one
// differs, releases it and checks it is free again.
func checkChannels(w io.Writer, p firewire.Port) error {
	a := firewire.NewChannelAllocator(p)
	avail, err := a.Available()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Available channels: %016x\n", uint64(avail))

	ch, err := a.FindFree()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "First free channel: %d\n", ch)
	if err := a.Claim(ch); err != nil {
		return fmt.Errorf("claim channel %d: %w", ch, err)
	}
	claimed := true
	defer func() {
		if claimed {
			a.Release(ch)
		}
	}()

	next, err := a.FindFree()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Claimed %d, next free channel: %d\n", ch, next)
	if next == ch {
		return fmt.Errorf("channel %d still free after claiming it", ch)
	}

	if err := a.Release(ch); err != nil {
		return fmt.Errorf("release channel %d: %w", ch, err)
	}
	claimed = false
	again, err := a.FindFree()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Released %d, first free channel: %d\n", ch, again)
	if again != ch {
		return fmt.Errorf("first free channel after release = %d, want %d", again, ch)
	}
	return nil
}

func channelsCommand(c *cli.Context) error {
	bus, err := openBus(cfg.Dev)
	if err != nil {
		return err
	}
	p, err := bus.OpenPort(0)
	if err != nil {
		return err
	}
	defer p.Close()
	return checkChannels(c.App.Writer, p)
}
