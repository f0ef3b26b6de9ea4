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
	"errors"
	"fmt"
	"io"

	"github.com/golang/glog"
	"github.com/urfave/cli"

	"github.com/phantom-drivers/go-phantom/phantom"
)

// findAll opens every PHANTOM, closes them all and opens the last one again
// by serial twice, expecting the same handle both times.
func findAll(w io.Writer, s *phantom.Scanner) error {
	var devs []*phantom.Device
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()
	for {
		d, err := s.Find()
		if errors.Is(err, phantom.ErrNotFound) {
			break
		}
		if err != nil {
			return err
		}
		sn, err := d.Serial()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Found PHANTOM %d at %v\n", sn, d.Location())
		devs = append(devs, d)
	}
	if len(devs) == 0 {
		return phantom.ErrNotFound
	}

	last, err := devs[len(devs)-1].Serial()
	if err != nil {
		return err
	}
	for _, d := range devs {
		d.Close()
	}
	devs = nil

	d, err := s.FindBySerial(last)
	if err != nil {
		return fmt.Errorf("find %d after closing: %w", last, err)
	}
	devs = append(devs, d)
	again, err := s.FindBySerial(last)
	if err != nil {
		return fmt.Errorf("find %d twice: %w", last, err)
	}
	if again != d {
		return fmt.Errorf("second lookup of %d returned another device", last)
	}
	glog.V(1).Infof("PHANTOM %d found twice as %v", last, d.ID)
	fmt.Fprintf(w, "Found PHANTOM %d again at %v\n", last, d.Location())
	return nil
}

func findCommand(c *cli.Context) error {
	bus, err := openBus(cfg.Dev)
	if err != nil {
		return err
	}
	return findAll(c.App.Writer, phantom.NewScanner(bus, phantom.NewRegistry(), cfg.options()))
}
