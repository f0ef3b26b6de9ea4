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
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/golang/glog"
	"github.com/urfave/cli"

	"github.com/phantom-drivers/go-phantom/firewire"
	"github.com/phantom-drivers/go-phantom/phantom"
)

const (
	// pushX is the X force applied while button 1 is held.
	pushX = 0x550
	// printEvery is the number of iterations between two telemetry lines.
	printEvery = 500
)

// interact derives the next force frame from the stylus buttons: button 1
// switches the motors on with a constant force on X, the dock light mirrors
// the buttons.
func interact(t phantom.TelemetryFrame, f phantom.ForceFrame) phantom.ForceFrame {
	f.Status = f.Status.Set(phantom.MotorsOn, t.Status.Button1())
	f.X = phantom.ForceNeutral
	if t.Status.Button1() {
		f.X = pushX
	}
	f.Status = f.Status.Set(phantom.DockLightFlash, t.Status.Button1())
	f.Status = f.Status.Set(phantom.DockLightFastFlash, t.Status.Button2())
	return f
}

// dockWatch reports when the stylus returns to the inkwell after having
// left it.
type dockWatch struct {
	undocked bool
}

func (w *dockWatch) redocked(t phantom.TelemetryFrame) bool {
	if !t.Status.Docked() {
		w.undocked = true
		return false
	}
	return w.undocked
}

func printTelemetry(w io.Writer, t phantom.TelemetryFrame, f phantom.ForceFrame) {
	fmt.Fprintf(w, "count %d encoders %v gimbal %d/%d/%d %v force x=0x%03x status 0x%04x\n",
		t.Count0, t.Encoder, t.Gimbal.X, t.Gimbal.Y, t.Gimbal.Z, t.Status, uint16(f.X), uint16(f.Status))
}

// stream runs d until ctx is done, the stylus is re-docked or cycles
// iterations have passed (cycles 0 means no limit).
func stream(ctx context.Context, w io.Writer, d *phantom.Device, cycles int) error {
	if err := d.Start(); err != nil {
		return err
	}
	defer d.Stop()

	force := phantom.NeutralForceFrame()
	var dock dockWatch
	fmt.Fprintln(w, "Press button 1 to apply a force on X; undock and dock the stylus to exit")
	for i := 0; cycles == 0 || i < cycles; i++ {
		if ctx.Err() != nil {
			return nil
		}
		if err := d.Iterate(); err != nil {
			if !firewire.IsTransient(err) {
				return err
			}
			glog.V(1).Infof("Dropping cycle: %v", err)
			continue
		}
		t, ok := d.Telemetry()
		if !ok {
			continue
		}
		if d.Transmitter() != nil {
			next := interact(t, force)
			if next != force {
				if err := d.SetForce(next); err != nil {
					return err
				}
				force = next
			}
		}
		if i%printEvery == 0 {
			printTelemetry(w, t, force)
		}
		if dock.redocked(t) {
			fmt.Fprintln(w, "Stylus docked")
			return nil
		}
	}
	if s := d.Receiver().Stats(); s.DecodeErrors > 0 {
		glog.Warningf("PHANTOM %v: %d undecodable packets", d.ID, s.DecodeErrors)
	}
	return nil
}

func streamCommand(c *cli.Context) error {
	serial := cfg.Serial
	if c.IsSet("serial") {
		serial = uint32(c.Uint("serial"))
	}
	bus, err := openBus(cfg.Dev)
	if err != nil {
		return err
	}
	d, err := phantom.NewScanner(bus, phantom.NewRegistry(), cfg.options()).FindBySerial(serial)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	return stream(ctx, c.App.Writer, d, c.Int("cycles"))
}
