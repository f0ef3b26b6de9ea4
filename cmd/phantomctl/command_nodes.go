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
	"gopkg.in/yaml.v3"

	"github.com/phantom-drivers/go-phantom/firewire"
)

type romReport struct {
	Minimal       bool   `yaml:"minimal,omitempty"`
	VendorID      string `yaml:"vendor_id"`
	VendorName    string `yaml:"vendor_name,omitempty"`
	GUID          string `yaml:"guid,omitempty"`
	ModelID       string `yaml:"model_id,omitempty"`
	UnitSpecID    string `yaml:"unit_spec_id,omitempty"`
	UnitSWVersion string `yaml:"unit_sw_version,omitempty"`
	IRMCapable    bool   `yaml:"irm_capable"`
	ISOCapable    bool   `yaml:"iso_capable"`
	MaxPayload    int    `yaml:"max_async_payload,omitempty"`
}

type nodeReport struct {
	Port  int        `yaml:"port"`
	Node  string     `yaml:"node"`
	Local bool       `yaml:"local,omitempty"`
	IRM   bool       `yaml:"irm,omitempty"`
	ROM   *romReport `yaml:"rom,omitempty"`
	Error string     `yaml:"error,omitempty"`
}

func hexOrEmpty(v uint32) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("0x%06x", v)
}

func newROMReport(rom *firewire.ConfigROM) *romReport {
	r := &romReport{
		Minimal:       rom.Minimal,
		VendorID:      fmt.Sprintf("0x%06x", rom.VendorID),
		VendorName:    rom.VendorName,
		ModelID:       hexOrEmpty(rom.ModelID),
		UnitSpecID:    hexOrEmpty(rom.UnitSpecID),
		UnitSWVersion: hexOrEmpty(rom.UnitSWVersion),
		IRMCapable:    rom.IRMCapable,
		ISOCapable:    rom.ISOCapable,
		MaxPayload:    rom.MaxAsyncPayload,
	}
	if rom.GUID != 0 {
		r.GUID = fmt.Sprintf("%016x", rom.GUID)
	}
	return r
}

// collectNodes reads the config ROM of every node on every port. A node
// whose ROM cannot be read is reported with its error.
func collectNodes(bus firewire.Bus) ([]nodeReport, error) {
	ports, err := bus.Ports()
	if err != nil {
		return nil, err
	}
	var out []nodeReport
	for i := 0; i < ports; i++ {
		reports, err := portNodes(bus, i)
		if err != nil {
			return nil, err
		}
		out = append(out, reports...)
	}
	return out, nil
}

func portNodes(bus firewire.Bus, i int) ([]nodeReport, error) {
	p, err := bus.OpenPort(i)
	if err != nil {
		return nil, fmt.Errorf("open port %d: %w", i, err)
	}
	defer p.Close()
	n, err := p.NodeCount()
	if err != nil {
		return nil, fmt.Errorf("port %d: %w", i, err)
	}
	irm, irmErr := p.IRMNode()
	var out []nodeReport
	for phy := 0; phy < n; phy++ {
		id := firewire.LocalNode(phy)
		r := nodeReport{
			Port:  i,
			Node:  id.String(),
			Local: id == p.LocalNode(),
			IRM:   irmErr == nil && id == irm,
		}
		rom, err := firewire.NewNode(p, id).ConfigROM()
		if err != nil {
			r.Error = err.Error()
		} else {
			r.ROM = newROMReport(rom)
		}
		out = append(out, r)
	}
	return out, nil
}

func writeNodesText(w io.Writer, nodes []nodeReport) {
	for _, n := range nodes {
		var tags string
		if n.Local {
			tags += " local"
		}
		if n.IRM {
			tags += " irm"
		}
		fmt.Fprintf(w, "Port %d node %s%s\n", n.Port, n.Node, tags)
		if n.ROM == nil {
			fmt.Fprintf(w, "  config ROM: %s\n", n.Error)
			continue
		}
		r := n.ROM
		fmt.Fprintf(w, "  vendor %s %s\n", r.VendorID, r.VendorName)
		if r.Minimal {
			fmt.Fprintf(w, "  minimal ROM\n")
			continue
		}
		fmt.Fprintf(w, "  guid %s model %s unit %s/%s\n", r.GUID, r.ModelID, r.UnitSpecID, r.UnitSWVersion)
		fmt.Fprintf(w, "  irm capable %v, iso capable %v, max async payload %d\n", r.IRMCapable, r.ISOCapable, r.MaxPayload)
	}
}

func writeNodes(w io.Writer, format string, nodes []nodeReport) error {
	switch format {
	case "text":
		writeNodesText(w, nodes)
		return nil
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(nodes); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown format %q, want text or yaml", format)
}

func nodesCommand(c *cli.Context) error {
	bus, err := openBus(cfg.Dev)
	if err != nil {
		return err
	}
	nodes, err := collectNodes(bus)
	if err != nil {
		return err
	}
	return writeNodes(c.App.Writer, c.String("format"), nodes)
}
