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

package phantom

import (
	"fmt"
	"sort"
	"sync"

	"github.com/golang/glog"

	"github.com/phantom-drivers/go-phantom/firewire"
)

// Location identifies a device on the host: card index and node id.
type Location struct {
	Port int
	Node firewire.NodeID
}

func (l Location) String() string {
	return fmt.Sprintf("port %d node %v", l.Port, l.Node)
}

// Registry tracks the devices opened by one application, so that a device
// is never opened twice. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	open map[Location]*Device
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{open: make(map[Location]*Device)}
}

func (r *Registry) add(d *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.open[d.loc]; ok {
		return fmt.Errorf("%w: %v", ErrAlreadyInUse, d.loc)
	}
	r.open[d.loc] = d
	return nil
}

func (r *Registry) remove(d *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open[d.loc] == d {
		delete(r.open, d.loc)
	}
}

// IsOpen reports whether a device is open at loc.
func (r *Registry) IsOpen(loc Location) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.open[loc]
	return ok
}

// Devices returns the open devices ordered by location.
func (r *Registry) Devices() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	devs := make([]*Device, 0, len(r.open))
	for _, d := range r.open {
		devs = append(devs, d)
	}
	sort.Slice(devs, func(i, j int) bool {
		a, b := devs[i].loc, devs[j].loc
		if a.Port != b.Port {
			return a.Port < b.Port
		}
		return a.Node < b.Node
	})
	return devs
}

// lookupSerial returns the open device with the given serial. Devices whose
// serial was never read are asked for it outside the registry lock.
func (r *Registry) lookupSerial(serial uint32) *Device {
	for _, d := range r.Devices() {
		s, err := d.Serial()
		if err != nil {
			glog.Warningf("PHANTOM %v at %v: serial: %v", d.ID, d.loc, err)
			continue
		}
		if s == serial {
			return d
		}
	}
	return nil
}
