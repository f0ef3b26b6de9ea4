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
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/phantom-drivers/go-phantom/firewire"
)

// sharedPort manages a refcount for an open firewire.Port.
// This allows a scan and every device opened from it to share a single port.
// The port is closed once all references are dropped.
type sharedPort struct {
	firewire.Port
	index    int
	refCount int32
}

func newSharedPort(p firewire.Port, index int) *sharedPort {
	return &sharedPort{Port: p, index: index, refCount: 1}
}

func (p *sharedPort) Ref() *sharedPort {
	atomic.AddInt32(&p.refCount, 1)
	return p
}

func (p *sharedPort) Close() error {
	if atomic.AddInt32(&p.refCount, -1) == 0 {
		glog.V(1).Infof("Closing firewire port %d", p.index)
		return p.Port.Close()
	}
	return nil
}
