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

//go:build linux && (amd64 || arm64)

package main

import (
	"github.com/phantom-drivers/go-phantom/firewire"
	"github.com/phantom-drivers/go-phantom/firewire/fwcdev"
)

// openBus returns the firewire-cdev bus rooted at dir.
func openBus(dir string) (firewire.Bus, error) {
	return &fwcdev.Bus{Dir: dir}, nil
}
