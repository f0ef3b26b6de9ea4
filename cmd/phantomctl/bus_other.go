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

//go:build !(linux && (amd64 || arm64))

package main

import (
	"fmt"
	"runtime"

	"github.com/phantom-drivers/go-phantom/firewire"
)

func openBus(string) (firewire.Bus, error) {
	return nil, fmt.Errorf("%w: no FireWire backend for %s/%s", firewire.ErrNoBus, runtime.GOOS, runtime.GOARCH)
}
