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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mitchellh/go-homedir"

	"github.com/phantom-drivers/go-phantom/phantom"
)

const testConfig = `serial: 12345
transmit: false
handshake:
  attempts: 5
  backoff: 20ms
backlog: 8
`

func withHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	homedir.DisableCache = true
	t.Cleanup(func() { homedir.DisableCache = false })
	return home
}

func writeConfig(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(testConfig), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	withHome(t)
	c, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig() = %v", err)
	}
	if diff := cmp.Diff(defaultConfig(), c); diff != "" {
		t.Errorf("Config (-want +got):\n%s", diff)
	}
	opts := c.options()
	want := phantom.DefaultOptions()
	if opts.Transmit != want.Transmit || opts.HandshakeAttempts != want.HandshakeAttempts ||
		opts.HandshakeBackoff != want.HandshakeBackoff || opts.Backlog != want.Backlog {
		t.Errorf("options() = %+v, want %+v", opts, want)
	}
}

func TestLoadConfig(t *testing.T) {
	home := withHome(t)
	writeConfig(t, filepath.Join(home, configName))
	explicit := filepath.Join(t.TempDir(), "phantom.yaml")
	writeConfig(t, explicit)

	tests := []struct {
		desc string
		path string
		env  map[string]string
		want func(c *config)
	}{
		{
			desc: "Home directory file",
			want: func(c *config) {},
		},
		{
			desc: "Explicit file",
			path: explicit,
			want: func(c *config) {},
		},
		{
			desc: "Environment overrides the file",
			env: map[string]string{
				"PHANTOM_BACKLOG":            "16",
				"PHANTOM_HANDSHAKE_ATTEMPTS": "7",
				"PHANTOM_DEV":                "/tmp/fw",
			},
			want: func(c *config) {
				c.Backlog = 16
				c.Handshake.Attempts = 7
				c.Dev = "/tmp/fw"
			},
		},
	}
	for _, tc := range tests {
		t.Logf("Start case: %s", tc.desc)
		for k, v := range tc.env {
			os.Setenv(k, v)
		}
		got, err := loadConfig(tc.path)
		for k := range tc.env {
			os.Unsetenv(k)
		}
		if err != nil {
			t.Errorf("loadConfig(%q) = %v", tc.path, err)
			continue
		}
		want := defaultConfig()
		want.Serial = 12345
		want.Transmit = false
		want.Handshake = handshakeConfig{Attempts: 5, Backoff: 20 * time.Millisecond}
		want.Backlog = 8
		tc.want(want)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Config (-want +got):\n%s", diff)
		}
	}
}

func TestLoadConfigOptions(t *testing.T) {
	withHome(t)
	path := filepath.Join(t.TempDir(), "phantom.yaml")
	writeConfig(t, path)
	c, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig() = %v", err)
	}
	o := c.options()
	if o.Transmit || o.HandshakeAttempts != 5 || o.HandshakeBackoff != 20*time.Millisecond || o.Backlog != 8 {
		t.Errorf("options() = %+v", o)
	}
	if o.StaleCycles != phantom.DefaultOptions().StaleCycles {
		t.Errorf("StaleCycles = %d, want the default", o.StaleCycles)
	}
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	withHome(t)
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("loadConfig() of a missing file succeeded")
	}
}
