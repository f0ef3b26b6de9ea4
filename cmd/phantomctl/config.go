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
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/phantom-drivers/go-phantom/phantom"
)

const (
	configName = ".phantomctl.yaml"
	envPrefix  = "PHANTOM"
)

type handshakeConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Backoff  time.Duration `mapstructure:"backoff"`
}

type config struct {
	// Serial selects the device for stream; 0 takes the first one found.
	Serial uint32 `mapstructure:"serial"`
	// Dev is the directory holding the fw* device files.
	Dev string `mapstructure:"dev"`

	Transmit      bool            `mapstructure:"transmit"`
	Handshake     handshakeConfig `mapstructure:"handshake"`
	ClaimAttempts int             `mapstructure:"claim_attempts"`
	Backlog       int             `mapstructure:"backlog"`
	StaleCycles   int             `mapstructure:"stale_cycles"`
}

func defaultConfig() *config {
	o := phantom.DefaultOptions()
	return &config{
		Dev:           "/dev",
		Transmit:      o.Transmit,
		Handshake:     handshakeConfig{Attempts: o.HandshakeAttempts, Backoff: o.HandshakeBackoff},
		ClaimAttempts: o.ClaimAttempts,
		Backlog:       o.Backlog,
		StaleCycles:   o.StaleCycles,
	}
}

func setDefaults(v *viper.Viper) {
	d := defaultConfig()
	v.SetDefault("serial", d.Serial)
	v.SetDefault("dev", d.Dev)
	v.SetDefault("transmit", d.Transmit)
	v.SetDefault("handshake.attempts", d.Handshake.Attempts)
	v.SetDefault("handshake.backoff", d.Handshake.Backoff.String())
	v.SetDefault("claim_attempts", d.ClaimAttempts)
	v.SetDefault("backlog", d.Backlog)
	v.SetDefault("stale_cycles", d.StaleCycles)
}

// defaultConfigPath returns ~/.phantomctl.yaml.
func defaultConfigPath() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, configName), nil
}

// loadConfig reads path, or ~/.phantomctl.yaml when path is empty, and
// applies PHANTOM_* environment overrides on top. A missing default file is
// not an error; a missing explicit file is.
func loadConfig(path string) (*config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		p, err := defaultConfigPath()
		if err != nil {
			glog.Warningf("No home directory, using defaults: %v", err)
		}
		path = p
	}
	if path != "" {
		_, err := os.Stat(path)
		switch {
		case err == nil:
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
			glog.V(1).Infof("Loaded config %s", path)
		case explicit || !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	c := &config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return c, nil
}

// options maps the configuration onto the library settings.
func (c *config) options() phantom.Options {
	o := phantom.DefaultOptions()
	o.Transmit = c.Transmit
	o.HandshakeAttempts = c.Handshake.Attempts
	o.HandshakeBackoff = c.Handshake.Backoff
	o.ClaimAttempts = c.ClaimAttempts
	o.Backlog = c.Backlog
	o.StaleCycles = c.StaleCycles
	return o
}
