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
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"

	"github.com/phantom-drivers/go-phantom/firewire"
)

// Options tunes device discovery and streaming.
type Options struct {
	// Transmit opens the force channel next to the telemetry channel.
	Transmit bool

	// HandshakeAttempts bounds the tries of every register access that fails
	// with a transient transport error. The delay starts at HandshakeBackoff
	// and doubles on each retry.
	HandshakeAttempts int
	HandshakeBackoff  time.Duration

	// ClaimAttempts bounds how often a session picks a new channel after
	// losing a claim race to another node.
	ClaimAttempts int

	// Backlog is the number of decoded telemetry frames kept for Frames()
	// and of force frames waiting in QueueForce. The oldest frame is dropped
	// when either is full.
	Backlog int

	// StaleCycles is the number of consecutive frames without Count0
	// advancing after which telemetry is reported stale.
	StaleCycles int

	// OnTelemetry, if set, runs for every decoded frame inside Iterate.
	// It must not call back into the device.
	OnTelemetry func(TelemetryFrame)
}

// DefaultOptions returns the settings used when none are given.
func DefaultOptions() Options {
	return Options{
		Transmit:          true,
		HandshakeAttempts: 3,
		HandshakeBackoff:  5 * time.Millisecond,
		ClaimAttempts:     3,
		Backlog:           64,
		StaleCycles:       100,
	}
}

func (o Options) retry() retryPolicy {
	return retryPolicy{attempts: o.HandshakeAttempts, backoff: o.HandshakeBackoff}
}

// retryPolicy re-issues bus requests that failed transiently, doubling the
// delay between tries.
type retryPolicy struct {
	attempts int
	backoff  time.Duration
	// timer paces the retries; nil uses a real timer.
	timer backoff.Timer
}

func (r retryPolicy) newBackOff() backoff.BackOff {
	attempts := r.attempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.backoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(attempts-1))
}

func (r retryPolicy) do(what string, f func() error) error {
	attempt := 0
	op := func() error {
		attempt++
		err := f()
		if err != nil && !firewire.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		glog.Warningf("%s: transient error (attempt %d/%d), retrying in %v: %v", what, attempt, r.attempts, next, err)
	}
	return backoff.RetryNotifyWithTimer(op, r.newBackOff(), notify, r.timer)
}
