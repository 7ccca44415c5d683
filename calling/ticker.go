/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"fmt"
	"time"
)

// DefaultTickInterval is how often the ticker reports elapsed time.
const DefaultTickInterval = time.Second

// Ticker derives the call duration from the store. It holds no state of
// its own.
type Ticker struct {
	store    *Store
	interval time.Duration
	now      func() time.Time
}

// NewTicker creates a ticker reading store every interval.
func NewTicker(store *Store, interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Ticker{store: store, interval: interval, now: time.Now}
}

// Elapsed returns how long the current call has been connected, or zero.
func (t *Ticker) Elapsed() time.Duration {
	call := t.store.Snapshot().Call
	if call == nil || !call.Status.IsEstablished() || call.StartTime.IsZero() {
		return 0
	}
	d := t.now().Sub(call.StartTime)
	if d < 0 {
		return 0
	}
	return d
}

// Run calls fn with the elapsed time on every tick until ctx is done.
func (t *Ticker) Run(ctx context.Context, fn func(elapsed time.Duration)) {
	tick := time.NewTicker(t.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			fn(t.Elapsed())
		}
	}
}

// FormatDuration renders d as mm:ss, or h:mm:ss from one hour on.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	h, m, s := total/3600, (total/60)%60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
