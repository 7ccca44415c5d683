/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package feedback

import (
	"sync"
	"testing"
	"time"
)

type countingPlayer struct {
	mu     sync.Mutex
	starts int
	stops  int
	sink   string
}

func (p *countingPlayer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	return nil
}

func (p *countingPlayer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	return nil
}

func (p *countingPlayer) SetSinkID(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = id
	return nil
}

func (p *countingPlayer) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts, p.stops
}

func TestApply_IdempotentStartStop(t *testing.T) {
	ring, ringback := &countingPlayer{}, &countingPlayer{}
	c := NewController(ring, ringback, nil, nil, nil)

	c.Apply(State{Version: 1, Ringback: true})
	c.Apply(State{Version: 2, Ringback: true})
	c.Apply(State{Version: 3, Ringback: false})
	c.Apply(State{Version: 4, Ringback: false})

	starts, stops := ringback.counts()
	if starts != 1 || stops != 1 {
		t.Errorf("Expected ringback start=1 stop=1, got start=%d stop=%d", starts, stops)
	}
	if s, _ := ring.counts(); s != 0 {
		t.Errorf("Ring should not have started, got %d starts", s)
	}
}

func TestApply_IgnoresStaleVersion(t *testing.T) {
	ring := &countingPlayer{}
	c := NewController(ring, nil, nil, nil, nil)

	c.Apply(State{Version: 5, Ring: true, RingKey: "CA2"})
	c.Apply(State{Version: 6, Ring: false})
	// late snapshot from before the answer
	c.Apply(State{Version: 4, Ring: true, RingKey: "CA2"})

	if ringing, _ := c.Ringing(); ringing {
		t.Error("Stale state restarted the ring")
	}
	starts, stops := ring.counts()
	if starts != 1 || stops != 1 {
		t.Errorf("Expected start=1 stop=1, got start=%d stop=%d", starts, stops)
	}
}

func TestApply_NewOfferKeepsRinging(t *testing.T) {
	ring := &countingPlayer{}
	c := NewController(ring, nil, nil, nil, nil)

	c.Apply(State{Version: 1, Ring: true, RingKey: "CA1"})
	c.Apply(State{Version: 2, Ring: true, RingKey: "CA2"})

	ringing, key := c.Ringing()
	if !ringing || key != "CA2" {
		t.Errorf("Expected ringing for CA2, got %v %q", ringing, key)
	}
	if starts, _ := ring.counts(); starts != 1 {
		t.Errorf("Expected a single start, got %d", starts)
	}
}

func TestRingTimeout(t *testing.T) {
	ring := &countingPlayer{}
	expired := make(chan string, 1)
	c := NewController(ring, nil, &Config{RingTimeout: 20 * time.Millisecond}, func(key string) {
		expired <- key
	}, nil)

	c.Apply(State{Version: 1, Ring: true, RingKey: "CA7"})

	select {
	case key := <-expired:
		if key != "CA7" {
			t.Errorf("Expected CA7 to expire, got %q", key)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Ring timeout never fired")
	}

	if ringing, _ := c.Ringing(); ringing {
		t.Error("Ring should stop on timeout")
	}
	if _, stops := ring.counts(); stops != 1 {
		t.Errorf("Expected one stop, got %d", stops)
	}

	// the offer is still present until the store clears it
	c.Apply(State{Version: 2, Ring: true, RingKey: "CA7"})
	if ringing, _ := c.Ringing(); ringing {
		t.Error("Expired offer must not ring again")
	}
}

func TestRingTimeout_CancelledByAnswer(t *testing.T) {
	expired := make(chan string, 1)
	c := NewController(&countingPlayer{}, nil, &Config{RingTimeout: 30 * time.Millisecond}, func(key string) {
		expired <- key
	}, nil)

	c.Apply(State{Version: 1, Ring: true, RingKey: "CA8"})
	c.Apply(State{Version: 2, Ring: false})

	select {
	case key := <-expired:
		t.Errorf("Timeout fired for answered offer %q", key)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStopAll(t *testing.T) {
	ring, ringback := &countingPlayer{}, &countingPlayer{}
	c := NewController(ring, ringback, nil, nil, nil)
	c.Apply(State{Ring: true, RingKey: "CA1", Ringback: true})
	c.StopAll()
	c.StopAll()

	if _, stops := ring.counts(); stops != 1 {
		t.Errorf("Expected ring stopped once, got %d", stops)
	}
	if _, stops := ringback.counts(); stops != 1 {
		t.Errorf("Expected ringback stopped once, got %d", stops)
	}
	if c.RingingBack() {
		t.Error("Ringback should be off")
	}
}

func TestDefaultConfig(t *testing.T) {
	if DefaultConfig().RingTimeout != 60*time.Second {
		t.Errorf("Expected 60s default ring timeout")
	}
	c := NewController(nil, nil, &Config{}, nil, nil)
	if c.config.RingTimeout != DefaultRingTimeout {
		t.Errorf("Expected zero timeout to fall back to default, got %v", c.config.RingTimeout)
	}
}
