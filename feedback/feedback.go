/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package feedback drives the audible ring and ringback tones from call
// state. It never decides state itself; it is told what should be audible.
package feedback

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultRingTimeout is how long an unanswered offer rings before it is
// treated as missed.
const DefaultRingTimeout = 60 * time.Second

// Player is a looping tone output.
type Player interface {
	Start() error
	Stop() error
	SetSinkID(deviceID string) error
}

// State is the desired audible state derived from a session snapshot.
type State struct {
	// Version orders states; a state older than the last applied one is ignored.
	// Zero is always applied.
	Version uint64
	// Ring plays the incoming tone for the offer identified by RingKey.
	Ring    bool
	RingKey string
	// Ringback plays the outbound/consult tone.
	Ringback bool
}

// Config holds the controller configuration
type Config struct {
	RingTimeout time.Duration
}

// DefaultConfig returns the default controller configuration
func DefaultConfig() *Config {
	return &Config{RingTimeout: DefaultRingTimeout}
}

// Controller starts and stops the tones. Start and Stop reach a player at
// most once per transition.
type Controller struct {
	ring      Player
	ringback  Player
	config    *Config
	onTimeout func(ringKey string)
	logger    *zerolog.Logger

	mu          sync.Mutex
	version     uint64
	ringing     bool
	ringingBack bool
	ringKey     string
	expiredKey  string
	timer       *time.Timer
	timerGen    uint64
}

// NewController creates a feedback controller. onTimeout is called, outside
// any lock, when a ring reaches RingTimeout without being stopped.
func NewController(ring, ringback Player, config *Config, onTimeout func(ringKey string), logger *zerolog.Logger) *Controller {
	if config == nil {
		config = DefaultConfig()
	}
	if config.RingTimeout <= 0 {
		config.RingTimeout = DefaultRingTimeout
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Controller{
		ring:      ring,
		ringback:  ringback,
		config:    config,
		onTimeout: onTimeout,
		logger:    logger,
	}
}

// Apply moves the tones to the desired state.
func (c *Controller) Apply(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.Version != 0 {
		if s.Version <= c.version {
			return
		}
		c.version = s.Version
	}

	if s.Ring && s.RingKey != "" && s.RingKey == c.expiredKey {
		// the offer already timed out; wait for it to be cleared
		s.Ring = false
	}

	switch {
	case s.Ring && !c.ringing:
		c.startRing(s.RingKey)
	case s.Ring && c.ringKey != s.RingKey:
		// a different offer replaced the ringing one
		c.ringKey = s.RingKey
		c.armTimer()
	case !s.Ring && c.ringing:
		c.stopRing()
	}

	switch {
	case s.Ringback && !c.ringingBack:
		c.ringingBack = true
		if c.ringback != nil {
			if err := c.ringback.Start(); err != nil {
				c.logger.Warn().Err(err).Msg("failed to start ringback")
			}
		}
	case !s.Ringback && c.ringingBack:
		c.ringingBack = false
		if c.ringback != nil {
			if err := c.ringback.Stop(); err != nil {
				c.logger.Warn().Err(err).Msg("failed to stop ringback")
			}
		}
	}
}

// StopAll silences both tones and cancels the ring timer.
func (c *Controller) StopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ringing {
		c.stopRing()
	}
	if c.ringingBack {
		c.ringingBack = false
		if c.ringback != nil {
			_ = c.ringback.Stop()
		}
	}
}

// Ringing reports whether the incoming tone is playing and for which offer.
func (c *Controller) Ringing() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ringing, c.ringKey
}

// RingingBack reports whether the ringback tone is playing.
func (c *Controller) RingingBack() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ringingBack
}

func (c *Controller) startRing(key string) {
	c.ringing = true
	c.ringKey = key
	if c.ring != nil {
		if err := c.ring.Start(); err != nil {
			c.logger.Warn().Err(err).Msg("failed to start ring")
		}
	}
	c.armTimer()
}

func (c *Controller) stopRing() {
	c.ringing = false
	c.ringKey = ""
	c.disarmTimer()
	if c.ring != nil {
		if err := c.ring.Stop(); err != nil {
			c.logger.Warn().Err(err).Msg("failed to stop ring")
		}
	}
}

func (c *Controller) armTimer() {
	c.disarmTimer()
	c.timerGen++
	gen, key := c.timerGen, c.ringKey
	c.timer = time.AfterFunc(c.config.RingTimeout, func() { c.expire(gen, key) })
}

func (c *Controller) disarmTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) expire(gen uint64, key string) {
	c.mu.Lock()
	if gen != c.timerGen || !c.ringing || c.ringKey != key {
		c.mu.Unlock()
		return
	}
	c.logger.Info().Str("offer", key).Dur("after", c.config.RingTimeout).Msg("offer unanswered, ring timed out")
	c.stopRing()
	c.expiredKey = key
	c.mu.Unlock()

	if c.onTimeout != nil {
		c.onTimeout(key)
	}
}
