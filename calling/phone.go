/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tejzpr/agentphone/devices"
	"github.com/tejzpr/agentphone/feedback"
)

// Bus is the push channel the phone connects. *pushbus.Client implements it.
type Bus interface {
	Subscriber
	Connect(ctx context.Context) error
	Disconnect() error
}

// Config holds the phone configuration
type Config struct {
	AgentID            string
	Region             string
	CallerID           string
	DefaultCountryCode string
	ApprovedRegions    []string
	RingTimeout        time.Duration
	DTMFInterval       time.Duration
	TickInterval       time.Duration
}

// Dependencies are the collaborators a phone drives. Devices, Ring and
// Ringback are optional.
type Dependencies struct {
	API      API
	Bus      Bus
	Devices  *devices.Manager
	Ring     feedback.Player
	Ringback feedback.Player
}

// Phone wires the session store to the gateway, the push adapter, the tone
// controller and the device manager. Commands are promoted from Gateway.
type Phone struct {
	*Gateway

	store    *Store
	adapter  *Adapter
	feedback *feedback.Controller
	ticker   *Ticker
	devices  *devices.Manager
	bus      Bus
	logger   *zerolog.Logger
}

// NewPhone creates a phone for one agent.
func NewPhone(config *Config, deps Dependencies, logger *zerolog.Logger) (*Phone, error) {
	if config == nil || config.AgentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if deps.API == nil {
		return nil, fmt.Errorf("call-control API is required")
	}
	if deps.Bus == nil {
		return nil, fmt.Errorf("push channel is required")
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	var missing []string
	if deps.Devices == nil {
		missing = append(missing, "devices")
	}
	if deps.Ring == nil {
		missing = append(missing, "ring")
	}
	if deps.Ringback == nil {
		missing = append(missing, "ringback")
	}
	if len(missing) > 0 {
		logger.Warn().Strs("missing", missing).Msg("no device backend attached; microphone gate or tones disabled")
	}

	store := NewStore(logger)

	var mic MicrophoneAcquirer
	if deps.Devices != nil {
		mic = deps.Devices
	}
	gateway := NewGateway(deps.API, store, mic, &GatewayConfig{
		AgentID:            config.AgentID,
		Region:             config.Region,
		CallerID:           config.CallerID,
		DefaultCountryCode: config.DefaultCountryCode,
		DTMFInterval:       config.DTMFInterval,
	}, logger)

	tones := feedback.NewController(deps.Ring, deps.Ringback,
		&feedback.Config{RingTimeout: config.RingTimeout}, gateway.MissOffer, logger)
	store.On(EventChanged, func(snap Snapshot) {
		tones.Apply(FeedbackState(snap))
	})

	adapter := NewAdapter(deps.Bus, deps.API, store, &AdapterConfig{
		AgentID:         config.AgentID,
		ApprovedRegions: config.ApprovedRegions,
	}, logger)

	return &Phone{
		Gateway:  gateway,
		store:    store,
		adapter:  adapter,
		feedback: tones,
		ticker:   NewTicker(store, config.TickInterval),
		devices:  deps.Devices,
		bus:      deps.Bus,
		logger:   logger,
	}, nil
}

// FeedbackState derives the tones a snapshot calls for. The ring plays
// while an offer's call is ringing; ringback plays while an outbound call
// or a consult leg has not been answered.
func FeedbackState(snap Snapshot) feedback.State {
	state := feedback.State{Version: snap.Version}
	call := snap.Call
	if snap.Offer != nil && call != nil && call.CallID == snap.Offer.CallID && call.Status == CallStatusRinging {
		state.Ring = true
		state.RingKey = snap.Offer.CallID
	}
	if call != nil && call.CallType == CallTypeOutbound {
		switch call.Status {
		case CallStatusQueued, CallStatusConnecting, CallStatusRinging:
			state.Ringback = true
		}
	}
	if snap.TransferStatus() == TransferStatusPending {
		state.Ringback = true
	}
	return state
}

// Store returns the session store.
func (p *Phone) Store() *Store { return p.store }

// Snapshot returns the current session state.
func (p *Phone) Snapshot() Snapshot { return p.store.Snapshot() }

// Ticker returns the duration ticker.
func (p *Phone) Ticker() *Ticker { return p.ticker }

// Elapsed returns how long the current call has been connected.
func (p *Phone) Elapsed() time.Duration { return p.ticker.Elapsed() }

// Devices returns the device manager, or nil.
func (p *Phone) Devices() *devices.Manager { return p.devices }

// Start enumerates devices and connects the push channel. Device failures
// are logged; they never stop the phone.
func (p *Phone) Start(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error {
		if p.devices == nil {
			return nil
		}
		if err := p.devices.Refresh(ctx); err != nil {
			p.logger.Warn().Err(err).Msg("device enumeration failed")
		}
		return nil
	})
	g.Go(func() error {
		if err := p.adapter.Start(ctx); err != nil {
			return fmt.Errorf("subscribe push channels: %w", err)
		}
		if err := p.bus.Connect(ctx); err != nil {
			return fmt.Errorf("connect push channel: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	p.logger.Info().Msg("phone started")
	return nil
}

// HandleDeviceChange reacts to a hardware change notification without
// blocking the caller.
func (p *Phone) HandleDeviceChange(ctx context.Context, kind devices.Kind) {
	if p.devices == nil {
		return
	}
	go func() {
		if err := p.devices.HandleChange(ctx, kind); err != nil {
			p.logger.Warn().Err(err).Str("kind", string(kind)).Msg("device change not applied")
		}
	}()
}

// Shutdown ends the call, leaves the conference and closes the push channel.
func (p *Phone) Shutdown(ctx context.Context) error {
	p.feedback.StopAll()
	var errs []error
	if err := p.DisconnectConference(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := p.bus.Disconnect(); err != nil {
		errs = append(errs, err)
	}
	p.adapter.Wait()
	p.logger.Info().Msg("phone stopped")
	return errors.Join(errs...)
}
