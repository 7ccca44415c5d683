/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package devices keeps the agent's audio device bindings valid while
// hardware comes and goes.
package devices

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Kind is a device class.
type Kind string

const (
	KindAudioInput  Kind = "audioinput"
	KindAudioOutput Kind = "audiooutput"
)

var (
	// ErrPermissionDenied is returned when microphone capture is refused.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrNoDevice is returned when a device class has no devices at all.
	ErrNoDevice = errors.New("no device available")
	// ErrUnknownDevice is returned when selecting an id that is not present.
	ErrUnknownDevice = errors.New("unknown device")
)

// Device is one enumerated audio device.
type Device struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
	Kind  Kind   `json:"kind"`
}

// Binding is the current device selection. Empty ids mean unbound.
type Binding struct {
	MicrophoneID  string `json:"microphoneId"`
	SpeakerID     string `json:"speakerId"`
	RingSpeakerID string `json:"ringSpeakerId"`
}

// Enumerator lists the devices of a class.
type Enumerator interface {
	Devices(ctx context.Context, kind Kind) ([]Device, error)
}

// SinkBinder is an audio output whose device can be switched.
type SinkBinder interface {
	SetSinkID(deviceID string) error
}

// Capturer acquires the microphone.
type Capturer interface {
	Acquire(ctx context.Context, deviceID string) error
}

// Config wires the manager to the audio layer.
type Config struct {
	Enumerator Enumerator
	Capturer   Capturer
	// CallOutput plays call audio and follows SpeakerID.
	CallOutput SinkBinder
	// RingOutputs (ring and ringback players) follow RingSpeakerID.
	RingOutputs []SinkBinder
	// OnChange is called after every binding change.
	OnChange func(Binding)
}

// Manager is the single writer of the device binding.
type Manager struct {
	config *Config
	logger *zerolog.Logger

	mu      sync.Mutex
	binding Binding
}

// NewManager creates a device manager.
func NewManager(config *Config, logger *zerolog.Logger) (*Manager, error) {
	if config == nil || config.Enumerator == nil {
		return nil, fmt.Errorf("device enumerator is required")
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Manager{config: config, logger: logger}, nil
}

// Binding returns the current device binding.
func (m *Manager) Binding() Binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.binding
}

// Refresh enumerates both classes concurrently and rebinds anything missing.
func (m *Manager) Refresh(ctx context.Context) error {
	var inputs, outputs []Device
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		inputs, err = m.config.Enumerator.Devices(gctx, KindAudioInput)
		return err
	})
	g.Go(func() error {
		var err error
		outputs, err = m.config.Enumerator.Devices(gctx, KindAudioOutput)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("error enumerating devices: %w", err)
	}

	return errors.Join(m.reconcile(KindAudioInput, inputs), m.reconcile(KindAudioOutput, outputs))
}

// HandleChange reacts to a hardware add/remove notification for one class.
func (m *Manager) HandleChange(ctx context.Context, kind Kind) error {
	devices, err := m.config.Enumerator.Devices(ctx, kind)
	if err != nil {
		return fmt.Errorf("error enumerating %s devices: %w", kind, err)
	}
	return m.reconcile(kind, devices)
}

// reconcile rebinds any binding of kind that is absent from devices to
// devices[0].
func (m *Manager) reconcile(kind Kind, devices []Device) error {
	m.mu.Lock()
	before := m.binding
	next := before
	switch kind {
	case KindAudioInput:
		next.MicrophoneID = fallback(next.MicrophoneID, devices)
	case KindAudioOutput:
		next.SpeakerID = fallback(next.SpeakerID, devices)
		next.RingSpeakerID = fallback(next.RingSpeakerID, devices)
	default:
		m.mu.Unlock()
		return fmt.Errorf("unknown device kind %q", kind)
	}
	m.binding = next
	m.mu.Unlock()

	if before == next {
		return nil
	}
	m.logger.Info().
		Str("kind", string(kind)).
		Interface("from", before).
		Interface("to", next).
		Msg("device binding changed")

	return m.apply(before, next)
}

func fallback(current string, devices []Device) string {
	for _, d := range devices {
		if d.ID == current {
			return current
		}
	}
	if len(devices) == 0 {
		return ""
	}
	return devices[0].ID
}

// apply pushes changed output bindings to the sinks and notifies OnChange.
func (m *Manager) apply(before, next Binding) error {
	var errs []error
	if next.SpeakerID != before.SpeakerID && next.SpeakerID != "" && m.config.CallOutput != nil {
		if err := m.config.CallOutput.SetSinkID(next.SpeakerID); err != nil {
			errs = append(errs, fmt.Errorf("error binding call output: %w", err))
		}
	}
	if next.RingSpeakerID != before.RingSpeakerID && next.RingSpeakerID != "" {
		for _, out := range m.config.RingOutputs {
			if err := out.SetSinkID(next.RingSpeakerID); err != nil {
				errs = append(errs, fmt.Errorf("error binding ring output: %w", err))
			}
		}
	}
	if m.config.OnChange != nil {
		m.config.OnChange(next)
	}

	err := errors.Join(errs...)
	if err != nil {
		m.logger.Warn().Err(err).Msg("device sink binding failed")
	}
	return err
}

// SelectMicrophone binds an explicit microphone.
func (m *Manager) SelectMicrophone(ctx context.Context, id string) error {
	return m.selectDevice(ctx, KindAudioInput, id, func(b *Binding) { b.MicrophoneID = id })
}

// SelectSpeaker binds an explicit call speaker.
func (m *Manager) SelectSpeaker(ctx context.Context, id string) error {
	return m.selectDevice(ctx, KindAudioOutput, id, func(b *Binding) { b.SpeakerID = id })
}

// SelectRingSpeaker binds an explicit ring speaker.
func (m *Manager) SelectRingSpeaker(ctx context.Context, id string) error {
	return m.selectDevice(ctx, KindAudioOutput, id, func(b *Binding) { b.RingSpeakerID = id })
}

func (m *Manager) selectDevice(ctx context.Context, kind Kind, id string, set func(*Binding)) error {
	devices, err := m.config.Enumerator.Devices(ctx, kind)
	if err != nil {
		return fmt.Errorf("error enumerating %s devices: %w", kind, err)
	}
	found := false
	for _, d := range devices {
		if d.ID == id {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s %q", ErrUnknownDevice, kind, id)
	}

	m.mu.Lock()
	before := m.binding
	set(&m.binding)
	next := m.binding
	m.mu.Unlock()

	if before == next {
		return nil
	}
	return m.apply(before, next)
}

// AcquireMicrophone makes sure a microphone is bound and capture is allowed.
func (m *Manager) AcquireMicrophone(ctx context.Context) error {
	if err := m.HandleChange(ctx, KindAudioInput); err != nil {
		return err
	}
	micID := m.Binding().MicrophoneID
	if micID == "" {
		return fmt.Errorf("microphone: %w", ErrNoDevice)
	}
	if m.config.Capturer == nil {
		return nil
	}
	if err := m.config.Capturer.Acquire(ctx, micID); err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return err
		}
		return fmt.Errorf("error acquiring microphone %s: %w", micID, err)
	}
	return nil
}
