/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tejzpr/agentphone/callcontrol"
	"github.com/tejzpr/agentphone/devices"
	"github.com/tejzpr/agentphone/feedback"
	"github.com/tejzpr/agentphone/pushbus"
)

type phoneHarness struct {
	phone    *Phone
	api      *fakeAPI
	bus      *fakeBus
	ring     *fakePlayer
	ringback *fakePlayer
}

func newPhoneHarness(t *testing.T, config *Config) *phoneHarness {
	t.Helper()
	if config == nil {
		config = &Config{}
	}
	config.AgentID = testAgent
	config.DTMFInterval = time.Millisecond
	h := &phoneHarness{
		api:      newFakeAPI(),
		bus:      newFakeBus(),
		ring:     &fakePlayer{},
		ringback: &fakePlayer{},
	}
	phone, err := NewPhone(config, Dependencies{
		API:      h.api,
		Bus:      h.bus,
		Ring:     h.ring,
		Ringback: h.ringback,
	}, nil)
	if err != nil {
		t.Fatalf("NewPhone: %v", err)
	}
	h.phone = phone
	ctx := context.Background()
	if err := phone.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := phone.ConnectConference(ctx); err != nil {
		t.Fatalf("ConnectConference: %v", err)
	}
	phone.adapter.Wait()
	t.Cleanup(func() { _ = phone.Shutdown(context.Background()) })
	return h
}

func TestNewPhoneValidation(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
		deps   Dependencies
	}{
		{"no agent", &Config{}, Dependencies{API: newFakeAPI(), Bus: newFakeBus()}},
		{"no api", &Config{AgentID: testAgent}, Dependencies{Bus: newFakeBus()}},
		{"no bus", &Config{AgentID: testAgent}, Dependencies{API: newFakeAPI()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPhone(tt.config, tt.deps, nil); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestNewPhoneWarnsWithoutDeviceBackends(t *testing.T) {
	tests := []struct {
		name string
		deps Dependencies
		want string
	}{
		{"none attached", Dependencies{}, `"missing":["devices","ring","ringback"]`},
		{"tones only", Dependencies{Ring: &fakePlayer{}, Ringback: &fakePlayer{}}, `"missing":["devices"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf)
			tt.deps.API = newFakeAPI()
			tt.deps.Bus = newFakeBus()
			if _, err := NewPhone(&Config{AgentID: testAgent}, tt.deps, &logger); err != nil {
				t.Fatalf("NewPhone: %v", err)
			}
			if !strings.Contains(buf.String(), tt.want) || !strings.Contains(buf.String(), `"level":"warn"`) {
				t.Errorf("Expected warning with %s, got %q", tt.want, buf.String())
			}
		})
	}
}

// dial, provider returns CA1, push reports the answer.
func TestScenarioOutboundAnswered(t *testing.T) {
	h := newPhoneHarness(t, nil)
	ctx := context.Background()

	if _, err := h.phone.Dial(ctx, "5551234567"); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	call := h.phone.Snapshot().Call
	if call.CallID != "CA1" || (call.Status != CallStatusConnecting && call.Status != CallStatusRinging) {
		t.Fatalf("Expected CA1 pre-answer, got %+v", call)
	}
	if starts, _ := h.ringback.counts(); starts != 1 {
		t.Errorf("Expected ringback started once, got %d", starts)
	}

	h.bus.publish(t, pushbus.ChannelOutboundCallStatus, map[string]string{"callId": "CA1", "status": "answered"})
	h.bus.publish(t, pushbus.ChannelOutboundCallStatus, map[string]string{"callId": "CA1", "status": "answered"})

	if got := h.phone.Snapshot().Call.Status; got != CallStatusConnected {
		t.Errorf("Expected connected, got %s", got)
	}
	if _, stops := h.ringback.counts(); stops != 1 {
		t.Errorf("Expected ringback stopped exactly once, got %d", stops)
	}
	if h.phone.Ticker().Elapsed() < 0 {
		t.Error("Elapsed must not be negative")
	}
}

// inbound offer rings, agent accepts, participant/add succeeds.
func TestScenarioInboundAccepted(t *testing.T) {
	h := newPhoneHarness(t, nil)

	h.bus.publish(t, pushbus.ChannelIncomingCall, map[string]string{"callId": "CA2", "from": "+15550001111"})
	if ringing, key := h.phone.feedback.Ringing(); !ringing || key != "CA2" {
		t.Fatalf("Expected ring for CA2, got %v %q", ringing, key)
	}

	if err := h.phone.AcceptOffer(context.Background()); err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}
	call := h.phone.Snapshot().Call
	if call.CallID != "CA2" || call.Status != CallStatusConnected || call.ParticipantID != "P-CA2" {
		t.Errorf("Unexpected call: %+v", call)
	}
	starts, stops := h.ring.counts()
	if starts != 1 || stops != 1 {
		t.Errorf("Expected ring start/stop once, got %d/%d", starts, stops)
	}
	if h.api.count("add") != 1 {
		t.Errorf("Expected one participant add, got %d", h.api.count("add"))
	}
}

// a late status for a call the agent already hung up is ignored.
func TestScenarioLateEventAfterHangup(t *testing.T) {
	h := newPhoneHarness(t, nil)
	h.bus.publish(t, pushbus.ChannelIncomingCall, map[string]string{"callId": "CA2"})
	if err := h.phone.AcceptOffer(context.Background()); err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}
	if err := h.phone.EndCall(context.Background()); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	v := h.phone.Snapshot().Version

	h.bus.publish(t, pushbus.ChannelOutboundCallStatus, map[string]string{"callId": "CA2", "status": "completed"})
	snap := h.phone.Snapshot()
	if snap.Call != nil || snap.Version != v {
		t.Errorf("Late event mutated state: %+v", snap)
	}
}

// warm transfer accepted by the target agent and completed.
func TestScenarioWarmTransferCompleted(t *testing.T) {
	h := newPhoneHarness(t, nil)
	ctx := context.Background()

	h.api.dialQueue = []*callcontrol.DialResponse{{CallID: "CA1"}, {CallID: "CT1", AgentID: "agent-2"}}
	if _, err := h.phone.Dial(ctx, "5551234567"); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	h.bus.publish(t, pushbus.ChannelOutboundCallStatus, map[string]string{"callId": "CA1", "status": "answered"})

	if _, err := h.phone.InitiateWarmTransfer(ctx, "5559998888"); err != nil {
		t.Fatalf("InitiateWarmTransfer: %v", err)
	}
	if got := h.phone.Snapshot().TransferStatus(); got != TransferStatusPending {
		t.Fatalf("Expected pending, got %s", got)
	}
	if !h.phone.feedback.RingingBack() {
		t.Error("Expected ringback during consult")
	}

	h.bus.publish(t, pushbus.TransferAcceptedChannel(testAgent), map[string]string{"targetAgentId": "agent-2"})
	if got := h.phone.Snapshot().TransferStatus(); got != TransferStatusAccepted {
		t.Fatalf("Expected accepted, got %s", got)
	}
	if h.phone.feedback.RingingBack() {
		t.Error("Ringback should stop once the target accepts")
	}

	if err := h.phone.CompleteWarmTransfer(ctx); err != nil {
		t.Fatalf("CompleteWarmTransfer: %v", err)
	}
	snap := h.phone.Snapshot()
	if snap.Transfer != nil || snap.Call != nil {
		t.Errorf("Expected both sessions resolved, got %+v", snap)
	}
}

func TestPhoneRingTimeout(t *testing.T) {
	h := newPhoneHarness(t, &Config{RingTimeout: 20 * time.Millisecond})
	h.bus.publish(t, pushbus.ChannelIncomingCall, map[string]string{"callId": "CA2"})

	waitFor(t, "offer to ring out", func() bool {
		return h.phone.Snapshot().Offer == nil
	})
	if ringing, _ := h.phone.feedback.Ringing(); ringing {
		t.Error("Ring should stop on timeout")
	}
	if h.phone.Snapshot().Call != nil {
		t.Error("Missed offer should leave no call")
	}
}

func TestPhoneShutdown(t *testing.T) {
	h := newPhoneHarness(t, nil)
	h.bus.publish(t, pushbus.ChannelIncomingCall, map[string]string{"callId": "CA2"})
	_ = h.phone.AcceptOffer(context.Background())

	if err := h.phone.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	snap := h.phone.Snapshot()
	if snap.Call != nil || snap.Conference.Status != ConferenceStatusDisconnected {
		t.Errorf("Unexpected state after shutdown: %+v", snap)
	}
	if h.bus.connected {
		t.Error("Push channel should be disconnected")
	}
}

type sliceEnumerator map[devices.Kind][]devices.Device

func (e sliceEnumerator) Devices(ctx context.Context, kind devices.Kind) ([]devices.Device, error) {
	return e[kind], nil
}

func TestPhoneDeviceChange(t *testing.T) {
	enum := sliceEnumerator{
		devices.KindAudioInput:  {{ID: "mic-1", Kind: devices.KindAudioInput}, {ID: "mic-2", Kind: devices.KindAudioInput}},
		devices.KindAudioOutput: {{ID: "spk-1", Kind: devices.KindAudioOutput}},
	}
	mgr, err := devices.NewManager(&devices.Config{Enumerator: enum}, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	phone, err := NewPhone(&Config{AgentID: testAgent}, Dependencies{API: newFakeAPI(), Bus: newFakeBus(), Devices: mgr}, nil)
	if err != nil {
		t.Fatalf("NewPhone: %v", err)
	}
	if err := phone.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := mgr.SelectMicrophone(context.Background(), "mic-2"); err != nil {
		t.Fatalf("SelectMicrophone: %v", err)
	}

	enum[devices.KindAudioInput] = []devices.Device{{ID: "mic-1", Kind: devices.KindAudioInput}}
	phone.HandleDeviceChange(context.Background(), devices.KindAudioInput)
	waitFor(t, "microphone rebind", func() bool {
		return mgr.Binding().MicrophoneID == "mic-1"
	})
}

func TestFeedbackState(t *testing.T) {
	tests := []struct {
		name string
		snap Snapshot
		want feedback.State
	}{
		{
			name: "idle",
			snap: Snapshot{Version: 1},
			want: feedback.State{Version: 1},
		},
		{
			name: "ringing offer",
			snap: Snapshot{
				Version: 2,
				Call:    &ActiveCall{CallID: "CA2", Status: CallStatusRinging, CallType: CallTypeInbound},
				Offer:   &Offer{CallID: "CA2"},
			},
			want: feedback.State{Version: 2, Ring: true, RingKey: "CA2"},
		},
		{
			name: "accepted offer joining",
			snap: Snapshot{
				Version: 3,
				Call:    &ActiveCall{CallID: "CA2", Status: CallStatusConnecting, CallType: CallTypeInbound},
				Offer:   &Offer{CallID: "CA2"},
			},
			want: feedback.State{Version: 3},
		},
		{
			name: "outbound ringing",
			snap: Snapshot{Version: 4, Call: &ActiveCall{CallID: "CA1", Status: CallStatusRinging, CallType: CallTypeOutbound}},
			want: feedback.State{Version: 4, Ringback: true},
		},
		{
			name: "outbound answered",
			snap: Snapshot{Version: 5, Call: &ActiveCall{CallID: "CA1", Status: CallStatusConnected, CallType: CallTypeOutbound}},
			want: feedback.State{Version: 5},
		},
		{
			name: "consult pending",
			snap: Snapshot{
				Version:  6,
				Call:     &ActiveCall{CallID: "CA1", Status: CallStatusConnected, CallType: CallTypeOutbound},
				Transfer: &WarmTransferSession{Status: TransferStatusPending},
			},
			want: feedback.State{Version: 6, Ringback: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FeedbackState(tt.snap); got != tt.want {
				t.Errorf("FeedbackState() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
