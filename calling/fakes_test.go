/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tejzpr/agentphone/callcontrol"
	"github.com/tejzpr/agentphone/pushbus"
)

const testAgent = "agent-1"

var errRemote = errors.New("remote failure")

// fakeAPI records requests and returns canned responses.
type fakeAPI struct {
	mu       sync.Mutex
	requests []string

	conference *callcontrol.Conference
	connectErr error

	dialQueue []*callcontrol.DialResponse
	dialErr   error
	dialHook  func(req *callcontrol.DialRequest)
	dials     []callcontrol.DialRequest

	deleteErr error
	updateErr error
	updates   []callcontrol.UpdateCallRequest

	holdErr  error
	holdHook func()
	muteErr  error
	targets  []callcontrol.ParticipantRequest

	addResp *callcontrol.ParticipantResponse
	addErr  error

	attendedErr error
	blindErr    error
	acceptResp  *callcontrol.TransferResponse
	acceptErr   error

	participants []callcontrol.Participant
	listErr      error
	listHook     func(conferenceID string)

	dtmf []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		conference: &callcontrol.Conference{
			ConferenceID:  "CF1",
			BridgeURL:     "https://bridge.example.com/CF1",
			ParticipantID: "PA-agent",
		},
	}
}

func (f *fakeAPI) record(name string) {
	f.mu.Lock()
	f.requests = append(f.requests, name)
	f.mu.Unlock()
}

func (f *fakeAPI) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r == name {
			n++
		}
	}
	return n
}

func (f *fakeAPI) lastUpdate() (callcontrol.UpdateCallRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updates) == 0 {
		return callcontrol.UpdateCallRequest{}, false
	}
	return f.updates[len(f.updates)-1], true
}

func (f *fakeAPI) ConnectConference(ctx context.Context, req *callcontrol.ConnectRequest) (*callcontrol.Conference, error) {
	f.record("connect")
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	conf := *f.conference
	return &conf, nil
}

func (f *fakeAPI) DisconnectConference(ctx context.Context, conferenceID string) error {
	f.record("disconnect")
	return nil
}

func (f *fakeAPI) AddParticipant(ctx context.Context, req *callcontrol.ParticipantRequest) (*callcontrol.ParticipantResponse, error) {
	f.record("add")
	if f.addErr != nil {
		return nil, f.addErr
	}
	if f.addResp != nil {
		resp := *f.addResp
		return &resp, nil
	}
	return &callcontrol.ParticipantResponse{ParticipantID: "P-" + req.CallID, CallID: req.CallID}, nil
}

func (f *fakeAPI) DeleteParticipant(ctx context.Context, req *callcontrol.ParticipantRequest) error {
	f.record("delete")
	return f.deleteErr
}

func (f *fakeAPI) target(name string, req *callcontrol.ParticipantRequest) {
	f.record(name)
	f.mu.Lock()
	f.targets = append(f.targets, *req)
	f.mu.Unlock()
}

func (f *fakeAPI) MuteParticipant(ctx context.Context, req *callcontrol.ParticipantRequest) error {
	f.target("mute", req)
	return f.muteErr
}

func (f *fakeAPI) UnmuteParticipant(ctx context.Context, req *callcontrol.ParticipantRequest) error {
	f.target("unmute", req)
	return f.muteErr
}

func (f *fakeAPI) HoldParticipant(ctx context.Context, req *callcontrol.ParticipantRequest) error {
	f.target("hold", req)
	if f.holdHook != nil {
		f.holdHook()
	}
	return f.holdErr
}

func (f *fakeAPI) ResumeParticipant(ctx context.Context, req *callcontrol.ParticipantRequest) error {
	f.target("resume", req)
	return f.holdErr
}

func (f *fakeAPI) ListParticipants(ctx context.Context, conferenceID string) ([]callcontrol.Participant, error) {
	f.record("list")
	if f.listHook != nil {
		f.listHook(conferenceID)
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]callcontrol.Participant(nil), f.participants...), nil
}

func (f *fakeAPI) Dial(ctx context.Context, req *callcontrol.DialRequest) (*callcontrol.DialResponse, error) {
	f.record("dial")
	f.mu.Lock()
	f.dials = append(f.dials, *req)
	var resp *callcontrol.DialResponse
	if len(f.dialQueue) > 0 {
		resp = f.dialQueue[0]
		f.dialQueue = f.dialQueue[1:]
	}
	f.mu.Unlock()

	if f.dialHook != nil {
		f.dialHook(req)
	}
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	if resp == nil {
		resp = &callcontrol.DialResponse{CallID: "CA1", ParticipantID: "P-CA1"}
	}
	out := *resp
	return &out, nil
}

func (f *fakeAPI) UpdateCall(ctx context.Context, req *callcontrol.UpdateCallRequest) error {
	f.record("update")
	f.mu.Lock()
	f.updates = append(f.updates, *req)
	f.mu.Unlock()
	return f.updateErr
}

func (f *fakeAPI) TransferAttended(ctx context.Context, req *callcontrol.AttendedTransferRequest) (*callcontrol.TransferResponse, error) {
	f.record("attended")
	if f.attendedErr != nil {
		return nil, f.attendedErr
	}
	return &callcontrol.TransferResponse{CallID: req.CallID}, nil
}

func (f *fakeAPI) TransferBlind(ctx context.Context, req *callcontrol.BlindTransferRequest) (*callcontrol.TransferResponse, error) {
	f.record("blind")
	if f.blindErr != nil {
		return nil, f.blindErr
	}
	return &callcontrol.TransferResponse{CallID: req.CallID}, nil
}

func (f *fakeAPI) TransferAccept(ctx context.Context, req *callcontrol.AcceptTransferRequest) (*callcontrol.TransferResponse, error) {
	f.record("accept")
	if f.acceptErr != nil {
		return nil, f.acceptErr
	}
	if f.acceptResp != nil {
		resp := *f.acceptResp
		return &resp, nil
	}
	return &callcontrol.TransferResponse{CallID: req.CallID, ParticipantID: "P-" + req.CallID}, nil
}

func (f *fakeAPI) SendDTMF(ctx context.Context, req *callcontrol.DTMFRequest) error {
	f.record("dtmf")
	f.mu.Lock()
	f.dtmf = append(f.dtmf, req.Digits)
	f.mu.Unlock()
	return nil
}

// fakeBus delivers published events synchronously to registered handlers.
type fakeBus struct {
	mu        sync.Mutex
	handlers  map[string][]pushbus.EventHandler
	subs      map[string]bool
	connected bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		handlers: make(map[string][]pushbus.EventHandler),
		subs:     make(map[string]bool),
	}
}

func (b *fakeBus) On(eventType string, handler pushbus.EventHandler) {
	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	b.mu.Unlock()
}

func (b *fakeBus) ClearHandlers(eventType string) {
	b.mu.Lock()
	delete(b.handlers, eventType)
	b.mu.Unlock()
}

func (b *fakeBus) Subscribe(channels ...string) error {
	b.mu.Lock()
	for _, ch := range channels {
		b.subs[ch] = true
	}
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Unsubscribe(channels ...string) error {
	b.mu.Lock()
	for _, ch := range channels {
		delete(b.subs, ch)
	}
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Connect(ctx context.Context) error {
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	b.dispatch(&pushbus.Event{EventType: pushbus.EventConnected})
	return nil
}

func (b *fakeBus) Disconnect() error {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) subscribed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[channel]
}

func (b *fakeBus) publish(t *testing.T, channel string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}
	b.dispatch(&pushbus.Event{Type: "event", Channel: channel, Data: data, EventType: channel})
}

func (b *fakeBus) dispatch(event *pushbus.Event) {
	b.mu.Lock()
	handlers := append([]pushbus.EventHandler(nil), b.handlers[event.EventType]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(event)
	}
}

// fakePlayer counts tone starts and stops.
type fakePlayer struct {
	mu     sync.Mutex
	starts int
	stops  int
	sink   string
}

func (p *fakePlayer) Start() error {
	p.mu.Lock()
	p.starts++
	p.mu.Unlock()
	return nil
}

func (p *fakePlayer) Stop() error {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
	return nil
}

func (p *fakePlayer) SetSinkID(id string) error {
	p.mu.Lock()
	p.sink = id
	p.mu.Unlock()
	return nil
}

func (p *fakePlayer) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts, p.stops
}

type fakeMic struct{ err error }

func (m *fakeMic) AcquireMicrophone(ctx context.Context) error { return m.err }

// harness wires a store, gateway and adapter over fakes.
type harness struct {
	api     *fakeAPI
	bus     *fakeBus
	store   *Store
	gateway *Gateway
	adapter *Adapter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{api: newFakeAPI(), bus: newFakeBus(), store: NewStore(nil)}
	h.gateway = NewGateway(h.api, h.store, nil, &GatewayConfig{
		AgentID:      testAgent,
		DTMFInterval: time.Millisecond,
	}, nil)
	h.adapter = NewAdapter(h.bus, h.api, h.store, &AdapterConfig{AgentID: testAgent}, nil)
	if err := h.adapter.Start(context.Background()); err != nil {
		t.Fatalf("adapter start: %v", err)
	}
	return h
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	if err := h.gateway.ConnectConference(context.Background()); err != nil {
		t.Fatalf("connect conference: %v", err)
	}
	h.adapter.Wait()
}

// establish dials callID and reports it answered.
func (h *harness) establish(t *testing.T, callID string) {
	t.Helper()
	h.api.mu.Lock()
	h.api.dialQueue = append(h.api.dialQueue, &callcontrol.DialResponse{CallID: callID, ParticipantID: "P-" + callID})
	h.api.mu.Unlock()
	if _, err := h.gateway.Dial(context.Background(), "5551234567"); err != nil {
		t.Fatalf("dial: %v", err)
	}
	h.bus.publish(t, pushbus.ChannelOutboundCallStatus, map[string]string{"callId": callID, "status": "answered"})
	if call := h.store.Snapshot().Call; call == nil || call.Status != CallStatusConnected {
		t.Fatalf("call %s not connected: %+v", callID, call)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
