/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tejzpr/agentphone/callcontrol"
	"github.com/tejzpr/agentphone/pushbus"
)

// Subscriber is the push channel the adapter listens on. *pushbus.Client
// implements it.
type Subscriber interface {
	On(eventType string, handler pushbus.EventHandler)
	ClearHandlers(eventType string)
	Subscribe(channels ...string) error
	Unsubscribe(channels ...string) error
}

// ProviderAPI is the part of the call-control API the adapter calls on its
// own: participant reads and canceling legs left without a bridge.
type ProviderAPI interface {
	ListParticipants(ctx context.Context, conferenceID string) ([]callcontrol.Participant, error)
	UpdateCall(ctx context.Context, req *callcontrol.UpdateCallRequest) error
}

// Offer sources
const (
	SourceIncoming   = "incoming-call"
	SourceRingGroup  = "ring-group"
	SourceDirectDial = "direct-dial"
	SourceTransfer   = "warm-transfer"
)

// Conference channel actions
const (
	ConferenceActionStart = "conference-start"
	ConferenceActionEnd   = "conference-end"
	ConferenceActionJoin  = "participant-joined"
	ConferenceActionLeave = "participant-left"
)

// AdapterConfig holds the adapter configuration
type AdapterConfig struct {
	AgentID string
	// ApprovedRegions limits which ring-group calls ring this agent. Empty
	// rings for every region.
	ApprovedRegions []string
	// PendingLimit and PendingTTL bound events held while a dial is in flight.
	PendingLimit int
	PendingTTL   time.Duration
}

// DefaultAdapterConfig returns the default adapter configuration
func DefaultAdapterConfig() *AdapterConfig {
	return &AdapterConfig{
		PendingLimit: 32,
		PendingTTL:   30 * time.Second,
	}
}

// pushPayload is the union of the fields carried by push events.
type pushPayload struct {
	CallID        string                 `json:"callId"`
	From          string                 `json:"from,omitempty"`
	FromAgentID   string                 `json:"fromAgentId,omitempty"`
	TargetAgentID string                 `json:"targetAgentId,omitempty"`
	AgentID       string                 `json:"agentId,omitempty"`
	Status        string                 `json:"status,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
	ConferenceID  string                 `json:"conferenceId,omitempty"`
	ParticipantID string                 `json:"participantId,omitempty"`
	Action        string                 `json:"action,omitempty"`
	LeadData      map[string]interface{} `json:"leadData,omitempty"`
}

type pendingEvent struct {
	channel string
	payload pushPayload
	at      time.Time
}

// Adapter applies push events to the store. Events are correlated with the
// current call, transfer or offer; anything else is dropped.
type Adapter struct {
	bus    Subscriber
	api    ProviderAPI
	store  *Store
	config *AdapterConfig
	logger *zerolog.Logger
	now    func() time.Time

	ctx context.Context
	wg  sync.WaitGroup

	mu                sync.Mutex
	pending           []pendingEvent
	conferenceChannel string
}

// NewAdapter creates an adapter. api may be nil to skip participant reads
// and leg cleanup.
func NewAdapter(bus Subscriber, api ProviderAPI, store *Store, config *AdapterConfig, logger *zerolog.Logger) *Adapter {
	if config == nil {
		config = DefaultAdapterConfig()
	}
	defaults := DefaultAdapterConfig()
	if config.PendingLimit <= 0 {
		config.PendingLimit = defaults.PendingLimit
	}
	if config.PendingTTL <= 0 {
		config.PendingTTL = defaults.PendingTTL
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Adapter{
		bus:    bus,
		api:    api,
		store:  store,
		config: config,
		logger: logger,
		now:    time.Now,
		ctx:    context.Background(),
	}
}

// Start registers handlers and subscribes the agent's channels. ctx bounds
// the participant reads the adapter issues.
func (a *Adapter) Start(ctx context.Context) error {
	a.ctx = ctx
	agent := a.config.AgentID

	a.bus.On(pushbus.ChannelIncomingCall, a.offerHandler(SourceIncoming, false))
	a.bus.On(pushbus.ChannelRingGroup, a.offerHandler(SourceRingGroup, true))
	a.bus.On(pushbus.UserNotificationChannel(agent), a.offerHandler(SourceDirectDial, false))
	a.bus.On(pushbus.TransferOfferChannel(agent), a.handleTransferOffer)
	a.bus.On(pushbus.ChannelCallEnded, a.handleCallEvent)
	a.bus.On(pushbus.ChannelOutboundCallStatus, a.handleCallEvent)
	a.bus.On(pushbus.TransferAcceptedChannel(agent), a.transferOutcomeHandler(TransferStatusAccepted))
	a.bus.On(pushbus.TransferDeclinedChannel(agent), a.transferOutcomeHandler(TransferStatusDeclined))
	a.bus.On(pushbus.EventConnected, func(*pushbus.Event) {
		// events may have been missed while the channel was down
		if conf := a.store.Snapshot().Conference; conf.Status == ConferenceStatusConnected {
			a.refreshParticipants(conf.ConferenceID)
		}
	})
	a.bus.On(pushbus.EventDisconnected, func(*pushbus.Event) {
		a.logger.Warn().Msg("push channel lost, waiting for reconnect")
	})

	a.store.On(EventCallBound, func(Snapshot) { a.replayPending() })
	a.store.On(EventConferenceChanged, a.followConference)

	return a.bus.Subscribe(pushbus.AgentChannels(agent)...)
}

// Wait blocks until in-flight participant reads and leg cancels finish.
func (a *Adapter) Wait() {
	a.wg.Wait()
}

func (a *Adapter) decode(event *pushbus.Event) (pushPayload, bool) {
	var p pushPayload
	if err := event.Decode(&p); err != nil {
		a.logger.Warn().Err(err).Str("channel", event.Channel).Msg("malformed push event")
		return p, false
	}
	return p, true
}

// ---- Offers ----

func (a *Adapter) offerHandler(source string, regionFiltered bool) pushbus.EventHandler {
	return func(event *pushbus.Event) {
		p, ok := a.decode(event)
		if !ok || p.CallID == "" {
			return
		}
		if regionFiltered && !a.regionApproved(p.LeadData) {
			a.logger.Debug().Str("call", p.CallID).Msg("ring group call outside approved regions")
			return
		}
		a.offer(Offer{
			Kind:     OfferKindCall,
			CallID:   p.CallID,
			From:     p.From,
			LeadData: p.LeadData,
			Source:   source,
		})
	}
}

func (a *Adapter) handleTransferOffer(event *pushbus.Event) {
	p, ok := a.decode(event)
	if !ok || p.CallID == "" {
		return
	}
	if p.TargetAgentID != "" && p.TargetAgentID != a.config.AgentID {
		a.logger.Debug().Str("call", p.CallID).Str("target", p.TargetAgentID).Msg("transfer offer for another agent")
		return
	}
	a.offer(Offer{
		Kind:        OfferKindTransfer,
		CallID:      p.CallID,
		From:        p.From,
		FromAgentID: p.FromAgentID,
		LeadData:    p.LeadData,
		Source:      SourceTransfer,
	})
}

func (a *Adapter) offer(o Offer) {
	if err := a.store.OfferInboundCall(o); err != nil {
		a.logger.Debug().Err(err).Str("call", o.CallID).Msg("offer not rung")
		return
	}
	a.logger.Info().Str("call", o.CallID).Str("source", o.Source).Msg("offer ringing")
}

func (a *Adapter) regionApproved(lead map[string]interface{}) bool {
	if len(a.config.ApprovedRegions) == 0 {
		return true
	}
	region, _ := lead["region"].(string)
	if region == "" {
		return false
	}
	for _, approved := range a.config.ApprovedRegions {
		if strings.EqualFold(approved, region) {
			return true
		}
	}
	return false
}

// ---- Call lifecycle ----

func (a *Adapter) handleCallEvent(event *pushbus.Event) {
	p, ok := a.decode(event)
	if !ok || p.CallID == "" {
		return
	}
	channel := event.Channel
	if channel == "" {
		channel = event.EventType
	}
	a.correlate(channel, p)
}

func (a *Adapter) correlate(channel string, p pushPayload) {
	switch a.store.Route(p.CallID) {
	case RouteCall:
		a.applyCallEvent(channel, p)
	case RouteTransfer:
		a.applyTransferEvent(channel, p)
	case RouteAwaiting:
		a.buffer(channel, p)
	default:
		a.logger.Debug().Str("call", p.CallID).Str("channel", channel).Msg("dropping event for a call that is not current")
	}
}

// eventStatus maps a lifecycle event onto a call status.
func eventStatus(channel string, p pushPayload) (CallStatus, bool) {
	if channel == pushbus.ChannelCallEnded {
		if s, ok := ParseProviderCallStatus(p.Status); ok && s.IsTerminal() {
			return s, true
		}
		if s, ok := ParseProviderCallStatus(p.Reason); ok && s.IsTerminal() {
			return s, true
		}
		return CallStatusCompleted, true
	}
	return ParseProviderCallStatus(p.Status)
}

func (a *Adapter) applyCallEvent(channel string, p pushPayload) {
	status, ok := eventStatus(channel, p)
	if !ok {
		a.logger.Debug().Str("call", p.CallID).Str("status", p.Status).Msg("unknown call status")
		return
	}

	var err error
	switch {
	case status.IsTerminal():
		if err = a.store.MarkTerminal(p.CallID, status); err == nil {
			err = a.store.ClearCall(p.CallID)
		}
	case status == CallStatusConnected:
		err = a.store.MarkConnected(p.CallID, p.ParticipantID)
	case status == CallStatusRinging:
		err = a.store.MarkRinging(p.CallID)
	default:
		return
	}
	if err != nil {
		a.logger.Debug().Err(err).Str("call", p.CallID).Str("status", string(status)).Msg("call event not applied")
	}
}

// applyTransferEvent advances the transfer from its consult leg's progress.
func (a *Adapter) applyTransferEvent(channel string, p pushPayload) {
	status, ok := eventStatus(channel, p)
	if !ok {
		return
	}

	var next TransferStatus
	switch status {
	case CallStatusConnected:
		// an agent target must still accept; an external number is accepted
		// when it answers
		next = TransferStatusAccepted
		if t := a.store.Snapshot().Transfer; t != nil && t.TargetAgentID != "" {
			next = TransferStatusConnected
		}
	case CallStatusCompleted:
		next = TransferStatusDisconnected
	case CallStatusBusy, CallStatusFailed, CallStatusCanceled:
		next = TransferStatusFailed
	default:
		return
	}
	if err := a.store.AdvanceTransferForCall(p.CallID, next); err != nil {
		a.logger.Debug().Err(err).Str("call", p.CallID).Str("status", string(next)).Msg("transfer event not applied")
	}
}

func (a *Adapter) transferOutcomeHandler(next TransferStatus) pushbus.EventHandler {
	return func(event *pushbus.Event) {
		p, ok := a.decode(event)
		if !ok {
			return
		}
		target := p.TargetAgentID
		if target == "" {
			target = p.AgentID
		}

		var err error
		switch {
		case p.CallID != "" && a.store.MatchesTransferTarget(p.CallID):
			err = a.store.AdvanceTransferForCall(p.CallID, next)
		case target != "":
			err = a.store.AdvanceTransferForAgent(target, next)
		default:
			err = a.store.AdvanceTransfer(next)
		}
		if err != nil {
			a.logger.Debug().Err(err).Str("agent", target).Str("status", string(next)).Msg("transfer event not applied")
			return
		}
		a.logger.Info().Str("agent", target).Str("status", string(next)).Msg("transfer advanced")
	}
}

// ---- Early events ----

func (a *Adapter) buffer(channel string, p pushPayload) {
	a.mu.Lock()
	a.pending = append(a.pending, pendingEvent{channel: channel, payload: p, at: a.now()})
	if over := len(a.pending) - a.config.PendingLimit; over > 0 {
		a.pending = append([]pendingEvent(nil), a.pending[over:]...)
	}
	a.mu.Unlock()
	a.logger.Debug().Str("call", p.CallID).Msg("holding event until dial completes")

	// the id may have been bound while this event was being routed
	a.replayPending()
}

// replayPending re-routes held events once a provider id is bound. Events
// still waiting go back on the queue; if the bind raced with that, the
// queue is replayed again so nothing is left behind.
func (a *Adapter) replayPending() {
	for {
		a.mu.Lock()
		held := a.pending
		a.pending = nil
		a.mu.Unlock()
		if len(held) == 0 {
			return
		}

		cutoff := a.now().Add(-a.config.PendingTTL)
		var keep []pendingEvent
		for _, ev := range held {
			if ev.at.Before(cutoff) {
				continue
			}
			switch a.store.Route(ev.payload.CallID) {
			case RouteCall:
				a.applyCallEvent(ev.channel, ev.payload)
			case RouteTransfer:
				a.applyTransferEvent(ev.channel, ev.payload)
			case RouteAwaiting:
				keep = append(keep, ev)
			}
		}
		if len(keep) == 0 {
			return
		}
		a.mu.Lock()
		a.pending = append(keep, a.pending...)
		a.mu.Unlock()

		// a bind that landed before the requeue found nothing to replay
		if a.store.AwaitingBinding() {
			return
		}
	}
}

// Pending returns the number of held events.
func (a *Adapter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// ---- Conference ----

// followConference keeps the conference channel subscription in step with
// the connected conference.
func (a *Adapter) followConference(snap Snapshot) {
	want := ""
	if snap.Conference.Status == ConferenceStatusConnected {
		want = snap.Conference.ConferenceID
	}
	a.mu.Lock()
	prev := a.conferenceChannel
	a.conferenceChannel = want
	a.mu.Unlock()
	if prev == want {
		return
	}

	if prev != "" {
		channel := pushbus.ConferenceChannel(prev)
		a.bus.ClearHandlers(channel)
		if err := a.bus.Unsubscribe(channel); err != nil {
			a.logger.Warn().Err(err).Str("channel", channel).Msg("failed to unsubscribe")
		}
	}
	if want != "" {
		channel := pushbus.ConferenceChannel(want)
		a.bus.On(channel, a.conferenceHandler(want))
		if err := a.bus.Subscribe(channel); err != nil {
			a.logger.Warn().Err(err).Str("channel", channel).Msg("failed to subscribe")
		}
		a.refreshParticipants(want)
	}
}

func (a *Adapter) conferenceHandler(conferenceID string) pushbus.EventHandler {
	return func(event *pushbus.Event) {
		p, ok := a.decode(event)
		if !ok {
			return
		}
		if p.ConferenceID != "" && p.ConferenceID != conferenceID {
			return
		}
		switch p.Action {
		case ConferenceActionEnd:
			before := a.store.Snapshot().Call
			if err := a.store.ConferenceClosed(conferenceID); err != nil {
				a.logger.Debug().Err(err).Str("conference", conferenceID).Msg("conference end not applied")
				return
			}
			a.logger.Warn().Str("conference", conferenceID).Msg("conference ended by provider")
			a.cancelOrphanLeg(before)
		default:
			a.refreshParticipants(conferenceID)
		}
	}
}

// refreshParticipants reads the participant list in the background and
// applies it only if conferenceID is still current.
func (a *Adapter) refreshParticipants(conferenceID string) {
	if conferenceID == "" || a.api == nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		list, err := a.api.ListParticipants(a.ctx, conferenceID)
		if err != nil {
			a.logger.Warn().Err(err).Str("conference", conferenceID).Msg("failed to read participants")
			return
		}
		participants := make([]Participant, 0, len(list))
		for _, p := range list {
			participants = append(participants, Participant(p))
		}
		if err := a.store.ApplyParticipants(conferenceID, participants); err != nil {
			a.logger.Debug().Str("conference", conferenceID).Msg("discarding participants of a stale conference")
		}
	}()
}

// cancelOrphanLeg cancels an outbound leg the provider was still dialing
// into a bridge that no longer exists. Answered legs end with the bridge.
func (a *Adapter) cancelOrphanLeg(call *ActiveCall) {
	if call == nil || call.Placeholder || call.CallType != CallTypeOutbound ||
		!call.Status.IsLive() || call.Status.IsEstablished() || a.api == nil {
		return
	}
	if a.store.Route(call.CallID) != RouteNone {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		err := a.api.UpdateCall(a.ctx, &callcontrol.UpdateCallRequest{
			CallID: call.CallID,
			Status: callcontrol.UpdateCanceled,
		})
		if err != nil {
			a.logger.Warn().Err(err).Str("call", call.CallID).Msg("failed to cancel leg of ended conference")
			return
		}
		a.logger.Info().Str("call", call.CallID).Msg("canceled leg of ended conference")
	}()
}
