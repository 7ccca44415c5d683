/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PlaceholderPrefix marks local call ids that stand in for a dial in flight.
const PlaceholderPrefix = "local-"

// Store is the single source of truth for call, conference, transfer and
// offer state. Transitions are serialized; a rejected transition returns a
// *DomainError (or ErrStale for identity mismatches) and changes nothing.
type Store struct {
	identity *CallIdentityCell
	events   *EventEmitter
	logger   *zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	version  uint64
	call     *ActiveCall
	conf     ConferenceSession
	transfer *WarmTransferSession
	offer    *Offer
}

// NewStore creates an empty store
func NewStore(logger *zerolog.Logger) *Store {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Store{
		identity: &CallIdentityCell{},
		events:   NewEventEmitter(),
		logger:   logger,
		now:      time.Now,
		conf:     ConferenceSession{Status: ConferenceStatusNone},
	}
}

// Identity returns the read side of the call identity cell.
func (s *Store) Identity() *CallIdentityCell { return s.identity }

// On subscribes to store change topics.
func (s *Store) On(topic string, handler ChangeHandler) { s.events.On(topic, handler) }

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// ConferenceID returns the current conference id.
func (s *Store) ConferenceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conf.ConferenceID
}

// MatchesTransferTarget reports whether id is the consult leg of the
// current transfer.
func (s *Store) MatchesTransferTarget(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return id != "" && s.transfer != nil && s.transfer.TargetCallID == id
}

// Route is how a push event for a provider call id relates to the state.
type Route int

const (
	// RouteNone means the id belongs to no current leg.
	RouteNone Route = iota
	// RouteCall means the id is the active call.
	RouteCall
	// RouteTransfer means the id is the consult leg of the transfer.
	RouteTransfer
	// RouteAwaiting means the id is unknown but a dial or consult dial has
	// not returned its provider id yet.
	RouteAwaiting
)

// Route classifies callID against the call, transfer and pending dials in
// one step.
func (s *Store) Route(callID string) Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case callID == "":
		return RouteNone
	case s.call != nil && s.call.CallID == callID:
		return RouteCall
	case s.transfer != nil && s.transfer.TargetCallID == callID:
		return RouteTransfer
	case s.awaitingBindingLocked():
		return RouteAwaiting
	}
	return RouteNone
}

// AwaitingBinding reports whether a dial or consult dial is in flight.
func (s *Store) AwaitingBinding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaitingBindingLocked()
}

func (s *Store) awaitingBindingLocked() bool {
	return (s.call != nil && s.call.Placeholder) || (s.transfer != nil && s.transfer.TargetCallID == "")
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Version:    s.version,
		Call:       s.call.clone(),
		Conference: s.conf.clone(),
		Transfer:   s.transfer.clone(),
		Offer:      s.offer.clone(),
	}
}

// commit bumps the version and returns the snapshot to emit. Caller holds mu.
func (s *Store) commit() Snapshot {
	s.version++
	return s.snapshotLocked()
}

func (s *Store) emit(snap Snapshot, topics ...string) {
	for _, topic := range topics {
		s.events.Emit(topic, snap)
	}
	s.events.Emit(EventChanged, snap)
}

// setCallLocked replaces the call and keeps the identity cell in step.
func (s *Store) setCallLocked(call *ActiveCall) {
	s.call = call
	if call == nil {
		s.identity.set("", false)
		return
	}
	s.identity.set(call.CallID, call.Placeholder)
}

// ringingOfferLocked reports whether the call is an offer not yet accepted.
func (s *Store) ringingOfferLocked() bool {
	return s.call != nil && s.offer != nil && s.offer.CallID == s.call.CallID && s.call.Status == CallStatusRinging
}

func (s *Store) callMatchesLocked(callID string) bool {
	return s.call != nil && callID != "" && s.call.CallID == callID
}

// ---- ActiveCall transitions ----

// StartOutboundCall creates a connecting outbound call under a placeholder
// id and returns that id. The conference must be connected and no live call
// may exist.
func (s *Store) StartOutboundCall(number string) (string, error) {
	const op = "startOutboundCall"
	s.mu.Lock()
	if s.conf.Status != ConferenceStatusConnected {
		s.mu.Unlock()
		return "", domainErr(op, ErrNoConference, "")
	}
	if s.call != nil && s.call.Status.IsLive() {
		status := s.call.Status
		s.mu.Unlock()
		return "", domainErr(op, ErrCallInProgress, "current call is %s", status)
	}

	id := PlaceholderPrefix + uuid.NewString()
	s.transfer = nil
	s.setCallLocked(&ActiveCall{
		Status:          CallStatusConnecting,
		CallType:        CallTypeOutbound,
		CallID:          id,
		ConnectedNumber: number,
		Placeholder:     true,
	})
	snap := s.commit()
	s.mu.Unlock()

	s.emit(snap, EventCallChanged)
	return id, nil
}

// BindCallID replaces the placeholder with the provider call id. status
// may advance the call to ringing. Returns ErrStale when the placeholder is
// no longer current.
func (s *Store) BindCallID(placeholder, callID, participantID string, status CallStatus) error {
	s.mu.Lock()
	if !s.callMatchesLocked(placeholder) || !s.call.Placeholder {
		s.mu.Unlock()
		return ErrStale
	}
	call := s.call.clone()
	call.CallID = callID
	call.Placeholder = false
	if participantID != "" {
		call.ParticipantID = participantID
	}
	if status != call.Status && call.Status.CanTransitionTo(status) && !status.IsTerminal() {
		call.Status = status
		if status == CallStatusConnected {
			call.StartTime = s.now()
		}
	}
	s.setCallLocked(call)
	snap := s.commit()
	s.mu.Unlock()

	s.emit(snap, EventCallChanged, EventCallBound)
	return nil
}

// OfferInboundCall records a ringing offer and the ringing call it stands
// for. A repeat of the ringing offer is a no-op.
func (s *Store) OfferInboundCall(offer Offer) error {
	const op = "offerInboundCall"
	if offer.CallID == "" {
		return domainErr(op, ErrInvalidTransition, "offer without call id")
	}
	s.mu.Lock()
	if s.offer != nil && s.offer.CallID == offer.CallID {
		s.mu.Unlock()
		return nil
	}
	if s.offer != nil {
		s.mu.Unlock()
		return domainErr(op, ErrOfferPending, "ringing %s", s.offer.CallID)
	}
	if s.call != nil && s.call.Status.IsLive() {
		s.mu.Unlock()
		return domainErr(op, ErrCallInProgress, "")
	}

	if offer.ReceivedAt.IsZero() {
		offer.ReceivedAt = s.now()
	}
	callType := CallTypeInbound
	if offer.Kind == OfferKindTransfer {
		callType = CallTypeConference
	}
	s.offer = offer.clone()
	s.transfer = nil
	s.setCallLocked(&ActiveCall{
		Status:          CallStatusRinging,
		CallType:        callType,
		CallID:          offer.CallID,
		ConnectedNumber: offer.From,
	})
	snap := s.commit()
	s.mu.Unlock()

	s.emit(snap, EventOfferChanged, EventCallChanged)
	return nil
}

// AcceptInboundCall moves the ringing offered call to connecting.
func (s *Store) AcceptInboundCall(callID string) error {
	const op = "acceptInboundCall"
	s.mu.Lock()
	if s.conf.Status != ConferenceStatusConnected {
		s.mu.Unlock()
		return domainErr(op, ErrNoConference, "")
	}
	if s.offer == nil || s.offer.CallID != callID {
		s.mu.Unlock()
		return domainErr(op, ErrNoOffer, "")
	}
	if !s.callMatchesLocked(callID) || s.call.Status != CallStatusRinging {
		s.mu.Unlock()
		return domainErr(op, ErrInvalidTransition, "call is not ringing")
	}
	call := s.call.clone()
	call.Status = CallStatusConnecting
	s.setCallLocked(call)
	snap := s.commit()
	s.mu.Unlock()

	s.emit(snap, EventCallChanged)
	return nil
}

// RevertAccept puts a call whose join failed back to ringing.
func (s *Store) RevertAccept(callID string) error {
	s.mu.Lock()
	if !s.callMatchesLocked(callID) || s.call.Status != CallStatusConnecting || s.offer == nil {
		s.mu.Unlock()
		return ErrStale
	}
	call := s.call.clone()
	call.Status = CallStatusRinging
	s.setCallLocked(call)
	snap := s.commit()
	s.mu.Unlock()

	s.emit(snap, EventCallChanged)
	return nil
}

// MarkRinging records that the provider is ringing the far end.
func (s *Store) MarkRinging(callID string) error {
	return s.advanceCall("markRinging", callID, CallStatusRinging)
}

// MarkConnected records that the call was answered. The conference must be
// connected.
func (s *Store) MarkConnected(callID, participantID string) error {
	return s.connectCall("markConnected", callID, callID, participantID)
}

// ConnectAccepted completes an accepted offer. The provider may hand back a
// different call id for the leg now in the bridge.
func (s *Store) ConnectAccepted(callID, providerCallID, participantID string) error {
	return s.connectCall("connectAccepted", callID, providerCallID, participantID)
}

func (s *Store) connectCall(op, callID, newCallID, participantID string) error {
	s.mu.Lock()
	if !s.callMatchesLocked(callID) {
		s.mu.Unlock()
		return ErrStale
	}
	if s.conf.Status != ConferenceStatusConnected {
		s.mu.Unlock()
		return domainErr(op, ErrNoConference, "")
	}
	if s.call.Status == CallStatusConnected {
		s.mu.Unlock()
		return nil
	}
	if !s.call.Status.CanTransitionTo(CallStatusConnected) {
		status := s.call.Status
		s.mu.Unlock()
		return domainErr(op, ErrInvalidTransition, "%s -> connected", status)
	}
	call := s.call.clone()
	call.Status = CallStatusConnected
	if newCallID != "" {
		call.CallID = newCallID
	}
	if participantID != "" {
		call.ParticipantID = participantID
	}
	if call.StartTime.IsZero() {
		call.StartTime = s.now()
	}
	topics := []string{EventCallChanged}
	if s.offer != nil && s.offer.CallID == callID {
		s.offer = nil
		topics = append(topics, EventOfferChanged)
	}
	s.setCallLocked(call)
	snap := s.commit()
	s.mu.Unlock()

	s.emit(snap, topics...)
	return nil
}

func (s *Store) advanceCall(op, callID string, next CallStatus) error {
	s.mu.Lock()
	if !s.callMatchesLocked(callID) {
		s.mu.Unlock()
		return ErrStale
	}
	if s.call.Status == next {
		s.mu.Unlock()
		return nil
	}
	if !s.call.Status.CanTransitionTo(next) {
		status := s.call.Status
		s.mu.Unlock()
		return domainErr(op, ErrInvalidTransition, "%s -> %s", status, next)
	}
	call := s.call.clone()
	call.Status = next
	s.setCallLocked(call)
	snap := s.commit()
	s.mu.Unlock()

	s.emit(snap, EventCallChanged)
	return nil
}

// MarkTerminal ends the call with a terminal status. No call, or a call
// already terminal, is a no-op. An empty callID targets whatever call is
// current. Ending the call aborts any transfer.
func (s *Store) MarkTerminal(callID string, status CallStatus) error {
	const op = "markTerminal"
	if !status.IsTerminal() {
		return domainErr(op, ErrInvalidTransition, "%s is not terminal", status)
	}
	s.mu.Lock()
	if s.call == nil {
		s.mu.Unlock()
		return nil
	}
	if callID != "" && s.call.CallID != callID {
		s.mu.Unlock()
		return ErrStale
	}
	if s.call.Status.IsTerminal() {
		s.mu.Unlock()
		return nil
	}
	call := s.call.clone()
	call.Status = status
	call.IsOnHold = false
	topics := []string{EventCallChanged}
	if s.transfer != nil {
		s.transfer = nil
		topics = append(topics, EventTransferChanged)
	}
	if s.offer != nil && s.offer.CallID == call.CallID {
		s.offer = nil
		topics = append(topics, EventOfferChanged)
	}
	s.setCallLocked(call)
	snap := s.commit()
	s.mu.Unlock()

	s.emit(snap, topics...)
	return nil
}

// ClearCall drops the call to none. An empty callID clears whatever call is
// current; a non-matching id returns ErrStale. Clearing no call is a no-op.
func (s *Store) ClearCall(callID string) error {
	s.mu.Lock()
	if s.call == nil {
		s.mu.Unlock()
		return nil
	}
	if callID != "" && s.call.CallID != callID {
		s.mu.Unlock()
		return ErrStale
	}
	topics := []string{EventCallChanged}
	if s.transfer != nil {
		s.transfer = nil
		topics = append(topics, EventTransferChanged)
	}
	if s.offer != nil && s.offer.CallID == s.call.CallID {
		s.offer = nil
		topics = append(topics, EventOfferChanged)
	}
	s.setCallLocked(nil)
	snap := s.commit()
	s.mu.Unlock()

	s.emit(snap, topics...)
	return nil
}

// SetHold flips the call between connected and onHold.
func (s *Store) SetHold(callID string, hold bool) error {
	const op = "setHold"
	s.mu.Lock()
	if !s.callMatchesLocked(callID) {
		s.mu.Unlock()
		return ErrStale
	}
	if s.call.IsOnHold == hold {
		s.mu.Unlock()
		return nil
	}
	next := CallStatusConnected
	if hold {
		next = CallStatusOnHold
	}
	if !s.call.Status.CanTransitionTo(next) {
		status := s.call.Status
		s.mu.Unlock()
		return domainErr(op, ErrCallNotEstablished, "call is %s", status)
	}
	call := s.call.clone()
	call.Status = next
	call.IsOnHold = hold
	s.setCallLocked(call)
	snap := s.commit()
	s.mu.Unlock()

	s.emit(snap, EventCallChanged)
	return nil
}

// SetMute flips the call's mute flag.
func (s *Store) SetMute(callID string, muted bool) error {
	const op = "setMute"
	s.mu.Lock()
	if !s.callMatchesLocked(callID) {
		s.mu.Unlock()
		return ErrStale
	}
	if !s.call.Status.IsLive() {
		s.mu.Unlock()
		return domainErr(op, ErrNoActiveCall, "call is %s", s.call.Status)
	}
	if s.call.IsMuted == muted {
		s.mu.Unlock()
		return nil
	}
	call := s.call.clone()
	call.IsMuted = muted
	s.setCallLocked(call)
	snap := s.commit()
	s.mu.Unlock()

	s.emit(snap, EventCallChanged)
	return nil
}

// SetAgentMuted flips the agent participant's mute flag on the conference.
func (s *Store) SetAgentMuted(conferenceID string, muted bool) error {
	return s.setAgentFlag(conferenceID, func(c *ConferenceSession) *bool { return &c.AgentMuted }, muted)
}

// SetAgentHold flips the agent participant's hold flag on the conference.
func (s *Store) SetAgentHold(conferenceID string, hold bool) error {
	return s.setAgentFlag(conferenceID, func(c *ConferenceSession) *bool { return &c.AgentOnHold }, hold)
}

func (s *Store) setAgentFlag(conferenceID string, field func(*ConferenceSession) *bool, value bool) error {
	s.mu.Lock()
	if s.conf.Status != ConferenceStatusConnected || s.conf.ConferenceID != conferenceID {
		s.mu.Unlock()
		return ErrStale
	}
	flag := field(&s.conf)
	if *flag == value {
		s.mu.Unlock()
		return nil
	}
	*flag = value
	snap := s.commit()
	s.mu.Unlock()

	s.emit(snap, EventConferenceChanged)
	return nil
}

// ---- ConferenceSession transitions ----

// OpenConference moves the conference to connecting.
func (s *Store) OpenConference() error {
	const op = "openConference"
	s.mu.Lock()
	if !s.conf.Status.CanTransitionTo(ConferenceStatusConnecting) {
		status := s.conf.Status
		s.mu.Unlock()
		return domainErr(op, ErrInvalidTransition, "conference is %s", status)
	}
	s.conf = ConferenceSession{Status: ConferenceStatusConnecting}
	snap := s.commit()
	s.mu.Unlock()

	s.emit(snap, EventConferenceChanged)
	return nil
}

// ConferenceConnected records the bridge identifiers returned by the provider.
func (s *Store) ConferenceConnected(conferenceID, bridgeURL, agentParticipantID string) error {
	const op = "conferenceConnected"
	s.mu.Lock()
	if s.conf.Status != ConferenceStatusConnecting {
		status := s.conf.Status
		s.mu.Unlock()
		return domainErr(op, ErrInvalidTransition, "conference is %s", status)
	}
	s.conf = ConferenceSession{
		Status:             ConferenceStatusConnected,
		ConferenceID:       conferenceID,
		BridgeURL:          bridgeURL,
		AgentParticipantID: agentParticipantID,
	}
	snap := s.commit()
	s.mu.Unlock()

	s.emit(snap, EventConferenceChanged)
	return nil
}

// CloseConference moves a connected conference to disconnecting.
func (s *Store) CloseConference() error {
	const op = "closeConference"
	s.mu.Lock()
	if !s.conf.Status.CanTransitionTo(ConferenceStatusDisconnecting) {
		status := s.conf.Status
		s.mu.Unlock()
		return domainErr(op, ErrNoConference, "conference is %s", status)
	}
	s.conf.Status = ConferenceStatusDisconnecting
	snap := s.commit()
	s.mu.Unlock()

	s.emit(snap, EventConferenceChanged)
	return nil
}

// ConferenceClosed marks the bridge gone. A non-empty conferenceID must
// match the current one. Without a bridge no call can continue, so every
// live call and the transfer are dropped too. Only an offer still ringing
// survives; it is not routed to a bridge until accepted.
func (s *Store) ConferenceClosed(conferenceID string) error {
	s.mu.Lock()
	if conferenceID != "" && s.conf.ConferenceID != conferenceID {
		s.mu.Unlock()
		return ErrStale
	}
	if s.conf.Status == ConferenceStatusDisconnected || s.conf.Status == ConferenceStatusNone {
		s.mu.Unlock()
		return nil
	}
	topics := []string{EventConferenceChanged}
	s.conf = ConferenceSession{Status: ConferenceStatusDisconnected, ConferenceID: s.conf.ConferenceID}
	if s.transfer != nil {
		s.transfer = nil
		topics = append(topics, EventTransferChanged)
	}
	if s.call != nil && s.call.Status.IsLive() && !s.ringingOfferLocked() {
		s.setCallLocked(nil)
		topics = append(topics, EventCallChanged)
	}
	snap := s.commit()
	s.mu.Unlock()

	s.emit(snap, topics...)
	return nil
}

// ApplyParticipants replaces the participant list of conferenceID. The
// agent's own mute and hold flags and the call's participant id follow it.
func (s *Store) ApplyParticipants(conferenceID string, participants []Participant) error {
	s.mu.Lock()
	if s.conf.Status != ConferenceStatusConnected || s.conf.ConferenceID != conferenceID {
		s.mu.Unlock()
		return ErrStale
	}
	topics := []string{EventParticipantsChanged}
	s.conf.Participants = append([]Participant(nil), participants...)
	for _, p := range participants {
		if p.Agent || (p.ParticipantID != "" && p.ParticipantID == s.conf.AgentParticipantID) {
			if s.conf.AgentParticipantID == "" {
				s.conf.AgentParticipantID = p.ParticipantID
			}
			s.conf.AgentMuted = p.Muted
			s.conf.AgentOnHold = p.Hold
		}
		if s.call != nil && p.CallID != "" && p.CallID == s.call.CallID && s.call.ParticipantID != p.ParticipantID {
			call := s.call.clone()
			call.ParticipantID = p.ParticipantID
			s.setCallLocked(call)
			topics = append(topics, EventCallChanged)
		}
	}
	snap := s.commit()
	s.mu.Unlock()

	s.emit(snap, topics...)
	return nil
}

// ---- WarmTransferSession transitions ----

// StartTransfer opens a pending transfer of the current call and returns
// the original call id.
func (s *Store) StartTransfer(number string) (string, error) {
	const op = "startTransfer"
	s.mu.Lock()
	if s.conf.Status != ConferenceStatusConnected {
		s.mu.Unlock()
		return "", domainErr(op, ErrNoConference, "")
	}
	if s.call == nil || !s.call.Status.IsLive() {
		s.mu.Unlock()
		return "", domainErr(op, ErrNoActiveCall, "")
	}
	if !s.call.Status.IsEstablished() {
		status := s.call.Status
		s.mu.Unlock()
		return "", domainErr(op, ErrCallNotEstablished, "call is %s", status)
	}
	if s.transfer != nil {
		s.mu.Unlock()
		return "", domainErr(op, ErrTransferInProgress, "")
	}
	s.transfer = &WarmTransferSession{
		Status:                TransferStatusPending,
		OriginalCallID:        s.call.CallID,
		OriginalParticipantID: s.call.ParticipantID,
		TargetNumber:          number,
	}
	original := s.call.CallID
	snap := s.commit()
	s.mu.Unlock()

	s.emit(snap, EventTransferChanged)
	return original, nil
}

// BindTransferTarget records the consult leg returned by the dial.
func (s *Store) BindTransferTarget(originalCallID, targetCallID, targetAgentID, displayName string) error {
	s.mu.Lock()
	if s.transfer == nil || s.transfer.OriginalCallID != originalCallID || s.transfer.TargetCallID != "" {
		s.mu.Unlock()
		return ErrStale
	}
	t := s.transfer.clone()
	t.TargetCallID = targetCallID
	if t.TargetAgentID == "" {
		t.TargetAgentID = targetAgentID
	}
	if displayName != "" {
		t.TargetDisplayName = displayName
	}
	s.transfer = t
	snap := s.commit()
	s.mu.Unlock()

	s.emit(snap, EventTransferChanged, EventCallBound)
	return nil
}

// AwaitingTransferTarget reports whether a consult dial is in flight.
func (s *Store) AwaitingTransferTarget() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transfer != nil && s.transfer.TargetCallID == ""
}

// AdvanceTransferForCall moves the transfer whose consult leg is
// targetCallID. Outcomes (failed, declined, disconnected) resolve to none.
func (s *Store) AdvanceTransferForCall(targetCallID string, next TransferStatus) error {
	return s.advanceTransfer(func(t *WarmTransferSession) bool {
		return targetCallID != "" && t.TargetCallID == targetCallID
	}, "", next)
}

// AdvanceTransferForAgent moves the transfer addressed to targetAgentID. A
// transfer whose target agent is still unknown adopts targetAgentID.
func (s *Store) AdvanceTransferForAgent(targetAgentID string, next TransferStatus) error {
	return s.advanceTransfer(func(t *WarmTransferSession) bool {
		return t.TargetAgentID == "" || t.TargetAgentID == targetAgentID
	}, targetAgentID, next)
}

// AdvanceTransfer moves the current transfer regardless of target.
func (s *Store) AdvanceTransfer(next TransferStatus) error {
	return s.advanceTransfer(func(*WarmTransferSession) bool { return true }, "", next)
}

func (s *Store) advanceTransfer(match func(*WarmTransferSession) bool, agentID string, next TransferStatus) error {
	const op = "advanceTransfer"
	s.mu.Lock()
	if s.transfer == nil || !match(s.transfer) {
		s.mu.Unlock()
		return ErrStale
	}
	if s.transfer.Status == next {
		s.mu.Unlock()
		return nil
	}
	if !s.transfer.Status.CanTransitionTo(next) {
		status := s.transfer.Status
		s.mu.Unlock()
		return domainErr(op, ErrInvalidTransition, "%s -> %s", status, next)
	}
	if s.transfer.Completing && next == TransferStatusDeclined {
		s.mu.Unlock()
		return domainErr(op, ErrTransferCompleting, "")
	}

	t := s.transfer.clone()
	t.Status = next
	if agentID != "" && t.TargetAgentID == "" {
		t.TargetAgentID = agentID
	}
	if next == TransferStatusNone {
		t = nil
	}
	s.transfer = t
	snap := s.commit()
	var resolved Snapshot
	if next.IsOutcome() {
		s.transfer = nil
		resolved = s.commit()
	}
	s.mu.Unlock()

	s.emit(snap, EventTransferChanged)
	if next.IsOutcome() {
		s.emit(resolved, EventTransferChanged)
	}
	return nil
}

// BeginTransferCompletion marks an accepted transfer as completing and
// returns the state the completion request must carry.
func (s *Store) BeginTransferCompletion() (Snapshot, error) {
	const op = "completeTransfer"
	s.mu.Lock()
	switch {
	case s.conf.Status != ConferenceStatusConnected:
		s.mu.Unlock()
		return Snapshot{}, domainErr(op, ErrNoConference, "")
	case s.transfer == nil:
		s.mu.Unlock()
		return Snapshot{}, domainErr(op, ErrNoTransfer, "")
	case s.transfer.Completing:
		s.mu.Unlock()
		return Snapshot{}, domainErr(op, ErrTransferCompleting, "")
	case s.transfer.Status != TransferStatusAccepted:
		status := s.transfer.Status
		s.mu.Unlock()
		return Snapshot{}, domainErr(op, ErrTransferNotAccepted, "transfer is %s", status)
	}
	t := s.transfer.clone()
	t.Completing = true
	s.transfer = t
	snap := s.commit()
	s.mu.Unlock()

	s.emit(snap, EventTransferChanged)
	return snap, nil
}

// FinishTransferCompletion applies the attended transfer result. Success
// resolves both the transfer and the original call to none; failure leaves
// the transfer accepted so the agent may retry.
func (s *Store) FinishTransferCompletion(originalCallID string, success bool) error {
	s.mu.Lock()
	if success {
		if s.call == nil || s.call.CallID != originalCallID {
			// the original call already ended through another path
			if s.transfer != nil && s.transfer.OriginalCallID == originalCallID {
				s.transfer = nil
				snap := s.commit()
				s.mu.Unlock()
				s.emit(snap, EventTransferChanged)
				return nil
			}
			s.mu.Unlock()
			return ErrStale
		}
		s.transfer = nil
		s.offer = nil
		s.setCallLocked(nil)
		snap := s.commit()
		s.mu.Unlock()

		s.emit(snap, EventTransferChanged, EventCallChanged)
		return nil
	}

	if s.transfer == nil || s.transfer.OriginalCallID != originalCallID {
		s.mu.Unlock()
		return ErrStale
	}
	t := s.transfer.clone()
	t.Completing = false
	t.Status = TransferStatusAccepted
	s.transfer = t
	snap := s.commit()
	s.mu.Unlock()

	s.emit(snap, EventTransferChanged)
	return nil
}

// ResolveTransfer drops the transfer of originalCallID to none. An empty id
// resolves whatever transfer exists.
func (s *Store) ResolveTransfer(originalCallID string) error {
	s.mu.Lock()
	if s.transfer == nil {
		s.mu.Unlock()
		return nil
	}
	if originalCallID != "" && s.transfer.OriginalCallID != originalCallID {
		s.mu.Unlock()
		return ErrStale
	}
	s.transfer = nil
	snap := s.commit()
	s.mu.Unlock()

	s.emit(snap, EventTransferChanged)
	return nil
}

// ---- Offer transitions ----

// ClearOffer drops the ringing offer for callID. If its call was never
// accepted, the call goes with it.
func (s *Store) ClearOffer(callID string) error {
	s.mu.Lock()
	if s.offer == nil || s.offer.CallID != callID {
		s.mu.Unlock()
		return ErrStale
	}
	s.offer = nil
	topics := []string{EventOfferChanged}
	if s.callMatchesLocked(callID) && s.call.Status == CallStatusRinging {
		s.setCallLocked(nil)
		topics = append(topics, EventCallChanged)
	}
	snap := s.commit()
	s.mu.Unlock()

	s.emit(snap, topics...)
	return nil
}
