/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import "strings"

// ---- ActiveCall ----

// CallStatus is the lifecycle state of the active call leg
type CallStatus string

const (
	CallStatusQueued     CallStatus = "queued"
	CallStatusConnecting CallStatus = "connecting"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusConnected  CallStatus = "connected"
	CallStatusOnHold     CallStatus = "onHold"
	CallStatusCanceled   CallStatus = "canceled"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusBusy       CallStatus = "busy"
	CallStatusFailed     CallStatus = "failed"
)

// Terminal states are absent from the table: leaving them is a local clear,
// not a transition.
var callTransitions = map[CallStatus][]CallStatus{
	CallStatusQueued:     {CallStatusConnecting, CallStatusRinging, CallStatusConnected},
	CallStatusConnecting: {CallStatusRinging, CallStatusConnected},
	CallStatusRinging:    {CallStatusConnecting, CallStatusConnected},
	CallStatusConnected:  {CallStatusOnHold},
	CallStatusOnHold:     {CallStatusConnected},
}

// String returns the string representation of the status
func (s CallStatus) String() string { return string(s) }

// IsTerminal reports whether the call has ended
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusCanceled, CallStatusCompleted, CallStatusBusy, CallStatusFailed:
		return true
	}
	return false
}

// IsLive reports whether the call is connected, on hold or not yet answered.
func (s CallStatus) IsLive() bool {
	return s != "" && !s.IsTerminal()
}

// IsEstablished reports whether the call was answered and has not ended.
func (s CallStatus) IsEstablished() bool {
	return s == CallStatusConnected || s == CallStatusOnHold
}

// CanTransitionTo checks if moving from s to next is allowed. Any live
// status may move to a terminal one.
func (s CallStatus) CanTransitionTo(next CallStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next.IsTerminal() {
		_, ok := callTransitions[s]
		return ok
	}
	for _, allowed := range callTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseProviderCallStatus maps a provider status string onto CallStatus.
func ParseProviderCallStatus(status string) (CallStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "queued":
		return CallStatusQueued, true
	case "initiated", "connecting":
		return CallStatusConnecting, true
	case "ringing":
		return CallStatusRinging, true
	case "in-progress", "answered", "connected":
		return CallStatusConnected, true
	case "completed":
		return CallStatusCompleted, true
	case "busy":
		return CallStatusBusy, true
	case "failed", "no-answer":
		return CallStatusFailed, true
	case "canceled", "cancelled":
		return CallStatusCanceled, true
	}
	return "", false
}

// CallType distinguishes how the leg entered the bridge
type CallType string

const (
	CallTypeInbound    CallType = "inbound"
	CallTypeOutbound   CallType = "outbound"
	CallTypeConference CallType = "conference"
)

// ---- ConferenceSession ----

// ConferenceStatus is the lifecycle state of the agent's bridge
type ConferenceStatus string

const (
	ConferenceStatusNone          ConferenceStatus = "none"
	ConferenceStatusConnecting    ConferenceStatus = "connecting"
	ConferenceStatusConnected     ConferenceStatus = "connected"
	ConferenceStatusDisconnecting ConferenceStatus = "disconnecting"
	ConferenceStatusDisconnected  ConferenceStatus = "disconnected"
)

var conferenceTransitions = map[ConferenceStatus][]ConferenceStatus{
	ConferenceStatusNone:          {ConferenceStatusConnecting},
	ConferenceStatusConnecting:    {ConferenceStatusConnected, ConferenceStatusDisconnecting, ConferenceStatusDisconnected},
	ConferenceStatusConnected:     {ConferenceStatusDisconnecting, ConferenceStatusDisconnected},
	ConferenceStatusDisconnecting: {ConferenceStatusDisconnected},
	ConferenceStatusDisconnected:  {ConferenceStatusConnecting},
}

// String returns the string representation of the status
func (s ConferenceStatus) String() string { return string(s) }

// CanTransitionTo checks if moving from s to next is allowed
func (s ConferenceStatus) CanTransitionTo(next ConferenceStatus) bool {
	for _, allowed := range conferenceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ---- WarmTransferSession ----

// TransferStatus is the lifecycle state of a warm transfer
type TransferStatus string

const (
	TransferStatusNone         TransferStatus = "none"
	TransferStatusPending      TransferStatus = "pending"
	TransferStatusConnected    TransferStatus = "connected"
	TransferStatusAccepted     TransferStatus = "accepted"
	TransferStatusDisconnected TransferStatus = "disconnected"
	TransferStatusFailed       TransferStatus = "failed"
	TransferStatusDeclined     TransferStatus = "declined"
)

// connected: the consult leg answered but the target agent has not accepted.
var transferTransitions = map[TransferStatus][]TransferStatus{
	TransferStatusNone: {TransferStatusPending},
	TransferStatusPending: {
		TransferStatusConnected, TransferStatusAccepted, TransferStatusFailed,
		TransferStatusDeclined, TransferStatusDisconnected, TransferStatusNone,
	},
	TransferStatusConnected: {
		TransferStatusAccepted, TransferStatusFailed, TransferStatusDeclined,
		TransferStatusDisconnected, TransferStatusNone,
	},
	TransferStatusAccepted:     {TransferStatusDisconnected, TransferStatusDeclined, TransferStatusNone},
	TransferStatusDisconnected: {TransferStatusNone},
	TransferStatusFailed:       {TransferStatusNone},
	TransferStatusDeclined:     {TransferStatusNone},
}

// String returns the string representation of the status
func (s TransferStatus) String() string { return string(s) }

// CanTransitionTo checks if moving from s to next is allowed
func (s TransferStatus) CanTransitionTo(next TransferStatus) bool {
	for _, allowed := range transferTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsOutcome reports whether the status ends the transfer. Outcomes resolve
// to none immediately after being recorded.
func (s TransferStatus) IsOutcome() bool {
	return s == TransferStatusFailed || s == TransferStatusDeclined || s == TransferStatusDisconnected
}

// ---- Offer ----

// OfferKind distinguishes a ringing inbound call from a consult offer
type OfferKind string

const (
	OfferKindCall     OfferKind = "call"
	OfferKindTransfer OfferKind = "transfer"
)
