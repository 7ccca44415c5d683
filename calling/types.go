/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import "time"

// ActiveCall is the one call leg the agent is party to.
type ActiveCall struct {
	Status          CallStatus `json:"status"`
	CallType        CallType   `json:"callType"`
	CallID          string     `json:"callId"`
	ParticipantID   string     `json:"participantId,omitempty"`
	ConnectedNumber string     `json:"connectedNumber,omitempty"`
	StartTime       time.Time  `json:"startTime,omitempty"`
	IsMuted         bool       `json:"isMuted"`
	IsOnHold        bool       `json:"isOnHold"`
	// Placeholder is set while CallID is a local id waiting for the dial
	// response to return the provider id.
	Placeholder bool `json:"placeholder,omitempty"`
}

// Participant is one leg joined to the agent's bridge.
type Participant struct {
	ParticipantID string `json:"participantId"`
	CallID        string `json:"callId,omitempty"`
	Label         string `json:"label,omitempty"`
	Number        string `json:"number,omitempty"`
	Muted         bool   `json:"muted"`
	Hold          bool   `json:"hold"`
	Agent         bool   `json:"agent"`
}

// ConferenceSession is the agent's standing bridge.
type ConferenceSession struct {
	Status             ConferenceStatus `json:"status"`
	ConferenceID       string           `json:"conferenceId,omitempty"`
	BridgeURL          string           `json:"bridgeUrl,omitempty"`
	AgentParticipantID string           `json:"agentParticipantId,omitempty"`
	Participants       []Participant    `json:"participants,omitempty"`
	AgentMuted         bool             `json:"agentMuted"`
	AgentOnHold        bool             `json:"agentOnHold"`
}

// WarmTransferSession is a consult-then-move transfer of the active call.
type WarmTransferSession struct {
	Status                TransferStatus `json:"status"`
	OriginalCallID        string         `json:"originalCallId"`
	OriginalParticipantID string         `json:"originalParticipantId,omitempty"`
	TargetNumber          string         `json:"targetNumber,omitempty"`
	TargetCallID          string         `json:"targetCallId,omitempty"`
	TargetAgentID         string         `json:"targetAgentId,omitempty"`
	TargetDisplayName     string         `json:"targetDisplayName,omitempty"`
	// Completing is set while the attended transfer request is in flight.
	Completing bool `json:"completing,omitempty"`
}

// Offer is the unanswered notification currently ringing.
type Offer struct {
	Kind        OfferKind              `json:"kind"`
	CallID      string                 `json:"callId"`
	From        string                 `json:"from,omitempty"`
	FromAgentID string                 `json:"fromAgentId,omitempty"`
	LeadData    map[string]interface{} `json:"leadData,omitempty"`
	Source      string                 `json:"source,omitempty"`
	ReceivedAt  time.Time              `json:"receivedAt"`
}

// Snapshot is an immutable copy of the session state. Version increases by
// one on every applied transition.
type Snapshot struct {
	Version    uint64               `json:"version"`
	Call       *ActiveCall          `json:"call,omitempty"`
	Conference ConferenceSession    `json:"conference"`
	Transfer   *WarmTransferSession `json:"transfer,omitempty"`
	Offer      *Offer               `json:"offer,omitempty"`
}

// CallID returns the active call id, or "" when there is no call.
func (s Snapshot) CallID() string {
	if s.Call == nil {
		return ""
	}
	return s.Call.CallID
}

// TransferStatus returns the transfer status, or none.
func (s Snapshot) TransferStatus() TransferStatus {
	if s.Transfer == nil {
		return TransferStatusNone
	}
	return s.Transfer.Status
}

func (c *ActiveCall) clone() *ActiveCall {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

func (t *WarmTransferSession) clone() *WarmTransferSession {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func (o *Offer) clone() *Offer {
	if o == nil {
		return nil
	}
	cp := *o
	if o.LeadData != nil {
		cp.LeadData = make(map[string]interface{}, len(o.LeadData))
		for k, v := range o.LeadData {
			cp.LeadData[k] = v
		}
	}
	return &cp
}

func (c ConferenceSession) clone() ConferenceSession {
	if c.Participants != nil {
		c.Participants = append([]Participant(nil), c.Participants...)
	}
	return c
}
