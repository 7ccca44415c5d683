/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package callcontrol

import (
	"context"
	"net/http"
	"net/url"

	"github.com/tejzpr/agentphone/phonesdk"
)

// Provider call status values accepted by call/update.
const (
	UpdateCanceled  = "canceled"
	UpdateCompleted = "completed"
)

// ConnectRequest opens the agent's standing bridge.
type ConnectRequest struct {
	AgentID string `json:"agentId"`
	Region  string `json:"region,omitempty"`
}

// Conference is returned by conference/connect.
type Conference struct {
	ConferenceID  string `json:"conferenceId"`
	BridgeURL     string `json:"bridgeUrl"`
	ParticipantID string `json:"participantId,omitempty"`
}

// DialRequest routes a new leg into the bridge identified by BridgeURL.
type DialRequest struct {
	ConferenceID string `json:"conferenceId"`
	BridgeURL    string `json:"bridgeUrl"`
	To           string `json:"to"`
	From         string `json:"from,omitempty"`
	// Consult marks a warm-transfer consult leg.
	Consult bool `json:"consult,omitempty"`
	// OriginalCallID is set on consult legs.
	OriginalCallID string `json:"originalCallId,omitempty"`
}

// DialResponse is returned by call/dial.
type DialResponse struct {
	CallID        string `json:"callId"`
	ParticipantID string `json:"participantId,omitempty"`
	Status        string `json:"status,omitempty"`
	// AgentID is set when the dialed number routes to another agent.
	AgentID     string `json:"agentId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// ParticipantRequest addresses one participant of a conference. Either
// CallID or ParticipantID identifies the target.
type ParticipantRequest struct {
	ConferenceID  string `json:"conferenceId"`
	CallID        string `json:"callId,omitempty"`
	ParticipantID string `json:"participantId,omitempty"`
}

// Participant is one leg joined to a conference.
type Participant struct {
	ParticipantID string `json:"participantId"`
	CallID        string `json:"callId,omitempty"`
	Label         string `json:"label,omitempty"`
	Number        string `json:"number,omitempty"`
	Muted         bool   `json:"muted,omitempty"`
	Hold          bool   `json:"hold,omitempty"`
	Agent         bool   `json:"agent,omitempty"`
}

// ParticipantResponse is returned by participant/add.
type ParticipantResponse struct {
	ParticipantID string `json:"participantId"`
	CallID        string `json:"callId,omitempty"`
}

type participantsResponse struct {
	ConferenceID string        `json:"conferenceId"`
	Items        []Participant `json:"items"`
}

// UpdateCallRequest forces a provider status on a call leg.
type UpdateCallRequest struct {
	CallID string `json:"callId"`
	Status string `json:"status"`
}

// AttendedTransferRequest moves the original call to the target agent's bridge.
type AttendedTransferRequest struct {
	ConferenceID  string `json:"conferenceId"`
	CallID        string `json:"callId"`
	TargetCallID  string `json:"targetCallId"`
	TargetAgentID string `json:"targetAgentId,omitempty"`
	ParticipantID string `json:"participantId,omitempty"`
}

// BlindTransferRequest redirects the call without a consult leg.
type BlindTransferRequest struct {
	ConferenceID string `json:"conferenceId"`
	CallID       string `json:"callId"`
	To           string `json:"to"`
}

// AcceptTransferRequest pulls an offered transfer into the agent's bridge.
type AcceptTransferRequest struct {
	ConferenceID string `json:"conferenceId"`
	CallID       string `json:"callId"`
}

// TransferResponse is returned by the transfer endpoints.
type TransferResponse struct {
	CallID        string `json:"callId,omitempty"`
	ParticipantID string `json:"participantId,omitempty"`
}

// DTMFRequest sends touch-tone digits on a call leg.
type DTMFRequest struct {
	ConferenceID string `json:"conferenceId"`
	CallID       string `json:"callId,omitempty"`
	Digits       string `json:"digits"`
}

// Client is the call-control API client
type Client struct {
	sdk *phonesdk.Client
}

// New creates a call-control client on top of the core client
func New(sdk *phonesdk.Client) *Client {
	return &Client{sdk: sdk}
}

// ConnectConference opens the agent's bridge and returns its identifiers.
func (c *Client) ConnectConference(ctx context.Context, req *ConnectRequest) (*Conference, error) {
	const path = "conference/connect"
	var out Conference
	if err := c.sdk.Do(ctx, http.MethodPost, path, nil, req, &out); err != nil {
		return nil, err
	}
	if out.ConferenceID == "" {
		return nil, &phonesdk.ProtocolError{Path: path, Field: "conferenceId"}
	}
	if out.BridgeURL == "" {
		return nil, &phonesdk.ProtocolError{Path: path, Field: "bridgeUrl"}
	}
	return &out, nil
}

// DisconnectConference tears down the bridge.
func (c *Client) DisconnectConference(ctx context.Context, conferenceID string) error {
	return c.sdk.Do(ctx, http.MethodPost, "conference/disconnect", nil,
		map[string]string{"conferenceId": conferenceID}, nil)
}

// AddParticipant joins a call leg to the conference.
func (c *Client) AddParticipant(ctx context.Context, req *ParticipantRequest) (*ParticipantResponse, error) {
	const path = "conference/participant/add"
	var out ParticipantResponse
	if err := c.sdk.Do(ctx, http.MethodPost, path, nil, req, &out); err != nil {
		return nil, err
	}
	if out.ParticipantID == "" {
		return nil, &phonesdk.ProtocolError{Path: path, Field: "participantId"}
	}
	return &out, nil
}

// DeleteParticipant removes a leg from the conference, hanging it up.
func (c *Client) DeleteParticipant(ctx context.Context, req *ParticipantRequest) error {
	return c.participantAction(ctx, "delete", req)
}

// MuteParticipant mutes a participant.
func (c *Client) MuteParticipant(ctx context.Context, req *ParticipantRequest) error {
	return c.participantAction(ctx, "mute", req)
}

// UnmuteParticipant unmutes a participant.
func (c *Client) UnmuteParticipant(ctx context.Context, req *ParticipantRequest) error {
	return c.participantAction(ctx, "unmute", req)
}

// HoldParticipant places a participant on hold.
func (c *Client) HoldParticipant(ctx context.Context, req *ParticipantRequest) error {
	return c.participantAction(ctx, "hold", req)
}

// ResumeParticipant takes a participant off hold.
func (c *Client) ResumeParticipant(ctx context.Context, req *ParticipantRequest) error {
	return c.participantAction(ctx, "resume", req)
}

func (c *Client) participantAction(ctx context.Context, action string, req *ParticipantRequest) error {
	return c.sdk.Do(ctx, http.MethodPost, "conference/participant/"+action, nil, req, nil)
}

// ListParticipants reads the current participant list. Being read-only, it is
// retried on transient failures.
func (c *Client) ListParticipants(ctx context.Context, conferenceID string) ([]Participant, error) {
	params := url.Values{}
	params.Set("conferenceId", conferenceID)

	var out participantsResponse
	if err := c.sdk.Do(ctx, http.MethodGet, "conference/participants", params, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Dial places a new call leg.
func (c *Client) Dial(ctx context.Context, req *DialRequest) (*DialResponse, error) {
	const path = "call/dial"
	var out DialResponse
	if err := c.sdk.Do(ctx, http.MethodPost, path, nil, req, &out); err != nil {
		return nil, err
	}
	if out.CallID == "" {
		return nil, &phonesdk.ProtocolError{Path: path, Field: "callId"}
	}
	return &out, nil
}

// UpdateCall sets a provider status directly on a call leg.
func (c *Client) UpdateCall(ctx context.Context, req *UpdateCallRequest) error {
	return c.sdk.Do(ctx, http.MethodPost, "call/update", nil, req, nil)
}

// TransferAttended completes a warm transfer.
func (c *Client) TransferAttended(ctx context.Context, req *AttendedTransferRequest) (*TransferResponse, error) {
	var out TransferResponse
	if err := c.sdk.Do(ctx, http.MethodPost, "conference/transfer/attended", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TransferBlind redirects a call to another number.
func (c *Client) TransferBlind(ctx context.Context, req *BlindTransferRequest) (*TransferResponse, error) {
	var out TransferResponse
	if err := c.sdk.Do(ctx, http.MethodPost, "conference/transfer/blind", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TransferAccept pulls an offered transfer into the caller's bridge.
func (c *Client) TransferAccept(ctx context.Context, req *AcceptTransferRequest) (*TransferResponse, error) {
	const path = "conference/transfer/accept"
	var out TransferResponse
	if err := c.sdk.Do(ctx, http.MethodPost, path, nil, req, &out); err != nil {
		return nil, err
	}
	if out.CallID == "" {
		return nil, &phonesdk.ProtocolError{Path: path, Field: "callId"}
	}
	return &out, nil
}

// SendDTMF sends touch-tone digits.
func (c *Client) SendDTMF(ctx context.Context, req *DTMFRequest) error {
	return c.sdk.Do(ctx, http.MethodPost, "conference/dtmf", nil, req, nil)
}
