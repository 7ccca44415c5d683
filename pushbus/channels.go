/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package pushbus

// Channel naming.
//
//	incoming-call                          - inbound calls offered to any agent
//	ring-group-notification                - ring group calls, filtered by region
//	call-ended                             - provider-side hangups
//	outbound-call-status                   - progress of dialed legs
//	user-notification-<agentId>            - direct dial to one agent
//	warm-transfer-notification-<agentId>   - consult offered to one agent
//	warm-transfer-accepted-<agentId>       - consult target picked up
//	warm-transfer-declined-<agentId>       - consult target refused
//	conference-<conferenceId>              - bridge membership changes
const (
	ChannelIncomingCall       = "incoming-call"
	ChannelRingGroup          = "ring-group-notification"
	ChannelCallEnded          = "call-ended"
	ChannelOutboundCallStatus = "outbound-call-status"

	prefixUserNotification = "user-notification-"
	prefixTransferOffer    = "warm-transfer-notification-"
	prefixTransferAccepted = "warm-transfer-accepted-"
	prefixTransferDeclined = "warm-transfer-declined-"
	prefixConference       = "conference-"
)

// Internal event types dispatched on connection state changes. They are
// never sent by the server.
const (
	EventConnected    = "pushbus.connected"
	EventDisconnected = "pushbus.disconnected"
)

// UserNotificationChannel is the direct-dial channel of an agent.
func UserNotificationChannel(agentID string) string {
	return prefixUserNotification + agentID
}

// TransferOfferChannel carries consult offers addressed to an agent.
func TransferOfferChannel(agentID string) string {
	return prefixTransferOffer + agentID
}

// TransferAcceptedChannel reports that the consult target answered.
func TransferAcceptedChannel(agentID string) string {
	return prefixTransferAccepted + agentID
}

// TransferDeclinedChannel reports that the consult target refused.
func TransferDeclinedChannel(agentID string) string {
	return prefixTransferDeclined + agentID
}

// ConferenceChannel carries participant changes of one bridge.
func ConferenceChannel(conferenceID string) string {
	return prefixConference + conferenceID
}

// AgentChannels lists every channel keyed by the agent identity plus the
// shared call-lifecycle channels.
func AgentChannels(agentID string) []string {
	return []string{
		ChannelIncomingCall,
		ChannelRingGroup,
		ChannelCallEnded,
		ChannelOutboundCallStatus,
		UserNotificationChannel(agentID),
		TransferOfferChannel(agentID),
		TransferAcceptedChannel(agentID),
		TransferDeclinedChannel(agentID),
	}
}
