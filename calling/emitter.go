/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import "sync"

// Store change topics. EventChanged fires after every applied transition in
// addition to the specific topic.
const (
	EventChanged             = "changed"
	EventCallChanged         = "call"
	EventCallBound           = "call_bound"
	EventConferenceChanged   = "conference"
	EventParticipantsChanged = "participants"
	EventTransferChanged     = "transfer"
	EventOfferChanged        = "offer"
)

// ChangeHandler receives the snapshot taken right after a transition
type ChangeHandler func(snap Snapshot)

// EventEmitter provides a simple event pub/sub system
type EventEmitter struct {
	mu       sync.RWMutex
	handlers map[string][]ChangeHandler
}

// NewEventEmitter creates a new EventEmitter
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{
		handlers: make(map[string][]ChangeHandler),
	}
}

// On registers a handler for a topic
func (e *EventEmitter) On(topic string, handler ChangeHandler) {
	if handler == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[topic] = append(e.handlers[topic], handler)
}

// Off removes all handlers for a topic
func (e *EventEmitter) Off(topic string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, topic)
}

// Emit calls every handler of topic with snap
func (e *EventEmitter) Emit(topic string, snap Snapshot) {
	e.mu.RLock()
	handlers := make([]ChangeHandler, len(e.handlers[topic]))
	copy(handlers, e.handlers[topic])
	e.mu.RUnlock()

	for _, handler := range handlers {
		handler(snap)
	}
}
