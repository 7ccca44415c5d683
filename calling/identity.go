/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import "sync"

// CallIdentityCell holds the call id of the current ActiveCall. The Store is
// its only writer; every asynchronous completion reads it before applying.
type CallIdentityCell struct {
	mu          sync.RWMutex
	callID      string
	placeholder bool
}

// Load returns the current call id, or "" when there is no call.
func (c *CallIdentityCell) Load() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callID
}

// Matches reports whether id is the current call id.
func (c *CallIdentityCell) Matches(id string) bool {
	if id == "" {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callID == id
}

// AwaitingProviderID reports whether a dial is in flight and the current id
// is still local.
func (c *CallIdentityCell) AwaitingProviderID() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.placeholder
}

func (c *CallIdentityCell) set(id string, placeholder bool) {
	c.mu.Lock()
	c.callID = id
	c.placeholder = placeholder
	c.mu.Unlock()
}
