/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"errors"
	"fmt"
)

// Precondition failures. They are rejected locally and never sent to the
// provider. Match them with errors.Is.
var (
	ErrNoConference        = errors.New("conference is not connected")
	ErrNoActiveCall        = errors.New("no active call")
	ErrCallInProgress      = errors.New("a call is already in progress")
	ErrCallNotEstablished  = errors.New("call is not connected")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrNoTarget            = errors.New("no call or agent participant to target")
	ErrNoTransfer          = errors.New("no warm transfer in progress")
	ErrTransferInProgress  = errors.New("a warm transfer is already in progress")
	ErrTransferNotAccepted = errors.New("warm transfer has not been accepted")
	ErrTransferCompleting  = errors.New("warm transfer completion already in flight")
	ErrNoOffer             = errors.New("no offer is ringing")
	ErrOfferPending        = errors.New("another offer is ringing")
	ErrInvalidNumber       = errors.New("invalid phone number")
	ErrInvalidDigits       = errors.New("invalid DTMF digits")
)

// ErrStale reports a result that was discarded because the call or
// conference it targeted is no longer current.
var ErrStale = errors.New("stale result discarded")

// ErrMicrophoneUnavailable blocks conference entry when capture cannot be
// acquired.
var ErrMicrophoneUnavailable = errors.New("microphone unavailable")

// DomainError is a rejected transition or command precondition.
type DomainError struct {
	Op     string
	Err    error
	Detail string
}

func (e *DomainError) Error() string {
	msg := e.Op + ": " + e.Err.Error()
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *DomainError) Unwrap() error { return e.Err }

func domainErr(op string, err error, format string, args ...any) error {
	de := &DomainError{Op: op, Err: err}
	if format != "" {
		de.Detail = fmt.Sprintf(format, args...)
	}
	return de
}

// IsDomainError reports whether err is a local precondition failure.
func IsDomainError(err error) bool {
	var de *DomainError
	return errors.As(err, &de)
}

// IsStale reports whether err is a discarded stale result.
func IsStale(err error) bool {
	return errors.Is(err, ErrStale)
}
