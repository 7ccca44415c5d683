/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package phonesdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// APIError is a rejection returned by the call-control provider. The
// status-specific types below embed it; errors.As(err, &apiErr) reaches the
// shared fields from any of them.
type APIError struct {
	StatusCode int
	Status     string

	// Method and Endpoint name the rejected request, e.g. POST call/dial.
	Method   string
	Endpoint string

	Message string

	// TrackingID correlates the request with provider logs. It falls back
	// to the id the client stamped on the request.
	TrackingID string

	// RetryAfter is zero unless the provider asked for a pause.
	RetryAfter time.Duration

	RawBody []byte
	Err     error
}

func (e *APIError) Error() string {
	msg := "call-control"
	if e.Endpoint != "" {
		msg += " " + e.Method + " " + e.Endpoint
	}
	msg += ": " + strconv.Itoa(e.StatusCode)
	if e.Message != "" {
		msg += " " + e.Message
	}
	if e.TrackingID != "" {
		msg += " (trackingId " + e.TrackingID + ")"
	}
	return msg
}

func (e *APIError) Unwrap() error { return e.Err }

// AuthError means the provider no longer accepts the access token. Nothing
// the agent holds on the bridge can be trusted after it.
type AuthError struct{ *APIError }

func (e *AuthError) Unwrap() error { return e.APIError }

// ForbiddenError means the agent may not act on the addressed conference
// or call.
type ForbiddenError struct{ *APIError }

func (e *ForbiddenError) Unwrap() error { return e.APIError }

// NotFoundError means the addressed call or participant leg is already gone.
type NotFoundError struct{ *APIError }

func (e *NotFoundError) Unwrap() error { return e.APIError }

// ConflictError means the leg changed state before the command landed.
type ConflictError struct{ *APIError }

func (e *ConflictError) Unwrap() error { return e.APIError }

// RateLimitError carries the provider's Retry-After in RetryAfter.
type RateLimitError struct{ *APIError }

func (e *RateLimitError) Unwrap() error { return e.APIError }

// ServerError covers every 5xx.
type ServerError struct{ *APIError }

func (e *ServerError) Unwrap() error { return e.APIError }

var statusErrors = map[int]func(*APIError) error{
	http.StatusUnauthorized:    func(e *APIError) error { return &AuthError{e} },
	http.StatusForbidden:       func(e *APIError) error { return &ForbiddenError{e} },
	http.StatusNotFound:        func(e *APIError) error { return &NotFoundError{e} },
	http.StatusConflict:        func(e *APIError) error { return &ConflictError{e} },
	http.StatusTooManyRequests: func(e *APIError) error { return &RateLimitError{e} },
}

// providerFault is the body the call-control API sends with a rejection.
// Older endpoints put the text under "error".
type providerFault struct {
	Message    string `json:"message"`
	Error      string `json:"error"`
	TrackingID string `json:"trackingId"`
}

// NewAPIError classifies a rejected call-control response by status code.
// An unparseable body is kept in RawBody only.
func NewAPIError(resp *http.Response, body []byte) error {
	e := &APIError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		RawBody:    body,
		RetryAfter: retryAfter(resp.Header),
	}

	var fault providerFault
	if len(body) > 0 && json.Unmarshal(body, &fault) == nil {
		e.Message = fault.Message
		if e.Message == "" {
			e.Message = fault.Error
		}
		e.TrackingID = fault.TrackingID
	}
	if req := resp.Request; req != nil {
		e.Method = req.Method
		if req.URL != nil {
			e.Endpoint = req.URL.Path
		}
		if e.TrackingID == "" {
			e.TrackingID = req.Header.Get(TrackingIDHeader)
		}
	}

	if wrap, ok := statusErrors[resp.StatusCode]; ok {
		return wrap(e)
	}
	if resp.StatusCode >= 500 {
		return &ServerError{e}
	}
	return e
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(h http.Header) time.Duration {
	seconds, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// TransportError is a request that never got a response.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("call-control %s %s unreachable: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a 2xx response missing an identifier the caller needs,
// such as the callId of a dial. It counts as a failed request.
type ProtocolError struct {
	Path  string
	Field string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("call-control %s: response missing %s", e.Path, e.Field)
}

func is[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

// IsAuthError reports whether the provider rejected the access token.
func IsAuthError(err error) bool { return is[*AuthError](err) }

// IsForbidden reports a 403.
func IsForbidden(err error) bool { return is[*ForbiddenError](err) }

// IsNotFound reports whether the addressed leg no longer exists.
func IsNotFound(err error) bool { return is[*NotFoundError](err) }

// IsConflict reports a 409.
func IsConflict(err error) bool { return is[*ConflictError](err) }

// IsRateLimited reports a 429.
func IsRateLimited(err error) bool { return is[*RateLimitError](err) }

// IsServerError reports a 5xx.
func IsServerError(err error) bool { return is[*ServerError](err) }

// IsTransportError reports whether err failed before reaching the provider.
func IsTransportError(err error) bool { return is[*TransportError](err) }

// IsProtocolError reports a success response that lacked an id.
func IsProtocolError(err error) bool { return is[*ProtocolError](err) }
