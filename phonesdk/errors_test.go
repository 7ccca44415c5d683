/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package phonesdk

import (
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestAPIError_ErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *APIError
		want string
	}{
		{"status only", &APIError{StatusCode: 500}, "call-control: 500"},
		{"with message", &APIError{StatusCode: 404, Message: "call not found"}, "call-control: 404 call not found"},
		{"with tracking id", &APIError{StatusCode: 409, Message: "busy", TrackingID: "T1"}, "call-control: 409 busy (trackingId T1)"},
		{"with endpoint", &APIError{StatusCode: 401, Method: "POST", Endpoint: "/call/dial"}, "call-control POST /call/dial: 401"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.err.Error(); got != tc.want {
				t.Errorf("Expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestNewAPIError_ReturnsCorrectSubtype(t *testing.T) {
	tests := []struct {
		status int
		check  func(error) bool
	}{
		{http.StatusUnauthorized, IsAuthError},
		{http.StatusForbidden, IsForbidden},
		{http.StatusNotFound, IsNotFound},
		{http.StatusConflict, IsConflict},
		{http.StatusTooManyRequests, IsRateLimited},
		{http.StatusInternalServerError, IsServerError},
		{http.StatusBadGateway, IsServerError},
	}
	for _, tc := range tests {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			resp := &http.Response{StatusCode: tc.status, Header: http.Header{}}
			err := NewAPIError(resp, []byte(`{"message":"nope","trackingId":"TR"}`))
			if !tc.check(err) {
				t.Errorf("Unexpected subtype %T", err)
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatal("Expected errors.As to reach *APIError")
			}
			if apiErr.Message != "nope" || apiErr.TrackingID != "TR" {
				t.Errorf("Expected parsed body, got %+v", apiErr)
			}
		})
	}
}

func TestNewAPIError_FallbacksAndRetryAfter(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, "http://example/call/dial", nil)
	req.Header.Set(TrackingIDHeader, "agentphone_x")
	resp := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{}, Request: req}
	resp.Header.Set("Retry-After", "7")

	err := NewAPIError(resp, []byte(`{"error":"slow down"}`))
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("Expected RateLimitError, got %T", err)
	}
	if rl.Message != "slow down" {
		t.Errorf("Expected message from error field, got %q", rl.Message)
	}
	if rl.TrackingID != "agentphone_x" {
		t.Errorf("Expected tracking id from request, got %q", rl.TrackingID)
	}
	if rl.RetryAfter != 7*time.Second {
		t.Errorf("Expected 7s RetryAfter, got %v", rl.RetryAfter)
	}
	if rl.Method != http.MethodPost || rl.Endpoint != "/call/dial" {
		t.Errorf("Expected rejected request recorded, got %s %s", rl.Method, rl.Endpoint)
	}
}

func TestNewAPIError_UnparseableBody(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusBadRequest, Header: http.Header{}}
	err := NewAPIError(resp, []byte("<html>bad</html>"))
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatal("Expected *APIError")
	}
	if apiErr.Message != "" || string(apiErr.RawBody) != "<html>bad</html>" {
		t.Errorf("Expected raw body preserved, got %+v", apiErr)
	}
}

func TestTransportAndProtocolErrors(t *testing.T) {
	base := errors.New("connection refused")
	te := &TransportError{Method: "POST", Path: "call/dial", Err: base}
	if !errors.Is(te, base) {
		t.Error("Expected TransportError to unwrap to its cause")
	}
	if !IsTransportError(te) || IsProtocolError(te) {
		t.Error("Unexpected classification for TransportError")
	}

	pe := &ProtocolError{Path: "call/dial", Field: "callId"}
	if !IsProtocolError(pe) {
		t.Error("Expected ProtocolError classification")
	}
	if !strings.Contains(pe.Error(), "callId") {
		t.Errorf("Expected field in message, got %q", pe.Error())
	}
}
