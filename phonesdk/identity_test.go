/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package phonesdk

import (
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

func signToken(t *testing.T, claims interface{}) string {
	t.Helper()
	key := []byte("0123456789abcdef0123456789abcdef")
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}
	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return token
}

func TestIdentityFromToken(t *testing.T) {
	expiry := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("agentId claim wins", func(t *testing.T) {
		token := signToken(t, map[string]interface{}{
			"sub":     "user-1",
			"agentId": "agent-7",
			"name":    "Dana",
			"region":  "us-west",
			"exp":     expiry.Unix(),
		})
		id, err := IdentityFromToken(token)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if id.AgentID != "agent-7" || id.Name != "Dana" || id.Region != "us-west" {
			t.Errorf("Unexpected identity %+v", id)
		}
		if !id.ExpiresAt.Equal(expiry) {
			t.Errorf("Expected expiry %v, got %v", expiry, id.ExpiresAt)
		}
		if id.Expired(expiry.Add(-time.Hour)) {
			t.Error("Expected token to be valid before expiry")
		}
		if !id.Expired(expiry.Add(time.Hour)) {
			t.Error("Expected token to be expired after expiry")
		}
	})

	t.Run("subject fallback", func(t *testing.T) {
		id, err := IdentityFromToken(signToken(t, map[string]interface{}{"sub": "user-1"}))
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if id.AgentID != "user-1" {
			t.Errorf("Expected subject as agent id, got %q", id.AgentID)
		}
		if id.Expired(time.Now()) {
			t.Error("Token without exp should never report expired")
		}
	})

	t.Run("no identity", func(t *testing.T) {
		if _, err := IdentityFromToken(signToken(t, map[string]interface{}{"name": "x"})); err == nil {
			t.Error("Expected error for token without identity")
		}
	})

	t.Run("malformed", func(t *testing.T) {
		if _, err := IdentityFromToken("not-a-jwt"); err == nil {
			t.Error("Expected error for malformed token")
		}
	})
}
