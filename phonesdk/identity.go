/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package phonesdk

import (
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// Identity is the agent identity carried by an access token. The token is
// verified by the provider; it is only decoded here to key push channels.
type Identity struct {
	AgentID   string
	Name      string
	Region    string
	ExpiresAt time.Time
}

type agentClaims struct {
	jwt.Claims
	AgentID string `json:"agentId,omitempty"`
	Name    string `json:"name,omitempty"`
	Region  string `json:"region,omitempty"`
}

var tokenAlgorithms = []jose.SignatureAlgorithm{
	jose.HS256, jose.HS384, jose.HS512,
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.EdDSA,
}

// IdentityFromToken extracts the agent identity from a JWT access token.
// agentId takes precedence over the subject claim.
func IdentityFromToken(token string) (*Identity, error) {
	parsed, err := jwt.ParseSigned(token, tokenAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("error parsing access token: %w", err)
	}

	var claims agentClaims
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return nil, fmt.Errorf("error reading access token claims: %w", err)
	}

	id := &Identity{
		AgentID: claims.AgentID,
		Name:    claims.Name,
		Region:  claims.Region,
	}
	if id.AgentID == "" {
		id.AgentID = claims.Subject
	}
	if id.AgentID == "" {
		return nil, fmt.Errorf("access token carries no agent identity")
	}
	if claims.Expiry != nil {
		id.ExpiresAt = claims.Expiry.Time()
	}
	return id, nil
}

// Expired reports whether the token expiry has passed at now.
func (i *Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}
