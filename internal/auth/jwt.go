// Package auth provides JWT validation using JWKS.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Claims represents the JWT claims for terminal/ACP access as well as
// control-plane node management calls.
type Claims struct {
	jwt.RegisteredClaims
	Workspace string `json:"workspace"`
	Node      string `json:"node,omitempty"`
}

// JWTValidator validates JWTs using a remote JWKS endpoint.
type JWTValidator struct {
	jwks     *keyfunc.Keyfunc
	nodeID   string
	issuer   string
	audience string
}

// NewJWTValidator creates a new JWT validator that fetches keys from the JWKS endpoint.
// issuer and audience are validated against the control plane's configured values
// rather than hardcoded, since a node agent may be deployed against different
// control plane environments.
func NewJWTValidator(jwksURL, nodeID, issuer, audience string) (*JWTValidator, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Create a keyfunc that will fetch and cache JWKS
	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}

	return &JWTValidator{
		jwks:     k,
		nodeID:   nodeID,
		issuer:   issuer,
		audience: audience,
	}, nil
}

func (v *JWTValidator) parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}

	if v.issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil || iss != v.issuer {
			return nil, fmt.Errorf("invalid issuer")
		}
	}

	aud, err := claims.GetAudience()
	if err != nil {
		return nil, fmt.Errorf("failed to get audience: %w", err)
	}
	audienceValid := false
	for _, a := range aud {
		if a == v.audience {
			audienceValid = true
			break
		}
	}
	if !audienceValid {
		return nil, fmt.Errorf("invalid audience")
	}

	return claims, nil
}

// Validate validates a workspace-scoped JWT (terminal/ACP access) and returns
// the claims if valid.
func (v *JWTValidator) Validate(tokenString string) (*Claims, error) {
	claims, err := v.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Workspace == "" {
		return nil, fmt.Errorf("token missing workspace claim")
	}
	return claims, nil
}

// ValidateNodeManagementToken validates a token issued by the control plane
// for node-management calls (workspace provisioning/teardown, node-scoped
// routes). When workspaceID is non-empty and the claims carry a workspace
// claim, the two must match; a node-scoped token with no workspace claim is
// still accepted so the control plane can manage node-level endpoints.
func (v *JWTValidator) ValidateNodeManagementToken(tokenString, workspaceID string) (*Claims, error) {
	claims, err := v.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Node != "" && v.nodeID != "" && claims.Node != v.nodeID {
		return nil, fmt.Errorf("node ID mismatch: expected %s, got %s", v.nodeID, claims.Node)
	}
	if workspaceID != "" && claims.Workspace != "" && claims.Workspace != workspaceID {
		return nil, fmt.Errorf("workspace ID mismatch: expected %s, got %s", workspaceID, claims.Workspace)
	}
	return claims, nil
}

// GetUserID extracts the user ID from validated claims.
func (v *JWTValidator) GetUserID(claims *Claims) string {
	return claims.Subject
}

// Close cleans up resources used by the validator.
func (v *JWTValidator) Close() {
	// The keyfunc will stop refreshing in the background
}
