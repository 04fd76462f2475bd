// Package api implements HTTP handlers and helpers for the rescueroute service.
package api

import (
	"net/http"
	"strings"

	"rescueroute/internal/dispatch"
)

// Principal is the authenticated caller as seen by the HTTP layer.
type Principal struct {
	UserID    string
	UserType  string // CITIZEN, RESPONDER, DISPATCHER
	StationID string
}

// getPrincipal extracts the verified caller from the request.
// - If Authorization: Bearer is present, uses the configured verifier (dev/hmac/jwks).
// - Else falls back to headers for dev.
func (s *Server) getPrincipal(r *http.Request) Principal {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
		tok := strings.TrimSpace(authz[len("Bearer "):])
		if pr, err := s.Auth.Verify(tok); err == nil {
			return Principal{UserID: pr.UserID, UserType: pr.UserType, StationID: pr.StationID}
		}
	}
	return Principal{
		UserID:    r.Header.Get("X-User-Id"),
		UserType:  strings.ToUpper(r.Header.Get("X-User-Type")),
		StationID: r.Header.Get("X-Station-Id"),
	}
}

// Caller converts the principal into the identity shape the engine
// authorizes against.
func (p Principal) Caller() dispatch.Caller {
	return dispatch.Caller{ID: p.UserID, Role: dispatch.Role(p.UserType), StationID: p.StationID}
}

func (p Principal) IsCitizen() bool    { return p.UserType == string(dispatch.RoleCitizen) }
func (p Principal) IsResponder() bool  { return p.UserType == string(dispatch.RoleResponder) }
func (p Principal) IsDispatcher() bool { return p.UserType == string(dispatch.RoleDispatcher) }
