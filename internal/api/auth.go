package api

import (
	"errors"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the token claims accepted on websocket upgrades. A token bound
// to a session may only open that session.
type Claims struct {
	SessionID string `json:"session_id,omitempty"`
	jwt.RegisteredClaims
}

var errSessionMismatch = errors.New("token is not valid for this session")

// validateToken checks an HMAC-signed token against secret.
func validateToken(secret, tokenString, sessionID string) (*Claims, error) {
	if secret == "" {
		return nil, errors.New("JWT_SECRET not configured")
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.SessionID != "" && claims.SessionID != sessionID {
		return nil, errSessionMismatch
	}
	return claims, nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.opts.AllowedOrigins) == 0 {
		return !s.opts.Production
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}
